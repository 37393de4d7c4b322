package store

import (
	"strconv"

	"github.com/transformaps/vera/internal/errs"
)

func notFound(entity string, id int64) error {
	return &errs.NotFoundError{Entity: entity, Key: strconv.FormatInt(id, 10)}
}
