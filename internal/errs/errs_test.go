package errs

import (
	"errors"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindInternal},
		{"plain", errors.New("boom"), KindInternal},
		{"unknown parameter", &UnknownParameterError{Names: []string{"Temperature"}}, KindUnknownParameter},
		{"invalid value", &InvalidValueError{Parameter: "temperature", Value: "warm", Reason: "not numeric"}, KindInvalidValue},
		{"not found", &NotFoundError{Entity: "event", Key: "9"}, KindNotFound},
		{"conflict", &ConflictError{Entity: "site", Key: "45,-95"}, KindConflict},
		{"storage", &StorageError{Op: "sqlite: insert report", Err: errors.New("disk full")}, KindStorage},
		{"eris wrapped", eris.Wrap(&NotFoundError{Entity: "report", Key: "1"}, "get report"), KindNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorsAsThroughEris(t *testing.T) {
	err := eris.Wrap(&UnknownParameterError{Names: []string{"Invalid Parameter"}}, "create report")

	var upe *UnknownParameterError
	require.True(t, errors.As(err, &upe))
	assert.Equal(t, []string{"Invalid Parameter"}, upe.Names)
	assert.True(t, IsClientError(err))
}

func TestStorage(t *testing.T) {
	assert.NoError(t, Storage("op", nil))

	wrapped := Storage("sqlite: list reports", errors.New("database is locked"))
	assert.Equal(t, KindStorage, KindOf(wrapped))
	assert.Contains(t, wrapped.Error(), "sqlite: list reports")

	nf := &NotFoundError{Entity: "event", Key: "3"}
	assert.Same(t, nf, Storage("sqlite: get event", nf).(*NotFoundError))
}

func TestMessages(t *testing.T) {
	assert.Equal(t, "unknown parameter: a, b", (&UnknownParameterError{Names: []string{"a", "b"}}).Error())
	assert.Equal(t, "event 12 not found", (&NotFoundError{Entity: "event", Key: "12"}).Error())
	assert.Equal(t, "invalid value x for temperature: not numeric",
		(&InvalidValueError{Parameter: "temperature", Value: "x", Reason: "not numeric"}).Error())
	assert.Equal(t, "conflict", KindConflict.String())
}
