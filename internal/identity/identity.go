// Package identity resolves sites, parameters, statuses and events by their
// natural keys, creating them on first use.
package identity

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/metrics"
	"github.com/transformaps/vera/internal/models"
	"github.com/transformaps/vera/internal/store"
)

// Options tunes a Resolver. Zero values fall back to the defaults below.
type Options struct {
	// SitePrecision is the number of decimal places coordinates are rounded
	// to before they are used as a key. Values below 1 use the default.
	SitePrecision int
	// Attempts bounds find-or-create retries after a lost race.
	Attempts int
	// StrictStatuses makes unknown status slugs fail instead of creating a
	// non-valid status.
	StrictStatuses bool
}

const (
	DefaultSitePrecision = 4
	DefaultAttempts      = 5
)

type Resolver struct {
	precision int
	attempts  int
	strict    bool
	log       *zap.Logger

	// newBackOff is replaceable in tests.
	newBackOff func() backoff.BackOff
}

func New(opts Options, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.L()
	}
	if opts.SitePrecision <= 0 {
		opts.SitePrecision = DefaultSitePrecision
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	return &Resolver{
		precision: opts.SitePrecision,
		attempts:  opts.Attempts,
		strict:    opts.StrictStatuses,
		log:       log,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 10 * time.Millisecond
			bo.MaxInterval = 250 * time.Millisecond
			bo.MaxElapsedTime = 0
			return bo
		},
	}
}

// Coordinates validates and rounds a latitude/longitude pair to the site key
// precision.
func (r *Resolver) Coordinates(lat, lon float64) (float64, float64, error) {
	if math.IsNaN(lat) || math.IsInf(lat, 0) || lat < -90 || lat > 90 {
		return 0, 0, &errs.InvalidValueError{Parameter: "latitude", Value: lat, Reason: "must be within [-90, 90]"}
	}
	if math.IsNaN(lon) || math.IsInf(lon, 0) || lon < -180 || lon > 180 {
		return 0, 0, &errs.InvalidValueError{Parameter: "longitude", Value: lon, Reason: "must be within [-180, 180]"}
	}
	scale := math.Pow(10, float64(r.precision))
	round := func(v float64) float64 {
		v = math.Round(v*scale) / scale
		if v == 0 {
			return 0 // normalise -0
		}
		return v
	}
	return round(lat), round(lon), nil
}

// Site returns the site at the rounded coordinates, creating it if needed.
func (r *Resolver) Site(ctx context.Context, tx store.Tx, lat, lon float64) (*models.Site, error) {
	lat, lon, err := r.Coordinates(lat, lon)
	if err != nil {
		return nil, err
	}
	return findOrCreate(ctx, r, "site", fmt.Sprintf("%v,%v", lat, lon),
		func() (*models.Site, error) { return tx.GetSite(ctx, lat, lon) },
		func() (*models.Site, error) { return tx.InsertSite(ctx, lat, lon) },
	)
}

// LookupParameter finds a parameter by name or slug without creating it.
// The row stays share-locked until tx ends so its type cannot change under
// the caller.
func (r *Resolver) LookupParameter(ctx context.Context, tx store.Tx, nameOrSlug string) (*models.Parameter, error) {
	slug := Slugify(nameOrSlug)
	if slug == "" {
		return nil, &errs.UnknownParameterError{Names: []string{nameOrSlug}}
	}
	p, err := tx.LockParameter(ctx, slug, false)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, &errs.UnknownParameterError{Names: []string{nameOrSlug}}
	}
	return p, nil
}

// Parameter finds or creates a parameter by name. New parameters are text
// typed; DefineParameter in the service sets the type explicitly.
func (r *Resolver) Parameter(ctx context.Context, tx store.Tx, name string) (*models.Parameter, error) {
	return r.parameter(ctx, tx, models.Parameter{Name: name})
}

// ParameterWithDefaults is Parameter with the attributes used if the
// parameter has to be created.
func (r *Resolver) ParameterWithDefaults(ctx context.Context, tx store.Tx, def models.Parameter) (*models.Parameter, error) {
	return r.parameter(ctx, tx, def)
}

func (r *Resolver) parameter(ctx context.Context, tx store.Tx, def models.Parameter) (*models.Parameter, error) {
	def.Slug = Slugify(def.Name)
	if def.Slug == "" {
		return nil, &errs.InvalidValueError{Parameter: "name", Value: def.Name, Reason: "must contain a letter or digit"}
	}
	return findOrCreate(ctx, r, "parameter", def.Slug,
		func() (*models.Parameter, error) { return tx.GetParameter(ctx, def.Slug) },
		func() (*models.Parameter, error) { return tx.InsertParameter(ctx, def) },
	)
}

// Status finds a status by slug. Unknown slugs create a non-valid status
// unless the resolver is strict.
func (r *Resolver) Status(ctx context.Context, tx store.Tx, slug string) (*models.ReportStatus, error) {
	return r.StatusWithDefaults(ctx, tx, models.ReportStatus{Slug: slug, Name: slug}, !r.strict)
}

// StatusWithDefaults finds a status by def.Slug, creating it from def when
// create is set.
func (r *Resolver) StatusWithDefaults(ctx context.Context, tx store.Tx, def models.ReportStatus, create bool) (*models.ReportStatus, error) {
	raw := def.Slug
	def.Slug = Slugify(def.Slug)
	if def.Slug == "" {
		return nil, &errs.InvalidValueError{Parameter: "status", Value: raw, Reason: "must contain a letter or digit"}
	}
	if def.Name == "" {
		def.Name = raw
	}
	if !create {
		st, err := tx.GetStatus(ctx, def.Slug)
		if err != nil {
			return nil, err
		}
		if st == nil {
			return nil, &errs.NotFoundError{Entity: "status", Key: def.Slug}
		}
		return st, nil
	}
	return findOrCreate(ctx, r, "status", def.Slug,
		func() (*models.ReportStatus, error) { return tx.GetStatus(ctx, def.Slug) },
		func() (*models.ReportStatus, error) { return tx.InsertStatus(ctx, def) },
	)
}

// Event returns the event for the site on the given day, creating it if
// needed. The time of day is ignored.
func (r *Resolver) Event(ctx context.Context, tx store.Tx, site *models.Site, date time.Time) (*models.Event, error) {
	if site == nil {
		return nil, &errs.InvalidValueError{Parameter: "site", Reason: "required"}
	}
	if date.IsZero() {
		return nil, &errs.InvalidValueError{Parameter: "date", Reason: "required"}
	}
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	ev, err := findOrCreate(ctx, r, "event", fmt.Sprintf("%d/%s", site.ID, day.Format(models.DateLayout)),
		func() (*models.Event, error) { return tx.GetEvent(ctx, site.ID, day) },
		func() (*models.Event, error) { return tx.InsertEvent(ctx, site.ID, day) },
	)
	if err != nil {
		return nil, err
	}
	ev.Site = site
	return ev, nil
}

// errNotVisible marks an attempt where the insert hit an existing key that
// the following read could not see yet.
type errNotVisible struct{}

func (errNotVisible) Error() string { return "row not visible after conflicting insert" }

// findOrCreate looks a row up by natural key, inserts it when missing and
// re-reads it when the insert lost a race. Lost races are retried with
// backoff; every other error is returned at once.
func findOrCreate[T any](ctx context.Context, r *Resolver, entity, key string, find, create func() (*T, error)) (*T, error) {
	var found *T
	operation := func() error {
		row, err := find()
		if err != nil {
			return backoff.Permanent(err)
		}
		if row != nil {
			found = row
			return nil
		}

		row, err = create()
		if err != nil {
			return backoff.Permanent(err)
		}
		if row != nil {
			found = row
			return nil
		}

		metrics.IdentityConflicts.WithLabelValues(entity).Inc()
		row, err = find()
		if err != nil {
			return backoff.Permanent(err)
		}
		if row == nil {
			r.log.Debug("identity: conflicting insert not visible, retrying",
				zap.String("entity", entity), zap.String("key", key))
			return errNotVisible{}
		}
		found = row
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(r.attempts-1)), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		if _, ok := err.(errNotVisible); ok {
			r.log.Warn("identity: find-or-create exhausted",
				zap.String("entity", entity), zap.String("key", key), zap.Int("attempts", r.attempts))
			return nil, &errs.ConflictError{Entity: entity, Key: key, Err: err}
		}
		return nil, err
	}
	return found, nil
}
