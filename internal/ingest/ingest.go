// Package ingest validates submitted report values and stores reports.
package ingest

import (
	"context"
	"sort"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/identity"
	"github.com/transformaps/vera/internal/models"
	"github.com/transformaps/vera/internal/store"
)

type Ingestor struct {
	resolver *identity.Resolver
	clock    clockwork.Clock
	log      *zap.Logger
}

func New(resolver *identity.Resolver, clock clockwork.Clock, log *zap.Logger) *Ingestor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.L()
	}
	return &Ingestor{resolver: resolver, clock: clock, log: log}
}

// Submission is a value map that has been checked against the defined
// parameters. Values and Parameters are keyed by parameter id.
type Submission struct {
	Values     map[int64]models.Value
	Parameters map[int64]*models.Parameter
}

// Prepare resolves every key of values to a parameter and coerces its value.
// Unknown keys are reported together, in sorted order.
func (in *Ingestor) Prepare(ctx context.Context, tx store.Tx, values map[string]any) (*Submission, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	sub := &Submission{
		Values:     make(map[int64]models.Value, len(values)),
		Parameters: make(map[int64]*models.Parameter, len(values)),
	}
	seen := make(map[int64]string, len(values))
	var (
		resolved []*models.Parameter
		unknown  []string
	)
	for _, key := range keys {
		p, err := in.resolver.LookupParameter(ctx, tx, key)
		if errs.KindOf(err) == errs.KindUnknownParameter {
			unknown = append(unknown, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		if first, dup := seen[p.ID]; dup {
			return nil, &errs.InvalidValueError{
				Parameter: p.Slug,
				Value:     []string{first, key},
				Reason:    ReasonDuplicate,
			}
		}
		seen[p.ID] = key
		sub.Parameters[p.ID] = p
		resolved = append(resolved, p)
	}
	if len(unknown) > 0 {
		return nil, &errs.UnknownParameterError{Names: unknown}
	}

	for _, p := range resolved {
		v, err := Coerce(*p, values[seen[p.ID]])
		if err != nil {
			return nil, err
		}
		sub.Values[p.ID] = v
	}
	return sub, nil
}

// Insert stores a prepared submission as a new report of event, stamped
// with the ingestor's clock.
func (in *Ingestor) Insert(ctx context.Context, tx store.Tx, event *models.Event, sub *Submission, user string, status *models.ReportStatus) (*models.Report, error) {
	r := &models.Report{
		EventID:   event.ID,
		User:      user,
		StatusID:  status.ID,
		Status:    status,
		CreatedAt: in.clock.Now().UTC(),
		Values:    sub.Values,
	}
	if err := tx.InsertReport(ctx, r); err != nil {
		return nil, err
	}
	in.log.Debug("ingest: report stored",
		zap.Int64("report_id", r.ID), zap.Int64("event_id", event.ID),
		zap.String("status", status.Slug), zap.Int("values", len(r.Values)))
	return r, nil
}

// Create validates values and stores them as a new report. Nothing is
// written when validation fails.
func (in *Ingestor) Create(ctx context.Context, tx store.Tx, event *models.Event, values map[string]any, user string, status *models.ReportStatus) (*models.Report, error) {
	sub, err := in.Prepare(ctx, tx, values)
	if err != nil {
		return nil, err
	}
	return in.Insert(ctx, tx, event, sub, user, status)
}
