// Package vera is the engine facade: it runs report submission, status
// changes and reads inside store transactions and keeps every touched
// event reconciled.
package vera

import (
	"context"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/identity"
	"github.com/transformaps/vera/internal/ingest"
	"github.com/transformaps/vera/internal/metrics"
	"github.com/transformaps/vera/internal/models"
	"github.com/transformaps/vera/internal/reconcile"
	"github.com/transformaps/vera/internal/store"
)

const DefaultStatus = "pending"

type Options struct {
	Identity identity.Options
	// DefaultStatus is used for reports submitted without a status.
	DefaultStatus string
	// RebuildConcurrency bounds parallel event rebuilds.
	RebuildConcurrency int
	Clock              clockwork.Clock
}

type Service struct {
	store         store.Store
	resolver      *identity.Resolver
	ingestor      *ingest.Ingestor
	engine        *reconcile.Engine
	defaultStatus string
	log           *zap.Logger
}

func New(s store.Store, opts Options, log *zap.Logger) *Service {
	if log == nil {
		log = zap.L()
	}
	if opts.DefaultStatus == "" {
		opts.DefaultStatus = DefaultStatus
	}
	resolver := identity.New(opts.Identity, log)
	return &Service{
		store:         s,
		resolver:      resolver,
		ingestor:      ingest.New(resolver, opts.Clock, log),
		engine:        reconcile.New(s, opts.RebuildConcurrency, log),
		defaultStatus: opts.DefaultStatus,
		log:           log,
	}
}

// Store exposes the underlying record store, for health checks.
func (s *Service) Store() store.Store { return s.store }

// EventKey is the natural key of an event.
type EventKey struct {
	Latitude  float64
	Longitude float64
	Date      time.Time
}

// NewReport is a report submission. Values are keyed by parameter name or
// slug. An empty Status uses the configured default.
type NewReport struct {
	Event  EventKey
	Values map[string]any
	User   string
	Status string
}

// Result is one parameter value keyed by parameter slug.
type Result struct {
	TypeID string
	Value  any
}

type ReportReceipt struct {
	ReportID   int64
	EventID    int64
	EventLabel string
	// Results are the non-null values the report submitted.
	Results []Result
}

// CreateReport stores a report and reconciles its event in one transaction.
// Nothing is written when any value is rejected.
func (s *Service) CreateReport(ctx context.Context, in NewReport) (*ReportReceipt, error) {
	slug := in.Status
	if slug == "" {
		slug = s.defaultStatus
	}

	var (
		report *models.Report
		event  *models.Event
		sub    *ingest.Submission
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		if sub, err = s.ingestor.Prepare(ctx, tx, in.Values); err != nil {
			return err
		}
		site, err := s.resolver.Site(ctx, tx, in.Event.Latitude, in.Event.Longitude)
		if err != nil {
			return err
		}
		if event, err = s.resolver.Event(ctx, tx, site, in.Event.Date); err != nil {
			return err
		}
		if err := tx.LockEvent(ctx, event.ID); err != nil {
			return err
		}
		status, err := s.resolver.Status(ctx, tx, slug)
		if err != nil {
			return err
		}
		if report, err = s.ingestor.Insert(ctx, tx, event, sub, in.User, status); err != nil {
			return err
		}
		_, err = s.engine.Reconcile(ctx, tx, event.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.ReportsCreated.WithLabelValues(report.Status.Slug).Inc()
	s.log.Info("report created",
		zap.Int64("report_id", report.ID),
		zap.Int64("event_id", event.ID),
		zap.String("status", report.Status.Slug))

	return &ReportReceipt{
		ReportID:   report.ID,
		EventID:    event.ID,
		EventLabel: event.Label(),
		Results:    reportResults(report, sub.Parameters),
	}, nil
}

// ReportView is a stored report with its values keyed by parameter slug.
type ReportView struct {
	ID        int64
	EventID   int64
	User      string
	Status    models.ReportStatus
	CreatedAt time.Time
	Results   []Result
}

// UpdateReportStatus changes a report's status and reconciles its event in
// the same transaction.
func (s *Service) UpdateReportStatus(ctx context.Context, reportID int64, slug string) (*ReportView, error) {
	var view *ReportView
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		r, err := getReport(ctx, tx, reportID)
		if err != nil {
			return err
		}
		if err := tx.LockEvent(ctx, r.EventID); err != nil {
			return err
		}
		// Another writer may have changed the status before the lock.
		if r, err = getReport(ctx, tx, reportID); err != nil {
			return err
		}
		status, err := s.resolver.Status(ctx, tx, slug)
		if err != nil {
			return err
		}
		if status.ID != r.StatusID {
			if err := tx.UpdateReportStatus(ctx, r.ID, status.ID); err != nil {
				return err
			}
			r.StatusID, r.Status = status.ID, status
		}
		if _, err := s.engine.Reconcile(ctx, tx, r.EventID); err != nil {
			return err
		}
		view, err = reportView(ctx, tx, r)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.ReportStatusChanges.Inc()
	s.log.Info("report status updated",
		zap.Int64("report_id", reportID),
		zap.Int64("event_id", view.EventID),
		zap.String("status", view.Status.Slug))
	return view, nil
}

func (s *Service) GetReport(ctx context.Context, reportID int64) (*ReportView, error) {
	var view *ReportView
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		r, err := getReport(ctx, tx, reportID)
		if err != nil {
			return err
		}
		view, err = reportView(ctx, tx, r)
		return err
	})
	return view, err
}

func getReport(ctx context.Context, tx store.Tx, id int64) (*models.Report, error) {
	r, err := tx.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &errs.NotFoundError{Entity: "report", Key: formatID(id)}
	}
	return r, nil
}

func reportView(ctx context.Context, tx store.Tx, r *models.Report) (*ReportView, error) {
	params, err := parameterIndex(ctx, tx)
	if err != nil {
		return nil, err
	}
	view := &ReportView{
		ID:        r.ID,
		EventID:   r.EventID,
		User:      r.User,
		CreatedAt: r.CreatedAt,
		Results:   reportResults(r, params),
	}
	if r.Status != nil {
		view.Status = *r.Status
	}
	return view, nil
}

// reportResults lists the report's non-null values ordered by parameter id.
func reportResults(r *models.Report, params map[int64]*models.Parameter) []Result {
	ids := make([]int64, 0, len(r.Values))
	for id, v := range r.Values {
		if !v.IsNull() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make([]Result, 0, len(ids))
	for _, id := range ids {
		results = append(results, Result{TypeID: slugFor(params, id), Value: r.Values[id].Interface()})
	}
	return results
}
