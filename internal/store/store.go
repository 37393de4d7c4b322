package store

import (
	"context"
	"time"

	"github.com/transformaps/vera/internal/models"
)

// EventFilter selects events for a bulk rebuild. The zero value matches all
// events.
type EventFilter struct {
	Date   *time.Time `json:"date,omitempty"`
	From   *time.Time `json:"from,omitempty"`
	To     *time.Time `json:"to,omitempty"`
	SiteID int64      `json:"site_id,omitempty"`
}

// Store is the transactional record store behind the engine.
type Store interface {
	// InTx runs fn inside a transaction, committing when fn returns nil and
	// rolling back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the set of record operations available inside a transaction.
//
// Get* methods return (nil, nil) when no row matches. Insert* methods for
// natural-key entities use ON CONFLICT DO NOTHING and return (nil, nil) when
// a row with the same key already existed.
type Tx interface {
	GetSite(ctx context.Context, lat, lon float64) (*models.Site, error)
	GetSiteByID(ctx context.Context, id int64) (*models.Site, error)
	InsertSite(ctx context.Context, lat, lon float64) (*models.Site, error)

	GetParameter(ctx context.Context, slug string) (*models.Parameter, error)
	// LockParameter reads a parameter and locks its row until the transaction
	// ends: shared for report writers, exclusive for redefinition. Returns
	// (nil, nil) when no row matches.
	LockParameter(ctx context.Context, slug string, exclusive bool) (*models.Parameter, error)
	InsertParameter(ctx context.Context, p models.Parameter) (*models.Parameter, error)
	UpdateParameter(ctx context.Context, p models.Parameter) error
	ListParameters(ctx context.Context) ([]models.Parameter, error)
	ParameterInUse(ctx context.Context, id int64) (bool, error)

	GetStatus(ctx context.Context, slug string) (*models.ReportStatus, error)
	GetStatusByID(ctx context.Context, id int64) (*models.ReportStatus, error)
	InsertStatus(ctx context.Context, st models.ReportStatus) (*models.ReportStatus, error)
	UpdateStatus(ctx context.Context, st models.ReportStatus) error
	ListStatuses(ctx context.Context) ([]models.ReportStatus, error)

	GetEvent(ctx context.Context, siteID int64, date time.Time) (*models.Event, error)
	GetEventByID(ctx context.Context, id int64) (*models.Event, error)
	InsertEvent(ctx context.Context, siteID int64, date time.Time) (*models.Event, error)
	// LockEvent serializes writers of one event until the transaction ends.
	LockEvent(ctx context.Context, id int64) error
	ListEventIDs(ctx context.Context, f EventFilter) ([]int64, error)
	// EventsForStatus lists events owning at least one report with the status.
	EventsForStatus(ctx context.Context, statusID int64) ([]int64, error)
	SetEventValid(ctx context.Context, id int64, valid bool) error

	// InsertReport stores the report and its values and sets r.ID.
	InsertReport(ctx context.Context, r *models.Report) error
	GetReport(ctx context.Context, id int64) (*models.Report, error)
	UpdateReportStatus(ctx context.Context, id, statusID int64) error
	// ListEventReports returns every report of the event with its current
	// status and values, ordered by (created_at, id).
	ListEventReports(ctx context.Context, eventID int64) ([]models.Report, error)

	ReplaceEventResults(ctx context.Context, eventID int64, results []models.EventResult) error
	ListEventResults(ctx context.Context, eventID int64) ([]models.EventResult, error)
}
