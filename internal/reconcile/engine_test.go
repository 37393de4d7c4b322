package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/models"
	"github.com/transformaps/vera/internal/store"
)

type engineFixture struct {
	store   store.Store
	engine  *Engine
	events  []int64
	valid   *models.ReportStatus
	pending *models.ReportStatus
	temp    *models.Parameter
}

// setupEngine creates n events on consecutive days, each with a valid
// report followed by a newer pending one.
func setupEngine(t *testing.T, n int) *engineFixture {
	t.Helper()
	s, err := store.NewSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	f := &engineFixture{store: s, engine: New(s, 2, zap.NewNop())}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		site, err := tx.InsertSite(ctx, 45, -95.5)
		if err != nil {
			return err
		}
		if f.valid, err = tx.InsertStatus(ctx, models.ReportStatus{Slug: "valid", Name: "Valid", IsValid: true}); err != nil {
			return err
		}
		if f.pending, err = tx.InsertStatus(ctx, models.ReportStatus{Slug: "pending", Name: "Pending"}); err != nil {
			return err
		}
		if f.temp, err = tx.InsertParameter(ctx, models.Parameter{Slug: "temperature", Name: "Temperature", IsNumeric: true}); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			day := time.Date(2014, 1, 1+i, 0, 0, 0, 0, time.UTC)
			ev, err := tx.InsertEvent(ctx, site.ID, day)
			if err != nil {
				return err
			}
			f.events = append(f.events, ev.ID)
			for j, st := range []*models.ReportStatus{f.valid, f.pending} {
				r := &models.Report{
					EventID:   ev.ID,
					StatusID:  st.ID,
					CreatedAt: day.Add(time.Duration(j) * time.Hour),
					Values:    map[int64]models.Value{f.temp.ID: models.Numeric(float64(10*i + j))},
				}
				if err := tx.InsertReport(ctx, r); err != nil {
					return err
				}
			}
		}
		return nil
	}))
	return f
}

func (f *engineFixture) state(t *testing.T, eventID int64) ([]models.EventResult, bool) {
	t.Helper()
	var (
		results []models.EventResult
		ev      *models.Event
	)
	require.NoError(t, f.store.InTx(context.Background(), func(tx store.Tx) error {
		var err error
		if results, err = tx.ListEventResults(context.Background(), eventID); err != nil {
			return err
		}
		ev, err = tx.GetEventByID(context.Background(), eventID)
		return err
	}))
	require.NotNil(t, ev)
	return results, ev.IsValid
}

func TestReconcile_MaterializesResults(t *testing.T) {
	f := setupEngine(t, 1)
	ctx := context.Background()

	var out Outcome
	require.NoError(t, f.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = f.engine.Reconcile(ctx, tx, f.events[0])
		return err
	}))
	assert.True(t, out.Valid)

	results, valid := f.state(t, f.events[0])
	assert.True(t, valid)
	require.Len(t, results, 1)
	assert.Equal(t, models.Numeric(0), results[0].Value, "pending report must not win")
}

func TestReconcile_MissingEvent(t *testing.T) {
	f := setupEngine(t, 0)
	ctx := context.Background()

	err := f.store.InTx(ctx, func(tx store.Tx) error {
		_, err := f.engine.Reconcile(ctx, tx, 404)
		return err
	})
	assert.True(t, errors.Is(err, errs.ErrNotFound), "err = %v", err)
}

func TestReconcileAll_Idempotent(t *testing.T) {
	f := setupEngine(t, 5)
	ctx := context.Background()

	sum, err := f.engine.ReconcileAll(ctx, store.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, Summary{Events: 5}, sum)

	before := make(map[int64][]models.EventResult)
	for _, id := range f.events {
		results, valid := f.state(t, id)
		assert.True(t, valid)
		before[id] = results
	}

	_, err = f.engine.ReconcileAll(ctx, store.EventFilter{})
	require.NoError(t, err)
	for _, id := range f.events {
		after, _ := f.state(t, id)
		if diff := cmp.Diff(before[id], after); diff != "" {
			t.Errorf("event %d changed on rebuild (-before +after):\n%s", id, diff)
		}
	}
}

func TestReconcileAll_Filter(t *testing.T) {
	f := setupEngine(t, 3)
	ctx := context.Background()

	day := time.Date(2014, 1, 2, 0, 0, 0, 0, time.UTC)
	sum, err := f.engine.ReconcileAll(ctx, store.EventFilter{Date: &day})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Events)

	_, valid := f.state(t, f.events[1])
	assert.True(t, valid)
	_, valid = f.state(t, f.events[0])
	assert.False(t, valid, "events outside the filter are untouched")
}

// flakyStore fails every transaction that reads the reports of one event.
type flakyStore struct {
	store.Store
	failEvent int64
}

func (s *flakyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(&flakyTx{Tx: tx, failEvent: s.failEvent})
	})
}

type flakyTx struct {
	store.Tx
	failEvent int64
}

func (t *flakyTx) ListEventReports(ctx context.Context, eventID int64) ([]models.Report, error) {
	if eventID == t.failEvent {
		return nil, errs.Storage("sqlite: list reports", errors.New("disk I/O error"))
	}
	return t.Tx.ListEventReports(ctx, eventID)
}

func TestReconcileAll_FailureDoesNotStopSweep(t *testing.T) {
	f := setupEngine(t, 4)
	ctx := context.Background()

	bad := f.events[1]
	engine := New(&flakyStore{Store: f.store, failEvent: bad}, 2, zap.NewNop())

	sum, err := engine.ReconcileAll(ctx, store.EventFilter{})
	require.Error(t, err)
	assert.Equal(t, errs.KindStorage, errs.KindOf(err))
	assert.Equal(t, Summary{Events: 4, Failed: 1}, sum)

	for _, id := range f.events {
		results, valid := f.state(t, id)
		if id == bad {
			assert.False(t, valid)
			assert.Empty(t, results, "failed event keeps its previous state")
			continue
		}
		assert.True(t, valid)
		assert.Len(t, results, 1)
	}
}
