package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/models"
	"github.com/transformaps/vera/internal/store"
)

func setupTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Wind Speed", "wind-speed"},
		{"wind-speed", "wind-speed"},
		{"  Wind   Speed!! ", "wind-speed"},
		{"Température", "temperature"},
		{"pH (units)", "ph-units"},
		{"CO2_ppm", "co2-ppm"},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := Slugify(tt.in); got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCoordinates(t *testing.T) {
	r := New(Options{}, zap.NewNop())

	lat, lon, err := r.Coordinates(45.000049, -95.49996)
	require.NoError(t, err)
	assert.Equal(t, 45.0, lat)
	assert.Equal(t, -95.5, lon)

	for _, c := range [][2]float64{{91, 0}, {0, 181}, {-90.5, 0}} {
		_, _, err := r.Coordinates(c[0], c[1])
		assert.True(t, errors.Is(err, errs.ErrInvalidValue), "Coordinates(%v) err = %v", c, err)
	}
}

func TestSite_Idempotent(t *testing.T) {
	s := setupTestStore(t)
	r := New(Options{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		a, err := r.Site(ctx, tx, 45, -95.5)
		require.NoError(t, err)
		b, err := r.Site(ctx, tx, 45.00001, -95.50001)
		require.NoError(t, err)
		assert.Equal(t, a.ID, b.ID, "coordinates equal after rounding map to one site")

		c, err := r.Site(ctx, tx, 45.1, -95.5)
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, c.ID)
		return nil
	}))
}

func TestEvent_IgnoresTimeOfDay(t *testing.T) {
	s := setupTestStore(t)
	r := New(Options{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		site, err := r.Site(ctx, tx, 45, -95.5)
		require.NoError(t, err)
		a, err := r.Event(ctx, tx, site, time.Date(2014, 1, 3, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		b, err := r.Event(ctx, tx, site, time.Date(2014, 1, 3, 18, 45, 0, 0, time.UTC))
		require.NoError(t, err)
		assert.Equal(t, a.ID, b.ID)
		assert.Equal(t, "45.0, -95.5 on 2014-01-03", b.Label())
		return nil
	}))
}

func TestParameter_NameAndSlugResolveTogether(t *testing.T) {
	s := setupTestStore(t)
	r := New(Options{}, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		_, err := r.LookupParameter(ctx, tx, "Wind Speed")
		var unknown *errs.UnknownParameterError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, []string{"Wind Speed"}, unknown.Names)

		created, err := r.ParameterWithDefaults(ctx, tx, models.Parameter{Name: "Wind Speed", IsNumeric: true, Units: "mph"})
		require.NoError(t, err)
		assert.Equal(t, "wind-speed", created.Slug)
		assert.True(t, created.IsNumeric)

		byName, err := r.LookupParameter(ctx, tx, "Wind Speed")
		require.NoError(t, err)
		bySlug, err := r.LookupParameter(ctx, tx, "wind-speed")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byName.ID)
		assert.Equal(t, created.ID, bySlug.ID)

		again, err := r.Parameter(ctx, tx, "wind speed")
		require.NoError(t, err)
		assert.Equal(t, created.ID, again.ID)
		return nil
	}))
}

func TestStatus_AutoCreateAndStrict(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		lenient := New(Options{}, zap.NewNop())
		st, err := lenient.Status(ctx, tx, "pending")
		require.NoError(t, err)
		assert.False(t, st.IsValid, "auto-created statuses are not valid")

		strict := New(Options{StrictStatuses: true}, zap.NewNop())
		_, err = strict.Status(ctx, tx, "mystery")
		assert.True(t, errors.Is(err, errs.ErrNotFound), "err = %v", err)

		got, err := strict.Status(ctx, tx, "pending")
		require.NoError(t, err)
		assert.Equal(t, st.ID, got.ID)
		return nil
	}))
}

// racingTx simulates another writer: inserts always conflict, and the row
// becomes visible only after a number of reads.
type racingTx struct {
	store.Tx
	visibleAfter int
	reads        int
	inserts      int
}

func (f *racingTx) GetSite(ctx context.Context, lat, lon float64) (*models.Site, error) {
	f.reads++
	if f.visibleAfter > 0 && f.reads >= f.visibleAfter {
		return &models.Site{ID: 99, Latitude: lat, Longitude: lon}, nil
	}
	return nil, nil
}

func (f *racingTx) InsertSite(ctx context.Context, lat, lon float64) (*models.Site, error) {
	f.inserts++
	return nil, nil
}

func newTestResolver(attempts int) *Resolver {
	r := New(Options{Attempts: attempts}, zap.NewNop())
	r.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return r
}

func TestFindOrCreate_LostRaceRefetches(t *testing.T) {
	tx := &racingTx{visibleAfter: 2}
	site, err := newTestResolver(3).Site(context.Background(), tx, 45, -95.5)
	require.NoError(t, err)
	assert.Equal(t, int64(99), site.ID)
	assert.Equal(t, 1, tx.inserts)
}

func TestFindOrCreate_RetriesUntilVisible(t *testing.T) {
	// Each attempt reads twice; the row appears on the third attempt.
	tx := &racingTx{visibleAfter: 5}
	site, err := newTestResolver(3).Site(context.Background(), tx, 45, -95.5)
	require.NoError(t, err)
	assert.Equal(t, int64(99), site.ID)
	assert.Equal(t, 2, tx.inserts)
}

func TestFindOrCreate_ExhaustionIsConflict(t *testing.T) {
	tx := &racingTx{}
	_, err := newTestResolver(3).Site(context.Background(), tx, 45, -95.5)

	var conflict *errs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "site", conflict.Entity)
	assert.Equal(t, 3, tx.inserts)
}

type failingTx struct {
	store.Tx
	calls int
}

func (f *failingTx) GetSite(ctx context.Context, lat, lon float64) (*models.Site, error) {
	f.calls++
	return nil, errs.Storage("sqlite: get site", errors.New("disk I/O error"))
}

func TestFindOrCreate_StorageErrorIsNotRetried(t *testing.T) {
	tx := &failingTx{}
	_, err := newTestResolver(5).Site(context.Background(), tx, 45, -95.5)
	assert.Equal(t, errs.KindStorage, errs.KindOf(err))
	assert.Equal(t, 1, tx.calls)
}
