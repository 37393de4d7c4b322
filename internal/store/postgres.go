package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/models"
)

// Pool is the subset of pgxpool.Pool used by PostgresStore; pgxmock
// satisfies it in tests.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool. Event writers are serialized
// with row locks on the events table.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sites (
	id        BIGSERIAL PRIMARY KEY,
	latitude  DOUBLE PRECISION NOT NULL,
	longitude DOUBLE PRECISION NOT NULL,
	UNIQUE (latitude, longitude)
);

CREATE TABLE IF NOT EXISTS parameters (
	id         BIGSERIAL PRIMARY KEY,
	slug       TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL,
	is_numeric BOOLEAN NOT NULL DEFAULT FALSE,
	units      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS report_statuses (
	id       BIGSERIAL PRIMARY KEY,
	slug     TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	is_valid BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS events (
	id       BIGSERIAL PRIMARY KEY,
	site_id  BIGINT NOT NULL REFERENCES sites(id),
	date     DATE NOT NULL,
	is_valid BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (site_id, date)
);

CREATE TABLE IF NOT EXISTS reports (
	id         BIGSERIAL PRIMARY KEY,
	event_id   BIGINT NOT NULL REFERENCES events(id),
	user_ref   TEXT NOT NULL DEFAULT '',
	status_id  BIGINT NOT NULL REFERENCES report_statuses(id),
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS report_values (
	report_id     BIGINT NOT NULL REFERENCES reports(id),
	parameter_id  BIGINT NOT NULL REFERENCES parameters(id),
	value_numeric DOUBLE PRECISION,
	value_text    TEXT,
	PRIMARY KEY (report_id, parameter_id)
);

CREATE TABLE IF NOT EXISTS event_results (
	event_id      BIGINT NOT NULL REFERENCES events(id),
	parameter_id  BIGINT NOT NULL REFERENCES parameters(id),
	report_id     BIGINT NOT NULL REFERENCES reports(id),
	value_numeric DOUBLE PRECISION,
	value_text    TEXT,
	PRIMARY KEY (event_id, parameter_id)
);

CREATE INDEX IF NOT EXISTS idx_reports_event ON reports(event_id);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status_id);
CREATE INDEX IF NOT EXISTS idx_events_date ON events(date);
CREATE INDEX IF NOT EXISTS idx_report_values_parameter ON report_values(parameter_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Storage("postgres: begin", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Storage("postgres: commit", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetSite(ctx context.Context, lat, lon float64) (*models.Site, error) {
	return t.getSite(ctx, `SELECT id, latitude, longitude FROM sites WHERE latitude = $1 AND longitude = $2`, lat, lon)
}

func (t *pgTx) GetSiteByID(ctx context.Context, id int64) (*models.Site, error) {
	return t.getSite(ctx, `SELECT id, latitude, longitude FROM sites WHERE id = $1`, id)
}

func (t *pgTx) getSite(ctx context.Context, query string, args ...any) (*models.Site, error) {
	var st models.Site
	err := t.tx.QueryRow(ctx, query, args...).Scan(&st.ID, &st.Latitude, &st.Longitude)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("postgres: get site", err)
	}
	return &st, nil
}

func (t *pgTx) InsertSite(ctx context.Context, lat, lon float64) (*models.Site, error) {
	id, err := t.insertReturningID(ctx, "postgres: insert site",
		`INSERT INTO sites (latitude, longitude) VALUES ($1, $2)
		ON CONFLICT (latitude, longitude) DO NOTHING RETURNING id`, lat, lon)
	if err != nil || id == 0 {
		return nil, err
	}
	return &models.Site{ID: id, Latitude: lat, Longitude: lon}, nil
}

const selectParameter = `SELECT id, slug, name, is_numeric, units FROM parameters WHERE slug = $1`

func (t *pgTx) GetParameter(ctx context.Context, slug string) (*models.Parameter, error) {
	return t.getParameter(ctx, "postgres: get parameter", selectParameter, slug)
}

func (t *pgTx) LockParameter(ctx context.Context, slug string, exclusive bool) (*models.Parameter, error) {
	if exclusive {
		return t.getParameter(ctx, "postgres: lock parameter", selectParameter+` FOR UPDATE`, slug)
	}
	return t.getParameter(ctx, "postgres: lock parameter", selectParameter+` FOR SHARE`, slug)
}

func (t *pgTx) getParameter(ctx context.Context, op, query, slug string) (*models.Parameter, error) {
	var p models.Parameter
	err := t.tx.QueryRow(ctx, query, slug).Scan(&p.ID, &p.Slug, &p.Name, &p.IsNumeric, &p.Units)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	return &p, nil
}

func (t *pgTx) InsertParameter(ctx context.Context, p models.Parameter) (*models.Parameter, error) {
	id, err := t.insertReturningID(ctx, "postgres: insert parameter",
		`INSERT INTO parameters (slug, name, is_numeric, units) VALUES ($1, $2, $3, $4)
		ON CONFLICT (slug) DO NOTHING RETURNING id`, p.Slug, p.Name, p.IsNumeric, p.Units)
	if err != nil || id == 0 {
		return nil, err
	}
	p.ID = id
	return &p, nil
}

func (t *pgTx) UpdateParameter(ctx context.Context, p models.Parameter) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE parameters SET name = $1, is_numeric = $2, units = $3 WHERE id = $4`,
		p.Name, p.IsNumeric, p.Units, p.ID)
	if err != nil {
		return errs.Storage("postgres: update parameter", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("parameter", p.ID)
	}
	return nil
}

func (t *pgTx) ListParameters(ctx context.Context) ([]models.Parameter, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, slug, name, is_numeric, units FROM parameters ORDER BY id`)
	if err != nil {
		return nil, errs.Storage("postgres: list parameters", err)
	}
	defer rows.Close()

	var params []models.Parameter
	for rows.Next() {
		var p models.Parameter
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.IsNumeric, &p.Units); err != nil {
			return nil, errs.Storage("postgres: scan parameter", err)
		}
		params = append(params, p)
	}
	return params, errs.Storage("postgres: list parameters iterate", rows.Err())
}

func (t *pgTx) ParameterInUse(ctx context.Context, id int64) (bool, error) {
	var used bool
	err := t.tx.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM report_values WHERE parameter_id = $1)`, id,
	).Scan(&used)
	if err != nil {
		return false, errs.Storage("postgres: parameter in use", err)
	}
	return used, nil
}

func (t *pgTx) GetStatus(ctx context.Context, slug string) (*models.ReportStatus, error) {
	return t.getStatus(ctx, `SELECT id, slug, name, is_valid FROM report_statuses WHERE slug = $1`, slug)
}

func (t *pgTx) GetStatusByID(ctx context.Context, id int64) (*models.ReportStatus, error) {
	return t.getStatus(ctx, `SELECT id, slug, name, is_valid FROM report_statuses WHERE id = $1`, id)
}

func (t *pgTx) getStatus(ctx context.Context, query string, arg any) (*models.ReportStatus, error) {
	var st models.ReportStatus
	err := t.tx.QueryRow(ctx, query, arg).Scan(&st.ID, &st.Slug, &st.Name, &st.IsValid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("postgres: get status", err)
	}
	return &st, nil
}

func (t *pgTx) InsertStatus(ctx context.Context, st models.ReportStatus) (*models.ReportStatus, error) {
	id, err := t.insertReturningID(ctx, "postgres: insert status",
		`INSERT INTO report_statuses (slug, name, is_valid) VALUES ($1, $2, $3)
		ON CONFLICT (slug) DO NOTHING RETURNING id`, st.Slug, st.Name, st.IsValid)
	if err != nil || id == 0 {
		return nil, err
	}
	st.ID = id
	return &st, nil
}

func (t *pgTx) UpdateStatus(ctx context.Context, st models.ReportStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE report_statuses SET name = $1, is_valid = $2 WHERE id = $3`, st.Name, st.IsValid, st.ID)
	if err != nil {
		return errs.Storage("postgres: update status", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("status", st.ID)
	}
	return nil
}

func (t *pgTx) ListStatuses(ctx context.Context) ([]models.ReportStatus, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, slug, name, is_valid FROM report_statuses ORDER BY id`)
	if err != nil {
		return nil, errs.Storage("postgres: list statuses", err)
	}
	defer rows.Close()

	var statuses []models.ReportStatus
	for rows.Next() {
		var st models.ReportStatus
		if err := rows.Scan(&st.ID, &st.Slug, &st.Name, &st.IsValid); err != nil {
			return nil, errs.Storage("postgres: scan status", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, errs.Storage("postgres: list statuses iterate", rows.Err())
}

func (t *pgTx) GetEvent(ctx context.Context, siteID int64, date time.Time) (*models.Event, error) {
	return t.getEvent(ctx,
		`SELECT id, site_id, date, is_valid FROM events WHERE site_id = $1 AND date = $2`,
		siteID, dateOnly(date))
}

func (t *pgTx) GetEventByID(ctx context.Context, id int64) (*models.Event, error) {
	return t.getEvent(ctx, `SELECT id, site_id, date, is_valid FROM events WHERE id = $1`, id)
}

func (t *pgTx) getEvent(ctx context.Context, query string, args ...any) (*models.Event, error) {
	var ev models.Event
	err := t.tx.QueryRow(ctx, query, args...).Scan(&ev.ID, &ev.SiteID, &ev.Date, &ev.IsValid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("postgres: get event", err)
	}
	ev.Date = dateOnly(ev.Date)
	return &ev, nil
}

func (t *pgTx) InsertEvent(ctx context.Context, siteID int64, date time.Time) (*models.Event, error) {
	id, err := t.insertReturningID(ctx, "postgres: insert event",
		`INSERT INTO events (site_id, date, is_valid) VALUES ($1, $2, FALSE)
		ON CONFLICT (site_id, date) DO NOTHING RETURNING id`, siteID, dateOnly(date))
	if err != nil || id == 0 {
		return nil, err
	}
	return &models.Event{ID: id, SiteID: siteID, Date: dateOnly(date)}, nil
}

func (t *pgTx) LockEvent(ctx context.Context, id int64) error {
	var locked int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM events WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound("event", id)
	}
	if err != nil {
		return errs.Storage("postgres: lock event", err)
	}
	return nil
}

func (t *pgTx) ListEventIDs(ctx context.Context, f EventFilter) ([]int64, error) {
	query := `SELECT id FROM events WHERE 1=1`
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		query += fmt.Sprintf(" AND %s $%d", cond, len(args))
	}
	if f.Date != nil {
		add("date =", dateOnly(*f.Date))
	}
	if f.From != nil {
		add("date >=", dateOnly(*f.From))
	}
	if f.To != nil {
		add("date <=", dateOnly(*f.To))
	}
	if f.SiteID != 0 {
		add("site_id =", f.SiteID)
	}
	query += ` ORDER BY id`
	return t.queryIDs(ctx, "postgres: list events", query, args...)
}

func (t *pgTx) EventsForStatus(ctx context.Context, statusID int64) ([]int64, error) {
	return t.queryIDs(ctx, "postgres: events for status",
		`SELECT DISTINCT event_id FROM reports WHERE status_id = $1 ORDER BY event_id`, statusID)
}

func (t *pgTx) SetEventValid(ctx context.Context, id int64, valid bool) error {
	tag, err := t.tx.Exec(ctx, `UPDATE events SET is_valid = $1 WHERE id = $2`, valid, id)
	if err != nil {
		return errs.Storage("postgres: set event valid", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("event", id)
	}
	return nil
}

func (t *pgTx) InsertReport(ctx context.Context, r *models.Report) error {
	id, err := t.insertReturningID(ctx, "postgres: insert report",
		`INSERT INTO reports (event_id, user_ref, status_id, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		r.EventID, r.User, r.StatusID, r.CreatedAt.UTC())
	if err != nil {
		return err
	}
	r.ID = id

	for _, paramID := range sortedParamIDs(r.Values) {
		num, text := r.Values[paramID].Columns()
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO report_values (report_id, parameter_id, value_numeric, value_text) VALUES ($1, $2, $3, $4)`,
			r.ID, paramID, num, text,
		); err != nil {
			return errs.Storage("postgres: insert report value", err)
		}
	}
	return nil
}

func (t *pgTx) GetReport(ctx context.Context, id int64) (*models.Report, error) {
	reports, err := t.queryReports(ctx, `WHERE r.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, nil
	}
	return &reports[0], nil
}

func (t *pgTx) UpdateReportStatus(ctx context.Context, id, statusID int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE reports SET status_id = $1 WHERE id = $2`, statusID, id)
	if err != nil {
		return errs.Storage("postgres: update report status", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("report", id)
	}
	return nil
}

func (t *pgTx) ListEventReports(ctx context.Context, eventID int64) ([]models.Report, error) {
	return t.queryReports(ctx, `WHERE r.event_id = $1`, eventID)
}

func (t *pgTx) queryReports(ctx context.Context, where string, arg any) ([]models.Report, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT r.id, r.event_id, r.user_ref, r.created_at, s.id, s.slug, s.name, s.is_valid
		FROM reports r
		JOIN report_statuses s ON s.id = r.status_id
		`+where, arg)
	if err != nil {
		return nil, errs.Storage("postgres: list reports", err)
	}

	var reports []models.Report
	index := make(map[int64]int)
	for rows.Next() {
		var (
			r  models.Report
			st models.ReportStatus
		)
		if err := rows.Scan(&r.ID, &r.EventID, &r.User, &r.CreatedAt, &st.ID, &st.Slug, &st.Name, &st.IsValid); err != nil {
			rows.Close()
			return nil, errs.Storage("postgres: scan report", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.StatusID = st.ID
		r.Status = &st
		r.Values = make(map[int64]models.Value)
		index[r.ID] = len(reports)
		reports = append(reports, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("postgres: list reports iterate", err)
	}
	if len(reports) == 0 {
		return nil, nil
	}

	vrows, err := t.tx.Query(ctx, `
		SELECT rv.report_id, rv.parameter_id, rv.value_numeric, rv.value_text
		FROM report_values rv
		JOIN reports r ON r.id = rv.report_id
		`+where, arg)
	if err != nil {
		return nil, errs.Storage("postgres: list report values", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		var (
			reportID, paramID int64
			num               sql.NullFloat64
			text              sql.NullString
		)
		if err := vrows.Scan(&reportID, &paramID, &num, &text); err != nil {
			return nil, errs.Storage("postgres: scan report value", err)
		}
		if i, ok := index[reportID]; ok {
			reports[i].Values[paramID] = models.ValueFromColumns(num, text)
		}
	}
	if err := vrows.Err(); err != nil {
		return nil, errs.Storage("postgres: list report values iterate", err)
	}

	sortReports(reports)
	return reports, nil
}

func (t *pgTx) ReplaceEventResults(ctx context.Context, eventID int64, results []models.EventResult) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM event_results WHERE event_id = $1`, eventID); err != nil {
		return errs.Storage("postgres: delete event results", err)
	}
	for _, res := range results {
		num, text := res.Value.Columns()
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO event_results (event_id, parameter_id, report_id, value_numeric, value_text) VALUES ($1, $2, $3, $4, $5)`,
			eventID, res.ParameterID, res.ReportID, num, text,
		); err != nil {
			return errs.Storage("postgres: insert event result", err)
		}
	}
	return nil
}

func (t *pgTx) ListEventResults(ctx context.Context, eventID int64) ([]models.EventResult, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT event_id, parameter_id, report_id, value_numeric, value_text
		FROM event_results
		WHERE event_id = $1
		ORDER BY parameter_id
	`, eventID)
	if err != nil {
		return nil, errs.Storage("postgres: list event results", err)
	}
	defer rows.Close()

	var results []models.EventResult
	for rows.Next() {
		var (
			res  models.EventResult
			num  sql.NullFloat64
			text sql.NullString
		)
		if err := rows.Scan(&res.EventID, &res.ParameterID, &res.ReportID, &num, &text); err != nil {
			return nil, errs.Storage("postgres: scan event result", err)
		}
		res.Value = models.ValueFromColumns(num, text)
		results = append(results, res)
	}
	return results, errs.Storage("postgres: list event results iterate", rows.Err())
}

func (t *pgTx) insertReturningID(ctx context.Context, op, query string, args ...any) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, query, args...).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Storage(op, err)
	}
	return id, nil
}

func (t *pgTx) queryIDs(ctx context.Context, op, query string, args ...any) ([]int64, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Storage(op, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Storage(op, err)
		}
		ids = append(ids, id)
	}
	return ids, errs.Storage(op, rows.Err())
}
