package store

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/models"
)

// SQLiteStore implements Store using modernc.org/sqlite. Transactions begin
// IMMEDIATE, so writers are serialized database-wide.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLite opens the database at path. ":memory:" opens a private in-memory
// database pinned to a single connection.
func NewSQLite(path string, log *zap.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = zap.L()
	}

	memory := path == ":memory:"
	dsn := path
	if !memory {
		dsn = sqliteDSN(path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if memory {
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			db.Close()
			return nil, eris.Wrap(err, "sqlite: enable foreign keys")
		}
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func sqliteDSN(path string) string {
	params := []string{"_pragma=busy_timeout(5000)", "_pragma=foreign_keys(1)", "_pragma=journal_mode(WAL)"}
	if !strings.Contains(path, "_txlock=") {
		params = append(params, "_txlock=immediate")
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Storage("sqlite: begin", err)
	}
	if err := fn(&sqliteTx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Storage("sqlite: commit", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) GetSite(ctx context.Context, lat, lon float64) (*models.Site, error) {
	var st models.Site
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, latitude, longitude FROM sites WHERE latitude = ? AND longitude = ?`, lat, lon,
	).Scan(&st.ID, &st.Latitude, &st.Longitude)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("sqlite: get site", err)
	}
	return &st, nil
}

func (t *sqliteTx) GetSiteByID(ctx context.Context, id int64) (*models.Site, error) {
	var st models.Site
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, latitude, longitude FROM sites WHERE id = ?`, id,
	).Scan(&st.ID, &st.Latitude, &st.Longitude)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("sqlite: get site by id", err)
	}
	return &st, nil
}

func (t *sqliteTx) InsertSite(ctx context.Context, lat, lon float64) (*models.Site, error) {
	id, err := t.insertReturningID(ctx, "sqlite: insert site",
		`INSERT INTO sites (latitude, longitude) VALUES (?, ?)
		ON CONFLICT(latitude, longitude) DO NOTHING RETURNING id`, lat, lon)
	if err != nil || id == 0 {
		return nil, err
	}
	return &models.Site{ID: id, Latitude: lat, Longitude: lon}, nil
}

// LockParameter is a plain read: immediate transactions already hold the
// database write lock.
func (t *sqliteTx) LockParameter(ctx context.Context, slug string, exclusive bool) (*models.Parameter, error) {
	return t.GetParameter(ctx, slug)
}

func (t *sqliteTx) GetParameter(ctx context.Context, slug string) (*models.Parameter, error) {
	var p models.Parameter
	err := t.tx.QueryRowContext(ctx,
		`SELECT id, slug, name, is_numeric, units FROM parameters WHERE slug = ?`, slug,
	).Scan(&p.ID, &p.Slug, &p.Name, &p.IsNumeric, &p.Units)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("sqlite: get parameter", err)
	}
	return &p, nil
}

func (t *sqliteTx) InsertParameter(ctx context.Context, p models.Parameter) (*models.Parameter, error) {
	id, err := t.insertReturningID(ctx, "sqlite: insert parameter",
		`INSERT INTO parameters (slug, name, is_numeric, units) VALUES (?, ?, ?, ?)
		ON CONFLICT(slug) DO NOTHING RETURNING id`, p.Slug, p.Name, p.IsNumeric, p.Units)
	if err != nil || id == 0 {
		return nil, err
	}
	p.ID = id
	return &p, nil
}

func (t *sqliteTx) UpdateParameter(ctx context.Context, p models.Parameter) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE parameters SET name = ?, is_numeric = ?, units = ? WHERE id = ?`,
		p.Name, p.IsNumeric, p.Units, p.ID)
	if err != nil {
		return errs.Storage("sqlite: update parameter", err)
	}
	return checkRowsAffected(res, "parameter", p.ID)
}

func (t *sqliteTx) ListParameters(ctx context.Context) ([]models.Parameter, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, slug, name, is_numeric, units FROM parameters ORDER BY id`)
	if err != nil {
		return nil, errs.Storage("sqlite: list parameters", err)
	}
	defer rows.Close()

	var params []models.Parameter
	for rows.Next() {
		var p models.Parameter
		if err := rows.Scan(&p.ID, &p.Slug, &p.Name, &p.IsNumeric, &p.Units); err != nil {
			return nil, errs.Storage("sqlite: scan parameter", err)
		}
		params = append(params, p)
	}
	return params, errs.Storage("sqlite: list parameters iterate", rows.Err())
}

func (t *sqliteTx) ParameterInUse(ctx context.Context, id int64) (bool, error) {
	var used bool
	err := t.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM report_values WHERE parameter_id = ?)`, id,
	).Scan(&used)
	if err != nil {
		return false, errs.Storage("sqlite: parameter in use", err)
	}
	return used, nil
}

func (t *sqliteTx) GetStatus(ctx context.Context, slug string) (*models.ReportStatus, error) {
	return t.getStatus(ctx, `SELECT id, slug, name, is_valid FROM report_statuses WHERE slug = ?`, slug)
}

func (t *sqliteTx) GetStatusByID(ctx context.Context, id int64) (*models.ReportStatus, error) {
	return t.getStatus(ctx, `SELECT id, slug, name, is_valid FROM report_statuses WHERE id = ?`, id)
}

func (t *sqliteTx) getStatus(ctx context.Context, query string, arg any) (*models.ReportStatus, error) {
	var st models.ReportStatus
	err := t.tx.QueryRowContext(ctx, query, arg).Scan(&st.ID, &st.Slug, &st.Name, &st.IsValid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("sqlite: get status", err)
	}
	return &st, nil
}

func (t *sqliteTx) InsertStatus(ctx context.Context, st models.ReportStatus) (*models.ReportStatus, error) {
	id, err := t.insertReturningID(ctx, "sqlite: insert status",
		`INSERT INTO report_statuses (slug, name, is_valid) VALUES (?, ?, ?)
		ON CONFLICT(slug) DO NOTHING RETURNING id`, st.Slug, st.Name, st.IsValid)
	if err != nil || id == 0 {
		return nil, err
	}
	st.ID = id
	return &st, nil
}

func (t *sqliteTx) UpdateStatus(ctx context.Context, st models.ReportStatus) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE report_statuses SET name = ?, is_valid = ? WHERE id = ?`, st.Name, st.IsValid, st.ID)
	if err != nil {
		return errs.Storage("sqlite: update status", err)
	}
	return checkRowsAffected(res, "status", st.ID)
}

func (t *sqliteTx) ListStatuses(ctx context.Context) ([]models.ReportStatus, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT id, slug, name, is_valid FROM report_statuses ORDER BY id`)
	if err != nil {
		return nil, errs.Storage("sqlite: list statuses", err)
	}
	defer rows.Close()

	var statuses []models.ReportStatus
	for rows.Next() {
		var st models.ReportStatus
		if err := rows.Scan(&st.ID, &st.Slug, &st.Name, &st.IsValid); err != nil {
			return nil, errs.Storage("sqlite: scan status", err)
		}
		statuses = append(statuses, st)
	}
	return statuses, errs.Storage("sqlite: list statuses iterate", rows.Err())
}

func (t *sqliteTx) GetEvent(ctx context.Context, siteID int64, date time.Time) (*models.Event, error) {
	return t.getEvent(ctx,
		`SELECT id, site_id, date, is_valid FROM events WHERE site_id = ? AND date = ?`,
		siteID, date.Format(models.DateLayout))
}

func (t *sqliteTx) GetEventByID(ctx context.Context, id int64) (*models.Event, error) {
	return t.getEvent(ctx, `SELECT id, site_id, date, is_valid FROM events WHERE id = ?`, id)
}

func (t *sqliteTx) getEvent(ctx context.Context, query string, args ...any) (*models.Event, error) {
	var (
		ev   models.Event
		date string
	)
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&ev.ID, &ev.SiteID, &date, &ev.IsValid)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Storage("sqlite: get event", err)
	}
	if ev.Date, err = time.Parse(models.DateLayout, date); err != nil {
		return nil, errs.Storage("sqlite: parse event date", err)
	}
	return &ev, nil
}

func (t *sqliteTx) InsertEvent(ctx context.Context, siteID int64, date time.Time) (*models.Event, error) {
	id, err := t.insertReturningID(ctx, "sqlite: insert event",
		`INSERT INTO events (site_id, date, is_valid) VALUES (?, ?, FALSE)
		ON CONFLICT(site_id, date) DO NOTHING RETURNING id`, siteID, date.Format(models.DateLayout))
	if err != nil || id == 0 {
		return nil, err
	}
	return &models.Event{ID: id, SiteID: siteID, Date: dateOnly(date)}, nil
}

// LockEvent touches the event row so the transaction holds the write lock
// from here on even if it was opened DEFERRED.
func (t *sqliteTx) LockEvent(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE events SET is_valid = is_valid WHERE id = ?`, id)
	if err != nil {
		return errs.Storage("sqlite: lock event", err)
	}
	return checkRowsAffected(res, "event", id)
}

func (t *sqliteTx) ListEventIDs(ctx context.Context, f EventFilter) ([]int64, error) {
	query := `SELECT id FROM events WHERE 1=1`
	var args []any
	if f.Date != nil {
		query += ` AND date = ?`
		args = append(args, f.Date.Format(models.DateLayout))
	}
	if f.From != nil {
		query += ` AND date >= ?`
		args = append(args, f.From.Format(models.DateLayout))
	}
	if f.To != nil {
		query += ` AND date <= ?`
		args = append(args, f.To.Format(models.DateLayout))
	}
	if f.SiteID != 0 {
		query += ` AND site_id = ?`
		args = append(args, f.SiteID)
	}
	query += ` ORDER BY id`
	return t.queryIDs(ctx, "sqlite: list events", query, args...)
}

func (t *sqliteTx) EventsForStatus(ctx context.Context, statusID int64) ([]int64, error) {
	return t.queryIDs(ctx, "sqlite: events for status",
		`SELECT DISTINCT event_id FROM reports WHERE status_id = ? ORDER BY event_id`, statusID)
}

func (t *sqliteTx) SetEventValid(ctx context.Context, id int64, valid bool) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE events SET is_valid = ? WHERE id = ?`, valid, id)
	if err != nil {
		return errs.Storage("sqlite: set event valid", err)
	}
	return checkRowsAffected(res, "event", id)
}

func (t *sqliteTx) InsertReport(ctx context.Context, r *models.Report) error {
	id, err := t.insertReturningID(ctx, "sqlite: insert report",
		`INSERT INTO reports (event_id, user_ref, status_id, created_at) VALUES (?, ?, ?, ?) RETURNING id`,
		r.EventID, r.User, r.StatusID, r.CreatedAt.UTC())
	if err != nil {
		return err
	}
	r.ID = id

	for _, paramID := range sortedParamIDs(r.Values) {
		num, text := r.Values[paramID].Columns()
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO report_values (report_id, parameter_id, value_numeric, value_text) VALUES (?, ?, ?, ?)`,
			r.ID, paramID, num, text,
		); err != nil {
			return errs.Storage("sqlite: insert report value", err)
		}
	}
	return nil
}

func (t *sqliteTx) GetReport(ctx context.Context, id int64) (*models.Report, error) {
	reports, err := t.queryReports(ctx, `WHERE r.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(reports) == 0 {
		return nil, nil
	}
	return &reports[0], nil
}

func (t *sqliteTx) UpdateReportStatus(ctx context.Context, id, statusID int64) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE reports SET status_id = ? WHERE id = ?`, statusID, id)
	if err != nil {
		return errs.Storage("sqlite: update report status", err)
	}
	return checkRowsAffected(res, "report", id)
}

func (t *sqliteTx) ListEventReports(ctx context.Context, eventID int64) ([]models.Report, error) {
	return t.queryReports(ctx, `WHERE r.event_id = ?`, eventID)
}

// queryReports loads reports matching where together with their statuses and
// values.
func (t *sqliteTx) queryReports(ctx context.Context, where string, arg any) ([]models.Report, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT r.id, r.event_id, r.user_ref, r.created_at, s.id, s.slug, s.name, s.is_valid
		FROM reports r
		JOIN report_statuses s ON s.id = r.status_id
		`+where, arg)
	if err != nil {
		return nil, errs.Storage("sqlite: list reports", err)
	}
	defer rows.Close()

	var reports []models.Report
	index := make(map[int64]int)
	for rows.Next() {
		var (
			r  models.Report
			st models.ReportStatus
		)
		if err := rows.Scan(&r.ID, &r.EventID, &r.User, &r.CreatedAt, &st.ID, &st.Slug, &st.Name, &st.IsValid); err != nil {
			return nil, errs.Storage("sqlite: scan report", err)
		}
		r.CreatedAt = r.CreatedAt.UTC()
		r.StatusID = st.ID
		r.Status = &st
		r.Values = make(map[int64]models.Value)
		index[r.ID] = len(reports)
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Storage("sqlite: list reports iterate", err)
	}
	rows.Close()
	if len(reports) == 0 {
		return nil, nil
	}

	vrows, err := t.tx.QueryContext(ctx, `
		SELECT rv.report_id, rv.parameter_id, rv.value_numeric, rv.value_text
		FROM report_values rv
		JOIN reports r ON r.id = rv.report_id
		`+where, arg)
	if err != nil {
		return nil, errs.Storage("sqlite: list report values", err)
	}
	defer vrows.Close()

	for vrows.Next() {
		var (
			reportID, paramID int64
			num               sql.NullFloat64
			text              sql.NullString
		)
		if err := vrows.Scan(&reportID, &paramID, &num, &text); err != nil {
			return nil, errs.Storage("sqlite: scan report value", err)
		}
		if i, ok := index[reportID]; ok {
			reports[i].Values[paramID] = models.ValueFromColumns(num, text)
		}
	}
	if err := vrows.Err(); err != nil {
		return nil, errs.Storage("sqlite: list report values iterate", err)
	}

	sortReports(reports)
	return reports, nil
}

func (t *sqliteTx) ReplaceEventResults(ctx context.Context, eventID int64, results []models.EventResult) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM event_results WHERE event_id = ?`, eventID); err != nil {
		return errs.Storage("sqlite: delete event results", err)
	}
	for _, res := range results {
		num, text := res.Value.Columns()
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO event_results (event_id, parameter_id, report_id, value_numeric, value_text) VALUES (?, ?, ?, ?, ?)`,
			eventID, res.ParameterID, res.ReportID, num, text,
		); err != nil {
			return errs.Storage("sqlite: insert event result", err)
		}
	}
	return nil
}

func (t *sqliteTx) ListEventResults(ctx context.Context, eventID int64) ([]models.EventResult, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT event_id, parameter_id, report_id, value_numeric, value_text
		FROM event_results
		WHERE event_id = ?
		ORDER BY parameter_id
	`, eventID)
	if err != nil {
		return nil, errs.Storage("sqlite: list event results", err)
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
			return nil, errs.Storage("sqlite: scan event result", err)
		}
		res.Value = models.ValueFromColumns(num, text)
		results = append(results, res)
	}
	return results, errs.Storage("sqlite: list event results iterate", rows.Err())
}

// insertReturningID runs an INSERT ... RETURNING id. A conflicting insert
// that returned no row yields id 0 and no error.
func (t *sqliteTx) insertReturningID(ctx context.Context, op, query string, args ...any) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Storage(op, err)
	}
	return id, nil
}

func (t *sqliteTx) queryIDs(ctx context.Context, op, query string, args ...any) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
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

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Storage("sqlite: rows affected", err)
	}
	if n == 0 {
		return notFound(entity, id)
	}
	return nil
}

func sortedParamIDs(values map[int64]models.Value) []int64 {
	ids := make([]int64, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// sortReports orders reports by creation time, then id.
func sortReports(reports []models.Report) {
	sort.SliceStable(reports, func(i, j int) bool {
		if !reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].CreatedAt.Before(reports[j].CreatedAt)
		}
		return reports[i].ID < reports[j].ID
	})
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
