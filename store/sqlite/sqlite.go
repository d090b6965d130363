/*
Package sqlite provides a SQLite-backed implementation of allocation.Store.

PURPOSE:
  Persists schedules, their append-only event logs and the cached period
  projection. The same layout is implemented for PostgreSQL in
  store/postgres.

KEY TABLES:
  schedules:         Terms snapshot per schedule (JSON)
  schedule_events:   Append-only log, PRIMARY KEY (schedule_id, event_id)
  projections:       Last event folded into the cached projection
  period_lines:      Cached projection, PRIMARY KEY (schedule_id, period)

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch schedule_events
  - Triggers abort any UPDATE or DELETE on schedule_events
  - The primary key rejects a second event N for the same schedule

MONEY:
  Decimals are stored as TEXT in canonical form so nothing is lost to
  floating point. NULL means "undefined" for effective_fx and
  "never adjusted" for adjustment_delta.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/allocation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := allocation.NewService(store)

SEE ALSO:
  - allocation/store.go: Interface definitions
  - allocation/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/allocation"
)

// Store implements allocation.TxStore using SQLite.
type Store struct {
	db *sql.DB
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedules (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL DEFAULT '',
		terms_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	);

	-- Append-only event log
	CREATE TABLE IF NOT EXISTS schedule_events (
		schedule_id TEXT NOT NULL REFERENCES schedules(id),
		event_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		effective_period TEXT NOT NULL,
		payload_json TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		created_by TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (schedule_id, event_id)
	);

	CREATE TRIGGER IF NOT EXISTS schedule_events_no_update
		BEFORE UPDATE ON schedule_events
		BEGIN SELECT RAISE(ABORT, 'schedule_events is append-only'); END;

	CREATE TRIGGER IF NOT EXISTS schedule_events_no_delete
		BEFORE DELETE ON schedule_events
		BEGIN SELECT RAISE(ABORT, 'schedule_events is append-only'); END;

	-- Cached projection (rebuildable)
	CREATE TABLE IF NOT EXISTS projections (
		schedule_id TEXT PRIMARY KEY REFERENCES schedules(id),
		through_event_id INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS period_lines (
		schedule_id TEXT NOT NULL REFERENCES schedules(id),
		period TEXT NOT NULL,
		state TEXT NOT NULL,
		amount_reporting TEXT NOT NULL,
		amount_local TEXT NOT NULL,
		cumulative_amount_reporting TEXT NOT NULL,
		remaining_amount_reporting TEXT NOT NULL,
		effective_fx TEXT,
		adjustment_delta TEXT,
		base_amount_reporting TEXT NOT NULL,
		explanation TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (schedule_id, period)
	);

	CREATE INDEX IF NOT EXISTS idx_period_lines_state
		ON period_lines(schedule_id, state);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// SCHEDULES
// =============================================================================

func (s *Store) CreateSchedule(ctx context.Context, rec allocation.ScheduleRecord) error {
	return createSchedule(ctx, s.db, rec)
}

func createSchedule(ctx context.Context, q querier, rec allocation.ScheduleRecord) error {
	terms, err := json.Marshal(rec.Terms)
	if err != nil {
		return fmt.Errorf("failed to encode terms: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO schedules (id, kind, terms_json, created_at, created_by)
		VALUES (?, ?, ?, ?, ?)`,
		string(rec.ID), rec.Terms.Kind, string(terms), formatTime(rec.CreatedAt), rec.CreatedBy)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("schedule %s: %w", rec.ID, allocation.ErrScheduleExists)
		}
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (s *Store) LoadSchedule(ctx context.Context, id allocation.ScheduleID) (allocation.ScheduleRecord, error) {
	return loadSchedule(ctx, s.db, id)
}

func loadSchedule(ctx context.Context, q querier, id allocation.ScheduleID) (allocation.ScheduleRecord, error) {
	var termsJSON, createdAt, createdBy string
	err := q.QueryRowContext(ctx,
		`SELECT terms_json, created_at, created_by FROM schedules WHERE id = ?`, string(id),
	).Scan(&termsJSON, &createdAt, &createdBy)
	if errors.Is(err, sql.ErrNoRows) {
		return allocation.ScheduleRecord{}, fmt.Errorf("schedule %s: %w", id, allocation.ErrScheduleNotFound)
	}
	if err != nil {
		return allocation.ScheduleRecord{}, fmt.Errorf("failed to load schedule: %w", err)
	}
	rec := allocation.ScheduleRecord{ID: id, CreatedBy: createdBy, CreatedAt: parseTime(createdAt)}
	if err := json.Unmarshal([]byte(termsJSON), &rec.Terms); err != nil {
		return allocation.ScheduleRecord{}, fmt.Errorf("failed to decode terms: %w", err)
	}
	return rec, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]allocation.ScheduleID, error) {
	return listSchedules(ctx, s.db)
}

func listSchedules(ctx context.Context, q querier) ([]allocation.ScheduleID, error) {
	rows, err := q.QueryContext(ctx, `SELECT id FROM schedules ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var ids []allocation.ScheduleID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, allocation.ScheduleID(id))
	}
	return ids, rows.Err()
}

// =============================================================================
// EVENTS - Append-only
// =============================================================================

func (s *Store) AppendEvent(ctx context.Context, ev allocation.ScheduleEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := appendEvent(ctx, tx, ev); err != nil {
		return err
	}
	return tx.Commit()
}

func appendEvent(ctx context.Context, q querier, ev allocation.ScheduleEvent) error {
	if _, err := loadSchedule(ctx, q, ev.ScheduleID); err != nil {
		return err
	}
	last, err := lastEventID(ctx, q, ev.ScheduleID)
	if err != nil {
		return err
	}
	if ev.ID != last+1 {
		return fmt.Errorf("event %d after %d: %w", ev.ID, last, allocation.ErrConcurrentModification)
	}
	payload, err := allocation.EncodePayload(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO schedule_events
			(schedule_id, event_id, event_type, effective_period, payload_json, reason, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.ScheduleID), int64(ev.ID), string(ev.Type()), string(ev.EffectivePeriod),
		string(payload), ev.Reason, formatTime(ev.CreatedAt), ev.CreatedBy)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("event %d: %w", ev.ID, allocation.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) LoadEvents(ctx context.Context, id allocation.ScheduleID, after allocation.EventID, limit int) ([]allocation.ScheduleEvent, error) {
	return loadEvents(ctx, s.db, id, after, limit)
}

func loadEvents(ctx context.Context, q querier, id allocation.ScheduleID, after allocation.EventID, limit int) ([]allocation.ScheduleEvent, error) {
	query := `
		SELECT event_id, event_type, effective_period, payload_json, reason, created_at, created_by
		FROM schedule_events
		WHERE schedule_id = ? AND event_id > ?
		ORDER BY event_id`
	args := []any{string(id), int64(after)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []allocation.ScheduleEvent
	for rows.Next() {
		var (
			eventID                            int64
			eventType, period, payload, reason string
			createdAt, createdBy               string
		)
		if err := rows.Scan(&eventID, &eventType, &period, &payload, &reason, &createdAt, &createdBy); err != nil {
			return nil, err
		}
		p, err := allocation.DecodePayload(allocation.EventType(eventType), []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", eventID, err)
		}
		events = append(events, allocation.ScheduleEvent{
			ID:              allocation.EventID(eventID),
			ScheduleID:      id,
			EffectivePeriod: allocation.PeriodID(period),
			Payload:         p,
			Reason:          reason,
			CreatedAt:       parseTime(createdAt),
			CreatedBy:       createdBy,
		})
	}
	return events, rows.Err()
}

func (s *Store) LastEventID(ctx context.Context, id allocation.ScheduleID) (allocation.EventID, error) {
	return lastEventID(ctx, s.db, id)
}

func lastEventID(ctx context.Context, q querier, id allocation.ScheduleID) (allocation.EventID, error) {
	var last int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM schedule_events WHERE schedule_id = ?`, string(id),
	).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last event id: %w", err)
	}
	return allocation.EventID(last), nil
}

// =============================================================================
// PROJECTION - Rebuildable cache
// =============================================================================

func (s *Store) SaveProjection(ctx context.Context, p allocation.StoredProjection) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := saveProjection(ctx, tx, p); err != nil {
		return err
	}
	return tx.Commit()
}

func saveProjection(ctx context.Context, q querier, p allocation.StoredProjection) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO projections (schedule_id, through_event_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(schedule_id) DO UPDATE SET
			through_event_id = excluded.through_event_id,
			updated_at = excluded.updated_at`,
		string(p.ScheduleID), int64(p.Through), formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to save projection: %w", err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM period_lines WHERE schedule_id = ?`, string(p.ScheduleID)); err != nil {
		return fmt.Errorf("failed to clear period lines: %w", err)
	}
	for _, l := range p.Lines {
		_, err := q.ExecContext(ctx, `
			INSERT INTO period_lines (
				schedule_id, period, state, amount_reporting, amount_local,
				cumulative_amount_reporting, remaining_amount_reporting,
				effective_fx, adjustment_delta, base_amount_reporting, explanation
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(p.ScheduleID), string(l.Period), string(l.State),
			l.AmountReporting.String(), l.AmountLocal.String(),
			l.CumulativeAmountReporting.String(), l.RemainingAmountReporting.String(),
			nullDecimal(l.EffectiveFX), nullDecimal(l.AdjustmentDelta),
			l.BaseAmountReporting.String(), l.Explanation)
		if err != nil {
			return fmt.Errorf("failed to insert period line %s: %w", l.Period, err)
		}
	}
	return nil
}

func (s *Store) LoadProjection(ctx context.Context, id allocation.ScheduleID) (allocation.StoredProjection, error) {
	return loadProjection(ctx, s.db, id)
}

func loadProjection(ctx context.Context, q querier, id allocation.ScheduleID) (allocation.StoredProjection, error) {
	var through int64
	var updatedAt string
	err := q.QueryRowContext(ctx,
		`SELECT through_event_id, updated_at FROM projections WHERE schedule_id = ?`, string(id),
	).Scan(&through, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return allocation.StoredProjection{}, fmt.Errorf("projection %s: %w", id, allocation.ErrScheduleNotFound)
	}
	if err != nil {
		return allocation.StoredProjection{}, fmt.Errorf("failed to load projection: %w", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT period, state, amount_reporting, amount_local,
			cumulative_amount_reporting, remaining_amount_reporting,
			effective_fx, adjustment_delta, base_amount_reporting, explanation
		FROM period_lines
		WHERE schedule_id = ?
		ORDER BY period`, string(id))
	if err != nil {
		return allocation.StoredProjection{}, fmt.Errorf("failed to load period lines: %w", err)
	}
	defer rows.Close()

	p := allocation.StoredProjection{ScheduleID: id, Through: allocation.EventID(through), UpdatedAt: parseTime(updatedAt)}
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return allocation.StoredProjection{}, err
		}
		p.Lines = append(p.Lines, l)
	}
	return p, rows.Err()
}

func scanLine(rows *sql.Rows) (allocation.PeriodLine, error) {
	var (
		period, state, amountR, amountL, cum, rem, base, explanation string
		fx, delta                                                    sql.NullString
	)
	if err := rows.Scan(&period, &state, &amountR, &amountL, &cum, &rem, &fx, &delta, &base, &explanation); err != nil {
		return allocation.PeriodLine{}, err
	}
	l := allocation.PeriodLine{
		Period:      allocation.PeriodID(period),
		State:       allocation.PeriodState(state),
		Explanation: explanation,
	}
	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&l.AmountReporting, amountR},
		{&l.AmountLocal, amountL},
		{&l.CumulativeAmountReporting, cum},
		{&l.RemainingAmountReporting, rem},
		{&l.BaseAmountReporting, base},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return allocation.PeriodLine{}, fmt.Errorf("period %s: %w", period, err)
		}
	}
	if l.EffectiveFX, err = parseNullDecimal(fx); err != nil {
		return allocation.PeriodLine{}, fmt.Errorf("period %s: %w", period, err)
	}
	if l.AdjustmentDelta, err = parseNullDecimal(delta); err != nil {
		return allocation.PeriodLine{}, fmt.Errorf("period %s: %w", period, err)
	}
	return l, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store allocation.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateSchedule(ctx context.Context, rec allocation.ScheduleRecord) error {
	return createSchedule(ctx, ts.tx, rec)
}

func (ts *txStore) LoadSchedule(ctx context.Context, id allocation.ScheduleID) (allocation.ScheduleRecord, error) {
	return loadSchedule(ctx, ts.tx, id)
}

func (ts *txStore) ListSchedules(ctx context.Context) ([]allocation.ScheduleID, error) {
	return listSchedules(ctx, ts.tx)
}

func (ts *txStore) AppendEvent(ctx context.Context, ev allocation.ScheduleEvent) error {
	return appendEvent(ctx, ts.tx, ev)
}

func (ts *txStore) LoadEvents(ctx context.Context, id allocation.ScheduleID, after allocation.EventID, limit int) ([]allocation.ScheduleEvent, error) {
	return loadEvents(ctx, ts.tx, id, after, limit)
}

func (ts *txStore) LastEventID(ctx context.Context, id allocation.ScheduleID) (allocation.EventID, error) {
	return lastEventID(ctx, ts.tx, id)
}

func (ts *txStore) SaveProjection(ctx context.Context, p allocation.StoredProjection) error {
	return saveProjection(ctx, ts.tx, p)
}

func (ts *txStore) LoadProjection(ctx context.Context, id allocation.ScheduleID) (allocation.StoredProjection, error) {
	return loadProjection(ctx, ts.tx, id)
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY"))
}
