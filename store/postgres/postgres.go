/*
Package postgres provides a PostgreSQL implementation of allocation.Store
on top of pgx.

PURPOSE:
  Same logical layout as store/sqlite, for deployments where several
  server and worker processes share one database.

KEY TABLES:
  schedules, schedule_events, projections, period_lines
  (see store/sqlite for the column meanings)

CONCURRENCY:
  The (schedule_id, event_id) primary key is the last line of defence
  against two processes appending the same event: the loser gets a
  unique violation, surfaced as allocation.ErrConcurrentModification.

USAGE:
  pool, err := pgxpool.New(ctx, cfg.PGDSN)
  store, err := postgres.New(ctx, pool)
*/
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/allocation-engine/allocation"
)

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id TEXT PRIMARY KEY,
	seq BIGSERIAL,
	kind TEXT NOT NULL DEFAULT '',
	terms JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	created_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS schedule_events (
	schedule_id TEXT NOT NULL REFERENCES schedules(id),
	event_id BIGINT NOT NULL,
	event_type TEXT NOT NULL,
	effective_period TEXT NOT NULL,
	payload JSONB NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (schedule_id, event_id)
);

CREATE TABLE IF NOT EXISTS projections (
	schedule_id TEXT PRIMARY KEY REFERENCES schedules(id),
	through_event_id BIGINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
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
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements allocation.TxStore using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New migrates the schema and returns a store over pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Reset empties every table. Used by tests.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE period_lines, projections, schedule_events, schedules`)
	return err
}

// =============================================================================
// SCHEDULES
// =============================================================================

func (s *Store) CreateSchedule(ctx context.Context, rec allocation.ScheduleRecord) error {
	return createSchedule(ctx, s.pool, rec)
}

func createSchedule(ctx context.Context, q querier, rec allocation.ScheduleRecord) error {
	_, err := q.Exec(ctx, `
		INSERT INTO schedules (id, kind, terms, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5)`,
		string(rec.ID), rec.Terms.Kind, rec.Terms, rec.CreatedAt.UTC(), rec.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("schedule %s: %w", rec.ID, allocation.ErrScheduleExists)
		}
		return fmt.Errorf("failed to insert schedule: %w", err)
	}
	return nil
}

func (s *Store) LoadSchedule(ctx context.Context, id allocation.ScheduleID) (allocation.ScheduleRecord, error) {
	return loadSchedule(ctx, s.pool, id)
}

func loadSchedule(ctx context.Context, q querier, id allocation.ScheduleID) (allocation.ScheduleRecord, error) {
	rec := allocation.ScheduleRecord{ID: id}
	err := q.QueryRow(ctx,
		`SELECT terms, created_at, created_by FROM schedules WHERE id = $1`, string(id),
	).Scan(&rec.Terms, &rec.CreatedAt, &rec.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return allocation.ScheduleRecord{}, fmt.Errorf("schedule %s: %w", id, allocation.ErrScheduleNotFound)
	}
	if err != nil {
		return allocation.ScheduleRecord{}, fmt.Errorf("failed to load schedule: %w", err)
	}
	return rec, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]allocation.ScheduleID, error) {
	return listSchedules(ctx, s.pool)
}

func listSchedules(ctx context.Context, q querier) ([]allocation.ScheduleID, error) {
	rows, err := q.Query(ctx, `SELECT id FROM schedules ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (allocation.ScheduleID, error) {
		var id string
		err := row.Scan(&id)
		return allocation.ScheduleID(id), err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return ids, nil
}

// =============================================================================
// EVENTS - Append-only
// =============================================================================

func (s *Store) AppendEvent(ctx context.Context, ev allocation.ScheduleEvent) error {
	return s.WithTx(ctx, func(tx allocation.Store) error {
		return tx.AppendEvent(ctx, ev)
	})
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
	_, err = q.Exec(ctx, `
		INSERT INTO schedule_events
			(schedule_id, event_id, event_type, effective_period, payload, reason, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(ev.ScheduleID), int64(ev.ID), string(ev.Type()), string(ev.EffectivePeriod),
		payload, ev.Reason, ev.CreatedAt.UTC(), ev.CreatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("event %d: %w", ev.ID, allocation.ErrConcurrentModification)
		}
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (s *Store) LoadEvents(ctx context.Context, id allocation.ScheduleID, after allocation.EventID, limit int) ([]allocation.ScheduleEvent, error) {
	return loadEvents(ctx, s.pool, id, after, limit)
}

func loadEvents(ctx context.Context, q querier, id allocation.ScheduleID, after allocation.EventID, limit int) ([]allocation.ScheduleEvent, error) {
	query := `
		SELECT event_id, event_type, effective_period, payload, reason, created_at, created_by
		FROM schedule_events
		WHERE schedule_id = $1 AND event_id > $2
		ORDER BY event_id`
	args := []any{string(id), int64(after)}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (allocation.ScheduleEvent, error) {
		var (
			eventID           int64
			eventType, period string
			payload           []byte
		)
		ev := allocation.ScheduleEvent{ScheduleID: id}
		if err := row.Scan(&eventID, &eventType, &period, &payload, &ev.Reason, &ev.CreatedAt, &ev.CreatedBy); err != nil {
			return ev, err
		}
		p, err := allocation.DecodePayload(allocation.EventType(eventType), payload)
		if err != nil {
			return ev, fmt.Errorf("event %d: %w", eventID, err)
		}
		ev.ID = allocation.EventID(eventID)
		ev.EffectivePeriod = allocation.PeriodID(period)
		ev.Payload = p
		return ev, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	return events, nil
}

func (s *Store) LastEventID(ctx context.Context, id allocation.ScheduleID) (allocation.EventID, error) {
	return lastEventID(ctx, s.pool, id)
}

func lastEventID(ctx context.Context, q querier, id allocation.ScheduleID) (allocation.EventID, error) {
	var last int64
	err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(event_id), 0) FROM schedule_events WHERE schedule_id = $1`, string(id),
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
	return s.WithTx(ctx, func(tx allocation.Store) error {
		return tx.SaveProjection(ctx, p)
	})
}

func saveProjection(ctx context.Context, q querier, p allocation.StoredProjection) error {
	_, err := q.Exec(ctx, `
		INSERT INTO projections (schedule_id, through_event_id, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (schedule_id) DO UPDATE SET
			through_event_id = EXCLUDED.through_event_id,
			updated_at = EXCLUDED.updated_at`,
		string(p.ScheduleID), int64(p.Through), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save projection: %w", err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM period_lines WHERE schedule_id = $1`, string(p.ScheduleID)); err != nil {
		return fmt.Errorf("failed to clear period lines: %w", err)
	}
	for _, l := range p.Lines {
		_, err := q.Exec(ctx, `
			INSERT INTO period_lines (
				schedule_id, period, state, amount_reporting, amount_local,
				cumulative_amount_reporting, remaining_amount_reporting,
				effective_fx, adjustment_delta, base_amount_reporting, explanation
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			string(p.ScheduleID), string(l.Period), string(l.State),
			l.AmountReporting.String(), l.AmountLocal.String(),
			l.CumulativeAmountReporting.String(), l.RemainingAmountReporting.String(),
			optionalString(l.EffectiveFX), optionalString(l.AdjustmentDelta),
			l.BaseAmountReporting.String(), l.Explanation)
		if err != nil {
			return fmt.Errorf("failed to insert period line %s: %w", l.Period, err)
		}
	}
	return nil
}

func (s *Store) LoadProjection(ctx context.Context, id allocation.ScheduleID) (allocation.StoredProjection, error) {
	return loadProjection(ctx, s.pool, id)
}

func loadProjection(ctx context.Context, q querier, id allocation.ScheduleID) (allocation.StoredProjection, error) {
	p := allocation.StoredProjection{ScheduleID: id}
	var through int64
	err := q.QueryRow(ctx,
		`SELECT through_event_id, updated_at FROM projections WHERE schedule_id = $1`, string(id),
	).Scan(&through, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return allocation.StoredProjection{}, fmt.Errorf("projection %s: %w", id, allocation.ErrScheduleNotFound)
	}
	if err != nil {
		return allocation.StoredProjection{}, fmt.Errorf("failed to load projection: %w", err)
	}
	p.Through = allocation.EventID(through)

	rows, err := q.Query(ctx, `
		SELECT period, state, amount_reporting, amount_local,
			cumulative_amount_reporting, remaining_amount_reporting,
			effective_fx, adjustment_delta, base_amount_reporting, explanation
		FROM period_lines
		WHERE schedule_id = $1
		ORDER BY period`, string(id))
	if err != nil {
		return allocation.StoredProjection{}, fmt.Errorf("failed to load period lines: %w", err)
	}
	p.Lines, err = pgx.CollectRows(rows, scanLine)
	if err != nil {
		return allocation.StoredProjection{}, fmt.Errorf("failed to load period lines: %w", err)
	}
	return p, nil
}

func scanLine(row pgx.CollectableRow) (allocation.PeriodLine, error) {
	var (
		period, state, amountR, amountL, cum, rem, base, explanation string
		fx, delta                                                    *string
	)
	if err := row.Scan(&period, &state, &amountR, &amountL, &cum, &rem, &fx, &delta, &base, &explanation); err != nil {
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
	if l.EffectiveFX, err = parseOptional(fx); err != nil {
		return allocation.PeriodLine{}, fmt.Errorf("period %s: %w", period, err)
	}
	if l.AdjustmentDelta, err = parseOptional(delta); err != nil {
		return allocation.PeriodLine{}, fmt.Errorf("period %s: %w", period, err)
	}
	return l, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store allocation.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
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

func optionalString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseOptional(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
