/*
service.go - Multi-schedule façade with persistence and locking

PURPOSE:
  Service owns schedule aggregates by ID and is what the API, the worker and
  the CLI talk to. It adds what the pure aggregate leaves out:

    - persistence: event append + projection save in one store transaction
    - serialization: one writer/reader per schedule via a Locker
    - loading: aggregates are replayed once and cached (singleflight)
    - catch-up: events appended by other processes are folded in before
      anything is served, so a projection is never older than the log

CONCURRENCY:
  Operations on one schedule hold its lock for their whole duration.
  Different schedules never share a lock and proceed in parallel.

  LocalLocker is enough for a single process. Multi-process deployments
  pass a redislock.Locker so the same guarantee holds across processes.
  Even without a shared lock, the store rejects an event whose ID is not
  last+1, so two writers can never both append event N.

USAGE:
  svc := allocation.NewService(store, allocation.WithLogger(logger))
  id, lines, err := svc.Create(ctx, "", terms, "alice")
  res, err := svc.ApplyEvent(ctx, id, allocation.ScheduleEvent{
      EffectivePeriod: "2026-06",
      Payload:         allocation.AmountAdjustment{AmountReportingDelta: decimal.NewFromInt(600)},
      Reason:          "price increase",
      CreatedBy:       "alice",
  })

SEE ALSO:
  - aggregate.go: Decide/Accept
  - eventlog.go: Append and listSince
*/
package allocation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Observer receives engine measurements. metrics.Metrics implements it.
type Observer interface {
	EventApplied(t EventType, elapsed time.Duration, err error)
	ProjectionVerified(id ScheduleID, match bool)
}

// Service manages many schedules over one store.
type Service struct {
	store    TxStore
	locker   Locker
	logger   *slog.Logger
	observer Observer
	now      func() time.Time

	mu    sync.Mutex
	cache map[ScheduleID]*Schedule
	loads singleflight.Group
}

// Option configures a Service.
type Option func(*Service)

func WithLocker(l Locker) Option            { return func(s *Service) { s.locker = l } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }
func WithObserver(o Observer) Option        { return func(s *Service) { s.observer = o } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store TxStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		locker: NewLocalLocker(),
		logger: slog.Default(),
		now:    time.Now,
		cache:  make(map[ScheduleID]*Schedule),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// ApplyResult is the stored event and the projection after it.
type ApplyResult struct {
	Event      ScheduleEvent
	Projection []PeriodLine
}

// VerifyResult reports a rebuild-vs-cache comparison.
type VerifyResult struct {
	ScheduleID      ScheduleID `json:"schedule_id"`
	Through         EventID    `json:"through"`
	Match           bool       `json:"match"`
	Repaired        bool       `json:"repaired"`
	RebuiltDigest   string     `json:"rebuilt_digest"`
	StoredDigest    string     `json:"stored_digest"`
	FirstDifference PeriodID   `json:"first_difference,omitempty"`
}

// =============================================================================
// CREATE
// =============================================================================

// Create validates terms, generates the base projection and persists both.
// An empty id gets a generated one.
func (s *Service) Create(ctx context.Context, id ScheduleID, terms ScheduleTerms, actor string) (ScheduleID, []PeriodLine, error) {
	if id == "" {
		id = ScheduleID(uuid.NewString())
	}
	if err := ValidateKindTerms(terms); err != nil {
		return "", nil, err
	}
	agg, err := Create(id, terms)
	if err != nil {
		return "", nil, err
	}
	agg.now = s.now

	unlock, err := s.locker.Lock(ctx, ScheduleLockKey(id))
	if err != nil {
		return "", nil, err
	}
	defer unlock()

	now := s.now().UTC()
	err = s.store.WithTx(ctx, func(tx Store) error {
		if err := tx.CreateSchedule(ctx, ScheduleRecord{ID: id, Terms: terms, CreatedAt: now, CreatedBy: actor}); err != nil {
			return err
		}
		return tx.SaveProjection(ctx, StoredProjection{ScheduleID: id, Lines: agg.CurrentProjection(), UpdatedAt: now})
	})
	if err != nil {
		return "", nil, err
	}

	s.mu.Lock()
	s.cache[id] = agg
	s.mu.Unlock()

	s.logger.Info("schedule created",
		slog.String("schedule_id", string(id)),
		slog.String("kind", terms.Kind),
		slog.String("method", string(terms.Recognition.Method)),
		slog.Int("periods", len(agg.CurrentProjection())))
	return id, agg.CurrentProjection(), nil
}

// =============================================================================
// EVENTS
// =============================================================================

// ApplyEvent appends ev and returns the recomputed projection. On any error
// nothing is appended and the projection is unchanged.
func (s *Service) ApplyEvent(ctx context.Context, id ScheduleID, ev ScheduleEvent) (ApplyResult, error) {
	return s.apply(ctx, id, ev.Type(), func(*Schedule) (ScheduleEvent, error) { return ev, nil })
}

// ClosePeriod records the external close-period signal.
func (s *Service) ClosePeriod(ctx context.Context, id ScheduleID, period PeriodID, actor string) (ApplyResult, error) {
	return s.ApplyEvent(ctx, id, ScheduleEvent{
		EffectivePeriod: period,
		Payload:         PeriodClose{},
		Reason:          "period close",
		CreatedBy:       actor,
	})
}

// Terminate stops the schedule at period and writes off the remaining balance there.
func (s *Service) Terminate(ctx context.Context, id ScheduleID, period PeriodID, reason, actor string) (ApplyResult, error) {
	return s.ApplyEvent(ctx, id, ScheduleEvent{
		EffectivePeriod: period,
		Payload:         Termination{},
		Reason:          reason,
		CreatedBy:       actor,
	})
}

// Advance moves the current period of an open-ended schedule to `to` by
// appending a system TIMELINE_EXTENSION effective at the first open period.
func (s *Service) Advance(ctx context.Context, id ScheduleID, to PeriodID) (ApplyResult, error) {
	return s.apply(ctx, id, EventTimelineExtension, func(agg *Schedule) (ScheduleEvent, error) {
		ev := ScheduleEvent{
			ScheduleID: id,
			Payload:    TimelineExtension{NewEndDate: to.Start()},
			Reason:     fmt.Sprintf("advance current period to %s", to),
			CreatedBy:  SystemActor,
		}
		if !to.Valid() {
			return ev, invalidEvent(ev, "current_period", "%q is not YYYY-MM", to)
		}
		if !agg.Terms().IsOpenEnded() {
			return ev, invalidEvent(ev, "current_period", "schedule has a fixed end date")
		}
		ev.EffectivePeriod = agg.FirstOpenPeriod()
		if ev.EffectivePeriod == "" {
			return ev, invalidEvent(ev, "current_period", "no open period left")
		}
		return ev, nil
	})
}

func (s *Service) apply(ctx context.Context, id ScheduleID, t EventType, build func(*Schedule) (ScheduleEvent, error)) (ApplyResult, error) {
	start := time.Now()
	res, err := s.applyLocked(ctx, id, build)
	if s.observer != nil {
		s.observer.EventApplied(t, time.Since(start), err)
	}
	if err != nil {
		s.logger.Warn("event rejected",
			slog.String("schedule_id", string(id)),
			slog.String("type", string(t)),
			slog.Any("error", err))
		return ApplyResult{}, err
	}
	s.logger.Info("event applied",
		slog.String("schedule_id", string(id)),
		slog.Int64("event_id", int64(res.Event.ID)),
		slog.String("type", string(res.Event.Type())),
		slog.String("effective_period", string(res.Event.EffectivePeriod)),
		slog.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (s *Service) applyLocked(ctx context.Context, id ScheduleID, build func(*Schedule) (ScheduleEvent, error)) (ApplyResult, error) {
	unlock, err := s.locker.Lock(ctx, ScheduleLockKey(id))
	if err != nil {
		return ApplyResult{}, err
	}
	defer unlock()

	agg, err := s.aggregate(ctx, id)
	if err != nil {
		return ApplyResult{}, err
	}
	ev, err := build(agg)
	if err != nil {
		return ApplyResult{}, err
	}
	decided, next, err := agg.Decide(ev)
	if err != nil {
		return ApplyResult{}, err
	}

	var stored ScheduleEvent
	err = s.store.WithTx(ctx, func(tx Store) error {
		log := NewEventLog(tx)
		log.Now = s.now
		var err error
		if stored, err = log.Append(ctx, decided); err != nil {
			return err
		}
		return tx.SaveProjection(ctx, StoredProjection{
			ScheduleID: id,
			Through:    stored.ID,
			Lines:      next.Projection(),
			UpdatedAt:  s.now().UTC(),
		})
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			s.evict(id)
		}
		return ApplyResult{}, err
	}
	if err := agg.Accept(stored, next); err != nil {
		s.evict(id)
		return ApplyResult{}, err
	}
	return ApplyResult{Event: stored, Projection: agg.CurrentProjection()}, nil
}

// =============================================================================
// READS
// =============================================================================

// Projection returns the current period lines, caught up with the log.
func (s *Service) Projection(ctx context.Context, id ScheduleID) ([]PeriodLine, error) {
	st, err := s.State(ctx, id)
	if err != nil {
		return nil, err
	}
	return st.Lines, nil
}

// State returns a copy of the schedule's fold state, caught up with the log.
func (s *Service) State(ctx context.Context, id ScheduleID) (*State, error) {
	unlock, err := s.locker.Lock(ctx, ScheduleLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	agg, err := s.aggregate(ctx, id)
	if err != nil {
		return nil, err
	}
	return agg.State(), nil
}

// Events returns the schedule's events with ID > since.
func (s *Service) Events(ctx context.Context, id ScheduleID, since EventID) ([]ScheduleEvent, error) {
	if _, err := s.store.LoadSchedule(ctx, id); err != nil {
		return nil, err
	}
	events, err := CollectEvents(NewEventLog(s.store).ListSince(ctx, id, since))
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []ScheduleEvent{}
	}
	return events, nil
}

// Terms returns the schedule's stored terms.
func (s *Service) Terms(ctx context.Context, id ScheduleID) (ScheduleTerms, error) {
	rec, err := s.store.LoadSchedule(ctx, id)
	if err != nil {
		return ScheduleTerms{}, err
	}
	return rec.Terms, nil
}

// List returns every schedule ID.
func (s *Service) List(ctx context.Context) ([]ScheduleID, error) {
	return s.store.ListSchedules(ctx)
}

// =============================================================================
// REBUILD & VERIFY
// =============================================================================

// Rebuild replays the stored log from scratch, replaces the cached
// aggregate and rewrites the stored projection.
func (s *Service) Rebuild(ctx context.Context, id ScheduleID) ([]PeriodLine, error) {
	unlock, err := s.locker.Lock(ctx, ScheduleLockKey(id))
	if err != nil {
		return nil, err
	}
	defer unlock()

	agg, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.store.SaveProjection(ctx, StoredProjection{
		ScheduleID: id,
		Through:    agg.LastEventID(),
		Lines:      agg.CurrentProjection(),
		UpdatedAt:  s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("schedule rebuilt",
		slog.String("schedule_id", string(id)),
		slog.Int64("through", int64(agg.LastEventID())))
	return agg.CurrentProjection(), nil
}

// Verify rebuilds the schedule from its log and compares the result with the
// stored projection. A mismatch is logged, reported and repaired.
func (s *Service) Verify(ctx context.Context, id ScheduleID) (VerifyResult, error) {
	unlock, err := s.locker.Lock(ctx, ScheduleLockKey(id))
	if err != nil {
		return VerifyResult{}, err
	}
	defer unlock()

	agg, err := s.load(ctx, id)
	if err != nil {
		return VerifyResult{}, err
	}
	rebuilt := agg.CurrentProjection()
	res := VerifyResult{ScheduleID: id, Through: agg.LastEventID(), RebuiltDigest: Digest(rebuilt)}

	stored, err := s.store.LoadProjection(ctx, id)
	switch {
	case errors.Is(err, ErrScheduleNotFound):
		res.FirstDifference = FirstDifference(rebuilt, nil)
	case err != nil:
		return VerifyResult{}, err
	default:
		res.StoredDigest = Digest(stored.Lines)
		res.Match = stored.Through == agg.LastEventID() && EqualProjections(rebuilt, stored.Lines)
		if !res.Match {
			res.FirstDifference = FirstDifference(rebuilt, stored.Lines)
		}
	}

	if s.observer != nil {
		s.observer.ProjectionVerified(id, res.Match)
	}
	if res.Match {
		return res, nil
	}

	s.logger.Warn("stored projection diverged from event log",
		slog.String("schedule_id", string(id)),
		slog.Int64("through", int64(res.Through)),
		slog.String("first_difference", string(res.FirstDifference)),
		slog.String("rebuilt_digest", res.RebuiltDigest),
		slog.String("stored_digest", res.StoredDigest))
	err = s.store.SaveProjection(ctx, StoredProjection{
		ScheduleID: id,
		Through:    agg.LastEventID(),
		Lines:      rebuilt,
		UpdatedAt:  s.now().UTC(),
	})
	if err != nil {
		return res, fmt.Errorf("repair projection of %s: %w", id, err)
	}
	res.Repaired = true
	return res, nil
}

// =============================================================================
// AGGREGATE CACHE
// =============================================================================

// aggregate returns the cached aggregate for id, loading it on first use and
// folding in any events appended since. Callers hold the schedule lock.
func (s *Service) aggregate(ctx context.Context, id ScheduleID) (*Schedule, error) {
	s.mu.Lock()
	agg, ok := s.cache[id]
	s.mu.Unlock()

	if !ok {
		v, err, _ := s.loads.Do(string(id), func() (any, error) {
			return s.load(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		return v.(*Schedule), nil
	}

	if err := s.catchUp(ctx, agg); err != nil {
		s.evict(id)
		return nil, err
	}
	return agg, nil
}

// load replays a schedule from the store and caches it.
func (s *Service) load(ctx context.Context, id ScheduleID) (*Schedule, error) {
	rec, err := s.store.LoadSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	events, err := CollectEvents(NewEventLog(s.store).ListSince(ctx, id, 0))
	if err != nil {
		return nil, err
	}
	agg, err := Load(id, rec.Terms, events)
	if err != nil {
		return nil, err
	}
	agg.now = s.now

	s.mu.Lock()
	s.cache[id] = agg
	s.mu.Unlock()
	return agg, nil
}

func (s *Service) catchUp(ctx context.Context, agg *Schedule) error {
	last, err := s.store.LastEventID(ctx, agg.ID())
	if err != nil {
		return err
	}
	if last <= agg.LastEventID() {
		return nil
	}
	for ev, err := range NewEventLog(s.store).ListSince(ctx, agg.ID(), agg.LastEventID()) {
		if err != nil {
			return err
		}
		decided, next, err := agg.Decide(ev)
		if err != nil {
			return fmt.Errorf("catch up event %d: %w", ev.ID, err)
		}
		if err := agg.Accept(decided, next); err != nil {
			return err
		}
	}
	s.logger.Debug("schedule caught up",
		slog.String("schedule_id", string(agg.ID())),
		slog.Int64("through", int64(agg.LastEventID())))
	return nil
}

func (s *Service) evict(id ScheduleID) {
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
}
