// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/allocation-engine/allocation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	schedules   map[allocation.ScheduleID]allocation.ScheduleRecord
	order       []allocation.ScheduleID
	events      map[allocation.ScheduleID][]allocation.ScheduleEvent
	projections map[allocation.ScheduleID]allocation.StoredProjection
}

func NewMemory() *Memory {
	return &Memory{
		schedules:   make(map[allocation.ScheduleID]allocation.ScheduleRecord),
		events:      make(map[allocation.ScheduleID][]allocation.ScheduleEvent),
		projections: make(map[allocation.ScheduleID]allocation.StoredProjection),
	}
}

func (m *Memory) CreateSchedule(_ context.Context, rec allocation.ScheduleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(rec)
}

func (m *Memory) createLocked(rec allocation.ScheduleRecord) error {
	if _, ok := m.schedules[rec.ID]; ok {
		return fmt.Errorf("schedule %s: %w", rec.ID, allocation.ErrScheduleExists)
	}
	m.schedules[rec.ID] = rec
	m.order = append(m.order, rec.ID)
	return nil
}

func (m *Memory) LoadSchedule(_ context.Context, id allocation.ScheduleID) (allocation.ScheduleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadScheduleLocked(id)
}

func (m *Memory) loadScheduleLocked(id allocation.ScheduleID) (allocation.ScheduleRecord, error) {
	rec, ok := m.schedules[id]
	if !ok {
		return allocation.ScheduleRecord{}, fmt.Errorf("schedule %s: %w", id, allocation.ErrScheduleNotFound)
	}
	return rec, nil
}

func (m *Memory) ListSchedules(_ context.Context) ([]allocation.ScheduleID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]allocation.ScheduleID{}, m.order...), nil
}

// AppendEvent adds a single event. Append-only.
func (m *Memory) AppendEvent(_ context.Context, ev allocation.ScheduleEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(ev)
}

func (m *Memory) appendLocked(ev allocation.ScheduleEvent) error {
	if _, ok := m.schedules[ev.ScheduleID]; !ok {
		return fmt.Errorf("schedule %s: %w", ev.ScheduleID, allocation.ErrScheduleNotFound)
	}
	evs := m.events[ev.ScheduleID]
	last := allocation.EventID(0)
	if len(evs) > 0 {
		last = evs[len(evs)-1].ID
	}
	if ev.ID != last+1 {
		return fmt.Errorf("event %d after %d: %w", ev.ID, last, allocation.ErrConcurrentModification)
	}
	m.events[ev.ScheduleID] = append(evs, ev)
	return nil
}

func (m *Memory) LoadEvents(_ context.Context, id allocation.ScheduleID, after allocation.EventID, limit int) ([]allocation.ScheduleEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadEventsLocked(id, after, limit), nil
}

func (m *Memory) loadEventsLocked(id allocation.ScheduleID, after allocation.EventID, limit int) []allocation.ScheduleEvent {
	// IDs are dense from 1, so event N sits at index N-1.
	evs := m.events[id]
	start := int(after)
	if start < 0 {
		start = 0
	}
	if start >= len(evs) {
		return nil
	}
	end := len(evs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return append([]allocation.ScheduleEvent{}, evs[start:end]...)
}

func (m *Memory) LastEventID(_ context.Context, id allocation.ScheduleID) (allocation.EventID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastLocked(id), nil
}

func (m *Memory) lastLocked(id allocation.ScheduleID) allocation.EventID {
	evs := m.events[id]
	if len(evs) == 0 {
		return 0
	}
	return evs[len(evs)-1].ID
}

func (m *Memory) SaveProjection(_ context.Context, p allocation.StoredProjection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveProjectionLocked(p)
	return nil
}

func (m *Memory) saveProjectionLocked(p allocation.StoredProjection) {
	p.Lines = append([]allocation.PeriodLine{}, p.Lines...)
	m.projections[p.ScheduleID] = p
}

func (m *Memory) LoadProjection(_ context.Context, id allocation.ScheduleID) (allocation.StoredProjection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadProjectionLocked(id)
}

func (m *Memory) loadProjectionLocked(id allocation.ScheduleID) (allocation.StoredProjection, error) {
	p, ok := m.projections[id]
	if !ok {
		return allocation.StoredProjection{}, fmt.Errorf("projection %s: %w", id, allocation.ErrScheduleNotFound)
	}
	p.Lines = append([]allocation.PeriodLine{}, p.Lines...)
	return p, nil
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(allocation.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	txStore := &txMemoryView{parent: tm}

	if err := fn(txStore); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		schedules:   make(map[allocation.ScheduleID]allocation.ScheduleRecord, len(tm.schedules)),
		order:       append([]allocation.ScheduleID{}, tm.order...),
		events:      make(map[allocation.ScheduleID][]allocation.ScheduleEvent, len(tm.events)),
		projections: make(map[allocation.ScheduleID]allocation.StoredProjection, len(tm.projections)),
	}
	for k, v := range tm.schedules {
		s.schedules[k] = v
	}
	for k, v := range tm.events {
		s.events[k] = append([]allocation.ScheduleEvent{}, v...)
	}
	for k, v := range tm.projections {
		s.projections[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.schedules = s.schedules
	tm.order = s.order
	tm.events = s.events
	tm.projections = s.projections
}

type memorySnapshot struct {
	schedules   map[allocation.ScheduleID]allocation.ScheduleRecord
	order       []allocation.ScheduleID
	events      map[allocation.ScheduleID][]allocation.ScheduleEvent
	projections map[allocation.ScheduleID]allocation.StoredProjection
}

// txMemoryView runs against the parent while WithTx holds its lock.
type txMemoryView struct {
	parent *TxMemory
}

func (tv *txMemoryView) CreateSchedule(_ context.Context, rec allocation.ScheduleRecord) error {
	return tv.parent.createLocked(rec)
}

func (tv *txMemoryView) LoadSchedule(_ context.Context, id allocation.ScheduleID) (allocation.ScheduleRecord, error) {
	return tv.parent.loadScheduleLocked(id)
}

func (tv *txMemoryView) ListSchedules(_ context.Context) ([]allocation.ScheduleID, error) {
	return append([]allocation.ScheduleID{}, tv.parent.order...), nil
}

func (tv *txMemoryView) AppendEvent(_ context.Context, ev allocation.ScheduleEvent) error {
	return tv.parent.appendLocked(ev)
}

func (tv *txMemoryView) LoadEvents(_ context.Context, id allocation.ScheduleID, after allocation.EventID, limit int) ([]allocation.ScheduleEvent, error) {
	return tv.parent.loadEventsLocked(id, after, limit), nil
}

func (tv *txMemoryView) LastEventID(_ context.Context, id allocation.ScheduleID) (allocation.EventID, error) {
	return tv.parent.lastLocked(id), nil
}

func (tv *txMemoryView) SaveProjection(_ context.Context, p allocation.StoredProjection) error {
	tv.parent.saveProjectionLocked(p)
	return nil
}

func (tv *txMemoryView) LoadProjection(_ context.Context, id allocation.ScheduleID) (allocation.StoredProjection, error) {
	return tv.parent.loadProjectionLocked(id)
}
