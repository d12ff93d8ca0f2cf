package cluster

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"killboard/internal/battle"
)

// MemoryIndex is an in-process Index guarded by one mutex. It is the reference
// implementation of the CAS semantics the Redis index must reproduce, and
// backs the test suites.
type MemoryIndex struct {
	mu      sync.Mutex
	open    map[int64]*memOpen
	kills   map[int64]uuid.UUID
	members map[uuid.UUID]map[int64]struct{}
	order   map[uuid.UUID][]int64
}

type memOpen struct {
	battleID     uuid.UUID
	lastActivity time.Time
	entities     map[battle.Entity]struct{}
}

// NewMemoryIndex builds an empty in-memory cluster index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		open:    make(map[int64]*memOpen),
		kills:   make(map[int64]uuid.UUID),
		members: make(map[uuid.UUID]map[int64]struct{}),
		order:   make(map[uuid.UUID][]int64),
	}
}

func (m *MemoryIndex) LookupOpen(_ context.Context, systemID int64) (*OpenState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[systemID]
	if !ok {
		return nil, nil
	}
	return o.snapshot(), nil
}

func (o *memOpen) snapshot() *OpenState {
	ents := make(map[battle.Entity]struct{}, len(o.entities))
	for e := range o.entities {
		ents[e] = struct{}{}
	}
	return &OpenState{BattleID: o.battleID, LastActivity: o.lastActivity, Entities: ents}
}

func (m *MemoryIndex) LookupBattle(_ context.Context, killID int64) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.kills[killID]
	return id, ok, nil
}

func (m *MemoryIndex) TryExtend(_ context.Context, systemID int64, battleID uuid.UUID, expected, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[systemID]
	if !ok || o.battleID != battleID || !o.lastActivity.Equal(expected) {
		return false, nil
	}
	if next.After(o.lastActivity) {
		o.lastActivity = next
	}
	return true, nil
}

func (m *MemoryIndex) TryCreate(_ context.Context, systemID int64, battleID uuid.UUID, activity time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.open[systemID]; ok {
		return false, nil
	}
	m.open[systemID] = &memOpen{
		battleID:     battleID,
		lastActivity: activity,
		entities:     make(map[battle.Entity]struct{}),
	}
	return true, nil
}

func (m *MemoryIndex) TryReplace(_ context.Context, systemID int64, oldBattle uuid.UUID, oldActivity time.Time, newBattle uuid.UUID, activity time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[systemID]
	if !ok || o.battleID != oldBattle || !o.lastActivity.Equal(oldActivity) {
		return false, nil
	}
	m.open[systemID] = &memOpen{
		battleID:     newBattle,
		lastActivity: activity,
		entities:     make(map[battle.Entity]struct{}),
	}
	return true, nil
}

func (m *MemoryIndex) RecordKill(_ context.Context, killID int64, battleID uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.kills[killID]; ok {
		return existing, nil
	}
	m.kills[killID] = battleID
	return battleID, nil
}

func (m *MemoryIndex) ReassignKill(_ context.Context, killID int64, from, to uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.kills[killID] == from {
		m.kills[killID] = to
	}
	return nil
}

func (m *MemoryIndex) AddMember(_ context.Context, battleID uuid.UUID, killID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[battleID]
	if !ok {
		set = make(map[int64]struct{})
		m.members[battleID] = set
	}
	if _, dup := set[killID]; dup {
		return nil
	}
	set[killID] = struct{}{}
	m.order[battleID] = append(m.order[battleID], killID)
	return nil
}

func (m *MemoryIndex) Members(_ context.Context, battleID uuid.UUID) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.order[battleID]
	out := make([]int64, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryIndex) AddEntities(_ context.Context, systemID int64, ents []battle.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[systemID]
	if !ok {
		return nil
	}
	for _, e := range ents {
		o.entities[e] = struct{}{}
	}
	return nil
}

func (m *MemoryIndex) OpenStates(_ context.Context) (map[int64]*OpenState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]*OpenState, len(m.open))
	for sys, o := range m.open {
		out[sys] = o.snapshot()
	}
	return out, nil
}

func (m *MemoryIndex) RemoveOpen(_ context.Context, systemID int64, battleID uuid.UUID, lastActivity time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[systemID]
	if !ok || o.battleID != battleID || !o.lastActivity.Equal(lastActivity) {
		return false, nil
	}
	delete(m.open, systemID)
	return true, nil
}

func (m *MemoryIndex) DropBattle(_ context.Context, battleID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, battleID)
	delete(m.order, battleID)
	return nil
}
