package cluster

import (
	"context"
	"time"

	"github.com/google/uuid"

	"killboard/internal/battle"
)

// OpenState is the transient per-system record of a battle still accepting
// kills. Entities is the accumulated participant-entity set used for
// cross-system merge detection.
type OpenState struct {
	BattleID     uuid.UUID
	LastActivity time.Time
	Entities     map[battle.Entity]struct{}
}

// SharesEntity reports whether the cluster's entity set intersects ents.
func (s *OpenState) SharesEntity(ents map[battle.Entity]struct{}) bool {
	for e := range ents {
		if _, ok := s.Entities[e]; ok {
			return true
		}
	}
	return false
}

// Index is the shared mutable state of the clustering path. Every mutation is
// a compare-and-swap or insert-if-absent so that concurrent workers resolve
// into one winner plus retries, never lost updates. Implementations must be
// safe under arbitrary interleaving on the same system key.
type Index interface {
	// LookupOpen returns the open cluster for a system, or nil.
	LookupOpen(ctx context.Context, systemID int64) (*OpenState, error)

	// LookupBattle returns the battle a kill was assigned to, if any.
	LookupBattle(ctx context.Context, killID int64) (uuid.UUID, bool, error)

	// TryExtend advances a cluster's last activity iff the stored value and
	// battle still match what the caller observed.
	TryExtend(ctx context.Context, systemID int64, battleID uuid.UUID, expected, next time.Time) (bool, error)

	// TryCreate opens a cluster for a system iff none exists.
	TryCreate(ctx context.Context, systemID int64, battleID uuid.UUID, activity time.Time) (bool, error)

	// TryReplace swaps a stale open entry for a fresh cluster iff the stored
	// battle and activity still match the caller's snapshot. The entity set
	// starts empty; the replaced battle is the caller's to finalize.
	TryReplace(ctx context.Context, systemID int64, oldBattle uuid.UUID, oldActivity time.Time, newBattle uuid.UUID, activity time.Time) (bool, error)

	// RecordKill writes the kill→battle assignment once. The returned ID is
	// the winning assignment: on a redelivery race it is the earlier one.
	RecordKill(ctx context.Context, killID int64, battleID uuid.UUID) (uuid.UUID, error)

	// ReassignKill re-points a kill from an absorbed battle to the canonical
	// one; a no-op if the kill is not currently assigned to from.
	ReassignKill(ctx context.Context, killID int64, from, to uuid.UUID) error

	// AddMember appends a kill to a battle's member set.
	AddMember(ctx context.Context, battleID uuid.UUID, killID int64) error

	// Members snapshots a battle's member kill IDs.
	Members(ctx context.Context, battleID uuid.UUID) ([]int64, error)

	// AddEntities unions participant entities into a system's open cluster.
	AddEntities(ctx context.Context, systemID int64, ents []battle.Entity) error

	// OpenStates snapshots every open cluster keyed by system.
	OpenStates(ctx context.Context) (map[int64]*OpenState, error)

	// RemoveOpen deletes a system's open entry iff battle and last activity
	// still match what the caller observed.
	RemoveOpen(ctx context.Context, systemID int64, battleID uuid.UUID, lastActivity time.Time) (bool, error)

	// DropBattle discards the transient member bookkeeping of an absorbed or
	// finalized battle. Kill→battle entries are never dropped.
	DropBattle(ctx context.Context, battleID uuid.UUID) error
}
