package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"killboard/internal/battle"
	"killboard/internal/cluster"
	"killboard/internal/db"
	"killboard/internal/logging"
)

// ErrNoResolvableKills is returned when a custom battle request resolves to
// an empty member set.
var ErrNoResolvableKills = errors.New("no resolvable kills in request")

// Store is the persistence surface the service needs; *db.BattleStore is the
// production implementation.
type Store interface {
	SaveBattle(ctx context.Context, sum *battle.Summary) error
	Battle(ctx context.Context, battleID uuid.UUID) (*battle.Summary, error)
	ByCorporation(ctx context.Context, corporationID int64, page db.Page) ([]battle.Summary, error)
	BySystem(ctx context.Context, systemID int64, page db.Page) ([]battle.Summary, error)
	ByRegion(ctx context.Context, regionID int64, page db.Page) ([]battle.Summary, error)
}

// Battles is the operation surface exposed to the API layer: assignment,
// membership checks, battle retrieval, custom compilation and the persisted
// query surface.
type Battles struct {
	engine   *cluster.Engine
	idx      cluster.Index
	records  cluster.RecordSource
	store    Store
	maxSides int
}

// New wires the battle service.
func New(engine *cluster.Engine, idx cluster.Index, records cluster.RecordSource, store Store, maxSides int) *Battles {
	if maxSides <= 0 {
		maxSides = battle.DefaultMaxSides
	}
	return &Battles{engine: engine, idx: idx, records: records, store: store, maxSides: maxSides}
}

// Assign places a kill record into a battle. Redelivery returns the existing
// assignment; contention is absorbed internally.
func (b *Battles) Assign(ctx context.Context, rec battle.KillRecord) (uuid.UUID, error) {
	return b.engine.Assign(ctx, rec)
}

// IsInBattle reports whether a kill has been assigned to any battle.
func (b *Battles) IsInBattle(ctx context.Context, killID int64) (bool, error) {
	_, ok, err := b.idx.LookupBattle(ctx, killID)
	return ok, err
}

// GetBattle resolves a kill's battle: the persisted summary when the battle
// is closed, otherwise a live compilation over the open member snapshot.
// Returns (nil, nil) when the kill is not in any battle.
func (b *Battles) GetBattle(ctx context.Context, killID int64) (*battle.Summary, error) {
	battleID, ok, err := b.idx.LookupBattle(ctx, killID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	if sum, err := b.store.Battle(ctx, battleID); err != nil {
		return nil, err
	} else if sum != nil {
		return sum, nil
	}

	return b.compileLive(ctx, battleID)
}

func (b *Battles) compileLive(ctx context.Context, battleID uuid.UUID) (*battle.Summary, error) {
	killIDs, err := b.idx.Members(ctx, battleID)
	if err != nil {
		return nil, err
	}
	records, missing, err := b.records.Records(ctx, killIDs)
	if err != nil {
		return nil, err
	}
	sum := battle.Compile(records, b.maxSides)
	sum.BattleID = battleID
	sum.MissingKills = missing
	return &sum, nil
}

// CompileCustom builds and persists a user-curated battle over the given
// kills. Kills that no longer resolve are skipped with a warning on the
// result; custom battles never enter the cluster index and may overlap
// automatic battles.
func (b *Battles) CompileCustom(ctx context.Context, killIDs []int64) (*battle.Summary, error) {
	records, missing, err := b.records.Records(ctx, killIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve custom kills: %w", err)
	}
	if len(missing) > 0 {
		logging.Logger().Warnf("custom battle request: %d of %d kills did not resolve", len(missing), len(killIDs))
	}
	if len(records) == 0 {
		return nil, ErrNoResolvableKills
	}

	sum := battle.Compile(records, b.maxSides)
	sum.BattleID = uuid.Must(uuid.NewV7())
	sum.Custom = true
	sum.MissingKills = missing

	if err := b.store.SaveBattle(ctx, &sum); err != nil {
		return nil, fmt.Errorf("persist custom battle: %w", err)
	}
	return &sum, nil
}

// ByCorporation lists persisted battles involving a corporation.
func (b *Battles) ByCorporation(ctx context.Context, corporationID int64, page db.Page) ([]battle.Summary, error) {
	return b.store.ByCorporation(ctx, corporationID, page)
}

// BySystem lists persisted battles that touched a solar system.
func (b *Battles) BySystem(ctx context.Context, systemID int64, page db.Page) ([]battle.Summary, error) {
	return b.store.BySystem(ctx, systemID, page)
}

// ByRegion lists persisted battles that touched a region.
func (b *Battles) ByRegion(ctx context.Context, regionID int64, page db.Page) ([]battle.Summary, error) {
	return b.store.ByRegion(ctx, regionID, page)
}
