package cluster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"killboard/internal/battle"
	"killboard/internal/logging"
)

// Default clustering policy. All three are configuration, not constants; see
// internal/config.
const (
	DefaultGap        = 60 * time.Minute
	DefaultLinkWindow = 10 * time.Minute
	DefaultMaxRetries = 5
)

// ErrInvalidRecord marks a malformed or unresolvable kill record. Terminal:
// the kill is rejected, logged, never retried.
var ErrInvalidRecord = errors.New("invalid kill record")

// ErrNPCOnly marks a kill with no player-controlled participant, dropped
// under the default clustering policy.
var ErrNPCOnly = errors.New("kill has no player-controlled participant")

// Closer finalizes a battle whose open entry the engine took over after the
// inactivity gap expired before the periodic sweep reached it.
type Closer interface {
	CloseBattle(ctx context.Context, battleID uuid.UUID) error
}

// Options tune the clustering policy.
type Options struct {
	Gap            time.Duration
	LinkWindow     time.Duration
	MaxRetries     int
	ClusterNPCOnly bool
}

func (o Options) withDefaults() Options {
	if o.Gap <= 0 {
		o.Gap = DefaultGap
	}
	if o.LinkWindow <= 0 {
		o.LinkWindow = DefaultLinkWindow
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	return o
}

// Stats exposes the engine's observability counters.
type Stats struct {
	CASRetries   int64
	Merges       int64
	MergeStarved int64
	Fallbacks    int64
}

// Engine clusters kill records into battles: one record at a time, possibly
// from many workers at once, with every shared mutation going through the
// index's CAS primitives.
type Engine struct {
	idx    Index
	opt    Options
	closer Closer

	casRetries   atomic.Int64
	merges       atomic.Int64
	mergeStarved atomic.Int64
	fallbacks    atomic.Int64
}

// NewEngine builds a clustering engine over an index.
func NewEngine(idx Index, opt Options) *Engine {
	return &Engine{idx: idx, opt: opt.withDefaults()}
}

// SetCloser wires the finalizer used for inline takeover of stale clusters.
// Optional; without it a stale cluster waits for the periodic sweep to notice
// it has no open entry left.
func (e *Engine) SetCloser(c Closer) {
	e.closer = c
}

// Stats snapshots the contention counters.
func (e *Engine) Stats() Stats {
	return Stats{
		CASRetries:   e.casRetries.Load(),
		Merges:       e.merges.Load(),
		MergeStarved: e.mergeStarved.Load(),
		Fallbacks:    e.fallbacks.Load(),
	}
}

// Assign places one kill record into a battle and returns the battle ID. A
// redelivered kill returns its existing assignment unchanged.
func (e *Engine) Assign(ctx context.Context, rec battle.KillRecord) (uuid.UUID, error) {
	if err := validate(rec); err != nil {
		return uuid.Nil, err
	}
	if !e.opt.ClusterNPCOnly && !rec.HasPlayer() {
		return uuid.Nil, ErrNPCOnly
	}

	// Idempotency gate before any index mutation. AddMember is re-issued on
	// the hit path: a delivery that failed between RecordKill and AddMember
	// leaves the member set behind, and the redelivery must repair it.
	if id, ok, err := e.idx.LookupBattle(ctx, rec.KillID); err != nil {
		return uuid.Nil, err
	} else if ok {
		if err := e.idx.AddMember(ctx, id, rec.KillID); err != nil {
			return uuid.Nil, err
		}
		return id, nil
	}

	logger := logging.Logger()

	for attempt := 0; attempt <= e.opt.MaxRetries; attempt++ {
		state, err := e.idx.LookupOpen(ctx, rec.SystemID)
		if err != nil {
			return uuid.Nil, err
		}

		switch {
		case state != nil && rec.Time.Sub(state.LastActivity) <= e.opt.Gap:
			next := rec.Time
			if state.LastActivity.After(next) {
				next = state.LastActivity
			}
			ok, err := e.idx.TryExtend(ctx, rec.SystemID, state.BattleID, state.LastActivity, next)
			if err != nil {
				return uuid.Nil, err
			}
			if ok {
				return e.finishAssign(ctx, rec, state.BattleID)
			}

		case state != nil:
			// Gap exceeded but the sweep has not collected the entry yet:
			// take it over atomically and hand the old battle to the closer.
			newID := newBattleID()
			ok, err := e.idx.TryReplace(ctx, rec.SystemID, state.BattleID, state.LastActivity, newID, rec.Time)
			if err != nil {
				return uuid.Nil, err
			}
			if ok {
				e.closeStale(ctx, state.BattleID)
				return e.finishAssign(ctx, rec, newID)
			}

		default:
			newID := newBattleID()
			ok, err := e.idx.TryCreate(ctx, rec.SystemID, newID, rec.Time)
			if err != nil {
				return uuid.Nil, err
			}
			if ok {
				return e.finishAssign(ctx, rec, newID)
			}
		}

		// A concurrent writer won the race; re-read and try again.
		e.casRetries.Add(1)
	}

	// Retry budget exhausted: accept the kill as a disjoint battle rather
	// than stall the worker. No open entry, so it never extends or merges.
	e.fallbacks.Add(1)
	logger.Warnf("cluster contention exhausted for kill %d in system %d, creating disjoint battle", rec.KillID, rec.SystemID)
	id := newBattleID()
	got, err := e.idx.RecordKill(ctx, rec.KillID, id)
	if err != nil {
		return uuid.Nil, err
	}
	if got != id {
		if err := e.idx.AddMember(ctx, got, rec.KillID); err != nil {
			return uuid.Nil, err
		}
		return got, nil
	}
	if err := e.idx.AddMember(ctx, id, rec.KillID); err != nil {
		return uuid.Nil, err
	}
	// The sweep only sees battles with an open entry, so close this one
	// through the finalizer hook right away.
	e.closeStale(ctx, id)
	return id, nil
}

func validate(rec battle.KillRecord) error {
	if rec.KillID <= 0 {
		return fmt.Errorf("%w: missing kill id", ErrInvalidRecord)
	}
	if rec.SystemID <= 0 {
		return fmt.Errorf("%w: kill %d has no system", ErrInvalidRecord, rec.KillID)
	}
	if rec.Time.IsZero() {
		return fmt.Errorf("%w: kill %d has no timestamp", ErrInvalidRecord, rec.KillID)
	}
	return nil
}

func newBattleID() uuid.UUID {
	// UUIDv7 is time-ordered, so byte comparison doubles as the canonical
	// ordering the merge rule needs.
	return uuid.Must(uuid.NewV7())
}

// finishAssign records membership for a kill that won its extend/create race,
// then runs the cross-system merge check. The returned ID is re-read at the
// end because a merge may have re-pointed the kill to a canonical battle.
func (e *Engine) finishAssign(ctx context.Context, rec battle.KillRecord, battleID uuid.UUID) (uuid.UUID, error) {
	got, err := e.idx.RecordKill(ctx, rec.KillID, battleID)
	if err != nil {
		return uuid.Nil, err
	}
	if got != battleID {
		// A concurrent redelivery recorded the kill first. The winner may not
		// have reached AddMember yet, so issue it here as well.
		if err := e.idx.AddMember(ctx, got, rec.KillID); err != nil {
			return uuid.Nil, err
		}
		return got, nil
	}
	if err := e.idx.AddMember(ctx, battleID, rec.KillID); err != nil {
		return uuid.Nil, err
	}
	if err := e.idx.AddEntities(ctx, rec.SystemID, rec.Entities()); err != nil {
		return uuid.Nil, err
	}

	e.checkMerge(ctx, rec.SystemID, battleID, rec.Time)

	if id, ok, err := e.idx.LookupBattle(ctx, rec.KillID); err == nil && ok {
		return id, nil
	}
	return battleID, nil
}

// checkMerge looks for another open cluster active within the link window
// that shares a participant entity with this battle, and merges the pair.
// Merge failures never surface to the caller.
func (e *Engine) checkMerge(ctx context.Context, systemID int64, battleID uuid.UUID, t time.Time) {
	logger := logging.Logger()

	states, err := e.idx.OpenStates(ctx)
	if err != nil {
		logger.Warnf("merge scan failed for system %d: %v", systemID, err)
		return
	}
	mine, ok := states[systemID]
	if !ok || mine.BattleID != battleID {
		// Our cluster changed under us; a concurrent merge already ran.
		return
	}

	for sys, st := range states {
		if sys == systemID || st.BattleID == battleID {
			continue
		}
		if absDuration(t.Sub(st.LastActivity)) > e.opt.LinkWindow {
			continue
		}
		if !st.SharesEntity(mine.Entities) {
			continue
		}
		e.merge(ctx, systemID, mine.BattleID, sys, st.BattleID)
	}
}

// merge folds the byte-larger battle into the byte-smaller one: entities are
// unioned into the surviving open entry, the absorbed entry is removed via
// CAS, members are re-pointed, the absorbed battle's bookkeeping is dropped.
// Always merging larger into smaller makes concurrent merges converge.
func (e *Engine) merge(ctx context.Context, sysA int64, a uuid.UUID, sysB int64, b uuid.UUID) {
	logger := logging.Logger()

	canonical, canonSys := a, sysA
	absorbed, absorbedSys := b, sysB
	if bytes.Compare(a[:], b[:]) > 0 {
		canonical, canonSys = b, sysB
		absorbed, absorbedSys = a, sysA
	}

	for attempt := 0; attempt <= e.opt.MaxRetries; attempt++ {
		st, err := e.idx.LookupOpen(ctx, absorbedSys)
		if err != nil {
			logger.Warnf("merge lookup failed for system %d: %v", absorbedSys, err)
			return
		}
		if st == nil || st.BattleID != absorbed {
			// Already merged or finalized elsewhere; converged.
			return
		}

		// Union entities into the surviving entry first so later merge
		// checks still see the absorbed cluster's participants.
		ents := make([]battle.Entity, 0, len(st.Entities))
		for ent := range st.Entities {
			ents = append(ents, ent)
		}
		if err := e.idx.AddEntities(ctx, canonSys, ents); err != nil {
			logger.Warnf("merge entity union failed for system %d: %v", canonSys, err)
			return
		}

		ok, err := e.idx.RemoveOpen(ctx, absorbedSys, absorbed, st.LastActivity)
		if err != nil {
			logger.Warnf("merge remove failed for system %d: %v", absorbedSys, err)
			return
		}
		if !ok {
			e.casRetries.Add(1)
			continue
		}

		members, err := e.idx.Members(ctx, absorbed)
		if err != nil {
			logger.Errorf("merge member read failed for battle %s: %v", absorbed, err)
			return
		}
		for _, killID := range members {
			if err := e.idx.ReassignKill(ctx, killID, absorbed, canonical); err != nil {
				logger.Errorf("merge reassign failed for kill %d: %v", killID, err)
				return
			}
			if err := e.idx.AddMember(ctx, canonical, killID); err != nil {
				logger.Errorf("merge member move failed for kill %d: %v", killID, err)
				return
			}
		}
		if err := e.idx.DropBattle(ctx, absorbed); err != nil {
			logger.Warnf("merge cleanup failed for battle %s: %v", absorbed, err)
		}

		// A kill racing the merge can join the absorbed member set after the
		// read above; re-point any stragglers before declaring the merge done.
		if late, err := e.idx.Members(ctx, absorbed); err == nil && len(late) > 0 {
			for _, killID := range late {
				if err := e.idx.ReassignKill(ctx, killID, absorbed, canonical); err != nil {
					logger.Errorf("merge reassign failed for kill %d: %v", killID, err)
					continue
				}
				if err := e.idx.AddMember(ctx, canonical, killID); err != nil {
					logger.Errorf("merge member move failed for kill %d: %v", killID, err)
				}
			}
			if err := e.idx.DropBattle(ctx, absorbed); err != nil {
				logger.Warnf("merge cleanup failed for battle %s: %v", absorbed, err)
			}
		}

		e.merges.Add(1)
		logger.Infof("merged battle %s (system %d) into %s", absorbed, absorbedSys, canonical)
		return
	}

	e.mergeStarved.Add(1)
	logger.Warnf("merge starved between battles %s and %s after %d attempts", a, b, e.opt.MaxRetries)
}

func (e *Engine) closeStale(ctx context.Context, battleID uuid.UUID) {
	if e.closer == nil {
		return
	}
	if err := e.closer.CloseBattle(ctx, battleID); err != nil {
		logging.Logger().Warnf("inline finalize of battle %s failed: %v", battleID, err)
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
