package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"killboard/internal/battle"
	"killboard/internal/logging"
)

// RecordSource resolves kill IDs to canonical records. The second return
// value lists IDs that no longer resolve; compilation proceeds without them.
type RecordSource interface {
	Records(ctx context.Context, killIDs []int64) ([]battle.KillRecord, []int64, error)
}

// BattleSink persists a compiled battle. Saves must be idempotent: a battle
// may be persisted again if it gained kills after an earlier finalize pass.
type BattleSink interface {
	SaveBattle(ctx context.Context, sum *battle.Summary) error
}

// FinalizerOptions tune the sweep.
type FinalizerOptions struct {
	Gap            time.Duration
	Interval       time.Duration
	MaxSides       int
	PersistRetries int
	PersistBackoff time.Duration
}

func (o FinalizerOptions) withDefaults() FinalizerOptions {
	if o.Gap <= 0 {
		o.Gap = DefaultGap
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Minute
	}
	if o.MaxSides <= 0 {
		o.MaxSides = battle.DefaultMaxSides
	}
	if o.PersistRetries <= 0 {
		o.PersistRetries = 3
	}
	if o.PersistBackoff <= 0 {
		o.PersistBackoff = 500 * time.Millisecond
	}
	return o
}

// StatsRefresher refreshes derived statistics after a battle is persisted.
// Failures are logged, never fatal.
type StatsRefresher interface {
	RefreshForDate(ctx context.Context, date time.Time) error
}

// Finalizer promotes quiet clusters from the open index to persisted,
// immutable battles.
type Finalizer struct {
	idx       Index
	src       RecordSource
	sink      BattleSink
	refresher StatsRefresher
	opt       FinalizerOptions
}

// NewFinalizer builds a finalizer over the index, record source and sink.
func NewFinalizer(idx Index, src RecordSource, sink BattleSink, opt FinalizerOptions) *Finalizer {
	return &Finalizer{idx: idx, src: src, sink: sink, opt: opt.withDefaults()}
}

// SetRefresher wires an optional continuous-aggregate refresher invoked after
// each successful persist.
func (f *Finalizer) SetRefresher(r StatsRefresher) {
	f.refresher = r
}

// Run sweeps on a ticker until the context is canceled.
func (f *Finalizer) Run(ctx context.Context) {
	logger := logging.Logger()
	ticker := time.NewTicker(f.opt.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Infof("finalizer exiting: %v", ctx.Err())
			return
		case <-ticker.C:
			closed, err := f.Sweep(ctx, time.Now().UTC())
			if err != nil {
				logger.Warnf("finalize sweep failed: %v", err)
				continue
			}
			if closed > 0 {
				logger.Infof("finalized %d battles", closed)
			}
		}
	}
}

// Sweep finalizes every open cluster idle past the gap as of now. Safe to run
// concurrently with the engine: removal goes through the same CAS, so a
// cluster extended mid-sweep is left for the next pass.
func (f *Finalizer) Sweep(ctx context.Context, now time.Time) (int, error) {
	logger := logging.Logger()

	states, err := f.idx.OpenStates(ctx)
	if err != nil {
		return 0, fmt.Errorf("scan open clusters: %w", err)
	}

	closed := 0
	for systemID, st := range states {
		if now.Sub(st.LastActivity) <= f.opt.Gap {
			continue
		}

		// Persist before removing the entry. Persistence is idempotent, so
		// losing the CAS below only means a redundant save next cycle.
		if err := f.persist(ctx, st.BattleID); err != nil {
			logger.Warnf("persist battle %s failed, keeping cluster open: %v", st.BattleID, err)
			continue
		}

		ok, err := f.idx.RemoveOpen(ctx, systemID, st.BattleID, st.LastActivity)
		if err != nil {
			return closed, err
		}
		if !ok {
			// New activity arrived since the scan; reconsider next pass.
			continue
		}
		if err := f.idx.DropBattle(ctx, st.BattleID); err != nil {
			logger.Warnf("cleanup for battle %s failed: %v", st.BattleID, err)
		}
		closed++
	}
	return closed, nil
}

// CloseBattle compiles and persists one battle by ID. Used by the engine when
// it takes over a stale open entry inline, where the entry is already gone.
func (f *Finalizer) CloseBattle(ctx context.Context, battleID uuid.UUID) error {
	if err := f.persist(ctx, battleID); err != nil {
		return err
	}
	return f.idx.DropBattle(ctx, battleID)
}

func (f *Finalizer) persist(ctx context.Context, battleID uuid.UUID) error {
	logger := logging.Logger()

	killIDs, err := f.idx.Members(ctx, battleID)
	if err != nil {
		return fmt.Errorf("read members: %w", err)
	}
	if len(killIDs) == 0 {
		return nil
	}

	records, missing, err := f.src.Records(ctx, killIDs)
	if err != nil {
		return fmt.Errorf("resolve records: %w", err)
	}
	if len(missing) > 0 {
		logger.Warnf("battle %s: %d member kills no longer resolve", battleID, len(missing))
	}

	sum := battle.Compile(records, f.opt.MaxSides)
	sum.BattleID = battleID
	sum.MissingKills = missing

	var lastErr error
	for attempt := 0; attempt < f.opt.PersistRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.opt.PersistBackoff << (attempt - 1)):
			}
		}
		if lastErr = f.sink.SaveBattle(ctx, &sum); lastErr == nil {
			if f.refresher != nil {
				if err := f.refresher.RefreshForDate(ctx, sum.StartTime); err != nil {
					logger.Warnf("stats refresh for battle %s failed: %v", battleID, err)
				}
			}
			return nil
		}
		logger.Warnf("save battle %s attempt %d failed: %v", battleID, attempt+1, lastErr)
	}
	return lastErr
}
