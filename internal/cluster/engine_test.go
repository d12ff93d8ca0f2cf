package cluster

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"killboard/internal/battle"
)

func testKill(id, systemID int64, at time.Time, victimCorp int64, value float64, attackerCorps ...int64) battle.KillRecord {
	k := battle.KillRecord{
		KillID:   id,
		Time:     at,
		SystemID: systemID,
		RegionID: systemID / 1000,
		Victim: battle.Victim{
			CharacterID:   id * 100,
			CorporationID: victimCorp,
			Value:         value,
		},
	}
	for i, corp := range attackerCorps {
		k.Attackers = append(k.Attackers, battle.Attacker{
			CharacterID:   id*1000 + int64(i),
			CorporationID: corp,
			FinalBlow:     i == 0,
		})
	}
	return k
}

func TestAssignChainsKillsWithinGap(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	eng := NewEngine(idx, Options{})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	first, err := eng.Assign(ctx, testKill(1, 30000142, t0, 200, 10, 100))
	require.NoError(t, err)
	second, err := eng.Assign(ctx, testKill(2, 30000142, t0.Add(10*time.Minute), 200, 20, 100))
	require.NoError(t, err)
	third, err := eng.Assign(ctx, testKill(3, 30000142, t0.Add(50*time.Minute), 200, 30, 100))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, first, third)

	members, err := idx.Members(ctx, first)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 3}, members)

	st, err := idx.LookupOpen(ctx, 30000142)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, t0.Add(50*time.Minute), st.LastActivity)
}

func TestAssignSplitsAcrossGap(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	eng := NewEngine(idx, Options{})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	first, err := eng.Assign(ctx, testKill(1, 30000142, t0, 200, 10, 100))
	require.NoError(t, err)
	second, err := eng.Assign(ctx, testKill(2, 30000142, t0.Add(90*time.Minute), 200, 20, 100))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	st, err := idx.LookupOpen(ctx, 30000142)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, second, st.BattleID)
}

type closerFunc func(ctx context.Context, battleID uuid.UUID) error

func (f closerFunc) CloseBattle(ctx context.Context, battleID uuid.UUID) error {
	return f(ctx, battleID)
}

func TestAssignStaleTakeoverHandsBattleToCloser(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	eng := NewEngine(idx, Options{})

	var mu sync.Mutex
	var closed []uuid.UUID
	eng.SetCloser(closerFunc(func(_ context.Context, battleID uuid.UUID) error {
		mu.Lock()
		defer mu.Unlock()
		closed = append(closed, battleID)
		return nil
	}))

	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)
	first, err := eng.Assign(ctx, testKill(1, 30000142, t0, 200, 10, 100))
	require.NoError(t, err)
	_, err = eng.Assign(ctx, testKill(2, 30000142, t0.Add(2*time.Hour), 200, 20, 100))
	require.NoError(t, err)

	assert.Equal(t, []uuid.UUID{first}, closed)
}

func TestAssignRedeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	eng := NewEngine(idx, Options{})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	first, err := eng.Assign(ctx, testKill(1, 30000142, t0, 200, 10, 100))
	require.NoError(t, err)
	again, err := eng.Assign(ctx, testKill(1, 30000142, t0, 200, 10, 100))
	require.NoError(t, err)

	assert.Equal(t, first, again)

	members, err := idx.Members(ctx, first)
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestAssignRejectsInvalidRecords(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(NewMemoryIndex(), Options{})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	_, err := eng.Assign(ctx, battle.KillRecord{KillID: 0, SystemID: 1, Time: t0})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = eng.Assign(ctx, battle.KillRecord{KillID: 1, SystemID: 0, Time: t0})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = eng.Assign(ctx, battle.KillRecord{KillID: 1, SystemID: 1})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestAssignNPCOnlyPolicy(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	npcKill := battle.KillRecord{
		KillID: 1, SystemID: 30000142, RegionID: 10000002, Time: t0,
		Victim:    battle.Victim{CorporationID: 1000125, Value: 10},
		Attackers: []battle.Attacker{{CorporationID: 1000127}},
	}

	eng := NewEngine(NewMemoryIndex(), Options{})
	_, err := eng.Assign(ctx, npcKill)
	assert.ErrorIs(t, err, ErrNPCOnly)

	permissive := NewEngine(NewMemoryIndex(), Options{ClusterNPCOnly: true})
	id, err := permissive.Assign(ctx, npcKill)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
}

func TestAssignMergesLinkedSystems(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	eng := NewEngine(idx, Options{})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	// Entity 100 fights in two adjacent systems within the link window.
	a, err := eng.Assign(ctx, testKill(1, 30000142, t0, 200, 10, 100))
	require.NoError(t, err)
	b, err := eng.Assign(ctx, testKill(2, 30002053, t0.Add(5*time.Minute), 300, 20, 100))
	require.NoError(t, err)

	assert.Equal(t, a, b, "shared entity within the link window must merge")

	// Both kills point at the same canonical battle.
	id1, ok, err := idx.LookupBattle(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	id2, ok, err := idx.LookupBattle(ctx, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id1, id2)

	members, err := idx.Members(ctx, id1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, members)

	// The absorbed cluster's entry is gone.
	states, err := idx.OpenStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)
	assert.Equal(t, int64(1), eng.Stats().Merges)
}

func TestAssignDoesNotMergeUnrelatedSystems(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	eng := NewEngine(idx, Options{})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	a, err := eng.Assign(ctx, testKill(1, 30000142, t0, 200, 10, 100))
	require.NoError(t, err)
	b, err := eng.Assign(ctx, testKill(2, 30002053, t0.Add(5*time.Minute), 500, 20, 400))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)

	states, err := idx.OpenStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 2)
}

func TestAssignOutsideLinkWindowDoesNotMerge(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	eng := NewEngine(idx, Options{})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	a, err := eng.Assign(ctx, testKill(1, 30000142, t0, 200, 10, 100))
	require.NoError(t, err)
	b, err := eng.Assign(ctx, testKill(2, 30002053, t0.Add(30*time.Minute), 300, 20, 100))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestAssignConcurrentSameSystem(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	eng := NewEngine(idx, Options{MaxRetries: 64})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	const n = 24
	ids := make([]uuid.UUID, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = eng.Assign(ctx, testKill(int64(i+1), 30000142, t0.Add(time.Duration(i)*time.Second), 200, 10, 100))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}

	for i := 1; i < n; i++ {
		assert.Equal(t, ids[0], ids[i])
	}
	members, err := idx.Members(ctx, ids[0])
	require.NoError(t, err)
	assert.Len(t, members, n)
}

// flakyIndex fails AddMember a configured number of times before delegating.
type flakyIndex struct {
	Index
	addMemberFailures int
}

func (f *flakyIndex) AddMember(ctx context.Context, battleID uuid.UUID, killID int64) error {
	if f.addMemberFailures > 0 {
		f.addMemberFailures--
		return errors.New("index unavailable")
	}
	return f.Index.AddMember(ctx, battleID, killID)
}

func TestAssignRedeliveryRepairsMembership(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryIndex()
	idx := &flakyIndex{Index: mem, addMemberFailures: 1}
	eng := NewEngine(idx, Options{})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	k := testKill(1, 30000142, t0, 200, 10, 100)

	// The kill is recorded but the member write fails, so the job errors and
	// the queue redelivers it.
	_, err := eng.Assign(ctx, k)
	require.Error(t, err)

	id, err := eng.Assign(ctx, k)
	require.NoError(t, err)

	members, err := idx.Members(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, members)
}

// contendedIndex loses every TryCreate, forcing the retry-exhaustion path.
type contendedIndex struct {
	Index
}

func (c *contendedIndex) TryCreate(context.Context, int64, uuid.UUID, time.Time) (bool, error) {
	return false, nil
}

func TestAssignFallbackBattleIsFinalized(t *testing.T) {
	ctx := context.Background()
	idx := &contendedIndex{Index: NewMemoryIndex()}
	eng := NewEngine(idx, Options{MaxRetries: 2})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	k := testKill(1, 30000142, t0, 200, 10, 100)
	sink := newFakeSink()
	fin := NewFinalizer(idx, newMemSource(k), sink, FinalizerOptions{PersistBackoff: time.Millisecond})
	eng.SetCloser(fin)

	id, err := eng.Assign(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, int64(1), eng.Stats().Fallbacks)

	// Disjoint battles have no open entry, so the sweep cannot reach them;
	// the engine must close them through the finalizer directly.
	sum, ok := sink.get(id)
	require.True(t, ok)
	assert.Equal(t, 1, sum.KillCount)
	assert.Equal(t, float64(10), sum.TotalValue)
}

// racingDropIndex slips a late kill into a battle's member set right after it
// is dropped, mimicking an assignment racing a merge.
type racingDropIndex struct {
	Index
	lateKill int64
	injected bool
}

func (r *racingDropIndex) DropBattle(ctx context.Context, battleID uuid.UUID) error {
	err := r.Index.DropBattle(ctx, battleID)
	if !r.injected {
		r.injected = true
		if _, rkErr := r.Index.RecordKill(ctx, r.lateKill, battleID); rkErr == nil {
			_ = r.Index.AddMember(ctx, battleID, r.lateKill)
		}
	}
	return err
}

func TestMergeRepointsLateArrivals(t *testing.T) {
	ctx := context.Background()
	idx := &racingDropIndex{Index: NewMemoryIndex(), lateKill: 99}
	eng := NewEngine(idx, Options{})
	t0 := time.Date(2025, 11, 3, 20, 0, 0, 0, time.UTC)

	a, err := eng.Assign(ctx, testKill(1, 30000142, t0, 200, 10, 100))
	require.NoError(t, err)
	b, err := eng.Assign(ctx, testKill(2, 30002053, t0.Add(5*time.Minute), 300, 20, 100))
	require.NoError(t, err)
	require.Equal(t, a, b)

	// The late kill landed in the absorbed battle mid-merge; it must end up
	// in the canonical one.
	id, ok, err := idx.LookupBattle(ctx, 99)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a, id)

	members, err := idx.Members(ctx, a)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2, 99}, members)
}
