package cluster

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"killboard/internal/battle"
)

const (
	openKeyPrefix     = "battles:open:"
	entitiesKeyPrefix = "battles:entities:"
	killKeyPrefix     = "battles:kill:"
	membersKeyPrefix  = "battles:members:"
	openSystemsKey    = "battles:open_systems"
)

// Extend the activity stamp iff battle and stamp still match the caller's
// snapshot. Never moves activity backwards.
var extendScript = redis.NewScript(`
local b = redis.call('HGET', KEYS[1], 'battle')
local t = redis.call('HGET', KEYS[1], 'activity')
if b == ARGV[1] and t == ARGV[2] then
  if tonumber(ARGV[3]) > tonumber(t) then
    redis.call('HSET', KEYS[1], 'activity', ARGV[3])
  end
  return 1
end
return 0
`)

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'battle', ARGV[1], 'activity', ARGV[2])
redis.call('SADD', KEYS[2], ARGV[3])
return 1
`)

var replaceScript = redis.NewScript(`
local b = redis.call('HGET', KEYS[1], 'battle')
local t = redis.call('HGET', KEYS[1], 'activity')
if b == ARGV[1] and t == ARGV[2] then
  redis.call('HSET', KEYS[1], 'battle', ARGV[3], 'activity', ARGV[4])
  redis.call('DEL', KEYS[2])
  return 1
end
return 0
`)

var recordKillScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  return cur
end
redis.call('SET', KEYS[1], ARGV[1])
return ARGV[1]
`)

var reassignScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

var removeOpenScript = redis.NewScript(`
local b = redis.call('HGET', KEYS[1], 'battle')
local t = redis.call('HGET', KEYS[1], 'activity')
if b == ARGV[1] and t == ARGV[2] then
  redis.call('DEL', KEYS[1], KEYS[2])
  redis.call('SREM', KEYS[3], ARGV[3])
  return 1
end
return 0
`)

// RedisIndex is the production cluster index. All CAS operations run as Lua
// scripts so they are atomic against any interleaving of workers.
type RedisIndex struct {
	client *redis.Client
}

// NewRedisIndex wraps a Redis client as a cluster index.
func NewRedisIndex(client *redis.Client) *RedisIndex {
	return &RedisIndex{client: client}
}

func openKey(systemID int64) string     { return openKeyPrefix + strconv.FormatInt(systemID, 10) }
func entitiesKey(systemID int64) string { return entitiesKeyPrefix + strconv.FormatInt(systemID, 10) }
func killKey(killID int64) string       { return killKeyPrefix + strconv.FormatInt(killID, 10) }
func membersKey(battleID uuid.UUID) string { return membersKeyPrefix + battleID.String() }

func (r *RedisIndex) LookupOpen(ctx context.Context, systemID int64) (*OpenState, error) {
	fields, err := r.client.HGetAll(ctx, openKey(systemID)).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup open %d: %w", systemID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	state, err := parseOpen(fields)
	if err != nil {
		return nil, fmt.Errorf("lookup open %d: %w", systemID, err)
	}
	ents, err := r.client.SMembers(ctx, entitiesKey(systemID)).Result()
	if err != nil {
		return nil, fmt.Errorf("lookup open entities %d: %w", systemID, err)
	}
	state.Entities = make(map[battle.Entity]struct{}, len(ents))
	for _, e := range ents {
		n, err := strconv.ParseInt(e, 10, 64)
		if err != nil {
			continue
		}
		state.Entities[battle.Entity(n)] = struct{}{}
	}
	return state, nil
}

func parseOpen(fields map[string]string) (*OpenState, error) {
	id, err := uuid.Parse(fields["battle"])
	if err != nil {
		return nil, fmt.Errorf("bad battle id %q: %w", fields["battle"], err)
	}
	nanos, err := strconv.ParseInt(fields["activity"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad activity %q: %w", fields["activity"], err)
	}
	return &OpenState{BattleID: id, LastActivity: time.Unix(0, nanos).UTC()}, nil
}

func (r *RedisIndex) LookupBattle(ctx context.Context, killID int64) (uuid.UUID, bool, error) {
	val, err := r.client.Get(ctx, killKey(killID)).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup kill %d: %w", killID, err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("lookup kill %d: %w", killID, err)
	}
	return id, true, nil
}

func (r *RedisIndex) TryExtend(ctx context.Context, systemID int64, battleID uuid.UUID, expected, next time.Time) (bool, error) {
	res, err := extendScript.Run(ctx, r.client,
		[]string{openKey(systemID)},
		battleID.String(),
		strconv.FormatInt(expected.UnixNano(), 10),
		strconv.FormatInt(next.UnixNano(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("extend %d: %w", systemID, err)
	}
	return res == 1, nil
}

func (r *RedisIndex) TryCreate(ctx context.Context, systemID int64, battleID uuid.UUID, activity time.Time) (bool, error) {
	res, err := createScript.Run(ctx, r.client,
		[]string{openKey(systemID), openSystemsKey},
		battleID.String(),
		strconv.FormatInt(activity.UnixNano(), 10),
		strconv.FormatInt(systemID, 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("create %d: %w", systemID, err)
	}
	return res == 1, nil
}

func (r *RedisIndex) TryReplace(ctx context.Context, systemID int64, oldBattle uuid.UUID, oldActivity time.Time, newBattle uuid.UUID, activity time.Time) (bool, error) {
	res, err := replaceScript.Run(ctx, r.client,
		[]string{openKey(systemID), entitiesKey(systemID)},
		oldBattle.String(),
		strconv.FormatInt(oldActivity.UnixNano(), 10),
		newBattle.String(),
		strconv.FormatInt(activity.UnixNano(), 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("replace %d: %w", systemID, err)
	}
	return res == 1, nil
}

func (r *RedisIndex) RecordKill(ctx context.Context, killID int64, battleID uuid.UUID) (uuid.UUID, error) {
	val, err := recordKillScript.Run(ctx, r.client, []string{killKey(killID)}, battleID.String()).Text()
	if err != nil {
		return uuid.Nil, fmt.Errorf("record kill %d: %w", killID, err)
	}
	id, err := uuid.Parse(val)
	if err != nil {
		return uuid.Nil, fmt.Errorf("record kill %d: %w", killID, err)
	}
	return id, nil
}

func (r *RedisIndex) ReassignKill(ctx context.Context, killID int64, from, to uuid.UUID) error {
	if err := reassignScript.Run(ctx, r.client, []string{killKey(killID)}, from.String(), to.String()).Err(); err != nil {
		return fmt.Errorf("reassign kill %d: %w", killID, err)
	}
	return nil
}

func (r *RedisIndex) AddMember(ctx context.Context, battleID uuid.UUID, killID int64) error {
	if err := r.client.SAdd(ctx, membersKey(battleID), killID).Err(); err != nil {
		return fmt.Errorf("add member %d: %w", killID, err)
	}
	return nil
}

func (r *RedisIndex) Members(ctx context.Context, battleID uuid.UUID) ([]int64, error) {
	vals, err := r.client.SMembers(ctx, membersKey(battleID)).Result()
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", battleID, err)
	}
	out := make([]int64, 0, len(vals))
	for _, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

func (r *RedisIndex) AddEntities(ctx context.Context, systemID int64, ents []battle.Entity) error {
	if len(ents) == 0 {
		return nil
	}
	vals := make([]interface{}, len(ents))
	for i, e := range ents {
		vals[i] = int64(e)
	}
	if err := r.client.SAdd(ctx, entitiesKey(systemID), vals...).Err(); err != nil {
		return fmt.Errorf("add entities %d: %w", systemID, err)
	}
	return nil
}

func (r *RedisIndex) OpenStates(ctx context.Context) (map[int64]*OpenState, error) {
	systems, err := r.client.SMembers(ctx, openSystemsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("open systems: %w", err)
	}
	out := make(map[int64]*OpenState, len(systems))
	for _, s := range systems {
		sysID, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		state, err := r.LookupOpen(ctx, sysID)
		if err != nil {
			return nil, err
		}
		if state == nil {
			// Removed between the scan and the lookup; the set entry is
			// cleaned up by RemoveOpen, nothing to do here.
			continue
		}
		out[sysID] = state
	}
	return out, nil
}

func (r *RedisIndex) RemoveOpen(ctx context.Context, systemID int64, battleID uuid.UUID, lastActivity time.Time) (bool, error) {
	res, err := removeOpenScript.Run(ctx, r.client,
		[]string{openKey(systemID), entitiesKey(systemID), openSystemsKey},
		battleID.String(),
		strconv.FormatInt(lastActivity.UnixNano(), 10),
		strconv.FormatInt(systemID, 10),
	).Int()
	if err != nil {
		return false, fmt.Errorf("remove open %d: %w", systemID, err)
	}
	return res == 1, nil
}

func (r *RedisIndex) DropBattle(ctx context.Context, battleID uuid.UUID) error {
	if err := r.client.Del(ctx, membersKey(battleID)).Err(); err != nil {
		return fmt.Errorf("drop battle %s: %w", battleID, err)
	}
	return nil
}
