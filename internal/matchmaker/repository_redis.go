package matchmaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisRepo struct {
	rdb *redis.Client
}

// NewRedisRepo 返回 Redis 实现，支持 AtomicRepo（Lua 脚本）。
func NewRedisRepo(rdb *redis.Client) Repo {
	return &redisRepo{rdb: rdb}
}

// key 约定。所有 key 共用 hash tag {pm}，落在同一个 slot：
// Lua 脚本在内部拼出 entry/active/match/history key，在 Redis Cluster 上也只会访问同一个节点。
//
//	zset: {pm}:queue               -> waiting 的 userID，score = joined_at(ms)；同分按 member 字典序
//	hash: {pm}:entry:<user>        -> status / interests(json) / joined_at(ms)
//	hash: {pm}:match:<id>          -> id / user_a / user_b / room_id / matched_on(json) / status / created_at(ms)
//	kv  : {pm}:active:<user>       -> 进行中的 matchID（每个用户至多一个）
//	list: {pm}:history:<user>      -> 最近的 matchID，新的在前
const (
	keyPrefix    = "{pm}:"
	historyLimit = 50
)

func queueKey() string { return keyPrefix + "queue" }
func entryKey(user string) string { return keyPrefix + "entry:" + user }
func matchKey(id string) string { return keyPrefix + "match:" + id }
func activeKey(user string) string { return keyPrefix + "active:" + user }
func historyKey(user string) string { return keyPrefix + "history:" + user }
func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }
func unavailable(err error) error { return fmt.Errorf("%w: %v", ErrStoreUnavailable, err) }

func fromMillis(s string) time.Time {
	ms, _ := strconv.ParseInt(s, 10, 64)
	return time.UnixMilli(ms)
}

// KEYS[1]=entry KEYS[2]=queue KEYS[3]=active  ARGV[1]=user ARGV[2]=interests ARGV[3]=joined_at
var upsertScript = redis.NewScript(`
local status = 'waiting'
if redis.call('EXISTS', KEYS[3]) == 1 then
    status = 'matched'
end
redis.call('HSET', KEYS[1], 'status', status, 'interests', ARGV[2], 'joined_at', ARGV[3])
if status == 'waiting' then
    redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
else
    redis.call('ZREM', KEYS[2], ARGV[1])
end
return status
`)

// KEYS[1]=entry KEYS[2]=queue  ARGV[1]=user
var removeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') == 'waiting' then
    redis.call('DEL', KEYS[1])
    redis.call('ZREM', KEYS[2], ARGV[1])
    return 1
end
return 0
`)

// KEYS[1]=entry KEYS[2]=queue  ARGV[1]=user
var markScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
    redis.call('HSET', KEYS[1], 'status', 'matched')
end
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// KEYS[1]=active  ARGV[1]=matchID
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// KEYS[1]=match  ARGV[1]=matchID ARGV[2]=prefix
var endScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
    return 0
end
redis.call('HSET', KEYS[1], 'status', 'ended')
local users = redis.call('HMGET', KEYS[1], 'user_a', 'user_b')
for _, u in ipairs(users) do
    if u then
        local ak = ARGV[2] .. 'active:' .. u
        if redis.call('GET', ak) == ARGV[1] then
            redis.call('DEL', ak)
            local ek = ARGV[2] .. 'entry:' .. u
            if redis.call('HGET', ek, 'status') == 'matched' then
                redis.call('DEL', ek)
            end
        end
    end
end
return 1
`)

// 原子成对。Redis 单线程执行脚本，脚本内的读写不会与其它命令交错。
// KEYS[1]=queue  ARGV[1]=user ARGV[2]=matchID ARGV[3]=roomID ARGV[4]=created_at ARGV[5]=prefix ARGV[6]=historyLimit
var pairScript = redis.NewScript(`
local p = ARGV[5]
local self = ARGV[1]
if redis.call('HGET', p .. 'entry:' .. self, 'status') ~= 'waiting' then
    return false
end
if redis.call('EXISTS', p .. 'active:' .. self) == 1 then
    return false
end
local peer
while true do
    peer = nil
    local ids = redis.call('ZRANGE', KEYS[1], '0', '1')
    for _, id in ipairs(ids) do
        if id ~= self then
            peer = id
            break
        end
    end
    if not peer then
        return false
    end
    if redis.call('EXISTS', p .. 'active:' .. peer) == 0 then
        break
    end
    redis.call('ZREM', KEYS[1], peer)
    redis.call('HSET', p .. 'entry:' .. peer, 'status', 'matched')
end
local interests = redis.call('HGET', p .. 'entry:' .. peer, 'interests') or '[]'
redis.call('HSET', p .. 'match:' .. ARGV[2],
    'id', ARGV[2], 'user_a', self, 'user_b', peer, 'room_id', ARGV[3],
    'matched_on', interests, 'status', 'active', 'created_at', ARGV[4])
local keep = tostring(tonumber(ARGV[6]) - 1)
for _, u in ipairs({self, peer}) do
    redis.call('SET', p .. 'active:' .. u, ARGV[2])
    redis.call('HSET', p .. 'entry:' .. u, 'status', 'matched')
    redis.call('ZREM', KEYS[1], u)
    redis.call('LPUSH', p .. 'history:' .. u, ARGV[2])
    redis.call('LTRIM', p .. 'history:' .. u, '0', keep)
end
return {peer, interests}
`)

func (r *redisRepo) Upsert(ctx context.Context, userID string, interests []string, now time.Time) (*WaitingEntry, error) {
	if interests == nil {
		interests = []string{}
	}
	data, _ := json.Marshal(interests)
	status, err := upsertScript.Run(ctx, r.rdb,
		[]string{entryKey(userID), queueKey(), activeKey(userID)},
		userID, string(data), millis(now)).Text()
	if err != nil {
		return nil, unavailable(err)
	}
	return &WaitingEntry{
		UserID:    userID,
		Interests: append([]string(nil), interests...),
		Status:    EntryStatus(status),
		JoinedAt:  time.UnixMilli(now.UnixMilli()),
	}, nil
}

func (r *redisRepo) Get(ctx context.Context, userID string) (*WaitingEntry, error) {
	kv, err := r.rdb.HGetAll(ctx, entryKey(userID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(kv) == 0 {
		return nil, nil
	}
	e := &WaitingEntry{
		UserID:   userID,
		Status:   EntryStatus(kv["status"]),
		JoinedAt: fromMillis(kv["joined_at"]),
	}
	_ = json.Unmarshal([]byte(kv["interests"]), &e.Interests)
	return e, nil
}

func (r *redisRepo) Remove(ctx context.Context, userID string) error {
	if err := removeScript.Run(ctx, r.rdb, []string{entryKey(userID), queueKey()}, userID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// OldestWaiting 按 score 分批扫描队列，跳过已被占用或已不是 waiting 的用户
func (r *redisRepo) OldestWaiting(ctx context.Context, exclude string) (*WaitingEntry, error) {
	const batch = 16
	for start := int64(0); ; start += batch {
		ids, err := r.rdb.ZRange(ctx, queueKey(), start, start+batch-1).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		for _, id := range ids {
			if id == exclude {
				continue
			}
			claimed, err := r.rdb.Exists(ctx, activeKey(id)).Result()
			if err != nil {
				return nil, unavailable(err)
			}
			if claimed > 0 {
				continue
			}
			e, err := r.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if e != nil && e.Status == EntryWaiting {
				return e, nil
			}
		}
		if len(ids) < batch {
			return nil, nil
		}
	}
}

func (r *redisRepo) MarkMatched(ctx context.Context, userID string) error {
	if err := markScript.Run(ctx, r.rdb, []string{entryKey(userID), queueKey()}, userID).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *redisRepo) EvictBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ids, err := r.rdb.ZRangeByScore(ctx, queueKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + millis(cutoff),
	}).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	var n int64
	for _, id := range ids {
		removed, err := removeScript.Run(ctx, r.rdb, []string{entryKey(id), queueKey()}, id).Int64()
		if err != nil {
			return n, unavailable(err)
		}
		n += removed
	}
	return n, nil
}

func (r *redisRepo) CountWaiting(ctx context.Context) (int64, error) {
	n, err := r.rdb.ZCard(ctx, queueKey()).Result()
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// SaveMatch 非原子：先写配对，再用 SETNX 逐个占用双方的 active 槽位，失败时回滚。
func (r *redisRepo) SaveMatch(ctx context.Context, m *Match) error {
	matchedOn, _ := json.Marshal(nonNil(m.MatchedOn))
	if err := r.rdb.HSet(ctx, matchKey(m.ID),
		"id", m.ID,
		"user_a", m.UserA,
		"user_b", m.UserB,
		"room_id", m.RoomID,
		"matched_on", string(matchedOn),
		"status", string(m.Status),
		"created_at", millis(m.CreatedAt),
	).Err(); err != nil {
		return unavailable(err)
	}

	var claimed []string
	rollback := func() {
		for _, u := range claimed {
			_ = releaseScript.Run(ctx, r.rdb, []string{activeKey(u)}, m.ID).Err()
		}
		_ = r.rdb.Del(ctx, matchKey(m.ID)).Err()
	}
	for _, u := range []string{m.UserA, m.UserB} {
		ok, err := r.rdb.SetNX(ctx, activeKey(u), m.ID, 0).Result()
		if err != nil {
			rollback()
			return unavailable(err)
		}
		if !ok {
			rollback()
			return ErrMatchConflict
		}
		claimed = append(claimed, u)
	}

	p := r.rdb.Pipeline()
	for _, u := range claimed {
		p.LPush(ctx, historyKey(u), m.ID)
		p.LTrim(ctx, historyKey(u), 0, historyLimit-1)
	}
	if _, err := p.Exec(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *redisRepo) ActiveMatch(ctx context.Context, userID string) (*Match, error) {
	id, err := r.rdb.Get(ctx, activeKey(userID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	m, err := r.GetMatch(ctx, id)
	if err != nil || m == nil || m.Status != MatchActive {
		return nil, err
	}
	return m, nil
}

func (r *redisRepo) GetMatch(ctx context.Context, matchID string) (*Match, error) {
	kv, err := r.rdb.HGetAll(ctx, matchKey(matchID)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(kv) == 0 {
		return nil, nil
	}
	return parseMatch(kv), nil
}

func parseMatch(kv map[string]string) *Match {
	m := &Match{
		ID:        kv["id"],
		UserA:     kv["user_a"],
		UserB:     kv["user_b"],
		RoomID:    kv["room_id"],
		Status:    MatchStatus(kv["status"]),
		CreatedAt: fromMillis(kv["created_at"]),
	}
	_ = json.Unmarshal([]byte(kv["matched_on"]), &m.MatchedOn)
	return m
}

func (r *redisRepo) EndMatch(ctx context.Context, matchID string) error {
	if err := endScript.Run(ctx, r.rdb, []string{matchKey(matchID)}, matchID, keyPrefix).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (r *redisRepo) RecentMatches(ctx context.Context, userID string, limit int) ([]*Match, error) {
	ids, err := r.rdb.LRange(ctx, historyKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(ids) == 0 {
		return []*Match{}, nil
	}
	p := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = p.HGetAll(ctx, matchKey(id))
	}
	if _, err := p.Exec(ctx); err != nil {
		return nil, unavailable(err)
	}
	out := make([]*Match, 0, len(ids))
	for _, c := range cmds {
		if kv := c.Val(); len(kv) > 0 {
			out = append(out, parseMatch(kv))
		}
	}
	return out, nil
}

func (r *redisRepo) PairOldest(ctx context.Context, m *Match) (*Match, error) {
	res, err := pairScript.Run(ctx, r.rdb, []string{queueKey()},
		m.UserA, m.ID, m.RoomID, millis(m.CreatedAt), keyPrefix, historyLimit).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if len(res) != 2 {
		return nil, unavailable(fmt.Errorf("unexpected pair reply %v", res))
	}
	out := *m
	out.UserB, _ = res[0].(string)
	out.Status = MatchActive
	out.CreatedAt = time.UnixMilli(m.CreatedAt.UnixMilli())
	if raw, ok := res[1].(string); ok {
		_ = json.Unmarshal([]byte(raw), &out.MatchedOn)
	}
	return &out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
