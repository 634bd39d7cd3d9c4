// Package cache mirrors the last known entity snapshots into Redis so a
// restarted client can show something before the first resync completes.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"syncClient/backend/internal/state"
)

type Mirror interface {
	Save(ctx context.Context, snaps ...state.Snapshot) error
	LoadAll(ctx context.Context) ([]state.Snapshot, error)
	Sweep(ctx context.Context) (int, error)
}

// 具体实现：基于 redis 的 Mirror
type redisMirror struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *log.Logger
}

const DefaultTTL = 24 * time.Hour

// NewRedisMirror works with a single node or a cluster client.
func NewRedisMirror(rdb redis.UniversalClient, ttl time.Duration, logger *log.Logger) Mirror {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &redisMirror{rdb: rdb, ttl: ttl, logger: logger}
}

// 过期索引清理：返回被清掉的实体 id
var sweepScript = redis.NewScript(`
-- KEYS[1] = indexKey()
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
end
return expired
`)

func (m *redisMirror) Save(ctx context.Context, snaps ...state.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx := m.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），用于表达“逻辑 TTL”
	expireAt := time.Now().Add(m.ttl).Unix()
	for _, s := range snaps {
		s.Stale = false
		b, err := json.Marshal(s)
		if err != nil {
			return err
		}
		tx.Set(ctx, entityKey(s.EntityID), b, m.ttl)
		tx.ZAdd(ctx, indexKey(), redis.Z{Score: float64(expireAt), Member: s.EntityID})
	}
	_, err := tx.Exec(ctx)
	return err
}

func (m *redisMirror) Sweep(ctx context.Context) (int, error) {
	now := time.Now().Unix()
	expired, err := sweepScript.Run(ctx, m.rdb, []string{indexKey()}, now).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	// 实体键有真实 TTL，这里只是尽早释放
	pipe := m.rdb.Pipeline()
	for _, id := range expired {
		pipe.Del(ctx, entityKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return len(expired), err
	}
	return len(expired), nil
}

// LoadAll returns every unexpired mirrored snapshot. Entries that fail to
// decode are skipped.
func (m *redisMirror) LoadAll(ctx context.Context) ([]state.Snapshot, error) {
	if _, err := m.Sweep(ctx); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	ids, err := m.rdb.ZRangeByScore(ctx, indexKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	// 集群下跨 slot 不能 MGET，按键流水线
	pipe := m.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, entityKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	snaps := make([]state.Snapshot, 0, len(ids))
	for i, cmd := range cmds {
		b, err := cmd.Bytes()
		if err != nil {
			continue
		}
		var s state.Snapshot
		if err := json.Unmarshal(b, &s); err != nil || s.EntityID != ids[i] {
			m.logger.Printf("skip mirrored entity %s: bad payload", ids[i])
			continue
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}

// Run writes every change from sub to Redis until ctx ends. The subscription
// conflates, so a slow Redis only costs intermediate versions.
func Run(ctx context.Context, m Mirror, sub *state.Subscription, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	defer sub.Close()
	for change := range sub.Changes(ctx) {
		saveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := m.Save(saveCtx, change.Snapshot); err != nil {
			logger.Printf("mirror entity %s: %v", change.EntityID, err)
		}
		cancel()
	}
}

// WarmStart loads mirrored snapshots into the client as stale data.
func WarmStart(ctx context.Context, m Mirror, preload func([]state.Snapshot) int) (int, error) {
	snaps, err := m.LoadAll(ctx)
	if err != nil {
		return 0, err
	}
	return preload(snaps), nil
}
