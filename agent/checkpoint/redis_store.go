package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/state"
)

// RedisStore Redis 检查点存储。
//
// 键布局:
//
//	<prefix><session>            最新状态 JSON
//	<prefix><session>:v:<ver>    历史快照
//	<prefix><session>:versions   版本索引（有序集合，score = 版本号）
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	ttl        time.Duration
	limit      int
	ownsClient bool
	logger     *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// RedisStoreConfig Redis 存储配置
type RedisStoreConfig struct {
	KeyPrefix    string
	TTL          time.Duration
	HistoryLimit int
}

type redisSnapshot struct {
	SavedAt time.Time       `json:"saved_at"`
	State   json.RawMessage `json:"state"`
}

// NewRedisStore 基于已有客户端创建存储，Close 不关闭客户端
func NewRedisStore(client redis.UniversalClient, cfg RedisStoreConfig, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1
	}
	return &RedisStore{
		client: client,
		prefix: cfg.KeyPrefix,
		ttl:    cfg.TTL,
		limit:  cfg.HistoryLimit,
		logger: logger.With(zap.String("component", "checkpoint_redis")),
	}
}

func (r *RedisStore) latestKey(sessionID string) string { return r.prefix + sessionID }

func (r *RedisStore) indexKey(sessionID string) string { return r.prefix + sessionID + ":versions" }

func (r *RedisStore) versionKey(sessionID string, version int64) string {
	return r.prefix + sessionID + ":v:" + strconv.FormatInt(version, 10)
}

func (r *RedisStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStoreClosed
	}
	return nil
}

// Save 写入最新状态、历史快照与版本索引，然后裁剪超出上限的旧版本
func (r *RedisStore) Save(ctx context.Context, sessionID string, s *state.ConversationState) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	if err := validSession(sessionID); err != nil {
		return err
	}
	enc, err := encode(sessionID, s)
	if err != nil {
		return err
	}
	snap, err := json.Marshal(redisSnapshot{SavedAt: enc.savedAt, State: enc.data})
	if err != nil {
		return err
	}

	latest, index := r.latestKey(sessionID), r.indexKey(sessionID)
	vkey := r.versionKey(sessionID, enc.version)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, latest, enc.data, r.ttl)
		pipe.Set(ctx, vkey, snap, r.ttl)
		pipe.ZAdd(ctx, index, redis.Z{Score: float64(enc.version), Member: strconv.FormatInt(enc.version, 10)})
		if r.ttl > 0 {
			pipe.Expire(ctx, index, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.Version = enc.version

	if err := r.trim(ctx, sessionID); err != nil {
		r.logger.Warn("failed to trim checkpoint history",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	return nil
}

func (r *RedisStore) trim(ctx context.Context, sessionID string) error {
	index := r.indexKey(sessionID)
	stale, err := r.client.ZRevRange(ctx, index, int64(r.limit), -1).Result()
	if err != nil || len(stale) == 0 {
		return err
	}
	keys := make([]string, 0, len(stale))
	members := make([]any, 0, len(stale))
	for _, m := range stale {
		v, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		keys = append(keys, r.versionKey(sessionID, v))
		members = append(members, m)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(keys) > 0 {
			pipe.Del(ctx, keys...)
		}
		pipe.ZRem(ctx, index, members...)
		return nil
	})
	return err
}

// Load 加载最新状态
func (r *RedisStore) Load(ctx context.Context, sessionID string) (*state.ConversationState, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, r.latestKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return state.Unmarshal(data)
}

// Delete 删除会话全部键
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	index := r.indexKey(sessionID)
	members, err := r.client.ZRange(ctx, index, 0, -1).Result()
	if err != nil {
		return err
	}
	keys := []string{r.latestKey(sessionID), index}
	for _, m := range members {
		if v, err := strconv.ParseInt(m, 10, 64); err == nil {
			keys = append(keys, r.versionKey(sessionID, v))
		}
	}
	return r.client.Del(ctx, keys...).Err()
}

// History 版本倒序
func (r *RedisStore) History(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	n := historyLimit(limit, r.limit)
	members, err := r.client.ZRevRange(ctx, r.indexKey(sessionID), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}

	versions := make([]int64, 0, len(members))
	keys := make([]string, 0, len(members))
	for _, m := range members {
		v, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
		keys = append(keys, r.versionKey(sessionID, v))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Snapshot, 0, len(values))
	for i, raw := range values {
		str, ok := raw.(string)
		if !ok {
			continue // 已过期
		}
		var rs redisSnapshot
		if err := json.Unmarshal([]byte(str), &rs); err != nil {
			return nil, fmt.Errorf("corrupt checkpoint snapshot %s: %w", keys[i], err)
		}
		snap, err := decodeSnapshot(sessionID, versions[i], rs.SavedAt, rs.State)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Ping 存活检查
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	return r.client.Ping(ctx).Err()
}

// Close 关闭；仅在自己创建客户端时关闭连接
func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}
