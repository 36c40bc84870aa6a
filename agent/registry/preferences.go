package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/tripsage/types"
)

// MemoryPreferenceService 进程内偏好存储
type MemoryPreferenceService struct {
	mu    sync.RWMutex
	prefs map[string]map[string]string
}

// NewMemoryPreferenceService 创建进程内偏好存储
func NewMemoryPreferenceService() *MemoryPreferenceService {
	return &MemoryPreferenceService{prefs: make(map[string]map[string]string)}
}

// GetPreferences 实现 PreferenceService
func (m *MemoryPreferenceService) GetPreferences(_ context.Context, userID string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.prefs[userID]))
	for k, v := range m.prefs[userID] {
		out[k] = v
	}
	return out, nil
}

// SetPreferences 合并写入偏好
func (m *MemoryPreferenceService) SetPreferences(_ context.Context, userID string, prefs map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.prefs[userID]
	if !ok {
		cur = make(map[string]string, len(prefs))
		m.prefs[userID] = cur
	}
	for k, v := range prefs {
		cur[k] = v
	}
	return nil
}

// RedisPreferenceService 每个用户一个 Redis hash
type RedisPreferenceService struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPreferenceService 创建 Redis 偏好存储
func NewRedisPreferenceService(client redis.UniversalClient, prefix string) *RedisPreferenceService {
	if prefix == "" {
		prefix = "tripsage:prefs:"
	}
	return &RedisPreferenceService{client: client, prefix: prefix}
}

func (r *RedisPreferenceService) key(userID string) string {
	return r.prefix + userID
}

// GetPreferences 实现 PreferenceService
func (r *RedisPreferenceService) GetPreferences(ctx context.Context, userID string) (map[string]string, error) {
	prefs, err := r.client.HGetAll(ctx, r.key(userID)).Result()
	if err != nil {
		return nil, types.NewServiceUnavailable(string(Preferences), fmt.Errorf("hgetall: %w", err))
	}
	return prefs, nil
}

// SetPreferences 合并写入偏好
func (r *RedisPreferenceService) SetPreferences(ctx context.Context, userID string, prefs map[string]string) error {
	if len(prefs) == 0 {
		return nil
	}
	values := make(map[string]any, len(prefs))
	for k, v := range prefs {
		values[k] = v
	}
	if err := r.client.HSet(ctx, r.key(userID), values).Err(); err != nil {
		return types.NewServiceUnavailable(string(Preferences), fmt.Errorf("hset: %w", err))
	}
	return nil
}
