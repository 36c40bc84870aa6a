package checkpoint

import (
	"context"
	"sync"

	"github.com/BaSui01/tripsage/agent/state"
)

// MemoryStore 内存检查点存储，保存序列化副本，读写互不影响
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Snapshot
	limit    int
	closed   bool
}

// NewMemoryStore 创建内存存储，historyLimit 为每会话保留的版本数（<=0 时只保留最新）
func NewMemoryStore(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = 1
	}
	return &MemoryStore{
		sessions: make(map[string][]Snapshot),
		limit:    historyLimit,
	}
}

// Save 保存
func (m *MemoryStore) Save(ctx context.Context, sessionID string, s *state.ConversationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validSession(sessionID); err != nil {
		return err
	}
	enc, err := encode(sessionID, s)
	if err != nil {
		return err
	}
	snap, err := decodeSnapshot(sessionID, enc.version, enc.savedAt, enc.data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	versions := append(m.sessions[sessionID], snap)
	if len(versions) > m.limit {
		versions = append([]Snapshot(nil), versions[len(versions)-m.limit:]...)
	}
	m.sessions[sessionID] = versions
	s.Version = enc.version
	return nil
}

// Load 加载最新版本
func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*state.ConversationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	versions := m.sessions[sessionID]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	return versions[len(versions)-1].State.Clone(), nil
}

// Delete 删除会话全部版本
func (m *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	delete(m.sessions, sessionID)
	return nil
}

// History 版本倒序
func (m *MemoryStore) History(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	versions := m.sessions[sessionID]
	if len(versions) == 0 {
		return nil, ErrNotFound
	}
	n := historyLimit(limit, len(versions))
	out := make([]Snapshot, 0, n)
	for i := len(versions) - 1; i >= 0 && len(out) < n; i-- {
		snap := versions[i]
		snap.State = snap.State.Clone()
		out = append(out, snap)
	}
	return out, nil
}

// Ping 存活检查
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return ctx.Err()
}

// Close 关闭
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.sessions = make(map[string][]Snapshot)
	return nil
}

// Len 会话数量
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
