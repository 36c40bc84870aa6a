package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/tripsage/agent/state"
)

// =============================================================================
// 💾 检查点存储接口
// =============================================================================

var (
	// ErrNotFound 会话没有检查点
	ErrNotFound = errors.New("checkpoint not found")
	// ErrStoreClosed 存储已关闭
	ErrStoreClosed = errors.New("checkpoint store is closed")
)

// Store 会话状态持久化。
// Save 成功后把新版本号写回 s.Version，失败时 s 保持不变。
type Store interface {
	Save(ctx context.Context, sessionID string, s *state.ConversationState) error
	Load(ctx context.Context, sessionID string) (*state.ConversationState, error)
	Delete(ctx context.Context, sessionID string) error
	// History 按版本倒序返回最近 limit 个历史快照（含最新版本）
	History(ctx context.Context, sessionID string, limit int) ([]Snapshot, error)
	Ping(ctx context.Context) error
	Close() error
}

// Snapshot 某个版本的会话状态
type Snapshot struct {
	SessionID string                   `json:"session_id"`
	Version   int64                    `json:"version"`
	SavedAt   time.Time                `json:"saved_at"`
	State     *state.ConversationState `json:"state"`
}

// Type 存储类型
type Type string

const (
	TypeMemory Type = "memory"
	TypeFile   Type = "file"
	TypeRedis  Type = "redis"
	TypeSQL    Type = "sql"
	TypeMongo  Type = "mongo"
)

// encoded 一次保存的序列化结果
type encoded struct {
	version int64
	data    []byte
	savedAt time.Time
}

// encode 以 s.Version+1 序列化状态，不修改 s
func encode(sessionID string, s *state.ConversationState) (encoded, error) {
	if s == nil {
		return encoded{}, fmt.Errorf("nil state for session %s", sessionID)
	}
	if s.SessionID != "" && s.SessionID != sessionID {
		return encoded{}, fmt.Errorf("state belongs to session %s, not %s", s.SessionID, sessionID)
	}
	c := s.Clone()
	c.SessionID = sessionID
	c.Version = s.Version + 1
	data, err := state.Marshal(c)
	if err != nil {
		return encoded{}, err
	}
	return encoded{version: c.Version, data: data, savedAt: time.Now().UTC()}, nil
}

func decodeSnapshot(sessionID string, version int64, savedAt time.Time, data []byte) (Snapshot, error) {
	s, err := state.Unmarshal(data)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{SessionID: sessionID, Version: version, SavedAt: savedAt, State: s}, nil
}

func validSession(sessionID string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	return nil
}

func historyLimit(limit, max int) int {
	if limit <= 0 || (max > 0 && limit > max) {
		if max > 0 {
			return max
		}
		return 1
	}
	return limit
}
