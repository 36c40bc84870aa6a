package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BaSui01/tripsage/agent/state"
)

// FileStore 基于文件的检查点存储，每个会话一个 JSON 文件。
// 适合单节点部署。
type FileStore struct {
	baseDir string
	limit   int
	mu      sync.RWMutex
	closed  bool
}

type fileVersion struct {
	Version int64           `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	State   json.RawMessage `json:"state"`
}

type fileRecord struct {
	SessionID string        `json:"session_id"`
	Versions  []fileVersion `json:"versions"`
}

// NewFileStore 创建文件存储
func NewFileStore(baseDir string, historyLimit int) (*FileStore, error) {
	if baseDir == "" {
		return nil, errors.New("checkpoint base dir is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	if historyLimit <= 0 {
		historyLimit = 1
	}
	return &FileStore{baseDir: baseDir, limit: historyLimit}, nil
}

func (f *FileStore) path(sessionID string) (string, error) {
	if err := validSession(sessionID); err != nil {
		return "", err
	}
	name := url.PathEscape(sessionID)
	if name == "." || name == ".." {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(f.baseDir, name+".json"), nil
}

func (f *FileStore) read(path string) (*fileRecord, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint file %s: %w", filepath.Base(path), err)
	}
	if len(rec.Versions) == 0 {
		return nil, ErrNotFound
	}
	return &rec, nil
}

// write 原子写：写入临时文件后重命名
func (f *FileStore) write(path string, rec *fileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Save 保存
func (f *FileStore) Save(ctx context.Context, sessionID string, s *state.ConversationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.path(sessionID)
	if err != nil {
		return err
	}
	enc, err := encode(sessionID, s)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}

	rec, err := f.read(path)
	if errors.Is(err, ErrNotFound) {
		rec = &fileRecord{SessionID: sessionID}
	} else if err != nil {
		return err
	}
	rec.Versions = append(rec.Versions, fileVersion{Version: enc.version, SavedAt: enc.savedAt, State: enc.data})
	if len(rec.Versions) > f.limit {
		rec.Versions = rec.Versions[len(rec.Versions)-f.limit:]
	}
	if err := f.write(path, rec); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	s.Version = enc.version
	return nil
}

// Load 加载最新版本
func (f *FileStore) Load(ctx context.Context, sessionID string) (*state.ConversationState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.path(sessionID)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStoreClosed
	}
	rec, err := f.read(path)
	if err != nil {
		return nil, err
	}
	return state.Unmarshal(rec.Versions[len(rec.Versions)-1].State)
}

// Delete 删除
func (f *FileStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.path(sessionID)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrStoreClosed
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// History 版本倒序
func (f *FileStore) History(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.path(sessionID)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return nil, ErrStoreClosed
	}
	rec, err := f.read(path)
	if err != nil {
		return nil, err
	}
	n := historyLimit(limit, len(rec.Versions))
	out := make([]Snapshot, 0, n)
	for i := len(rec.Versions) - 1; i >= 0 && len(out) < n; i-- {
		v := rec.Versions[i]
		snap, err := decodeSnapshot(sessionID, v.Version, v.SavedAt, v.State)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// Ping 检查目录可写
func (f *FileStore) Ping(ctx context.Context) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrStoreClosed
	}
	info, err := os.Stat(f.baseDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", f.baseDir)
	}
	return ctx.Err()
}

// Close 关闭
func (f *FileStore) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
