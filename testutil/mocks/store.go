package mocks

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/BaSui01/tripsage/agent/checkpoint"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

// FlakyStore 基于内存存储、可切换读写失败的检查点存储
type FlakyStore struct {
	*checkpoint.MemoryStore
	failSaves atomic.Bool
	failLoads atomic.Bool
	saves     atomic.Int64
}

// NewFlakyStore 创建 FlakyStore
func NewFlakyStore(historyLimit int) *FlakyStore {
	return &FlakyStore{MemoryStore: checkpoint.NewMemoryStore(historyLimit)}
}

// FailSaves 切换保存失败
func (f *FlakyStore) FailSaves(fail bool) { f.failSaves.Store(fail) }

// FailLoads 切换读取失败
func (f *FlakyStore) FailLoads(fail bool) { f.failLoads.Store(fail) }

// SaveAttempts 返回 Save 被调用的次数（含失败）
func (f *FlakyStore) SaveAttempts() int64 { return f.saves.Load() }

// Save 实现 checkpoint.Store
func (f *FlakyStore) Save(ctx context.Context, id string, s *state.ConversationState) error {
	f.saves.Add(1)
	if f.failSaves.Load() {
		return types.NewPersistenceFailure("save", errors.New("disk full"))
	}
	return f.MemoryStore.Save(ctx, id, s)
}

// Load 实现 checkpoint.Store
func (f *FlakyStore) Load(ctx context.Context, id string) (*state.ConversationState, error) {
	if f.failLoads.Load() {
		return nil, errors.New("connection refused")
	}
	return f.MemoryStore.Load(ctx, id)
}
