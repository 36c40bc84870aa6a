package checkpoint

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/config"
	"github.com/BaSui01/tripsage/internal/retry"
	"github.com/BaSui01/tripsage/types"
)

// Observer 记录存储操作结果（指标采集）
type Observer func(op string, d time.Duration, err error)

// RetryingStore 为任意存储加上指数退避重试。
// 重试耗尽后返回 PERSISTENCE_FAILURE，ErrNotFound 原样返回。
type RetryingStore struct {
	inner    Store
	retryer  retry.Retryer
	observer Observer
	logger   *zap.Logger
}

// NewRetryingStore 包装存储
func NewRetryingStore(inner Store, cfg config.RetryConfig, logger *zap.Logger) *RetryingStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := &retry.Policy{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		MaxDelay:     cfg.MaxDelay,
		Multiplier:   2.0,
		Jitter:       true,
		RetryIf: func(err error) bool {
			if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStoreClosed) {
				return false
			}
			return retry.DefaultRetryIf(err)
		},
	}
	return &RetryingStore{
		inner:   inner,
		retryer: retry.NewBackoffRetryer(policy, logger),
		logger:  logger.With(zap.String("component", "checkpoint")),
	}
}

// WithObserver 设置操作观察者
func (r *RetryingStore) WithObserver(o Observer) *RetryingStore {
	r.observer = o
	return r
}

// Unwrap 返回被包装的存储
func (r *RetryingStore) Unwrap() Store { return r.inner }

// run 重试执行 fn，记录耗时并把最终失败转换为 PERSISTENCE_FAILURE
func run[T any](ctx context.Context, r *RetryingStore, op, sessionID string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	v, err := retry.DoWithResult(ctx, r.retryer, fn)
	if r.observer != nil {
		r.observer(op, time.Since(start), err)
	}
	if err == nil || errors.Is(err, ErrNotFound) {
		return v, err
	}
	r.logger.Error("checkpoint operation failed",
		zap.String("op", op),
		zap.String("session_id", sessionID),
		zap.Error(err),
	)
	return v, types.NewPersistenceFailure(op, err)
}

// Save 保存
func (r *RetryingStore) Save(ctx context.Context, sessionID string, s *state.ConversationState) error {
	_, err := run(ctx, r, "save", sessionID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Save(ctx, sessionID, s)
	})
	return err
}

// Load 加载
func (r *RetryingStore) Load(ctx context.Context, sessionID string) (*state.ConversationState, error) {
	return run(ctx, r, "load", sessionID, func(ctx context.Context) (*state.ConversationState, error) {
		return r.inner.Load(ctx, sessionID)
	})
}

// Delete 删除
func (r *RetryingStore) Delete(ctx context.Context, sessionID string) error {
	_, err := run(ctx, r, "delete", sessionID, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.inner.Delete(ctx, sessionID)
	})
	return err
}

// History 历史
func (r *RetryingStore) History(ctx context.Context, sessionID string, limit int) ([]Snapshot, error) {
	return run(ctx, r, "history", sessionID, func(ctx context.Context) ([]Snapshot, error) {
		return r.inner.History(ctx, sessionID, limit)
	})
}

// Ping 不重试
func (r *RetryingStore) Ping(ctx context.Context) error { return r.inner.Ping(ctx) }

// Close 关闭底层存储
func (r *RetryingStore) Close() error { return r.inner.Close() }
