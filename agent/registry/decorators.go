package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/internal/cache"
	"github.com/BaSui01/tripsage/types"
)

// =============================================================================
// ⏱️ 超时
// =============================================================================

// TimeoutService 为每次调用设置超时
type TimeoutService struct {
	name    ServiceName
	next    SearchService
	timeout time.Duration
}

// NewTimeoutService 创建超时装饰器，timeout<=0 时直接返回原服务
func NewTimeoutService(name ServiceName, next SearchService, timeout time.Duration) SearchService {
	if timeout <= 0 {
		return next
	}
	return &TimeoutService{name: name, next: next, timeout: timeout}
}

// Search 实现 SearchService
func (s *TimeoutService) Search(ctx context.Context, domain state.Domain, params map[string]string) ([]Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	records, err := s.next.Search(callCtx, domain, params)
	if err == nil {
		return records, nil
	}
	// 上游调用方取消时原样返回，便于编排器识别为取消而非服务故障
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() != nil {
		return nil, types.NewError(types.ErrUpstreamTimeout, fmt.Sprintf("service %s timed out after %s", s.name, s.timeout)).
			WithCause(err).
			WithRetryable(true)
	}
	return nil, err
}

// =============================================================================
// 🔌 熔断
// =============================================================================

// BreakerSettings 熔断器参数
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// BreakerService 基于 gobreaker 的熔断装饰器
type BreakerService struct {
	name ServiceName
	next SearchService
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerService 创建熔断装饰器
func NewBreakerService(name ServiceName, next SearchService, settings BreakerSettings, logger *zap.Logger) *BreakerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := settings.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	log := logger.With(zap.String("component", "circuit_breaker"), zap.String("service", string(name)))

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(name),
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		// 参数错误与调用方取消不是服务故障
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) {
				return true
			}
			return types.IsCode(err, types.ErrValidation)
		},
	})
	return &BreakerService{name: name, next: next, cb: cb}
}

// Search 实现 SearchService
func (s *BreakerService) Search(ctx context.Context, domain state.Domain, params map[string]string) ([]Record, error) {
	out, err := s.cb.Execute(func() (any, error) {
		return s.next.Search(ctx, domain, params)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, types.NewError(types.ErrCircuitOpen, fmt.Sprintf("service %s circuit open", s.name)).
				WithCause(err)
		}
		return nil, err
	}
	records, _ := out.([]Record)
	return records, nil
}

// State 当前熔断状态
func (s *BreakerService) State() gobreaker.State {
	return s.cb.State()
}

// =============================================================================
// 💾 缓存
// =============================================================================

// CachedService 在 Redis 中缓存搜索结果，并合并并发的相同请求
type CachedService struct {
	name   ServiceName
	next   SearchService
	cache  *cache.Manager
	ttl    time.Duration
	group  singleflight.Group
	logger *zap.Logger
}

// NewCachedService 创建缓存装饰器
func NewCachedService(name ServiceName, next SearchService, c *cache.Manager, ttl time.Duration, logger *zap.Logger) *CachedService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedService{
		name:   name,
		next:   next,
		cache:  c,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "search_cache"), zap.String("service", string(name))),
	}
}

// Search 实现 SearchService
func (s *CachedService) Search(ctx context.Context, domain state.Domain, params map[string]string) ([]Record, error) {
	key := s.cache.Key(string(s.name), string(domain), ParamsKey(params))

	var cached []Record
	err := s.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		return cached, nil
	}
	if !cache.IsCacheMiss(err) {
		s.logger.Debug("cache read failed, calling service", zap.Error(err))
	}

	v, err, shared := s.group.Do(key, func() (any, error) {
		records, err := s.next.Search(ctx, domain, params)
		if err != nil {
			return nil, err
		}
		if setErr := s.cache.SetJSON(ctx, key, records, s.ttl); setErr != nil {
			s.logger.Debug("cache write failed", zap.Error(setErr))
		}
		return records, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("search request coalesced", zap.String("key", key))
	}
	return v.([]Record), nil
}

// ParamsKey 参数的稳定摘要
func ParamsKey(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
		b.WriteByte('&')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:12])
}
