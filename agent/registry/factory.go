package registry

import (
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/config"
	"github.com/BaSui01/tripsage/internal/cache"
)

// Deps 构建注册表所需的共享资源
type Deps struct {
	Redis      redis.UniversalClient // 偏好存储（backend=redis 时必需）
	Cache      *cache.Manager        // 搜索缓存（cache_ttl>0 时使用，可为空）
	HTTPClient *http.Client
}

// NewFromConfig 按配置构建注册表。
// 装饰顺序：缓存 → 熔断 → 超时 → 实际服务，缓存命中不占用熔断配额。
func NewFromConfig(cfg config.ServicesConfig, deps Deps, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := NewBuilder(logger)

	for name, sc := range cfg.All() {
		svc, err := buildService(ServiceName(name), sc, deps, logger)
		if err != nil {
			return nil, err
		}
		if svc != nil {
			b.Register(ServiceName(name), svc)
		}
	}

	switch cfg.Preferences.Backend {
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("preferences backend redis requires a redis client")
		}
		b.WithPreferences(NewRedisPreferenceService(deps.Redis, cfg.Preferences.KeyPrefix))
	default:
		b.WithPreferences(NewMemoryPreferenceService())
	}

	return b.Build()
}

func buildService(name ServiceName, sc config.ServiceConfig, deps Deps, logger *zap.Logger) (SearchService, error) {
	var svc SearchService
	switch sc.Backend {
	case "disabled", "":
		return nil, nil
	case "static":
		svc = NewStaticSearchService(name)
	case "http":
		svc = NewHTTPSearchService(name, sc.URL, deps.HTTPClient)
	default:
		return nil, fmt.Errorf("service %s: unknown backend %q", name, sc.Backend)
	}

	svc = NewTimeoutService(name, svc, sc.Timeout)
	if sc.Breaker.Enabled {
		svc = NewBreakerService(name, svc, BreakerSettings{
			MaxRequests:         sc.Breaker.MaxRequests,
			Interval:            sc.Breaker.Interval,
			Timeout:             sc.Breaker.Timeout,
			ConsecutiveFailures: sc.Breaker.ConsecutiveFailures,
		}, logger)
	}
	if sc.CacheTTL > 0 && deps.Cache != nil {
		svc = NewCachedService(name, svc, deps.Cache, sc.CacheTTL, logger)
	}
	return svc, nil
}
