package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

// Record 外部服务返回的一条结果
type Record = map[string]any

// SearchService 外部搜索能力（航班、住宿、目的地、预算估算）
type SearchService interface {
	Search(ctx context.Context, domain state.Domain, params map[string]string) ([]Record, error)
}

// SearchFunc 函数适配器
type SearchFunc func(ctx context.Context, domain state.Domain, params map[string]string) ([]Record, error)

// Search 实现 SearchService
func (f SearchFunc) Search(ctx context.Context, domain state.Domain, params map[string]string) ([]Record, error) {
	return f(ctx, domain, params)
}

// PreferenceService 用户偏好读写
type PreferenceService interface {
	GetPreferences(ctx context.Context, userID string) (map[string]string, error)
	SetPreferences(ctx context.Context, userID string, prefs map[string]string) error
}

// ServiceName 逻辑服务名
type ServiceName string

const (
	FlightSearch              ServiceName = "flight_search"
	FlightSearchBackup        ServiceName = "flight_search_backup"
	AccommodationSearch       ServiceName = "accommodation_search"
	AccommodationSearchBackup ServiceName = "accommodation_search_backup"
	DestinationSearch         ServiceName = "destination_search"
	BudgetEstimator           ServiceName = "budget_estimator"
	Preferences               ServiceName = "preferences"
)

// =============================================================================
// 🏗️ Builder
// =============================================================================

// Builder 在启动阶段收集服务，Build 之后不可再修改
type Builder struct {
	services map[ServiceName]SearchService
	prefs    PreferenceService
	errs     []error
	logger   *zap.Logger
}

// NewBuilder 创建构建器
func NewBuilder(logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		services: make(map[ServiceName]SearchService),
		logger:   logger.With(zap.String("component", "service_registry")),
	}
}

// Register 注册搜索服务，重复注册在 Build 时报错
func (b *Builder) Register(name ServiceName, svc SearchService) *Builder {
	switch {
	case name == "" || name == Preferences:
		b.errs = append(b.errs, fmt.Errorf("invalid search service name %q", name))
	case svc == nil:
		b.errs = append(b.errs, fmt.Errorf("nil service for %s", name))
	default:
		if _, dup := b.services[name]; dup {
			b.errs = append(b.errs, fmt.Errorf("service %s registered twice", name))
			break
		}
		b.services[name] = svc
	}
	return b
}

// WithPreferences 设置偏好服务
func (b *Builder) WithPreferences(p PreferenceService) *Builder {
	b.prefs = p
	return b
}

// Build 生成不可变注册表
func (b *Builder) Build() (*Registry, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("service registry: %w", errors.Join(b.errs...))
	}
	services := make(map[ServiceName]SearchService, len(b.services))
	for k, v := range b.services {
		services[k] = v
	}
	r := &Registry{services: services, prefs: b.prefs}
	b.logger.Info("service registry built", zap.Strings("services", r.nameStrings()))
	return r, nil
}

// =============================================================================
// 📚 Registry
// =============================================================================

// Registry 只读服务注册表，可在多个会话间并发共享
type Registry struct {
	services map[ServiceName]SearchService
	prefs    PreferenceService
}

// Lookup 按名称查找
func (r *Registry) Lookup(name ServiceName) (SearchService, bool) {
	svc, ok := r.services[name]
	return svc, ok
}

// Has 是否已注册
func (r *Registry) Has(name ServiceName) bool {
	_, ok := r.services[name]
	return ok
}

// Search 调用指定服务，未注册返回 SERVICE_NOT_REGISTERED
func (r *Registry) Search(ctx context.Context, name ServiceName, domain state.Domain, params map[string]string) ([]Record, error) {
	svc, ok := r.services[name]
	if !ok {
		return nil, types.NewError(types.ErrServiceNotAvailable, fmt.Sprintf("service %s is not registered", name))
	}
	return svc.Search(ctx, domain, params)
}

// Preferences 返回偏好服务，可能为 nil
func (r *Registry) Preferences() PreferenceService {
	return r.prefs
}

// Names 返回已注册服务名（有序）
func (r *Registry) Names() []ServiceName {
	names := make([]ServiceName, 0, len(r.services)+1)
	for n := range r.services {
		names = append(names, n)
	}
	if r.prefs != nil {
		names = append(names, Preferences)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func (r *Registry) nameStrings() []string {
	names := r.Names()
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}
