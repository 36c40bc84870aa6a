// Package mocks 提供 TripSage 测试用的模拟实现。
//
// SearchService 支持固定结果、按调用次序注入错误与调用记录；
// FlakyStore 可在运行中切换检查点读写失败。
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/tripsage/agent/registry"
	"github.com/BaSui01/tripsage/agent/state"
)

// SearchService 是 registry.SearchService 的模拟实现
type SearchService struct {
	mu      sync.Mutex
	records []registry.Record
	errs    []error
	always  error
	calls   []map[string]string
}

// NewSearchService 创建返回一条航班记录的模拟服务
func NewSearchService() *SearchService {
	return &SearchService{
		records: []registry.Record{{"airline": "TS", "price": 199.0, "flight_number": "TS100"}},
	}
}

// WithRecords 设置成功时返回的记录
func (m *SearchService) WithRecords(records ...registry.Record) *SearchService {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = records
	return m
}

// WithErrors 第 N 次调用返回 errs[N-1]（nil 表示该次成功），之后全部成功
func (m *SearchService) WithErrors(errs ...error) *SearchService {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = errs
	return m
}

// WithError 每次调用都返回 err
func (m *SearchService) WithError(err error) *SearchService {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.always = err
	return m
}

// Search 实现 registry.SearchService
func (m *SearchService) Search(_ context.Context, _ state.Domain, params map[string]string) ([]registry.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	m.calls = append(m.calls, cp)

	if m.always != nil {
		return nil, m.always
	}
	if n := len(m.calls); n <= len(m.errs) && m.errs[n-1] != nil {
		return nil, m.errs[n-1]
	}
	return append([]registry.Record(nil), m.records...), nil
}

// Calls 返回每次调用的参数副本
func (m *SearchService) Calls() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]map[string]string(nil), m.calls...)
}
