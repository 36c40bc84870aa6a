// Package fixtures 提供 TripSage 测试数据：静态服务注册表、请求参数与预置会话状态。
package fixtures

import (
	"slices"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/registry"
	"github.com/BaSui01/tripsage/agent/state"
)

// Now 测试基准时间
var Now = time.Date(2025, 5, 20, 9, 0, 0, 0, time.UTC)

// FlightRequest 一条参数完整的航班查询
const FlightRequest = "Find flights from SFO to JFK on 2025-06-15"

// FlightParams 航班查询参数
func FlightParams() map[string]string {
	return map[string]string{"origin": "SFO", "destination": "JFK", "date": "2025-06-15"}
}

// HotelParams 住宿查询参数
func HotelParams() map[string]string {
	return map[string]string{"city": "New York", "check_in": "2025-06-15", "check_out": "2025-06-20"}
}

// RegistryBuilder 注册全部主服务（静态实现）的构建器
func RegistryBuilder() *registry.Builder {
	return RegistryBuilderWithout()
}

// RegistryBuilderWithout 同 RegistryBuilder，但跳过 skip 中的服务，
// 由调用方自行 Register 替身实现
func RegistryBuilderWithout(skip ...registry.ServiceName) *registry.Builder {
	b := registry.NewBuilder(zap.NewNop())
	for _, name := range primaryServices {
		if slices.Contains(skip, name) {
			continue
		}
		b.Register(name, registry.NewStaticSearchService(name))
	}
	return b
}

var primaryServices = []registry.ServiceName{
	registry.FlightSearch,
	registry.AccommodationSearch,
	registry.DestinationSearch,
	registry.BudgetEstimator,
}

// StaticRegistry 构建静态注册表，backups 为真时注册备用航班服务
func StaticRegistry(t *testing.T, backups bool) (*registry.Registry, *registry.MemoryPreferenceService) {
	t.Helper()
	prefs := registry.NewMemoryPreferenceService()
	b := RegistryBuilder().WithPreferences(prefs)
	if backups {
		b.Register(registry.FlightSearchBackup, registry.NewStaticSearchService(registry.FlightSearchBackup))
	}
	reg, err := b.Build()
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}
	return reg, prefs
}

// UserState 只含一条用户消息的会话，params 作为待处理参数
func UserState(sessionID, text string, params map[string]string) *state.ConversationState {
	s := state.New(sessionID, "u1", Now)
	s.AppendMessage(state.Message{Role: state.RoleUser, Content: text, Timestamp: Now})
	s.PendingParams = params
	return s
}

// TripState 已完成航班与住宿搜索的会话
func TripState(sessionID string) *state.ConversationState {
	s := UserState(sessionID, "book me a trip to New York", nil)
	mustAppend(s, state.DomainResult{
		Domain:    state.DomainFlights,
		Agent:     state.AgentFlight,
		Timestamp: Now,
		Query:     map[string]any{"origin": "SFO", "destination": "JFK", "date": "2025-06-15"},
		Data: map[string]any{"results": []any{
			map[string]any{"airline": "TS", "flight_number": "TS100", "price": 199.0, "currency": "USD"},
		}},
		Summary: "1 flight from SFO to JFK",
	})
	mustAppend(s, state.DomainResult{
		Domain:    state.DomainAccommodations,
		Agent:     state.AgentAccommodation,
		Timestamp: Now,
		Query:     map[string]any{"city": "New York", "check_in": "2025-06-15", "check_out": "2025-06-20"},
		Data: map[string]any{"results": []any{
			map[string]any{"name": "New York Harbor Inn", "nightly": 150.0, "rating": 4.2, "currency": "USD"},
		}},
		Summary: "1 hotel in New York",
	})
	s.AgentHistory = []state.AgentName{state.AgentFlight, state.AgentAccommodation}
	s.CurrentAgent = state.AgentAccommodation
	s.Turn = 2
	return s
}

func mustAppend(s *state.ConversationState, r state.DomainResult) {
	if _, err := s.AppendResult(r); err != nil {
		panic(err)
	}
}
