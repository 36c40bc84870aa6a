package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/BaSui01/tripsage/agent/checkpoint"
	"github.com/BaSui01/tripsage/agent/handoff"
	"github.com/BaSui01/tripsage/agent/nodes"
	"github.com/BaSui01/tripsage/agent/registry"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/config"
	"github.com/BaSui01/tripsage/internal/metrics"
	"github.com/BaSui01/tripsage/testutil"
	"github.com/BaSui01/tripsage/testutil/fixtures"
	"github.com/BaSui01/tripsage/testutil/mocks"
	"github.com/BaSui01/tripsage/types"
)

const flightRequest = fixtures.FlightRequest

// =============================================================================
// 🧪 测试夹具
// =============================================================================

type harnessOptions struct {
	flight registry.SearchService
	backup registry.SearchService
	cfg    func(*config.OrchestratorConfig)
	store  checkpoint.Store
	table  *nodes.Table
	now    func() time.Time
}

type harness struct {
	orch  *Orchestrator
	store checkpoint.Store
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	cfg := config.DefaultOrchestratorConfig()
	cfg.TurnTimeout = 5 * time.Second
	if opts.cfg != nil {
		opts.cfg(&cfg)
	}

	table := opts.table
	if table == nil {
		flight := opts.flight
		if flight == nil {
			flight = registry.NewStaticSearchService(registry.FlightSearch)
		}
		b := fixtures.RegistryBuilderWithout(registry.FlightSearch).
			Register(registry.FlightSearch, flight).
			WithPreferences(registry.NewMemoryPreferenceService())
		if opts.backup != nil {
			b.Register(registry.FlightSearchBackup, opts.backup)
		}
		reg, err := b.Build()
		require.NoError(t, err)
		table = nodes.NewTable(reg, nodes.Options{Logger: zap.NewNop()})
	}

	store := opts.store
	if store == nil {
		store = checkpoint.NewMemoryStore(10)
	}
	orch, err := New(cfg, Deps{
		Nodes:   table,
		Store:   store,
		Metrics: metrics.NewCollector("test", prometheus.NewRegistry(), zap.NewNop()),
		Logger:  zap.NewNop(),
		Now:     opts.now,
	})
	require.NoError(t, err)
	return &harness{orch: orch, store: store}
}

func (h *harness) send(t *testing.T, session, text string) *Reply {
	t.Helper()
	reply, err := h.orch.HandleUserMessage(context.Background(), session, "u1", text)
	require.NoError(t, err)
	require.NotNil(t, reply)
	return reply
}

func (h *harness) snapshot(t *testing.T, session string) *state.ConversationState {
	t.Helper()
	st, err := h.orch.Snapshot(context.Background(), session)
	require.NoError(t, err)
	return st
}

func timeoutErr() error {
	return types.NewError(types.ErrUpstreamTimeout, "flight search timed out").WithRetryable(true)
}

// blockingService 对指定目的地阻塞直到 ctx 结束
type blockingService struct {
	destination string
	started     chan struct{}
	once        sync.Once
}

func newBlockingService(destination string) *blockingService {
	return &blockingService{destination: destination, started: make(chan struct{})}
}

func (b *blockingService) Search(ctx context.Context, d state.Domain, params map[string]string) ([]registry.Record, error) {
	if params["destination"] != b.destination {
		return registry.NewStaticSearchService(registry.FlightSearch).Search(ctx, d, params)
	}
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

// stubNode 可替换行为的节点
type stubNode struct {
	name    state.AgentName
	process func(s *state.ConversationState) (*state.ConversationState, error)
}

func (n stubNode) Name() state.AgentName { return n.name }
func (n stubNode) Domain() state.Domain  { return n.name.Domain() }
func (n stubNode) Kind() nodes.Kind      { return nodes.KindConversational }
func (n stubNode) Process(_ context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	return n.process(s)
}

func stubTable(t *testing.T, general func(s *state.ConversationState) (*state.ConversationState, error)) *nodes.Table {
	t.Helper()
	table, err := nodes.NewTableFrom(nil,
		stubNode{name: state.AgentGeneral, process: general},
		nodes.NewRecoveryNode(nodes.Options{}),
	)
	require.NoError(t, err)
	return table
}

// =============================================================================
// 🗣️ 正常流程
// =============================================================================

func TestHandleUserMessage_FlightScenario(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	reply := h.send(t, "s1", flightRequest)
	assert.Equal(t, state.AgentFlight, reply.Agent)
	assert.Equal(t, 1, reply.Turn)
	assert.Equal(t, "s1", reply.SessionID)
	assert.NotEmpty(t, reply.Text)
	assert.Equal(t, handoff.Suggestion(state.AgentAccommodation), reply.Suggestion)
	assert.False(t, reply.Degraded)

	st := h.snapshot(t, "s1")
	assert.Equal(t, []state.AgentName{state.AgentFlight}, st.AgentHistory)
	assert.Equal(t, state.AgentFlight, st.CurrentAgent)
	assert.Len(t, st.Results(state.DomainFlights), 1)
	assert.Equal(t, 0, st.ErrorCount)
	assert.Equal(t, int64(1), st.Version)
	require.Len(t, st.Messages, 2)
	assert.Equal(t, state.RoleUser, st.Messages[0].Role)
	assert.Equal(t, state.RoleAssistant, st.Messages[1].Role)

	require.NotNil(t, st.HandoffContext)
	assert.Equal(t, string(handoff.TriggerTaskCompletion), st.HandoffContext.Trigger)
	assert.Equal(t, state.AgentAccommodation, st.HandoffContext.To)
	assert.Equal(t, "JFK", st.HandoffContext.Parameters["destination"])
}

func TestHandleUserMessage_StampsTurnsWithInjectedClock(t *testing.T) {
	clock := testutil.NewClock(fixtures.Now)
	h := newHarness(t, harnessOptions{now: clock.Now})
	ctx := testutil.TestContext(t)

	_, err := h.orch.HandleUserMessage(ctx, "s1", "u1", flightRequest)
	require.NoError(t, err)
	first := h.snapshot(t, "s1")
	assert.True(t, first.CreatedAt.Equal(fixtures.Now))
	assert.True(t, first.UpdatedAt.Equal(fixtures.Now))

	clock.Advance(time.Hour)
	_, err = h.orch.HandleUserMessage(ctx, "s1", "u1", "hello")
	require.NoError(t, err)
	second := h.snapshot(t, "s1")
	assert.True(t, second.CreatedAt.Equal(fixtures.Now))
	assert.True(t, second.UpdatedAt.Equal(fixtures.Now.Add(time.Hour)))
}

func TestHandleUserMessage_AcceptSuggestion(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.send(t, "s1", flightRequest)

	reply := h.send(t, "s1", "yes please")
	assert.Equal(t, state.AgentAccommodation, reply.Agent)
	assert.Equal(t, 2, reply.Turn)

	st := h.snapshot(t, "s1")
	assert.Equal(t, []state.AgentName{state.AgentFlight, state.AgentAccommodation}, st.AgentHistory)
	require.NotNil(t, st.HandoffContext)

	var accepted bool
	for _, rec := range h.orch.Handoffs("s1", 0) {
		if rec.Trigger == handoff.TriggerIntentChange && rec.To == state.AgentAccommodation {
			accepted = true
		}
	}
	assert.True(t, accepted, "intent change handoff recorded")
}

func TestHandleUserMessage_ChainedHops(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: func(c *config.OrchestratorConfig) { c.MaxHopsPerTurn = 2 }})

	reply := h.send(t, "s1", flightRequest)
	assert.Equal(t, state.AgentAccommodation, reply.Agent)
	assert.Equal(t, handoff.Suggestion(state.AgentItinerary), reply.Suggestion)

	st := h.snapshot(t, "s1")
	assert.Equal(t, []state.AgentName{state.AgentAccommodation}, st.AgentHistory, "one history entry per turn")
	assert.Len(t, st.Results(state.DomainFlights), 1)
}

func TestHandleUserMessage_ChainedHopFailureKeepsFirstResult(t *testing.T) {
	failing := mocks.NewSearchService().WithError(types.NewServiceUnavailable("accommodation", fmt.Errorf("down")))
	reg, err := registry.NewBuilder(nil).
		Register(registry.FlightSearch, registry.NewStaticSearchService(registry.FlightSearch)).
		Register(registry.AccommodationSearch, failing).
		Build()
	require.NoError(t, err)
	h := newHarness(t, harnessOptions{
		table: nodes.NewTable(reg, nodes.Options{}),
		cfg:   func(c *config.OrchestratorConfig) { c.MaxHopsPerTurn = 3 },
	})

	reply := h.send(t, "s1", flightRequest)
	assert.Equal(t, state.AgentFlight, reply.Agent)
	assert.Empty(t, reply.Suggestion)
	assert.Len(t, failing.Calls(), 1)

	st := h.snapshot(t, "s1")
	assert.Equal(t, []state.AgentName{state.AgentFlight}, st.AgentHistory)
	assert.Empty(t, st.Results(state.DomainAccommodations))
	assert.Empty(t, st.Errors, "failed hop changes are discarded")
}

func TestHandleUserMessage_InvalidInput(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.orch.HandleUserMessage(context.Background(), "", "u1", "hi")
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))

	_, err = h.orch.HandleUserMessage(context.Background(), "s1", "u1", "   ")
	assert.True(t, types.IsCode(err, types.ErrInvalidRequest))
}

func TestHandleUserMessage_OtherUsersSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.send(t, "s1", "hello")

	_, err := h.orch.HandleUserMessage(context.Background(), "s1", "intruder", "hello")
	assert.True(t, types.IsCode(err, types.ErrUnauthorized))
}

func TestHandle_ReturnsText(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	text, err := h.orch.Handle(context.Background(), "s1", "u1", "hello")
	require.NoError(t, err)
	assert.Contains(t, text, "travel planner")
}

func TestHandleUserMessage_ContextCondensing(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: func(c *config.OrchestratorConfig) {
		c.Handoff.ContextTokenThreshold = 10
	}})

	reply := h.send(t, "s1", flightRequest)
	assert.NotContains(t, reply.Text, "Conversation summary")

	st := h.snapshot(t, "s1")
	last := st.Messages[len(st.Messages)-1]
	assert.Equal(t, state.KindSummary, last.Kind)
	assert.Equal(t, state.RoleSystem, last.Role)
	assert.Equal(t, []state.AgentName{state.AgentFlight}, st.AgentHistory, "condensing is not a hop")
	require.NotNil(t, st.HandoffContext)
	assert.Equal(t, string(handoff.TriggerTaskCompletion), st.HandoffContext.Trigger, "suggestion survives condensing")
}

func TestHandleUserMessage_CondensesWhenMemoryAgentIsRecent(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: func(c *config.OrchestratorConfig) {
		c.Handoff.ContextTokenThreshold = 10
		c.Handoff.LoopWindow = 3
	}})

	reply := h.send(t, "s1", "I prefer window seats")
	assert.Equal(t, state.AgentMemoryUpdate, reply.Agent)

	h.send(t, "s1", flightRequest)
	st := h.snapshot(t, "s1")
	assert.Equal(t, []state.AgentName{state.AgentMemoryUpdate, state.AgentFlight}, st.AgentHistory)
	last := st.Messages[len(st.Messages)-1]
	assert.Equal(t, state.KindSummary, last.Kind)

	var condensed int
	for _, r := range h.orch.Handoffs("s1", 0) {
		if r.Trigger != handoff.TriggerContextThreshold {
			continue
		}
		assert.Equal(t, state.AgentMemoryUpdate, r.To)
		condensed++
	}
	assert.Equal(t, 1, condensed, "only the acted-on condense decision is audited")
}

// =============================================================================
// 🚑 错误恢复
// =============================================================================

func TestRecovery_TwoTimeoutsFallBackToBackup(t *testing.T) {
	flight := mocks.NewSearchService().WithError(timeoutErr())
	h := newHarness(t, harnessOptions{
		flight: flight,
		backup: registry.NewStaticSearchService(registry.FlightSearchBackup),
	})

	reply := h.send(t, "s1", flightRequest)
	assert.Equal(t, state.AgentFlightBackup, reply.Agent)
	assert.Len(t, flight.Calls(), 2)
	assert.Contains(t, reply.Text, "backup provider")

	st := h.snapshot(t, "s1")
	assert.Equal(t, []state.AgentName{state.AgentFlightBackup}, st.AgentHistory)
	assert.Equal(t, 2, st.ErrorCount)
	require.NotNil(t, st.LastError)
	assert.Equal(t, "fallback", st.LastError.Action)
	assert.Len(t, st.Results(state.DomainFlights), 1)
	assert.Equal(t, state.AgentFlightBackup, st.Results(state.DomainFlights)[0].Agent)
}

func TestRecovery_SimplifyThenGiveUp(t *testing.T) {
	flight := mocks.NewSearchService().WithError(timeoutErr())
	h := newHarness(t, harnessOptions{flight: flight})

	reply := h.send(t, "s1", "Find nonstop flights from SFO to JFK on 2025-06-15")
	assert.Equal(t, state.AgentErrorRecovery, reply.Agent)

	calls := flight.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "0", calls[0]["stops"])
	assert.NotContains(t, calls[2], "stops", "simplified retry drops optional filters")

	st := h.snapshot(t, "s1")
	assert.Equal(t, 3, st.ErrorCount)
	assert.Equal(t, []state.AgentName{state.AgentErrorRecovery}, st.AgentHistory)
	assert.Empty(t, st.Results(state.DomainFlights))
	last := st.Messages[len(st.Messages)-1]
	assert.Equal(t, state.KindApology, last.Kind)
}

func TestRecovery_FallbackDisabledSimplifies(t *testing.T) {
	flight := mocks.NewSearchService().WithErrors(timeoutErr(), timeoutErr())
	h := newHarness(t, harnessOptions{
		flight: flight,
		backup: registry.NewStaticSearchService(registry.FlightSearchBackup),
		cfg:    func(c *config.OrchestratorConfig) { c.Recovery.EnableFallback = false },
	})

	reply := h.send(t, "s1", flightRequest)
	assert.Equal(t, state.AgentFlight, reply.Agent)
	assert.Len(t, flight.Calls(), 3)

	st := h.snapshot(t, "s1")
	assert.Equal(t, 2, st.ErrorCount)
	assert.Equal(t, "simplify", st.LastError.Action)
}

func TestRecovery_ValidationErrorReprompts(t *testing.T) {
	flight := mocks.NewSearchService().WithError(types.NewValidationError("date must be in the future"))
	h := newHarness(t, harnessOptions{flight: flight})

	reply := h.send(t, "s1", flightRequest)
	assert.Equal(t, state.AgentErrorRecovery, reply.Agent)
	assert.Contains(t, reply.Text, "date must be in the future")
	assert.Len(t, flight.Calls(), 1)

	st := h.snapshot(t, "s1")
	assert.Equal(t, 0, st.ErrorCount, "reprompts are not counted")
	assert.Equal(t, state.KindReprompt, st.Messages[len(st.Messages)-1].Kind)
	require.NotEmpty(t, st.Errors)
	assert.Equal(t, string(types.ErrValidation), st.Errors[0].Code)
}

func TestRecovery_NewTurnStartsNewEpisode(t *testing.T) {
	flight := mocks.NewSearchService().WithErrors(timeoutErr(), nil, timeoutErr())
	h := newHarness(t, harnessOptions{flight: flight})

	h.send(t, "s1", flightRequest)
	assert.Equal(t, 1, h.snapshot(t, "s1").ErrorCount)

	h.send(t, "s1", "Find flights from SFO to LAX on 2025-06-20")
	assert.Equal(t, 1, h.snapshot(t, "s1").ErrorCount, "error count restarts on the turn's first failure")
}

func TestRecovery_NodePanicBecomesInternalError(t *testing.T) {
	h := newHarness(t, harnessOptions{table: stubTable(t, func(*state.ConversationState) (*state.ConversationState, error) {
		panic("boom")
	})})

	reply := h.send(t, "s1", "hello")
	assert.Equal(t, state.AgentErrorRecovery, reply.Agent)

	st := h.snapshot(t, "s1")
	assert.Equal(t, 2, st.ErrorCount)
	require.Len(t, st.Errors, 2)
	assert.Equal(t, string(types.ErrInternalError), st.Errors[0].Code)
	assert.Contains(t, st.Errors[0].Message, "boom")
}

// =============================================================================
// ⛔ 取消、持久化与致命错误
// =============================================================================

func TestStop_CancelledTurnKeepsPreTurnState(t *testing.T) {
	svc := newBlockingService("LAX")
	h := newHarness(t, harnessOptions{flight: svc})
	h.send(t, "s1", flightRequest)
	before := h.snapshot(t, "s1")

	done := make(chan *Reply, 1)
	go func() {
		reply, err := h.orch.HandleUserMessage(context.Background(), "s1", "u1", "Find flights from SFO to LAX on 2025-06-20")
		assert.NoError(t, err)
		done <- reply
	}()
	<-svc.started
	assert.True(t, h.orch.Stop("s1"))

	reply := <-done
	require.NotNil(t, reply)
	assert.True(t, reply.Cancelled)
	assert.False(t, h.orch.Stop("s1"), "nothing left in flight")

	after := h.snapshot(t, "s1")
	require.Len(t, after.Messages, len(before.Messages)+1)
	last := after.Messages[len(after.Messages)-1]
	assert.Equal(t, state.KindTurnCancelled, last.Kind)
	assert.Contains(t, last.Content, ErrStopped.Error())
	assert.Equal(t, before.AgentHistory, after.AgentHistory)
	assert.Equal(t, before.Turn, after.Turn)
	assert.Equal(t, before.DomainResults, after.DomainResults)
	assert.Equal(t, before.PendingParams, after.PendingParams)
}

func TestStop_WhileWaitingForTurnSlot(t *testing.T) {
	svc := newBlockingService("JFK")
	h := newHarness(t, harnessOptions{
		flight: svc,
		cfg:    func(c *config.OrchestratorConfig) { c.MaxConcurrentTurns = 1 },
	})

	first := make(chan struct{})
	go func() {
		defer close(first)
		_, _ = h.orch.HandleUserMessage(context.Background(), "s1", "u1", flightRequest)
	}()
	<-svc.started

	done := make(chan *Reply, 1)
	go func() {
		reply, err := h.orch.HandleUserMessage(context.Background(), "s2", "u1", "hello")
		assert.NoError(t, err)
		done <- reply
	}()

	// s2 持有会话锁、等待并发名额时即可被取消
	testutil.AssertEventuallyTrue(t, func() bool { return h.orch.Stop("s2") }, time.Second)
	reply := <-done
	require.NotNil(t, reply)
	assert.True(t, reply.Cancelled)

	st := h.snapshot(t, "s2")
	require.Len(t, st.Messages, 1)
	assert.Equal(t, state.KindTurnCancelled, st.Messages[0].Kind)
	assert.Contains(t, st.Messages[0].Content, ErrStopped.Error())
	assert.Zero(t, st.Turn)
	assert.Empty(t, st.AgentHistory)

	assert.True(t, h.orch.Stop("s1"))
	<-first
}

func TestTurnTimeout_CancelsTurn(t *testing.T) {
	svc := newBlockingService("JFK")
	h := newHarness(t, harnessOptions{
		flight: svc,
		cfg:    func(c *config.OrchestratorConfig) { c.TurnTimeout = 50 * time.Millisecond },
	})

	reply := h.send(t, "s1", flightRequest)
	assert.True(t, reply.Cancelled)

	st := h.snapshot(t, "s1")
	require.Len(t, st.Messages, 1)
	assert.Equal(t, state.KindTurnCancelled, st.Messages[0].Kind)
	assert.Contains(t, st.Messages[0].Content, ErrTurnTimeout.Error())
	assert.Empty(t, st.AgentHistory)
}

func TestPersistenceFailure_PendingUntilFlushed(t *testing.T) {
	store := mocks.NewFlakyStore(10)
	h := newHarness(t, harnessOptions{store: store})
	ctx := context.Background()

	store.FailSaves(true)
	reply, err := h.orch.HandleUserMessage(ctx, "s1", "u1", flightRequest)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrPersistenceFailure))
	require.NotNil(t, reply)
	assert.True(t, reply.Degraded)
	assert.Equal(t, 1, h.orch.PendingSessions())

	// 未落盘的状态仍可查询
	assert.Equal(t, 1, h.snapshot(t, "s1").Turn)

	// 存储仍不可用时不处理新消息
	reply, err = h.orch.HandleUserMessage(ctx, "s1", "u1", "hello")
	assert.True(t, types.IsCode(err, types.ErrPersistenceFailure))
	require.NotNil(t, reply)
	assert.Equal(t, 1, h.snapshot(t, "s1").Turn)

	store.FailSaves(false)
	require.NoError(t, h.orch.FlushPending(ctx, "s1"))
	assert.Equal(t, 0, h.orch.PendingSessions())
	saved, err := store.MemoryStore.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, saved.Turn)

	reply = h.send(t, "s1", "hello")
	assert.Equal(t, 2, reply.Turn)
}

func TestPersistenceFailure_NextTurnFlushesFirst(t *testing.T) {
	store := mocks.NewFlakyStore(10)
	h := newHarness(t, harnessOptions{store: store})

	store.FailSaves(true)
	_, err := h.orch.HandleUserMessage(context.Background(), "s1", "u1", "hello")
	require.Error(t, err)

	store.FailSaves(false)
	reply := h.send(t, "s1", "thanks")
	assert.Equal(t, 2, reply.Turn)
	assert.Equal(t, []state.AgentName{state.AgentGeneral, state.AgentGeneral}, h.snapshot(t, "s1").AgentHistory)
}

func TestPersistenceFailure_LoadError(t *testing.T) {
	store := mocks.NewFlakyStore(10)
	h := newHarness(t, harnessOptions{store: store})
	store.FailLoads(true)

	reply, err := h.orch.HandleUserMessage(context.Background(), "s1", "u1", "hello")
	assert.Nil(t, reply)
	assert.True(t, types.IsCode(err, types.ErrPersistenceFailure))
}

func TestFatal_WriteViolationDeletesSession(t *testing.T) {
	store := checkpoint.NewMemoryStore(10)
	h := newHarness(t, harnessOptions{
		store: store,
		table: stubTable(t, func(s *state.ConversationState) (*state.ConversationState, error) {
			s.UserPreferences["seat"] = "window"
			return s, nil
		}),
	})
	require.NoError(t, store.Save(context.Background(), "s1", state.New("s1", "u1", time.Now())))

	reply, err := h.orch.HandleUserMessage(context.Background(), "s1", "u1", "hello")
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrFatalSession))
	require.NotNil(t, reply)
	assert.True(t, reply.Fatal)
	assert.Contains(t, reply.Text, "new session")

	_, err = store.Load(context.Background(), "s1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestResetSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.send(t, "s1", flightRequest)
	require.NotEmpty(t, h.orch.Handoffs("s1", 0))

	require.NoError(t, h.orch.ResetSession(context.Background(), "s1"))
	_, err := h.orch.Snapshot(context.Background(), "s1")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	assert.Empty(t, h.orch.Handoffs("s1", 0))

	reply := h.send(t, "s1", "hello")
	assert.Equal(t, 1, reply.Turn)
}

func TestVersions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.send(t, "s1", "hello")
	h.send(t, "s1", "thanks")

	snaps, err := h.orch.Versions(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	_, err = h.orch.Versions(context.Background(), "missing", 0)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

// =============================================================================
// 🔀 并发
// =============================================================================

func TestConcurrency_SameSessionIsSerialized(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	const n = 12

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.orch.HandleUserMessage(context.Background(), "shared", "u1", "hello")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st := h.snapshot(t, "shared")
	assert.Equal(t, n, st.Turn)
	assert.Len(t, st.AgentHistory, n)
	assert.Len(t, st.Messages, 2*n)
	assert.Equal(t, int64(n), st.Version)
}

func TestConcurrency_DistinctSessions(t *testing.T) {
	h := newHarness(t, harnessOptions{cfg: func(c *config.OrchestratorConfig) { c.MaxConcurrentTurns = 3 }})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		session := fmt.Sprintf("s%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 3; j++ {
				_, err := h.orch.HandleUserMessage(context.Background(), session, "u1", flightRequest)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		st := h.snapshot(t, fmt.Sprintf("s%d", i))
		assert.Equal(t, 3, st.Turn)
		assert.Len(t, st.Results(state.DomainFlights), 3)
	}
}

func TestConcurrency_RejectModeReturnsBusy(t *testing.T) {
	svc := newBlockingService("JFK")
	h := newHarness(t, harnessOptions{
		flight: svc,
		cfg:    func(c *config.OrchestratorConfig) { c.SessionLockMode = "reject" },
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.orch.HandleUserMessage(context.Background(), "s1", "u1", flightRequest)
	}()
	<-svc.started

	_, err := h.orch.HandleUserMessage(context.Background(), "s1", "u1", "hello")
	assert.True(t, types.IsCode(err, types.ErrSessionBusy))

	// 其他会话不受影响
	reply := h.send(t, "s2", "hello")
	assert.Equal(t, 1, reply.Turn)

	assert.Equal(t, 1, h.orch.StopAll())
	<-done
}

func TestConcurrency_WaitRespectsContext(t *testing.T) {
	svc := newBlockingService("JFK")
	h := newHarness(t, harnessOptions{flight: svc})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.orch.HandleUserMessage(context.Background(), "s1", "u1", flightRequest)
	}()
	<-svc.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := h.orch.HandleUserMessage(ctx, "s1", "u1", "hello")
	assert.True(t, types.IsCode(err, types.ErrTurnCancelled))

	h.orch.Stop("s1")
	<-done
}

// =============================================================================
// 📐 性质测试
// =============================================================================

func TestProperty_OneHistoryEntryPerTurn(t *testing.T) {
	messages := []string{
		"hello",
		flightRequest,
		"yes",
		"hotel in Lisbon from 2025-07-01 to 2025-07-05 for 2 guests",
		"I prefer window seats",
		"our budget is 2,500 euros for 5 days",
		"things to do in Lisbon",
		"plan my trip day by day",
		"thanks",
	}

	rapid.Check(t, func(rt *rapid.T) {
		h := newHarness(t, harnessOptions{})
		script := rapid.SliceOfN(rapid.SampledFrom(messages), 1, 8).Draw(rt, "script")

		var prev *state.ConversationState
		for i, msg := range script {
			reply, err := h.orch.HandleUserMessage(context.Background(), "p1", "u1", msg)
			if err != nil {
				rt.Fatalf("turn %d (%q): %v", i, msg, err)
			}
			st, err := h.orch.Snapshot(context.Background(), "p1")
			if err != nil {
				rt.Fatalf("snapshot: %v", err)
			}
			if len(st.AgentHistory) != i+1 || st.Turn != i+1 {
				rt.Fatalf("turn %d: history=%v turn=%d", i, st.AgentHistory, st.Turn)
			}
			if st.AgentHistory[i] != reply.Agent {
				rt.Fatalf("turn %d: recorded %s but %s replied", i, st.AgentHistory[i], reply.Agent)
			}
			if prev != nil {
				if err := st.VerifyInvariants(prev); err != nil {
					rt.Fatalf("turn %d: %v", i, err)
				}
				if st.Version != prev.Version+1 {
					rt.Fatalf("turn %d: version %d after %d", i, st.Version, prev.Version)
				}
			}
			if strings.TrimSpace(reply.Text) == "" {
				rt.Fatalf("turn %d: empty reply to %q", i, msg)
			}
			prev = st
		}
	})
}
