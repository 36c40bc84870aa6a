package nodes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/registry"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

// Kind 节点类别（封闭集合）
type Kind uint8

const (
	KindSearch Kind = iota + 1
	KindPlanner
	KindConversational
	KindMemory
	KindRecovery
)

func (k Kind) String() string {
	switch k {
	case KindSearch:
		return "search"
	case KindPlanner:
		return "planner"
	case KindConversational:
		return "conversational"
	case KindMemory:
		return "memory"
	case KindRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Node 智能体节点。Process 在调用方独占的状态副本上工作，
// 失败时返回带类型的错误，不允许 panic 越过节点边界。
type Node interface {
	Name() state.AgentName
	Domain() state.Domain
	Kind() Kind
	Process(ctx context.Context, s *state.ConversationState) (*state.ConversationState, error)
}

// Options 节点构造选项
type Options struct {
	Now    func() time.Time
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Table 智能体静态分发表，构造后只读
type Table struct {
	nodes      map[state.AgentName]Node
	alternates map[state.AgentName]state.AgentName
}

// NewTable 根据服务注册表构建全部节点。
// 备用智能体仅在对应备用服务已注册时加入。
func NewTable(reg *registry.Registry, opts Options) *Table {
	opts = opts.withDefaults()
	t := &Table{
		nodes:      make(map[state.AgentName]Node),
		alternates: make(map[state.AgentName]state.AgentName),
	}
	add := func(n Node) { t.nodes[n.Name()] = n }

	add(NewFlightNode(state.AgentFlight, registry.FlightSearch, reg, opts))
	add(NewAccommodationNode(state.AgentAccommodation, registry.AccommodationSearch, reg, opts))
	add(NewDestinationNode(reg, opts))
	add(NewBudgetNode(reg, opts))
	add(NewItineraryNode(opts))
	add(NewGeneralNode(opts))
	add(NewMemoryNode(reg, opts))
	add(NewRecoveryNode(opts))

	if reg.Has(registry.FlightSearchBackup) {
		add(NewFlightNode(state.AgentFlightBackup, registry.FlightSearchBackup, reg, opts))
		t.alternates[state.AgentFlight] = state.AgentFlightBackup
	}
	if reg.Has(registry.AccommodationSearchBackup) {
		add(NewAccommodationNode(state.AgentAccommodationBackup, registry.AccommodationSearchBackup, reg, opts))
		t.alternates[state.AgentAccommodation] = state.AgentAccommodationBackup
	}
	return t
}

// NewTableFrom 由给定节点构建分发表，alternates 描述同领域备用关系
func NewTableFrom(alternates map[state.AgentName]state.AgentName, nodes ...Node) (*Table, error) {
	t := &Table{
		nodes:      make(map[state.AgentName]Node, len(nodes)),
		alternates: make(map[state.AgentName]state.AgentName, len(alternates)),
	}
	var errs []error
	for _, n := range nodes {
		if n == nil {
			errs = append(errs, errors.New("nil node"))
			continue
		}
		if !n.Name().Valid() || n.Name() == state.AgentRouter {
			errs = append(errs, fmt.Errorf("node %q is not a dispatchable agent", n.Name()))
			continue
		}
		if _, dup := t.nodes[n.Name()]; dup {
			errs = append(errs, fmt.Errorf("node %s registered twice", n.Name()))
			continue
		}
		t.nodes[n.Name()] = n
	}
	for from, to := range alternates {
		if from.Domain() != to.Domain() {
			errs = append(errs, fmt.Errorf("alternate %s does not serve %s", to, from.Domain()))
			continue
		}
		t.alternates[from] = to
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return t, nil
}

// Get 查找节点
func (t *Table) Get(name state.AgentName) (Node, error) {
	n, ok := t.nodes[name]
	if !ok {
		return nil, types.NewError(types.ErrUnknownAgent, fmt.Sprintf("no node registered for %q", name))
	}
	return n, nil
}

// Has 判断节点是否存在
func (t *Table) Has(name state.AgentName) bool {
	_, ok := t.nodes[name]
	return ok
}

// Names 返回已注册节点名（排序）
func (t *Table) Names() []state.AgentName {
	out := make([]state.AgentName, 0, len(t.nodes))
	for name := range t.nodes {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Alternates 返回备用关系副本
func (t *Table) Alternates() map[state.AgentName]state.AgentName {
	out := make(map[state.AgentName]state.AgentName, len(t.alternates))
	for k, v := range t.alternates {
		out[k] = v
	}
	return out
}

// =============================================================================
// 🧩 节点公共辅助
// =============================================================================

type base struct {
	name   state.AgentName
	kind   Kind
	now    func() time.Time
	logger *zap.Logger
}

func newBase(name state.AgentName, kind Kind, opts Options) base {
	opts = opts.withDefaults()
	return base{
		name:   name,
		kind:   kind,
		now:    opts.Now,
		logger: opts.Logger.With(zap.String("component", "node"), zap.String("agent", string(name))),
	}
}

func (b base) Name() state.AgentName { return b.name }
func (b base) Domain() state.Domain  { return b.name.Domain() }
func (b base) Kind() Kind            { return b.kind }

func (b base) say(s *state.ConversationState, kind state.MessageKind, text string) {
	s.AppendMessage(state.Message{
		Role:      state.RoleAssistant,
		Content:   text,
		Timestamp: b.now(),
		Agent:     b.name,
		Kind:      kind,
	})
}

// fail 记录结构化错误并返回带智能体信息的类型化错误
func (b base) fail(s *state.ConversationState, err error) error {
	code := types.GetErrorCode(err)
	if code == "" {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		code = types.ErrInternalError
	}
	s.AppendError(state.ErrorRecord{
		Code:      string(code),
		Message:   err.Error(),
		Agent:     b.name,
		Timestamp: b.now(),
	})
	b.logger.Warn("node failed", zap.String("code", string(code)), zap.Error(err))
	if te, ok := types.AsError(err); ok {
		if te.Agent == "" {
			te.WithAgent(string(b.name))
		}
		return err
	}
	return types.NewError(types.ErrInternalError, "node failed").WithCause(err).WithAgent(string(b.name))
}

// reprompt 参数不完整时追问用户
func (b base) reprompt(s *state.ConversationState, task string, perr *ParamError) {
	missing := perr.Missing()
	var text string
	if len(missing) > 0 {
		labels := make([]string, len(missing))
		for i, m := range missing {
			labels[i] = Label(m)
		}
		text = fmt.Sprintf("To %s I still need: %s.", task, joinList(labels))
	} else {
		issues := make([]string, len(perr.Issues))
		for i, is := range perr.Issues {
			issues[i] = Label(is.Param) + " " + is.Detail
		}
		text = fmt.Sprintf("To %s, please check: %s.", task, joinList(issues))
	}
	b.say(s, state.KindReprompt, text)
}

func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	case 2:
		return items[0] + " and " + items[1]
	}
	out := ""
	for i, it := range items {
		switch {
		case i == 0:
			out = it
		case i == len(items)-1:
			out += " and " + it
		default:
			out += ", " + it
		}
	}
	return out
}

func copyParams(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func toAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func recordsToAny(records []registry.Record) []any {
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = map[string]any(r)
	}
	return out
}

// number 读取记录中的数值字段（兼容 JSON 解码后的 float64）
func number(rec map[string]any, key string) (float64, bool) {
	switch v := rec[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func text(rec map[string]any, key string) string {
	if v, ok := rec[key].(string); ok {
		return v
	}
	return ""
}

// resultRecords 读取 DomainResult 中保存的结果列表
func resultRecords(r state.DomainResult) []map[string]any {
	var out []map[string]any
	switch items := r.Data["results"].(type) {
	case []any:
		for _, it := range items {
			if m, ok := it.(map[string]any); ok {
				out = append(out, m)
			}
		}
	case []map[string]any:
		out = append(out, items...)
	}
	return out
}

// cheapest 返回按 key 数值最小的记录
func cheapest(records []map[string]any, key string) (map[string]any, float64, bool) {
	var best map[string]any
	bestVal := 0.0
	for _, r := range records {
		v, ok := number(r, key)
		if !ok {
			continue
		}
		if best == nil || v < bestVal {
			best, bestVal = r, v
		}
	}
	return best, bestVal, best != nil
}

func formatMoney(currency string, amount float64) string {
	if currency == "" {
		currency = "USD"
	}
	return fmt.Sprintf("%s %.0f", currency, amount)
}
