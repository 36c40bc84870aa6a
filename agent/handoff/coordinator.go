package handoff

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/internal/tokenizer"
)

// Trigger 交接触发原因
type Trigger string

const (
	TriggerIntentChange     Trigger = "INTENT_CHANGE"
	TriggerTaskCompletion   Trigger = "TASK_COMPLETION"
	TriggerContextThreshold Trigger = "CONTEXT_THRESHOLD_REACHED"
	TriggerErrorRecovery    Trigger = "ERROR_RECOVERY"
)

// Hint 调用方提供的交接提示
type Hint struct {
	// 路由器选择的智能体（INTENT_CHANGE）
	Agent  state.AgentName
	Reason string
	Params map[string]string
}

// Decision 交接决策
type Decision struct {
	Next    state.AgentName
	Context state.HandoffContext
}

// DefaultFollowOn 任务完成后的后续领域顺序
var DefaultFollowOn = map[state.Domain][]state.AgentName{
	state.DomainFlights:        {state.AgentAccommodation, state.AgentItinerary, state.AgentBudget},
	state.DomainAccommodations: {state.AgentItinerary, state.AgentBudget},
	state.DomainDestinations:   {state.AgentFlight, state.AgentAccommodation},
	state.DomainItinerary:      {state.AgentBudget},
}

// Config 协调器配置
type Config struct {
	// 循环检测窗口
	LoopWindow int
	// 上下文 token 阈值，0 表示关闭
	ContextTokenThreshold int
	// 每会话保留的决策数
	HistorySize int
	// 审计记录最多保留的会话数，超出后淘汰最久未更新的会话
	HistorySessions int
	// 可调度的智能体，nil 表示全部
	Available []state.AgentName
	FollowOn  map[state.Domain][]state.AgentName
	Now       func() time.Time
}

// Coordinator 决定当前智能体继续、交接或停止
type Coordinator struct {
	cfg       Config
	available map[state.AgentName]bool
	tokenizer tokenizer.Tokenizer
	history   *History
	logger    *zap.Logger

	mu    sync.Mutex
	stats map[Trigger]int64
}

// NewCoordinator 创建协调器
func NewCoordinator(cfg Config, tok tokenizer.Tokenizer, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LoopWindow <= 0 {
		cfg.LoopWindow = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 32
	}
	if cfg.FollowOn == nil {
		cfg.FollowOn = DefaultFollowOn
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if tok == nil {
		tok = tokenizer.NewEstimatorTokenizer()
	}
	var available map[state.AgentName]bool
	if cfg.Available != nil {
		available = make(map[state.AgentName]bool, len(cfg.Available))
		for _, a := range cfg.Available {
			available[a] = true
		}
	}
	return &Coordinator{
		cfg:       cfg,
		available: available,
		tokenizer: tok,
		history:   NewHistory(cfg.HistorySize, cfg.HistorySessions),
		logger:    logger.With(zap.String("component", "handoff_coordinator")),
		stats:     make(map[Trigger]int64),
	}
}

// History 返回决策审计记录
func (c *Coordinator) History() *History { return c.history }

// DetermineNextAgent 根据触发原因选择下一个智能体。
// 返回 false 表示当前智能体继续（不交接）。
func (c *Coordinator) DetermineNextAgent(current state.AgentName, s *state.ConversationState, trigger Trigger, hint Hint) (*Decision, bool) {
	candidates := c.candidates(current, s, trigger, hint)
	if len(candidates) == 0 {
		return nil, false
	}
	next := c.pick(s, candidates)

	reason := hint.Reason
	if reason == "" {
		reason = defaultReason(trigger, current, next)
	}
	d := &Decision{
		Next: next,
		Context: state.HandoffContext{
			From:       current,
			To:         next,
			Reason:     reason,
			Trigger:    string(trigger),
			Parameters: copyParams(hint.Params),
			CreatedAt:  c.cfg.Now(),
		},
	}

	c.mu.Lock()
	c.stats[trigger]++
	c.mu.Unlock()

	sessionID := ""
	if s != nil {
		sessionID = s.SessionID
	}
	c.history.Add(Record{
		SessionID: sessionID,
		From:      current,
		To:        next,
		Trigger:   trigger,
		Reason:    reason,
		CreatedAt: d.Context.CreatedAt,
	})
	c.logger.Debug("handoff decided",
		zap.String("session_id", sessionID),
		zap.String("trigger", string(trigger)),
		zap.String("from", string(current)),
		zap.String("to", string(next)),
	)
	return d, true
}

func (c *Coordinator) candidates(current state.AgentName, s *state.ConversationState, trigger Trigger, hint Hint) []state.AgentName {
	var raw []state.AgentName
	switch trigger {
	case TriggerIntentChange:
		if hint.Agent == current {
			return nil
		}
		// 用户明确的意图不受循环窗口约束，目标不可用时才退回 general
		if hint.Agent.Valid() && hint.Agent != state.AgentRouter && c.isAvailable(hint.Agent) {
			raw = append(raw, hint.Agent)
		} else {
			raw = append(raw, state.AgentGeneral)
		}
	case TriggerTaskCompletion:
		for _, next := range c.cfg.FollowOn[current.Domain()] {
			if s != nil && s.HasResults(next.Domain()) {
				continue
			}
			raw = append(raw, next)
		}
	case TriggerContextThreshold:
		// 压缩上下文是必须执行的步骤，不受循环窗口约束
		if current != state.AgentMemoryUpdate && c.isAvailable(state.AgentMemoryUpdate) {
			raw = append(raw, state.AgentMemoryUpdate)
		} else {
			raw = append(raw, state.AgentGeneral)
		}
	case TriggerErrorRecovery:
		raw = []state.AgentName{state.AgentErrorRecovery}
	}

	out := make([]state.AgentName, 0, len(raw))
	seen := make(map[state.AgentName]bool, len(raw))
	for _, a := range raw {
		if seen[a] || !c.isAvailable(a) {
			continue
		}
		// 继续当前智能体不算交接
		if a == current && trigger != TriggerErrorRecovery {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// pick 领域智能体优先于 general；优先选择不在最近 N 条历史中的候选；
// 全部近期出现过时选择最久未访问的候选，不会因为循环风险返回空。
func (c *Coordinator) pick(s *state.ConversationState, candidates []state.AgentName) state.AgentName {
	ordered := make([]state.AgentName, 0, len(candidates))
	for _, a := range candidates {
		if a != state.AgentGeneral {
			ordered = append(ordered, a)
		}
	}
	for _, a := range candidates {
		if a == state.AgentGeneral {
			ordered = append(ordered, a)
		}
	}
	if s == nil {
		return ordered[0]
	}

	recent := make(map[state.AgentName]bool)
	for _, a := range s.RecentAgents(c.cfg.LoopWindow) {
		recent[a] = true
	}
	for _, a := range ordered {
		if !recent[a] {
			return a
		}
	}

	best := ordered[0]
	bestVisit := s.LastVisit(best)
	for _, a := range ordered[1:] {
		if v := s.LastVisit(a); v < bestVisit {
			best, bestVisit = a, v
		}
	}
	return best
}

func (c *Coordinator) isAvailable(a state.AgentName) bool {
	if c.available == nil {
		return a.Valid()
	}
	return c.available[a]
}

// ContextTokens 统计最近一次摘要之后的消息 token 数
func (c *Coordinator) ContextTokens(s *state.ConversationState) int {
	start := 0
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Kind == state.KindSummary {
			start = i + 1
			break
		}
	}
	msgs := make([]tokenizer.Message, 0, len(s.Messages)-start)
	for _, m := range s.Messages[start:] {
		msgs = append(msgs, tokenizer.Message{Role: string(m.Role), Content: m.Content})
	}
	n, err := c.tokenizer.CountMessages(msgs)
	if err != nil {
		c.logger.Warn("token counting failed", zap.Error(err))
		return 0
	}
	return n
}

// ThresholdReached 判断上下文是否超过阈值
func (c *Coordinator) ThresholdReached(s *state.ConversationState) bool {
	if c.cfg.ContextTokenThreshold <= 0 || s == nil {
		return false
	}
	return c.ContextTokens(s) >= c.cfg.ContextTokenThreshold
}

// Stats 返回各触发器的决策次数
func (c *Coordinator) Stats() map[Trigger]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[Trigger]int64, len(c.stats))
	for k, v := range c.stats {
		out[k] = v
	}
	return out
}

// Suggestion 返回任务完成后向用户提出的下一步建议
func Suggestion(next state.AgentName) string {
	switch next {
	case state.AgentAccommodation, state.AgentAccommodationBackup:
		return "Would you like me to look for a place to stay as well?"
	case state.AgentFlight, state.AgentFlightBackup:
		return "Shall I look for flights there?"
	case state.AgentItinerary:
		return "Want me to put together a day-by-day itinerary?"
	case state.AgentBudget:
		return "Should I estimate the total budget for this trip?"
	case state.AgentDestination:
		return "Would you like some ideas for things to do there?"
	default:
		return ""
	}
}

func defaultReason(trigger Trigger, from, to state.AgentName) string {
	switch trigger {
	case TriggerIntentChange:
		return fmt.Sprintf("user intent moved from %s to %s", from, to)
	case TriggerTaskCompletion:
		return fmt.Sprintf("%s finished; %s is a natural next step", from, to)
	case TriggerContextThreshold:
		return "conversation context exceeded the token threshold"
	case TriggerErrorRecovery:
		return fmt.Sprintf("%s failed", from)
	default:
		return string(trigger)
	}
}

func copyParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
