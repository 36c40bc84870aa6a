package recovery

import (
	"context"
	"errors"
	"strconv"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/config"
	"github.com/BaSui01/tripsage/types"
)

// State 错误恢复状态机状态
type State string

const (
	StateNormal        State = "normal"
	StateErrorDetected State = "error_detected"
	StateRetry         State = "retry_with_same_agent"
	StateFallback      State = "fallback_to_alternate_agent"
	StateSimplify      State = "simplify_and_retry"
	StateGiveUp        State = "give_up_gracefully"
	StateReprompt      State = "reprompt_user"
)

// Terminal 是否为终止状态（本轮不再调用领域智能体）
func (s State) Terminal() bool {
	return s == StateGiveUp || s == StateReprompt
}

// Action 恢复动作
type Action string

const (
	ActionRetry    Action = "retry"
	ActionFallback Action = "fallback"
	ActionSimplify Action = "simplify"
	ActionGiveUp   Action = "give_up"
	ActionReprompt Action = "reprompt"
)

// State 返回动作对应的状态
func (a Action) State() State {
	switch a {
	case ActionRetry:
		return StateRetry
	case ActionFallback:
		return StateFallback
	case ActionSimplify:
		return StateSimplify
	case ActionReprompt:
		return StateReprompt
	default:
		return StateGiveUp
	}
}

// Counts 动作是否计入 error_count
func (a Action) Counts() bool {
	return a != ActionReprompt
}

// Policy 恢复策略
type Policy struct {
	MaxAttempts    int
	EnableFallback bool
	EnableSimplify bool
	// 同领域备用智能体
	Alternates map[state.AgentName]state.AgentName
}

// NewPolicy 从配置创建策略
func NewPolicy(cfg config.RecoveryConfig, alternates map[state.AgentName]state.AgentName) Policy {
	p := Policy{
		MaxAttempts:    cfg.MaxAttempts,
		EnableFallback: cfg.EnableFallback,
		EnableSimplify: cfg.EnableSimplify,
		Alternates:     alternates,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	return p
}

// Attempt 一次失败尝试的上下文
type Attempt struct {
	// 失败的智能体
	Agent state.AgentName
	// 该智能体在本次错误周期内的连续失败次数
	AgentFailures int
	// 已经切换过备用智能体
	FellBack bool
	// 已经简化过请求
	Simplified bool
	Err error
}

// Decision 恢复决策
type Decision struct {
	Action Action
	// 下一次尝试使用的智能体，终止动作时为空
	Agent  state.AgentName
	Reason string
}

// Next 根据失败上下文选择下一步：
// 同一智能体重试至 MaxAttempts → 备用智能体 → 简化重试一次 → 放弃
func (p Policy) Next(a Attempt) Decision {
	code := types.GetErrorCode(a.Err)
	switch code {
	case types.ErrValidation:
		return Decision{Action: ActionReprompt, Reason: "invalid request parameters"}
	case types.ErrFatalSession, types.ErrInvariantViolation:
		return Decision{Action: ActionGiveUp, Reason: "unrecoverable session error"}
	}
	if a.FellBack || a.Simplified {
		return Decision{Action: ActionGiveUp, Reason: "recovery options exhausted"}
	}
	if Retryable(a.Err) && a.AgentFailures < p.MaxAttempts {
		return Decision{
			Action: ActionRetry,
			Agent:  a.Agent,
			Reason: "attempt " + strconv.Itoa(a.AgentFailures+1) + " of " + strconv.Itoa(p.MaxAttempts),
		}
	}
	if p.EnableFallback {
		if alt, ok := p.Alternates[a.Agent]; ok && alt != a.Agent {
			return Decision{Action: ActionFallback, Agent: alt, Reason: "switching to alternate agent " + alt.String()}
		}
	}
	if p.EnableSimplify {
		return Decision{Action: ActionSimplify, Agent: a.Agent, Reason: "retrying without optional filters"}
	}
	return Decision{Action: ActionGiveUp, Reason: "no alternate agent available"}
}

// Retryable 判断错误是否值得用同一智能体重试
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := types.AsError(err); ok {
		return e.Retryable
	}
	return true
}

// OptionalFilters 简化请求时会被移除的可选过滤条件
var OptionalFilters = []string{"max_price", "cabin", "stops", "rating", "amenities"}

// Simplify 返回去除可选过滤条件后的参数副本（纯函数）
func Simplify(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	for _, k := range OptionalFilters {
		delete(out, k)
	}
	return out
}
