package nodes

import (
	"context"
	"fmt"
	"strconv"

	"github.com/BaSui01/tripsage/agent/recovery"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

// 恢复交接上下文中的参数键
const (
	RecoveryParamAction      = "action"
	RecoveryParamCode        = "code"
	RecoveryParamMessage     = "message"
	RecoveryParamFailedAgent = "failed_agent"
	RecoveryParamAttempt     = "attempt"
	RecoveryParamNewEpisode  = "new_episode"
)

// RecoveryStep 编排器交给 error_recovery_agent 的一步恢复指令
type RecoveryStep struct {
	Action      recovery.Action
	FailedAgent state.AgentName
	Code        types.ErrorCode
	Message     string
	Attempt     int
	// 本轮首次失败，开启新的错误周期
	NewEpisode bool
}

// Parameters 编码为 HandoffContext.Parameters
func (r RecoveryStep) Parameters() map[string]string {
	return map[string]string{
		RecoveryParamAction:      string(r.Action),
		RecoveryParamCode:        string(r.Code),
		RecoveryParamMessage:     r.Message,
		RecoveryParamFailedAgent: string(r.FailedAgent),
		RecoveryParamAttempt:     strconv.Itoa(r.Attempt),
		RecoveryParamNewEpisode:  strconv.FormatBool(r.NewEpisode),
	}
}

// ParseRecoveryStep 从交接上下文解析恢复指令
func ParseRecoveryStep(h *state.HandoffContext) (RecoveryStep, error) {
	if h == nil || h.To != state.AgentErrorRecovery {
		return RecoveryStep{}, types.NewError(types.ErrInvalidRequest, "error recovery invoked without a recovery handoff")
	}
	p := h.Parameters
	step := RecoveryStep{
		Action:      recovery.Action(p[RecoveryParamAction]),
		FailedAgent: state.AgentName(p[RecoveryParamFailedAgent]),
		Code:        types.ErrorCode(p[RecoveryParamCode]),
		Message:     p[RecoveryParamMessage],
	}
	step.Attempt, _ = strconv.Atoi(p[RecoveryParamAttempt])
	step.NewEpisode, _ = strconv.ParseBool(p[RecoveryParamNewEpisode])
	switch step.Action {
	case recovery.ActionRetry, recovery.ActionFallback, recovery.ActionSimplify, recovery.ActionGiveUp, recovery.ActionReprompt:
	default:
		return RecoveryStep{}, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown recovery action %q", step.Action))
	}
	if !step.FailedAgent.Valid() {
		return RecoveryStep{}, types.NewError(types.ErrUnknownAgent, fmt.Sprintf("unknown failed agent %q", step.FailedAgent))
	}
	return step, nil
}

// RecoveryNode error_recovery_agent：唯一可以修改 error_count / last_error 的节点
type RecoveryNode struct {
	base
}

// NewRecoveryNode 创建错误恢复节点
func NewRecoveryNode(opts Options) *RecoveryNode {
	return &RecoveryNode{base: newBase(state.AgentErrorRecovery, KindRecovery, opts)}
}

// Process 执行一步恢复指令
func (n *RecoveryNode) Process(_ context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	step, err := ParseRecoveryStep(s.HandoffContext)
	if err != nil {
		return s, n.fail(s, err)
	}
	w, err := s.RecoveryWriter(n.name)
	if err != nil {
		return s, n.fail(s, types.NewFatalSessionError("recovery writer", err))
	}
	if step.NewEpisode {
		w.Reset()
	}
	if step.Action.Counts() {
		w.Record(state.ErrorRecord{
			Code:      string(step.Code),
			Message:   step.Message,
			Agent:     step.FailedAgent,
			Attempt:   step.Attempt,
			Action:    string(step.Action),
			Timestamp: n.now(),
		})
	}

	domain := step.FailedAgent.Domain()
	switch step.Action {
	case recovery.ActionRetry:
		n.say(s, state.KindError, fmt.Sprintf("The %s search hit a problem, trying again (attempt %d).", domain, step.Attempt+1))
	case recovery.ActionFallback:
		n.say(s, state.KindError, fmt.Sprintf("The %s search hit a problem, switching to a backup provider.", domain))
	case recovery.ActionSimplify:
		s.PendingParams = recovery.Simplify(s.PendingParams)
		n.say(s, state.KindError, fmt.Sprintf("The %s search hit a problem, retrying without optional filters.", domain))
	case recovery.ActionReprompt:
		n.say(s, state.KindReprompt, fmt.Sprintf("I couldn't use those details (%s). Could you double-check them and try again?", step.Message))
	case recovery.ActionGiveUp:
		n.say(s, state.KindApology, apology(domain))
	}
	return s, nil
}

func apology(d state.Domain) string {
	what := "that request"
	suggestion := "Please try again in a few minutes."
	switch d {
	case state.DomainFlights:
		what = "your flight search"
		suggestion = "Please try again in a few minutes, or try a different date or nearby airport."
	case state.DomainAccommodations:
		what = "your accommodation search"
		suggestion = "Please try again shortly, or try nearby dates or a neighbouring area."
	case state.DomainDestinations:
		what = "that destination research"
	case state.DomainBudget:
		what = "your budget estimate"
		suggestion = "Meanwhile I can still help with flights or hotels."
	}
	return fmt.Sprintf("Sorry, I couldn't complete %s right now. %s", what, suggestion)
}
