package state

import (
	"fmt"

	"github.com/BaSui01/tripsage/types"
)

// VerifyInvariants 校验相对上一快照的只追加约束：
// agent_history、messages、每个领域的 domain_results 都必须以旧值为前缀。
// 违反约束返回 FATAL_SESSION 错误。
func (s *ConversationState) VerifyInvariants(prev *ConversationState) error {
	if prev == nil {
		return nil
	}
	if s.SessionID != prev.SessionID {
		return violation("session_id changed from %s to %s", prev.SessionID, s.SessionID)
	}
	if s.UserID != prev.UserID {
		return violation("user_id changed within session %s", s.SessionID)
	}
	if len(s.AgentHistory) < len(prev.AgentHistory) {
		return violation("agent_history shrank from %d to %d", len(prev.AgentHistory), len(s.AgentHistory))
	}
	for i, a := range prev.AgentHistory {
		if s.AgentHistory[i] != a {
			return violation("agent_history[%d] rewritten: %s -> %s", i, a, s.AgentHistory[i])
		}
	}
	for _, a := range s.AgentHistory[len(prev.AgentHistory):] {
		if !a.Valid() {
			return violation("unknown agent %q in agent_history", a)
		}
	}
	if len(s.Messages) < len(prev.Messages) {
		return violation("messages shrank from %d to %d", len(prev.Messages), len(s.Messages))
	}
	for i := range prev.Messages {
		if !jsonEqual(prev.Messages[i], s.Messages[i]) {
			return violation("message %d rewritten", i)
		}
	}
	for d, old := range prev.DomainResults {
		cur := s.DomainResults[d]
		if len(cur) < len(old) {
			return violation("domain_results[%s] shrank from %d to %d", d, len(old), len(cur))
		}
		for i := range old {
			if !jsonEqual(old[i], cur[i]) {
				return violation("domain_results[%s][%d] rewritten", d, i)
			}
		}
	}
	for d, results := range s.DomainResults {
		for _, r := range results {
			if r.Domain != d {
				return violation("result %s filed under %s but belongs to %s", r.ID, d, r.Domain)
			}
		}
	}
	if s.Turn < prev.Turn {
		return violation("turn went backwards from %d to %d", prev.Turn, s.Turn)
	}
	return nil
}

// VerifyNodeWrites 校验节点的写入范围：
// 领域节点只能追加自己领域的结果；偏好只能由 memory_update_agent 修改；
// error_count/last_error 只能由 error_recovery_agent 修改；节点不得改写历史。
func VerifyNodeWrites(prev, next *ConversationState, actor AgentName) error {
	if err := next.VerifyInvariants(prev); err != nil {
		return err
	}
	own := actor.Domain()
	for _, d := range AllDomains() {
		if len(next.DomainResults[d]) == len(prev.DomainResults[d]) {
			continue
		}
		if d != own {
			return violation("agent %s wrote to domain %s", actor, d)
		}
	}
	if actor != AgentMemoryUpdate && !jsonEqual(prev.UserPreferences, next.UserPreferences) &&
		!(len(prev.UserPreferences) == 0 && len(next.UserPreferences) == 0) {
		return violation("agent %s modified user_preferences", actor)
	}
	if actor != AgentErrorRecovery {
		if prev.ErrorCount != next.ErrorCount || !jsonEqual(prev.LastError, next.LastError) {
			return violation("agent %s modified error state", actor)
		}
	}
	if len(next.AgentHistory) != len(prev.AgentHistory) || next.CurrentAgent != prev.CurrentAgent {
		return violation("agent %s modified agent_history", actor)
	}
	return nil
}

func violation(format string, args ...any) error {
	return types.NewFatalSessionError(fmt.Sprintf(format, args...), nil).
		WithCause(types.NewError(types.ErrInvariantViolation, "conversation state invariant violated"))
}
