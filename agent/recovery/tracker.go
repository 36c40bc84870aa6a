package recovery

import (
	"github.com/BaSui01/tripsage/agent/state"
)

// Transition 状态迁移记录
type Transition struct {
	From   State
	To     State
	Agent  state.AgentName
	Reason string
}

// Tracker 跟踪单轮内一次错误周期的状态机，非并发安全（每轮独占）
type Tracker struct {
	policy      Policy
	state       State
	primary     state.AgentName
	current     state.AgentName
	failures    int
	agentFails  int
	fellBack    bool
	simplified  bool
	transitions []Transition
}

// Track 为本轮的主智能体创建状态机
func (p Policy) Track(agent state.AgentName) *Tracker {
	return &Tracker{policy: p, state: StateNormal, primary: agent, current: agent}
}

// Failed 记录一次失败并返回下一步决策
func (t *Tracker) Failed(err error) Decision {
	t.move(StateErrorDetected, t.current, errorReason(err))
	t.agentFails++
	d := t.policy.Next(Attempt{
		Agent:         t.current,
		AgentFailures: t.agentFails,
		FellBack:      t.fellBack,
		Simplified:    t.simplified,
		Err:           err,
	})
	if d.Action.Counts() {
		t.failures++
	}
	switch d.Action {
	case ActionFallback:
		t.fellBack = true
		t.current = d.Agent
		t.agentFails = 0
	case ActionSimplify:
		t.simplified = true
		t.current = d.Agent
		t.agentFails = 0
	}
	t.move(d.Action.State(), d.Agent, d.Reason)
	return d
}

// Succeeded 恢复成功，回到 Normal
func (t *Tracker) Succeeded() {
	if t.state != StateNormal {
		t.move(StateNormal, t.current, "recovered")
	}
}

// State 当前状态
func (t *Tracker) State() State { return t.state }

// Current 下一次应执行的智能体
func (t *Tracker) Current() state.AgentName { return t.current }

// Primary 本轮路由选中的智能体
func (t *Tracker) Primary() state.AgentName { return t.primary }

// Failures 计入 error_count 的失败次数
func (t *Tracker) Failures() int { return t.failures }

// Transitions 返回迁移记录副本
func (t *Tracker) Transitions() []Transition {
	out := make([]Transition, len(t.transitions))
	copy(out, t.transitions)
	return out
}

func (t *Tracker) move(to State, agent state.AgentName, reason string) {
	t.transitions = append(t.transitions, Transition{From: t.state, To: to, Agent: agent, Reason: reason})
	t.state = to
}

func errorReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
