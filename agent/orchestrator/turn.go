package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/handoff"
	"github.com/BaSui01/tripsage/agent/nodes"
	"github.com/BaSui01/tripsage/agent/recovery"
	"github.com/BaSui01/tripsage/agent/router"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

// turn 一轮处理中的工作副本
type turn struct {
	sessionID string
	// 轮次开始前的已提交状态
	prev *state.ConversationState
	st   *state.ConversationState
	// 本轮第一条智能体消息的下标
	start int
}

type turnResult struct {
	responder  state.AgentName
	text       string
	suggestion string
	// 恢复流程的终止动作，成功时为空
	terminal recovery.Action
}

func (r turnResult) gaveUp() bool { return r.terminal == recovery.ActionGiveUp }

func (o *Orchestrator) newTurn(sessionID string, prev *state.ConversationState, text string) *turn {
	st := prev.Clone()
	st.AppendMessage(state.Message{
		Role:      state.RoleUser,
		Content:   text,
		Timestamp: o.now(),
	})
	return &turn{sessionID: sessionID, prev: prev, st: st, start: len(st.Messages)}
}

// runTurn 路由 → 执行（含恢复）→ 任务完成交接 → 上下文压缩 → 记录历史并校验
func (o *Orchestrator) runTurn(ctx context.Context, t *turn) (res turnResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("turn panicked", zap.String("session_id", t.sessionID), zap.Any("panic", r), zap.Stack("stack"))
			err = types.NewError(types.ErrInternalError, fmt.Sprintf("turn panicked: %v", r))
		}
	}()

	target := o.route(t)

	res.responder, res.terminal, err = o.execute(ctx, t, target)
	if err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		return res, context.Cause(ctx)
	}

	if res.terminal == "" && res.responder.IsDomainAgent() {
		res.responder, res.suggestion, err = o.chain(ctx, t, res.responder)
		if err != nil {
			return res, err
		}
	}
	res.text = replyText(t.st, t.start)

	if err := o.condense(ctx, t, res.responder); err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		return res, context.Cause(ctx)
	}

	t.st.CompleteTurn(res.responder, o.now())
	if err := t.st.VerifyInvariants(t.prev); err != nil {
		return res, err
	}
	return res, nil
}

// route 路由用户消息并合并提取到的参数；意图变化经协调器记录交接
func (o *Orchestrator) route(t *turn) state.AgentName {
	msg, _ := t.st.LatestUserMessage()
	d := o.router.Route(t.st, msg.Content)
	o.metrics.RecordRouting(string(d.Agent), string(d.Intent))
	if d.Ambiguous {
		o.logger.Debug("routing ambiguous, using general agent",
			zap.String("session_id", t.sessionID),
			zap.Float64("confidence", d.Confidence),
		)
	}

	t.st.PendingParams = mergeParams(t.st.PendingParams, d.Params)
	suggested := t.st.HandoffContext
	// 上一轮的交接上下文在本轮路由时被消费
	t.st.HandoffContext = nil

	target := d.Agent
	if current := t.st.CurrentAgent; current != "" {
		hd, ok := o.coordinator.DetermineNextAgent(current, t.st, handoff.TriggerIntentChange, handoff.Hint{
			Agent:  d.Agent,
			Params: d.Params,
		})
		if ok {
			o.metrics.RecordHandoff(string(current), string(hd.Next), string(handoff.TriggerIntentChange))
			hc := hd.Context
			if d.Intent == router.IntentAccepted && suggested != nil {
				hc.Reason = "user accepted suggestion: " + suggested.Reason
			}
			t.st.HandoffContext = &hc
			target = hd.Next
		}
	}
	if !o.nodes.Has(target) {
		target = state.AgentGeneral
	}
	return target
}

// execute 运行主智能体，失败时按恢复策略重试、切换备用或简化，
// 每一步都经协调器交给 error_recovery_agent。
func (o *Orchestrator) execute(ctx context.Context, t *turn, primary state.AgentName) (state.AgentName, recovery.Action, error) {
	tracker := o.policy.Track(primary)
	agent := primary
	attempt := 0
	for {
		out, err := o.runNode(ctx, t.st, agent)
		if isFatal(err) {
			return "", "", err
		}
		if err == nil {
			t.st = out
			tracker.Succeeded()
			return agent, "", nil
		}
		if ctx.Err() != nil {
			return "", "", context.Cause(ctx)
		}
		// 保留节点写入的错误记录
		t.st = out
		attempt++

		d := tracker.Failed(err)
		o.metrics.RecordRecovery(string(agent), string(d.Action))
		o.logger.Info("agent failed, recovering",
			zap.String("session_id", t.sessionID),
			zap.String("agent", string(agent)),
			zap.String("action", string(d.Action)),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		step := nodes.RecoveryStep{
			Action:      d.Action,
			FailedAgent: agent,
			Code:        errorCode(err),
			Message:     errorMessage(err),
			Attempt:     attempt,
			NewEpisode:  attempt == 1,
		}
		if err := o.runRecovery(ctx, t, agent, step, d.Reason); err != nil {
			return "", "", err
		}
		if d.Action.State().Terminal() {
			return state.AgentErrorRecovery, d.Action, nil
		}
		agent = d.Agent
	}
}

func (o *Orchestrator) runRecovery(ctx context.Context, t *turn, failed state.AgentName, step nodes.RecoveryStep, reason string) error {
	d, ok := o.coordinator.DetermineNextAgent(failed, t.st, handoff.TriggerErrorRecovery, handoff.Hint{
		Reason: reason,
		Params: step.Parameters(),
	})
	if !ok {
		return types.NewError(types.ErrInternalError, "error recovery agent is not available")
	}
	o.metrics.RecordHandoff(string(failed), string(d.Next), string(handoff.TriggerErrorRecovery))

	in := t.st.Clone()
	hc := d.Context
	in.HandoffContext = &hc
	out, err := o.runNode(ctx, in, d.Next)
	if err != nil {
		if !isFatal(err) && ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return err
	}
	t.st = out
	return nil
}

// chain 任务完成后的交接：在跳数预算内直接执行，预算用尽时只记录建议。
// 链上某一跳失败时丢弃该跳的改动并停止。
func (o *Orchestrator) chain(ctx context.Context, t *turn, responder state.AgentName) (state.AgentName, string, error) {
	current := responder
	for hop := 1; ; hop++ {
		d, ok := o.coordinator.DetermineNextAgent(current, t.st, handoff.TriggerTaskCompletion, handoff.Hint{
			Params: t.st.PendingParams,
		})
		if !ok {
			return current, "", nil
		}
		o.metrics.RecordHandoff(string(current), string(d.Next), string(handoff.TriggerTaskCompletion))
		hc := d.Context

		if hop >= o.cfg.MaxHopsPerTurn || !o.nodes.Has(d.Next) {
			t.st.HandoffContext = &hc
			return current, handoff.Suggestion(d.Next), nil
		}

		in := t.st.Clone()
		in.HandoffContext = &hc
		out, err := o.runNode(ctx, in, d.Next)
		if isFatal(err) {
			return "", "", err
		}
		if err != nil || ctx.Err() != nil {
			o.logger.Info("chained handoff failed, keeping previous result",
				zap.String("session_id", t.sessionID),
				zap.String("agent", string(d.Next)),
				zap.Error(err),
			)
			return current, "", nil
		}
		t.st = out
		current = d.Next
	}
}

// condense 上下文超过阈值时由 memory_update_agent 追加摘要；
// 不计入跳数，失败只记录日志。
func (o *Orchestrator) condense(ctx context.Context, t *turn, responder state.AgentName) error {
	if responder == state.AgentMemoryUpdate || !o.nodes.Has(state.AgentMemoryUpdate) {
		return nil
	}
	if !o.coordinator.ThresholdReached(t.st) {
		return nil
	}
	d, ok := o.coordinator.DetermineNextAgent(responder, t.st, handoff.TriggerContextThreshold, handoff.Hint{})
	if !ok || d.Next != state.AgentMemoryUpdate {
		return nil
	}
	o.metrics.RecordHandoff(string(responder), string(d.Next), string(handoff.TriggerContextThreshold))

	in := t.st.Clone()
	hc := d.Context
	in.HandoffContext = &hc
	out, err := o.runNode(ctx, in, d.Next)
	if isFatal(err) {
		return err
	}
	if err != nil {
		o.logger.Warn("context condensing failed", zap.String("session_id", t.sessionID), zap.Error(err))
		return nil
	}
	out.HandoffContext = t.st.HandoffContext
	t.st = out
	return nil
}

// =============================================================================
// 🧩 节点执行
// =============================================================================

// runNode 在 base 的副本上执行节点并校验写入范围；违反约束返回 FATAL_SESSION
func (o *Orchestrator) runNode(ctx context.Context, base *state.ConversationState, agent state.AgentName) (*state.ConversationState, error) {
	node, err := o.nodes.Get(agent)
	if err != nil {
		return base.Clone(), err
	}

	ctx, span := o.tracer.Start(ctx, "tripsage.node", trace.WithAttributes(
		attribute.String("agent", string(agent)),
	))
	defer span.End()

	start := o.now()
	out, err := o.process(ctx, node, base)
	elapsed := o.now().Sub(start)

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errorCode(err)))
	}
	o.metrics.RecordNode(string(agent), status, elapsed)
	if o.instruments != nil {
		o.instruments.NodeLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
			attribute.String("agent", string(agent)),
			attribute.String("status", status),
		))
	}

	if verr := state.VerifyNodeWrites(base, out, agent); verr != nil {
		return nil, verr
	}
	return out, err
}

// process 调用节点，panic 转换为 INTERNAL_ERROR 并丢弃节点的部分写入
func (o *Orchestrator) process(ctx context.Context, node nodes.Node, base *state.ConversationState) (out *state.ConversationState, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("node panicked",
				zap.String("agent", string(node.Name())),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			err = types.NewError(types.ErrInternalError, fmt.Sprintf("agent %s panicked: %v", node.Name(), r)).
				WithAgent(string(node.Name()))
			out = base.Clone()
			out.AppendError(state.ErrorRecord{
				Code:      string(types.ErrInternalError),
				Message:   err.Error(),
				Agent:     node.Name(),
				Timestamp: o.now(),
			})
		}
	}()
	in := base.Clone()
	out, err = node.Process(ctx, in)
	if out == nil {
		out = in
	}
	return out, err
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func errorCode(err error) types.ErrorCode {
	if code := types.GetErrorCode(err); code != "" {
		return code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return types.ErrUpstreamTimeout
	}
	return types.ErrInternalError
}

func errorMessage(err error) string {
	if e, ok := types.AsError(err); ok {
		return e.Message
	}
	return err.Error()
}

func mergeParams(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// replyText 拼接本轮智能体发出的消息
func replyText(s *state.ConversationState, start int) string {
	var parts []string
	for _, m := range s.Messages[start:] {
		if m.Role == state.RoleAssistant && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}
