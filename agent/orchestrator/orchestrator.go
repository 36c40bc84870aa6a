package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/tripsage/agent/checkpoint"
	"github.com/BaSui01/tripsage/agent/handoff"
	"github.com/BaSui01/tripsage/agent/nodes"
	"github.com/BaSui01/tripsage/agent/recovery"
	"github.com/BaSui01/tripsage/agent/router"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/config"
	"github.com/BaSui01/tripsage/internal/ctxkeys"
	"github.com/BaSui01/tripsage/internal/metrics"
	"github.com/BaSui01/tripsage/internal/telemetry"
	"github.com/BaSui01/tripsage/internal/tokenizer"
	"github.com/BaSui01/tripsage/types"
)

// 取消原因
var (
	ErrStopped      = errors.New("turn stopped by user")
	ErrTurnTimeout  = errors.New("turn timed out")
	ErrSessionReset = errors.New("session reset")
	ErrShutdown     = errors.New("orchestrator shutting down")
)

// 用户可见的降级文案
const (
	cancelledText = "Okay, I stopped working on that. What would you like to do next?"
	fatalText     = "Something went wrong with this conversation and I can't continue it safely. Please start a new session."
	degradedNote  = "(I couldn't save this part of our conversation yet and will keep trying.)"
	busyFlushText = "I'm having trouble saving our conversation right now. Please try again in a moment."
)

// 轮次结果标签
const (
	outcomeOK        = "ok"
	outcomeGaveUp    = "gave_up"
	outcomeDegraded  = "degraded"
	outcomeCancelled = "cancelled"
	outcomeFatal     = "fatal"
	outcomeError     = "error"
)

// Reply 一轮对话的回复
type Reply struct {
	Text      string          `json:"reply"`
	Agent     state.AgentName `json:"agent,omitempty"`
	SessionID string          `json:"session_id"`
	Turn      int             `json:"turn"`
	// 任务完成后的下一步建议，用户肯定答复即可接受
	Suggestion string `json:"suggestion,omitempty"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	// 回复已生成但检查点未落盘
	Degraded bool `json:"degraded,omitempty"`
	// 会话已损坏并被删除
	Fatal bool `json:"fatal,omitempty"`
}

// Deps 编排器依赖，Nodes 与 Store 必填
type Deps struct {
	Nodes       *nodes.Table
	Store       checkpoint.Store
	Router      *router.Router
	Coordinator *handoff.Coordinator
	Metrics     *metrics.Collector
	Instruments *telemetry.Instruments
	Logger      *zap.Logger
	Now         func() time.Time
	// 单次检查点保存的超时，不受轮次取消影响
	SaveTimeout time.Duration
}

// Orchestrator 对话编排器：单会话单写者，跨会话并发，
// 每轮结束时保存检查点。
type Orchestrator struct {
	cfg         config.OrchestratorConfig
	nodes       *nodes.Table
	store       checkpoint.Store
	router      *router.Router
	coordinator *handoff.Coordinator
	policy      recovery.Policy
	sem         *semaphore.Weighted
	sessions    *sessionTable
	metrics     *metrics.Collector
	instruments *telemetry.Instruments
	tracer      trace.Tracer
	logger      *zap.Logger
	now         func() time.Time
	saveTimeout time.Duration
}

// New 创建编排器
func New(cfg config.OrchestratorConfig, deps Deps) (*Orchestrator, error) {
	if deps.Nodes == nil {
		return nil, errors.New("orchestrator: node table is required")
	}
	if deps.Store == nil {
		return nil, errors.New("orchestrator: checkpoint store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.SaveTimeout <= 0 {
		deps.SaveTimeout = 10 * time.Second
	}
	if cfg.MaxConcurrentTurns <= 0 {
		cfg.MaxConcurrentTurns = config.DefaultOrchestratorConfig().MaxConcurrentTurns
	}
	if cfg.MaxHopsPerTurn <= 0 {
		cfg.MaxHopsPerTurn = 1
	}
	if deps.Router == nil {
		deps.Router = router.New(cfg.Routing.ConfidenceThreshold)
	}
	if deps.Coordinator == nil {
		deps.Coordinator = handoff.NewCoordinator(handoff.Config{
			LoopWindow:            cfg.Handoff.LoopWindow,
			ContextTokenThreshold: cfg.Handoff.ContextTokenThreshold,
			HistorySize:           cfg.Handoff.HistorySize,
			HistorySessions:       cfg.Handoff.HistorySessions,
			Available:             deps.Nodes.Names(),
			Now:                   deps.Now,
		}, tokenizer.New(cfg.Handoff.TokenizerModel, logger), logger)
	}

	return &Orchestrator{
		cfg:         cfg,
		nodes:       deps.Nodes,
		store:       deps.Store,
		router:      deps.Router,
		coordinator: deps.Coordinator,
		policy:      recovery.NewPolicy(cfg.Recovery, deps.Nodes.Alternates()),
		sem:         semaphore.NewWeighted(cfg.MaxConcurrentTurns),
		sessions:    newSessionTable(),
		metrics:     deps.Metrics,
		instruments: deps.Instruments,
		tracer:      telemetry.Tracer(),
		logger:      logger.With(zap.String("component", "orchestrator")),
		now:         deps.Now,
		saveTimeout: deps.SaveTimeout,
	}, nil
}

// =============================================================================
// 🗣️ 对话入口
// =============================================================================

// HandleUserMessage 处理一条用户消息。
// 检查点保存失败或会话损坏时同时返回 Reply 与错误，调用方应把回复展示给用户。
func (o *Orchestrator) HandleUserMessage(ctx context.Context, sessionID, userID, text string) (*Reply, error) {
	sessionID = strings.TrimSpace(sessionID)
	text = strings.TrimSpace(text)
	if sessionID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "session_id is required").WithHTTPStatus(400)
	}
	if text == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "message is empty").WithHTTPStatus(400)
	}

	ctx = ctxkeys.WithSessionID(ctx, sessionID)
	ctx, span := o.tracer.Start(ctx, "tripsage.turn", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	start := o.now()
	o.metrics.TurnStarted()
	reply, outcome, err := o.handle(ctx, sessionID, userID, text)
	elapsed := o.now().Sub(start)

	agent := ""
	if reply != nil {
		agent = string(reply.Agent)
		span.SetAttributes(attribute.String("agent", agent), attribute.Int("turn", reply.Turn))
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.GetErrorCode(err)))
	}
	o.metrics.RecordTurn(agent, outcome, elapsed)
	if o.instruments != nil {
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		o.instruments.Turns.Add(ctx, 1, attrs)
		o.instruments.TurnLatency.Record(ctx, elapsed.Seconds(), attrs)
	}

	fields := []zap.Field{
		zap.String("session_id", sessionID),
		zap.String("agent", agent),
		zap.String("outcome", outcome),
		zap.Duration("duration", elapsed),
	}
	if id, ok := ctxkeys.RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", id))
	}
	if err != nil {
		o.logger.Warn("turn failed", append(fields, zap.Error(err))...)
	} else {
		o.logger.Info("turn completed", fields...)
	}
	return reply, err
}

// Handle 只返回回复文本
func (o *Orchestrator) Handle(ctx context.Context, sessionID, userID, text string) (string, error) {
	reply, err := o.HandleUserMessage(ctx, sessionID, userID, text)
	if reply == nil {
		return "", err
	}
	return reply.Text, err
}

func (o *Orchestrator) handle(ctx context.Context, sessionID, userID, text string) (*Reply, string, error) {
	sess, err := o.sessions.acquire(ctx, sessionID, o.cfg.SessionLockMode == "reject")
	if err != nil {
		return nil, outcomeError, err
	}
	defer o.sessions.release(sessionID, sess)

	// 持锁后立即登记取消函数，等待并发名额或加载检查点期间的 Stop 同样生效
	turnCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if o.cfg.TurnTimeout > 0 {
		var stop context.CancelFunc
		turnCtx, stop = context.WithTimeoutCause(turnCtx, o.cfg.TurnTimeout, ErrTurnTimeout)
		defer stop()
	}
	o.sessions.setCancel(sess, cancel)

	if err := o.sem.Acquire(turnCtx, 1); err != nil {
		return o.abortBeforeTurn(ctx, sess, sessionID, userID, text, nil, context.Cause(turnCtx))
	}
	defer o.sem.Release(1)

	// 上一轮未落盘的状态必须先保存
	if sess.pending != nil {
		if err := o.save(ctx, sess, sess.pending); err != nil {
			return &Reply{Text: busyFlushText, SessionID: sessionID, Turn: sess.pending.Turn, Degraded: true}, outcomeDegraded, err
		}
	}

	prev, err := o.load(turnCtx, sessionID, userID)
	if turnCtx.Err() != nil {
		if err != nil {
			prev = nil
		}
		return o.abortBeforeTurn(ctx, sess, sessionID, userID, text, prev, context.Cause(turnCtx))
	}
	if err != nil {
		return nil, outcomeError, err
	}

	t := o.newTurn(sessionID, prev, text)
	res, err := o.runTurn(turnCtx, t)

	switch {
	case turnCtx.Err() != nil && !isFatal(err):
		return o.cancelTurn(ctx, sess, t, context.Cause(turnCtx))
	case isFatal(err):
		return o.failSession(ctx, sess, t, err)
	case err != nil:
		return nil, outcomeError, err
	}

	reply := &Reply{
		Text:       res.text,
		Agent:      res.responder,
		SessionID:  sessionID,
		Turn:       t.st.Turn,
		Suggestion: res.suggestion,
	}
	outcome := outcomeOK
	if res.gaveUp() {
		outcome = outcomeGaveUp
	}
	if err := o.save(ctx, sess, t.st); err != nil {
		reply.Degraded = true
		reply.Text = strings.TrimSpace(reply.Text + "\n\n" + degradedNote)
		return reply, outcomeDegraded, err
	}
	return reply, outcome, nil
}

// load 读取检查点，会话不存在时创建新状态
func (o *Orchestrator) load(ctx context.Context, sessionID, userID string) (*state.ConversationState, error) {
	prev, err := o.store.Load(ctx, sessionID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return state.New(sessionID, userID, o.now()), nil
	case err != nil:
		return nil, asPersistenceFailure("load", err)
	}
	if userID != "" && prev.UserID != "" && prev.UserID != userID {
		return nil, types.NewError(types.ErrUnauthorized,
			fmt.Sprintf("session %s belongs to another user", sessionID)).WithHTTPStatus(403)
	}
	return prev, nil
}

// save 保存检查点；失败时保留到待保存槽位
func (o *Orchestrator) save(ctx context.Context, sess *session, st *state.ConversationState) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.saveTimeout)
	defer cancel()
	if err := o.store.Save(ctx, st.SessionID, st); err != nil {
		o.sessions.setPending(sess, st)
		return asPersistenceFailure("save", err)
	}
	o.sessions.setPending(sess, nil)
	return nil
}

// abortBeforeTurn 轮次开始前已被取消：在前置状态上记录一条取消消息。
// prev 为 nil 时用不受取消影响的上下文重新加载。
func (o *Orchestrator) abortBeforeTurn(ctx context.Context, sess *session, sessionID, userID, text string, prev *state.ConversationState, cause error) (*Reply, string, error) {
	if prev == nil {
		if sess.pending != nil {
			prev = sess.pending.Clone()
		} else {
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.saveTimeout)
			defer cancel()
			loaded, err := o.load(lctx, sessionID, userID)
			if err != nil {
				return nil, outcomeError, err
			}
			prev = loaded
		}
	}
	return o.cancelTurn(ctx, sess, o.newTurn(sessionID, prev, text), cause)
}

// cancelTurn 丢弃本轮改动，只追加一条取消消息
func (o *Orchestrator) cancelTurn(ctx context.Context, sess *session, t *turn, cause error) (*Reply, string, error) {
	reason := "cancelled"
	if cause != nil {
		reason = cause.Error()
	}
	st := t.prev.Clone()
	now := o.now()
	st.AppendMessage(state.Message{
		Role:      state.RoleSystem,
		Content:   "Turn cancelled: " + reason,
		Timestamp: now,
		Kind:      state.KindTurnCancelled,
	})
	st.UpdatedAt = now

	reply := &Reply{
		Text:      cancelledText,
		Agent:     st.CurrentAgent,
		SessionID: st.SessionID,
		Turn:      st.Turn,
		Cancelled: true,
	}
	if err := o.save(ctx, sess, st); err != nil {
		reply.Degraded = true
		return reply, outcomeDegraded, err
	}
	return reply, outcomeCancelled, nil
}

// failSession 会话状态已不可信：删除检查点，提示用户开启新会话
func (o *Orchestrator) failSession(ctx context.Context, sess *session, t *turn, cause error) (*Reply, string, error) {
	o.logger.Error("session state corrupted, discarding checkpoint",
		zap.String("session_id", t.sessionID), zap.Error(cause))

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.saveTimeout)
	defer cancel()
	if err := o.store.Delete(dctx, t.sessionID); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		o.logger.Error("failed to delete corrupted checkpoint", zap.String("session_id", t.sessionID), zap.Error(err))
	}
	o.sessions.setPending(sess, nil)
	o.coordinator.History().Clear(t.sessionID)

	err := cause
	if !types.IsCode(cause, types.ErrFatalSession) {
		err = types.NewFatalSessionError("conversation state corrupted", cause)
	}
	return &Reply{Text: fatalText, SessionID: t.sessionID, Fatal: true}, outcomeFatal, err
}

// =============================================================================
// 🔧 会话管理
// =============================================================================

// Stop 取消会话进行中的轮次，没有进行中的轮次返回 false
func (o *Orchestrator) Stop(sessionID string) bool {
	return o.sessions.stop(sessionID, ErrStopped)
}

// StopAll 取消全部进行中的轮次（优雅停机）
func (o *Orchestrator) StopAll() int {
	return o.sessions.stopAll(ErrShutdown)
}

// FlushPending 重试保存会话未落盘的状态
func (o *Orchestrator) FlushPending(ctx context.Context, sessionID string) error {
	sess, err := o.sessions.acquire(ctx, sessionID, false)
	if err != nil {
		return err
	}
	defer o.sessions.release(sessionID, sess)
	if sess.pending == nil {
		return nil
	}
	return o.save(ctx, sess, sess.pending)
}

// PendingSessions 检查点未落盘的会话数
func (o *Orchestrator) PendingSessions() int {
	return o.sessions.pendingCount()
}

// Snapshot 返回会话当前状态（包含尚未落盘的状态）
func (o *Orchestrator) Snapshot(ctx context.Context, sessionID string) (*state.ConversationState, error) {
	if st, ok := o.sessions.pendingFor(sessionID); ok {
		return st, nil
	}
	st, err := o.store.Load(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("session %s not found", sessionID)).WithHTTPStatus(404)
	}
	if err != nil {
		return nil, asPersistenceFailure("load", err)
	}
	return st, nil
}

// Versions 返回会话最近的检查点版本
func (o *Orchestrator) Versions(ctx context.Context, sessionID string, limit int) ([]checkpoint.Snapshot, error) {
	snaps, err := o.store.History(ctx, sessionID, limit)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, types.NewError(types.ErrNotFound, fmt.Sprintf("session %s not found", sessionID)).WithHTTPStatus(404)
	}
	if err != nil {
		return nil, asPersistenceFailure("history", err)
	}
	return snaps, nil
}

// Handoffs 返回会话最近的交接决策
func (o *Orchestrator) Handoffs(sessionID string, limit int) []handoff.Record {
	return o.coordinator.History().List(sessionID, limit)
}

// ResetSession 取消进行中的轮次并删除会话
func (o *Orchestrator) ResetSession(ctx context.Context, sessionID string) error {
	o.sessions.stop(sessionID, ErrSessionReset)
	sess, err := o.sessions.acquire(ctx, sessionID, false)
	if err != nil {
		return err
	}
	defer o.sessions.release(sessionID, sess)

	o.sessions.setPending(sess, nil)
	o.coordinator.History().Clear(sessionID)
	if err := o.store.Delete(ctx, sessionID); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return asPersistenceFailure("delete", err)
	}
	o.logger.Info("session reset", zap.String("session_id", sessionID))
	return nil
}

// Ping 检查检查点存储
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}

func asPersistenceFailure(op string, err error) error {
	if types.IsCode(err, types.ErrPersistenceFailure) {
		return err
	}
	return types.NewPersistenceFailure(op, err)
}

func isFatal(err error) bool {
	if err == nil {
		return false
	}
	code := types.GetErrorCode(err)
	return code == types.ErrFatalSession || code == types.ErrInvariantViolation
}
