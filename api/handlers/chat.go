package handlers

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/checkpoint"
	"github.com/BaSui01/tripsage/agent/handoff"
	"github.com/BaSui01/tripsage/agent/orchestrator"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/api"
	"github.com/BaSui01/tripsage/internal/ctxkeys"
	"github.com/BaSui01/tripsage/types"
)

// Orchestrator HTTP 层依赖的编排能力，*orchestrator.Orchestrator 满足该接口
type Orchestrator interface {
	HandleUserMessage(ctx context.Context, sessionID, userID, text string) (*orchestrator.Reply, error)
	Stop(sessionID string) bool
	Snapshot(ctx context.Context, sessionID string) (*state.ConversationState, error)
	Versions(ctx context.Context, sessionID string, limit int) ([]checkpoint.Snapshot, error)
	Handoffs(sessionID string, limit int) []handoff.Record
	ResetSession(ctx context.Context, sessionID string) error
}

var _ Orchestrator = (*orchestrator.Orchestrator)(nil)

// =============================================================================
// 💬 对话 Handler
// =============================================================================

// ChatHandler 对话处理器（HTTP 与 WebSocket）
type ChatHandler struct {
	orch           Orchestrator
	logger         *zap.Logger
	originPatterns []string
	writeTimeout   time.Duration
}

// ChatOption 对话处理器选项
type ChatOption func(*ChatHandler)

// WithOriginPatterns 设置 WebSocket 允许的跨域来源（host 模式，如 "app.example.com"）
func WithOriginPatterns(patterns ...string) ChatOption {
	return func(h *ChatHandler) { h.originPatterns = patterns }
}

// WithWriteTimeout 设置 WebSocket 单帧写超时，非正值保持默认
func WithWriteTimeout(d time.Duration) ChatOption {
	return func(h *ChatHandler) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// NewChatHandler 创建对话处理器
func NewChatHandler(orch Orchestrator, logger *zap.Logger, opts ...ChatOption) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &ChatHandler{
		orch:         orch,
		logger:       logger.With(zap.String("component", "chat_handler")),
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register 注册对话路由
func (h *ChatHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/chat", h.HandleChat)
	mux.HandleFunc("GET /api/v1/ws", h.HandleWebSocket)
}

// HandleChat 处理一条用户消息
// @Summary 对话
// @Description 发送一条用户消息，返回本轮回复
// @Tags 对话
// @Accept json
// @Produce json
// @Param request body api.ChatRequest true "对话请求"
// @Success 200 {object} api.ChatResponse "回复"
// @Failure 400 {object} Response "无效请求"
// @Failure 409 {object} Response "会话正忙"
// @Security ApiKeyAuth
// @Router /api/v1/chat [post]
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if !ValidateContentType(w, r, h.logger) {
		return
	}

	var req api.ChatRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	userID, apiErr := resolveUser(r.Context(), req.UserID)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}

	reply, err := h.orch.HandleUserMessage(r.Context(), req.SessionID, userID, req.Message)
	if reply == nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteJSON(w, http.StatusOK, replyEnvelope(r, reply, err, h.logger))
}

// replyEnvelope 回复总是返回给用户；伴随的错误（degraded / fatal）放在 error 字段
func replyEnvelope(r *http.Request, reply *orchestrator.Reply, err error, logger *zap.Logger) Response {
	resp := toChatResponse(reply)
	env := Response{
		Success:   err == nil,
		Timestamp: time.Now(),
		RequestID: requestID(r),
	}
	if err != nil {
		apiErr := AsAPIError(err)
		resp.ErrorCode = string(apiErr.Code)
		env.Error = errorInfo(apiErr)
		logger.Warn("reply delivered with error",
			zap.String("session_id", reply.SessionID),
			zap.String("code", string(apiErr.Code)),
			zap.Error(err),
		)
	}
	env.Data = resp
	return env
}

func toChatResponse(reply *orchestrator.Reply) api.ChatResponse {
	return api.ChatResponse{
		Reply:      reply.Text,
		Agent:      string(reply.Agent),
		SessionID:  reply.SessionID,
		Turn:       reply.Turn,
		Suggestion: reply.Suggestion,
		Cancelled:  reply.Cancelled,
		Degraded:   reply.Degraded,
		Fatal:      reply.Fatal,
	}
}

// resolveUser 已认证的用户优先；请求体中的 user_id 必须与之一致
func resolveUser(ctx context.Context, requested string) (string, *types.Error) {
	authed, ok := ctxkeys.UserID(ctx)
	switch {
	case ok && requested != "" && requested != authed:
		return "", types.NewError(types.ErrUnauthorized, "user_id does not match the authenticated user").
			WithHTTPStatus(http.StatusForbidden)
	case ok:
		return authed, nil
	case requested == "":
		return "", types.NewError(types.ErrInvalidRequest, "user_id is required").
			WithHTTPStatus(http.StatusBadRequest)
	default:
		return requested, nil
	}
}
