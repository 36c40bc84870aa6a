package handlers

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/api"
	"github.com/BaSui01/tripsage/internal/ctxkeys"
	"github.com/BaSui01/tripsage/types"
)

const (
	defaultListLimit = 10
	maxListLimit     = 100
)

// =============================================================================
// 🗂️ 会话 Handler
// =============================================================================

// SessionHandler 会话查询与管理
type SessionHandler struct {
	orch   Orchestrator
	logger *zap.Logger
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(orch Orchestrator, logger *zap.Logger) *SessionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionHandler{
		orch:   orch,
		logger: logger.With(zap.String("component", "session_handler")),
	}
}

// Register 注册会话路由
func (h *SessionHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/sessions/{id}", h.HandleGet)
	mux.HandleFunc("DELETE /api/v1/sessions/{id}", h.HandleReset)
	mux.HandleFunc("POST /api/v1/sessions/{id}/stop", h.HandleStop)
	mux.HandleFunc("GET /api/v1/sessions/{id}/versions", h.HandleVersions)
	mux.HandleFunc("GET /api/v1/sessions/{id}/handoffs", h.HandleHandoffs)
}

// HandleGet 返回会话当前快照
// @Summary 会话快照
// @Tags 会话
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} api.SessionResponse
// @Failure 404 {object} Response "会话不存在"
// @Security ApiKeyAuth
// @Router /api/v1/sessions/{id} [get]
func (h *SessionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := h.orch.Snapshot(r.Context(), id)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	if apiErr := checkOwner(r.Context(), st.UserID); apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}
	WriteSuccess(w, r, api.NewSessionResponse(st))
}

// HandleStop 取消会话进行中的轮次
// @Summary 取消轮次
// @Tags 会话
// @Produce json
// @Param id path string true "会话 ID"
// @Success 200 {object} api.StopResponse
// @Security ApiKeyAuth
// @Router /api/v1/sessions/{id}/stop [post]
func (h *SessionHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.authorize(w, r, id) {
		return
	}
	stopped := h.orch.Stop(id)
	h.logger.Info("stop requested", zap.String("session_id", id), zap.Bool("stopped", stopped))
	WriteSuccess(w, r, api.StopResponse{SessionID: id, Stopped: stopped})
}

// HandleReset 删除会话
// @Summary 重置会话
// @Tags 会话
// @Param id path string true "会话 ID"
// @Success 204
// @Security ApiKeyAuth
// @Router /api/v1/sessions/{id} [delete]
func (h *SessionHandler) HandleReset(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.authorize(w, r, id) {
		return
	}
	if err := h.orch.ResetSession(r.Context(), id); err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleVersions 返回会话最近的检查点版本
func (h *SessionHandler) HandleVersions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, apiErr := parseLimit(r)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}
	if !h.authorize(w, r, id) {
		return
	}
	snaps, err := h.orch.Versions(r.Context(), id, limit)
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, api.VersionsResponse{SessionID: id, Versions: snaps})
}

// HandleHandoffs 返回会话最近的交接决策
func (h *SessionHandler) HandleHandoffs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit, apiErr := parseLimit(r)
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}
	if !h.authorize(w, r, id) {
		return
	}
	WriteSuccess(w, r, api.HandoffsResponse{SessionID: id, Handoffs: h.orch.Handoffs(id, limit)})
}

// authorize 已认证用户只能操作自己的会话；尚未落盘的新会话不做校验
func (h *SessionHandler) authorize(w http.ResponseWriter, r *http.Request, id string) bool {
	if _, ok := ctxkeys.UserID(r.Context()); !ok {
		return true
	}
	st, err := h.orch.Snapshot(r.Context(), id)
	if types.IsCode(err, types.ErrNotFound) {
		return true
	}
	if err != nil {
		WriteErr(w, r, err, h.logger)
		return false
	}
	if apiErr := checkOwner(r.Context(), st.UserID); apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return false
	}
	return true
}

func checkOwner(ctx context.Context, owner string) *types.Error {
	authed, ok := ctxkeys.UserID(ctx)
	if !ok || owner == "" || owner == authed {
		return nil
	}
	return types.NewError(types.ErrUnauthorized, "session belongs to another user").
		WithHTTPStatus(http.StatusForbidden)
}

func parseLimit(r *http.Request) (int, *types.Error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, types.NewError(types.ErrInvalidRequest, "limit must be a positive integer").
			WithHTTPStatus(http.StatusBadRequest)
	}
	return min(n, maxListLimit), nil
}
