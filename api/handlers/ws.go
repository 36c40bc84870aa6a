package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/types"
)

// =============================================================================
// 🔌 WebSocket 对话
// =============================================================================

// HandleWebSocket 每个文本帧是一条用户消息，每条回复是一个 JSON 帧（Response 结构）。
// 同一连接内的消息按顺序处理。
// @Summary WebSocket 对话
// @Tags 对话
// @Param session_id query string true "会话 ID"
// @Param user_id query string false "用户 ID"
// @Security ApiKeyAuth
// @Router /api/v1/ws [get]
func (h *ChatHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := strings.TrimSpace(q.Get("session_id"))
	if sessionID == "" {
		WriteErrorMessage(w, r, http.StatusBadRequest, types.ErrInvalidRequest, "session_id is required", h.logger)
		return
	}
	userID, apiErr := resolveUser(r.Context(), q.Get("user_id"))
	if apiErr != nil {
		WriteError(w, r, apiErr, h.logger)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		// Accept 已写出错误响应
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(maxBodyBytes)

	log := h.logger.With(zap.String("session_id", sessionID))
	log.Info("websocket connected")

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			h.logClose(log, err)
			return
		}
		if typ != websocket.MessageText {
			conn.Close(websocket.StatusUnsupportedData, "text frames only")
			return
		}

		reply, err := h.orch.HandleUserMessage(ctx, sessionID, userID, string(data))
		var frame Response
		if reply != nil {
			frame = replyEnvelope(r, reply, err, h.logger)
		} else {
			frame = errorEnvelope(r, AsAPIError(err))
		}

		if err := h.write(ctx, conn, frame); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}

func (h *ChatHandler) write(ctx context.Context, conn *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, v)
}

func (h *ChatHandler) logClose(log *zap.Logger, err error) {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("websocket closed")
	default:
		if errors.Is(err, context.Canceled) {
			log.Info("websocket closed")
			return
		}
		log.Debug("websocket read failed", zap.Error(err))
	}
}

