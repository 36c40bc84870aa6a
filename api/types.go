package api

import (
	"time"

	"github.com/BaSui01/tripsage/agent/checkpoint"
	"github.com/BaSui01/tripsage/agent/handoff"
	"github.com/BaSui01/tripsage/agent/state"
)

// =============================================================================
// 💬 对话
// =============================================================================

// ChatRequest 用户消息请求
// @Description 一轮对话请求
type ChatRequest struct {
	// 会话 ID，同一会话的消息串行处理
	SessionID string `json:"session_id" validate:"required,max=128" example:"sess-42"`
	// 用户 ID，必须与会话创建者一致；JWT 认证时可省略
	UserID string `json:"user_id,omitempty" validate:"omitempty,max=128" example:"user-1"`
	// 用户消息
	Message string `json:"message" validate:"required,max=8192" example:"find me a flight from NYC to Paris on 2025-07-01"`
}

// ChatResponse 一轮对话的回复
// @Description 一轮对话回复
type ChatResponse struct {
	Reply      string `json:"reply" example:"I found 3 flights from NYC to Paris..."`
	Agent      string `json:"agent,omitempty" example:"flight_agent"`
	SessionID  string `json:"session_id"`
	Turn       int    `json:"turn" example:"1"`
	Suggestion string `json:"suggestion,omitempty" example:"accommodation_agent"`
	Cancelled  bool   `json:"cancelled,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
	Fatal      bool   `json:"fatal,omitempty"`
	// 回复已生成但伴随错误（degraded / fatal）
	ErrorCode string `json:"error_code,omitempty" example:"PERSISTENCE_FAILURE"`
}

// =============================================================================
// 🗂️ 会话
// =============================================================================

// SessionResponse 会话快照
// @Description 会话当前状态
type SessionResponse struct {
	SessionID    string                   `json:"session_id"`
	UserID       string                   `json:"user_id"`
	Turn         int                      `json:"turn"`
	Version      int64                    `json:"version"`
	CurrentAgent string                   `json:"current_agent,omitempty"`
	ErrorCount   int                      `json:"error_count"`
	UpdatedAt    time.Time                `json:"updated_at"`
	State        *state.ConversationState `json:"state"`
}

// NewSessionResponse 从会话状态构建响应
func NewSessionResponse(st *state.ConversationState) SessionResponse {
	return SessionResponse{
		SessionID:    st.SessionID,
		UserID:       st.UserID,
		Turn:         st.Turn,
		Version:      st.Version,
		CurrentAgent: string(st.CurrentAgent),
		ErrorCount:   st.ErrorCount,
		UpdatedAt:    st.UpdatedAt,
		State:        st,
	}
}

// StopResponse 取消结果
type StopResponse struct {
	SessionID string `json:"session_id"`
	// 是否有进行中的轮次被取消
	Stopped bool `json:"stopped"`
}

// VersionsResponse 检查点版本列表
type VersionsResponse struct {
	SessionID string                `json:"session_id"`
	Versions  []checkpoint.Snapshot `json:"versions"`
}

// HandoffsResponse 交接决策列表
type HandoffsResponse struct {
	SessionID string           `json:"session_id"`
	Handoffs  []handoff.Record `json:"handoffs"`
}
