package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message 对话消息
type Message struct {
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	Agent     AgentName   `json:"agent,omitempty"`
	Kind      MessageKind `json:"kind,omitempty"`
}

// DomainResult 领域智能体产出的结构化结果，只追加不修改。
// 更正通过追加新条目并在 Supersedes 中引用旧条目 ID 实现。
type DomainResult struct {
	ID         string         `json:"id"`
	Domain     Domain         `json:"domain"`
	Agent      AgentName      `json:"agent"`
	Timestamp  time.Time      `json:"timestamp"`
	Query      map[string]any `json:"query,omitempty"`
	Data       map[string]any `json:"data"`
	Summary    string         `json:"summary,omitempty"`
	Supersedes string         `json:"supersedes,omitempty"`
}

// HandoffContext 智能体交接上下文（交接原因、已提取参数）
type HandoffContext struct {
	From       AgentName         `json:"from"`
	To         AgentName         `json:"to"`
	Reason     string            `json:"reason"`
	Trigger    string            `json:"trigger"`
	Parameters map[string]string `json:"parameters,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ErrorRecord 结构化错误记录
type ErrorRecord struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Agent     AgentName `json:"agent"`
	Attempt   int       `json:"attempt"`
	Action    string    `json:"action,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationState 单个会话的完整状态，也是检查点的持久化单元
type ConversationState struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Messages  []Message `json:"messages"`

	DomainResults   map[Domain][]DomainResult `json:"domain_results"`
	UserPreferences map[string]string         `json:"user_preferences"`

	CurrentAgent   AgentName       `json:"current_agent,omitempty"`
	AgentHistory   []AgentName     `json:"agent_history"`
	HandoffContext *HandoffContext `json:"handoff_context,omitempty"`

	// 只允许 error_recovery_agent 修改
	ErrorCount int          `json:"error_count"`
	LastError  *ErrorRecord `json:"last_error,omitempty"`

	Errors        []ErrorRecord     `json:"errors,omitempty"`
	PendingParams map[string]string `json:"pending_params,omitempty"`

	Turn      int       `json:"turn"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New 创建空会话状态
func New(sessionID, userID string, now time.Time) *ConversationState {
	return &ConversationState{
		SessionID:       sessionID,
		UserID:          userID,
		Messages:        []Message{},
		DomainResults:   map[Domain][]DomainResult{},
		UserPreferences: map[string]string{},
		AgentHistory:    []AgentName{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// AppendMessage 追加消息
func (s *ConversationState) AppendMessage(msg Message) {
	s.Messages = append(s.Messages, msg)
}

// AppendResult 追加领域结果，ID 为空时自动生成
func (s *ConversationState) AppendResult(r DomainResult) (DomainResult, error) {
	if !r.Domain.Valid() {
		return DomainResult{}, fmt.Errorf("unknown domain %q", r.Domain)
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Supersedes != "" && s.findResult(r.Domain, r.Supersedes) < 0 {
		return DomainResult{}, fmt.Errorf("superseded result %s not found in %s", r.Supersedes, r.Domain)
	}
	if s.DomainResults == nil {
		s.DomainResults = map[Domain][]DomainResult{}
	}
	s.DomainResults[r.Domain] = append(s.DomainResults[r.Domain], r)
	return r, nil
}

func (s *ConversationState) findResult(d Domain, id string) int {
	for i, r := range s.DomainResults[d] {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// RecordAgent 追加一条智能体历史并设置当前智能体
func (s *ConversationState) RecordAgent(name AgentName) {
	s.AgentHistory = append(s.AgentHistory, name)
	s.CurrentAgent = name
}

// CompleteTurn 结束一轮：记录负责本轮的智能体并推进轮次
func (s *ConversationState) CompleteTurn(name AgentName, now time.Time) {
	s.RecordAgent(name)
	s.Turn++
	s.UpdatedAt = now
}

// AppendError 追加结构化错误日志（任何节点都可写）
func (s *ConversationState) AppendError(rec ErrorRecord) {
	s.Errors = append(s.Errors, rec)
}

// RecentAgents 返回最近 n 条历史（旧 → 新）
func (s *ConversationState) RecentAgents(n int) []AgentName {
	if n <= 0 || len(s.AgentHistory) == 0 {
		return nil
	}
	if n > len(s.AgentHistory) {
		n = len(s.AgentHistory)
	}
	out := make([]AgentName, n)
	copy(out, s.AgentHistory[len(s.AgentHistory)-n:])
	return out
}

// LastVisit 返回智能体最后一次出现的历史下标，未出现返回 -1
func (s *ConversationState) LastVisit(agent AgentName) int {
	for i := len(s.AgentHistory) - 1; i >= 0; i-- {
		if s.AgentHistory[i] == agent {
			return i
		}
	}
	return -1
}

// Results 返回某领域结果的副本
func (s *ConversationState) Results(d Domain) []DomainResult {
	src := s.DomainResults[d]
	if len(src) == 0 {
		return nil
	}
	out := make([]DomainResult, len(src))
	for i, r := range src {
		out[i] = r.clone()
	}
	return out
}

// LatestResult 返回某领域未被更正的最新结果
func (s *ConversationState) LatestResult(d Domain) (DomainResult, bool) {
	results := s.DomainResults[d]
	if len(results) == 0 {
		return DomainResult{}, false
	}
	return results[len(results)-1].clone(), true
}

// HasResults 判断领域是否已有结果
func (s *ConversationState) HasResults(d Domain) bool {
	return len(s.DomainResults[d]) > 0
}

// LatestUserMessage 返回最后一条用户消息
func (s *ConversationState) LatestUserMessage() (Message, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleUser {
			return s.Messages[i], true
		}
	}
	return Message{}, false
}

// Preference 读取用户偏好
func (s *ConversationState) Preference(key string) (string, bool) {
	v, ok := s.UserPreferences[key]
	return v, ok
}

// =============================================================================
// 🔐 受限写入能力
// =============================================================================

// PreferenceWriter 用户偏好写入能力，仅发放给 memory_update_agent
type PreferenceWriter struct {
	s *ConversationState
}

// PreferenceWriter 获取偏好写入能力
func (s *ConversationState) PreferenceWriter(actor AgentName) (*PreferenceWriter, error) {
	if actor != AgentMemoryUpdate {
		return nil, fmt.Errorf("agent %s may not write user preferences", actor)
	}
	if s.UserPreferences == nil {
		s.UserPreferences = map[string]string{}
	}
	return &PreferenceWriter{s: s}, nil
}

// Set 写入偏好
func (w *PreferenceWriter) Set(key, value string) {
	w.s.UserPreferences[key] = value
}

// Delete 删除偏好
func (w *PreferenceWriter) Delete(key string) {
	delete(w.s.UserPreferences, key)
}

// RecoveryWriter 错误计数写入能力，仅发放给 error_recovery_agent
type RecoveryWriter struct {
	s *ConversationState
}

// RecoveryWriter 获取错误状态写入能力
func (s *ConversationState) RecoveryWriter(actor AgentName) (*RecoveryWriter, error) {
	if actor != AgentErrorRecovery {
		return nil, fmt.Errorf("agent %s may not write error state", actor)
	}
	return &RecoveryWriter{s: s}, nil
}

// Record 记录一次失败尝试
func (w *RecoveryWriter) Record(rec ErrorRecord) {
	w.s.ErrorCount++
	r := rec
	w.s.LastError = &r
}

// Reset 开始新的错误周期
func (w *RecoveryWriter) Reset() {
	w.s.ErrorCount = 0
	w.s.LastError = nil
}
