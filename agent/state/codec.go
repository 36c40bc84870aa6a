package state

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Marshal 序列化会话状态
func Marshal(s *ConversationState) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("nil conversation state")
	}
	return json.Marshal(s)
}

// Unmarshal 反序列化会话状态，并补齐空集合
func Unmarshal(data []byte) (*ConversationState, error) {
	var s ConversationState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode conversation state: %w", err)
	}
	s.normalize()
	return &s, nil
}

func (s *ConversationState) normalize() {
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	if s.DomainResults == nil {
		s.DomainResults = map[Domain][]DomainResult{}
	}
	if s.UserPreferences == nil {
		s.UserPreferences = map[string]string{}
	}
	if s.AgentHistory == nil {
		s.AgentHistory = []AgentName{}
	}
}

// Equal 语义相等：两个状态的规范化 JSON 表示一致。
// 时间按序列化后的表示比较，因此与是否经过持久化往返无关。
func Equal(a, b *ConversationState) bool {
	if a == nil || b == nil {
		return a == b
	}
	ac, bc := a.Clone(), b.Clone()
	ac.normalize()
	bc.normalize()
	return jsonEqual(ac, bc)
}

func jsonEqual(a, b any) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
