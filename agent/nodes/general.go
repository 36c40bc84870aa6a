package nodes

import (
	"context"
	"strings"

	"github.com/BaSui01/tripsage/agent/state"
)

const capabilities = "I can search flights (for example \"flights from SFO to JFK on 2025-06-15\"), " +
	"find places to stay, research destinations, build a day-by-day itinerary or estimate your budget."

var greetings = []string{"hi", "hello", "hey", "good morning", "good afternoon", "good evening"}

// GeneralNode 兜底节点，路由置信度不足时使用
type GeneralNode struct {
	base
}

// NewGeneralNode 创建兜底节点
func NewGeneralNode(opts Options) *GeneralNode {
	return &GeneralNode{base: newBase(state.AgentGeneral, KindConversational, opts)}
}

// Process 回复能力说明并请用户补充信息
func (n *GeneralNode) Process(_ context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	msg, _ := s.LatestUserMessage()
	lower := strings.ToLower(strings.TrimSpace(msg.Content))

	var reply string
	switch {
	case isGreeting(lower):
		reply = "Hi! I'm your travel planner. " + capabilities
	case strings.HasPrefix(lower, "thank"):
		reply = "You're welcome! Anything else for this trip? " + capabilities
	default:
		reply = "I'm not sure what you'd like to do yet. " + capabilities
	}
	if len(s.UserPreferences) > 0 {
		reply += " I'll keep your saved preferences in mind."
	}
	n.say(s, state.KindNormal, reply)
	return s, nil
}

func isGreeting(lower string) bool {
	for _, g := range greetings {
		if lower == g || strings.HasPrefix(lower, g+" ") || strings.HasPrefix(lower, g+"!") || strings.HasPrefix(lower, g+",") {
			return true
		}
	}
	return false
}
