package nodes

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/tripsage/agent/handoff"
	"github.com/BaSui01/tripsage/agent/registry"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

type preferenceRule struct {
	key   string
	re    *regexp.Regexp
	value func(m []string) string
}

func lowerGroup(m []string) string { return strings.ToLower(m[1]) }

var preferenceRules = []preferenceRule{
	{"seat", regexp.MustCompile(`(?i)\b(window|aisle)\s+seats?\b`), lowerGroup},
	{"cabin", regexp.MustCompile(`(?i)\b(premium economy|economy|business|first class)\b`), func(m []string) string {
		switch strings.ToLower(m[1]) {
		case "first class":
			return "first"
		case "premium economy":
			return "premium_economy"
		}
		return strings.ToLower(m[1])
	}},
	{"stops", regexp.MustCompile(`(?i)\b(non-?stop|direct)\b`), func([]string) string { return "0" }},
	{"diet", regexp.MustCompile(`(?i)\b(vegetarian|vegan|gluten[- ]free|halal|kosher)\b`), func(m []string) string {
		return strings.ReplaceAll(strings.ToLower(m[1]), " ", "-")
	}},
	{"home_airport", regexp.MustCompile(`(?i:home airport is|fly out of|fly from|live near)\s+([A-Z]{3})\b`), func(m []string) string { return m[1] }},
	{"currency", regexp.MustCompile(`(?i)\b(?:in|use|pay in)\s+(usd|eur|gbp|dollars|euros|pounds)\b`), func(m []string) string {
		switch strings.ToLower(m[1]) {
		case "eur", "euros":
			return "EUR"
		case "gbp", "pounds":
			return "GBP"
		}
		return "USD"
	}},
	{"hotel_rating", regexp.MustCompile(`(?i)\b(\d(?:\.\d)?)\s*\+?\s*-?stars?\b`), func(m []string) string { return m[1] }},
}

var reRememberThat = regexp.MustCompile(`(?i)\bremember (?:that )?(.+)$`)

// ExtractPreferences 从一句话中提取偏好（纯函数）
func ExtractPreferences(text string) map[string]string {
	out := map[string]string{}
	for _, rule := range preferenceRules {
		if m := rule.re.FindStringSubmatch(text); m != nil {
			out[rule.key] = rule.value(m)
		}
	}
	if len(out) == 0 {
		if m := reRememberThat.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
			out["note"] = strings.TrimRight(strings.TrimSpace(m[1]), ".!")
		}
	}
	return out
}

// MemoryNode 维护用户偏好，并在上下文超过阈值时生成会话摘要。
// 唯一持有 PreferenceWriter 的节点。
type MemoryNode struct {
	base
	prefs registry.PreferenceService
}

// NewMemoryNode 创建记忆节点，注册表未配置偏好服务时只写会话状态
func NewMemoryNode(reg *registry.Registry, opts Options) *MemoryNode {
	var prefs registry.PreferenceService
	if reg != nil {
		prefs = reg.Preferences()
	}
	return &MemoryNode{base: newBase(state.AgentMemoryUpdate, KindMemory, opts), prefs: prefs}
}

// Process 提取并保存偏好；由 CONTEXT_THRESHOLD_REACHED 交接触发时生成摘要
func (n *MemoryNode) Process(ctx context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	w, err := s.PreferenceWriter(n.name)
	if err != nil {
		return s, n.fail(s, types.NewFatalSessionError("preference writer", err))
	}

	if n.prefs != nil {
		stored, err := n.prefs.GetPreferences(ctx, s.UserID)
		if err != nil {
			return s, n.fail(s, asServiceError(err))
		}
		for k, v := range stored {
			if _, ok := s.Preference(k); !ok {
				w.Set(k, v)
			}
		}
	}

	if h := s.HandoffContext; h != nil && h.To == n.name && h.Trigger == string(handoff.TriggerContextThreshold) {
		n.condense(s)
		return s, nil
	}

	msg, _ := s.LatestUserMessage()
	found := ExtractPreferences(msg.Content)
	if note, ok := found["note"]; ok {
		delete(found, "note")
		found[nextNoteKey(s.UserPreferences)] = note
	}
	if len(found) == 0 {
		n.say(s, state.KindNormal, "I didn't catch a preference I can save. Try something like \"I prefer window seats\" or \"remember that I'm vegetarian\".")
		return s, nil
	}
	for k, v := range found {
		w.Set(k, v)
	}

	if n.prefs != nil {
		if err := n.prefs.SetPreferences(ctx, s.UserID, found); err != nil {
			return s, n.fail(s, asServiceError(err))
		}
	}
	n.logger.Debug("preferences saved", zap.Int("count", len(found)))
	n.say(s, state.KindNormal, "Got it, I'll remember: "+describePrefs(found)+".")
	return s, nil
}

// condense 将各领域最新结果与偏好压缩为一条摘要消息
func (n *MemoryNode) condense(s *state.ConversationState) {
	var parts []string
	for _, d := range state.AllDomains() {
		if r, ok := s.LatestResult(d); ok && r.Summary != "" {
			parts = append(parts, string(d)+": "+firstLine(r.Summary))
		}
	}
	if len(s.UserPreferences) > 0 {
		parts = append(parts, "preferences: "+describePrefs(s.UserPreferences))
	}
	summary := "Conversation summary."
	if len(parts) > 0 {
		summary = "Conversation summary. " + strings.Join(parts, " | ")
	}
	s.AppendMessage(state.Message{
		Role:      state.RoleSystem,
		Content:   summary,
		Timestamp: n.now(),
		Agent:     n.name,
		Kind:      state.KindSummary,
	})
}

func nextNoteKey(prefs map[string]string) string {
	for i := 1; ; i++ {
		key := fmt.Sprintf("note_%d", i)
		if _, taken := prefs[key]; !taken {
			return key
		}
	}
}

func describePrefs(prefs map[string]string) string {
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = strings.ReplaceAll(k, "_", " ") + " = " + prefs[k]
	}
	return strings.Join(parts, ", ")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func asServiceError(err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.NewServiceUnavailable(string(registry.Preferences), err)
}
