package router

import (
	"sort"
	"strings"

	"github.com/BaSui01/tripsage/agent/state"
)

// Intent 路由意图
type Intent string

const (
	IntentDomain     Intent = "domain"
	IntentPreference Intent = "preference"
	IntentFollowUp   Intent = "follow_up"
	IntentAccepted   Intent = "accepted_suggestion"
	IntentGeneral    Intent = "general"
)

// Candidate 候选智能体及其得分
type Candidate struct {
	Agent state.AgentName `json:"agent"`
	Score float64         `json:"score"`
}

// Decision 路由结果
type Decision struct {
	Agent      state.AgentName   `json:"agent"`
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Ambiguous  bool              `json:"ambiguous"`
	Params     map[string]string `json:"params,omitempty"`
	Candidates []Candidate       `json:"candidates,omitempty"`
}

// DefaultConfidenceThreshold 默认置信度阈值
const DefaultConfidenceThreshold = 0.35

// SuggestionTrigger 可被用户肯定答复接受的交接触发器
const SuggestionTrigger = "TASK_COMPLETION"

// Router 基于关键词权重与正则参数的意图分类器，不依赖时钟和随机数
type Router struct {
	threshold float64
}

// New 创建路由器，threshold<=0 时使用默认值
func New(threshold float64) *Router {
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	return &Router{threshold: threshold}
}

// Threshold 返回置信度阈值
func (r *Router) Threshold() float64 { return r.threshold }

type keyword struct {
	term   string
	weight float64
}

// 领域优先级同时用于平分时的决胜
var domainOrder = []state.AgentName{
	state.AgentFlight,
	state.AgentAccommodation,
	state.AgentItinerary,
	state.AgentBudget,
	state.AgentDestination,
}

var keywords = map[state.AgentName][]keyword{
	state.AgentFlight: {
		{"flight", 0.6}, {"fly", 0.5}, {"flying", 0.5}, {"airline", 0.5}, {"airport", 0.3},
		{"plane", 0.4}, {"one-way", 0.4}, {"round trip", 0.4}, {"round-trip", 0.4},
		{"depart", 0.3}, {"layover", 0.4}, {"nonstop", 0.3}, {"ticket", 0.2},
	},
	state.AgentAccommodation: {
		{"hotel", 0.6}, {"accommodation", 0.6}, {"airbnb", 0.5}, {"hostel", 0.5},
		{"lodging", 0.5}, {"place to stay", 0.5}, {"stay", 0.3}, {"room", 0.3},
		{"check-in", 0.3}, {"check in", 0.3}, {"resort", 0.4}, {"nights", 0.2},
	},
	state.AgentItinerary: {
		{"itinerary", 0.7}, {"day by day", 0.6}, {"day-by-day", 0.6}, {"schedule", 0.4},
		{"agenda", 0.5}, {"plan my trip", 0.6}, {"trip plan", 0.5}, {"plan", 0.2},
	},
	state.AgentBudget: {
		{"budget", 0.6}, {"afford", 0.5}, {"how much", 0.4}, {"cost", 0.4},
		{"spend", 0.4}, {"expensive", 0.3}, {"cheap", 0.2}, {"total price", 0.4},
	},
	state.AgentDestination: {
		{"things to do", 0.6}, {"attractions", 0.6}, {"what to see", 0.5}, {"sights", 0.5},
		{"destination", 0.5}, {"best time", 0.5}, {"weather", 0.4}, {"visit", 0.4},
		{"recommend", 0.3}, {"explore", 0.3}, {"tell me about", 0.4},
	},
}

var preferenceMarkers = []string{
	"i prefer", "i always", "i usually", "i like", "i love", "i don't like", "i dont like",
	"i hate", "i avoid", "remember that", "remember i", "remember my", "my preference",
	"i'm vegetarian", "i am vegetarian", "i'm allergic", "i am allergic",
}

var requestMarkers = []string{"find", "search", "book", "look for", "show me", "get me"}

var affirmatives = map[string]bool{
	"yes": true, "yes please": true, "sure": true, "ok": true, "okay": true, "please do": true,
	"sounds good": true, "go ahead": true, "yep": true, "yeah": true, "do it": true,
}

// Route 根据当前状态和最新消息选择智能体（纯函数）
func (r *Router) Route(s *state.ConversationState, message string) Decision {
	lower := strings.ToLower(strings.TrimSpace(message))
	params := ExtractParams(message)

	candidates := score(lower, params)

	if containsAny(lower, preferenceMarkers) && !containsAny(lower, requestMarkers) {
		return Decision{
			Agent:      state.AgentMemoryUpdate,
			Intent:     IntentPreference,
			Confidence: 0.9,
			Params:     params,
			Candidates: candidates,
		}
	}

	if len(candidates) > 0 && candidates[0].Score >= r.threshold {
		return Decision{
			Agent:      candidates[0].Agent,
			Intent:     IntentDomain,
			Confidence: candidates[0].Score,
			Params:     params,
			Candidates: candidates,
		}
	}

	best := 0.0
	if len(candidates) > 0 {
		best = candidates[0].Score
	}

	if s != nil {
		// 接受上一轮给出的交接建议
		if h := s.HandoffContext; h != nil && h.Trigger == SuggestionTrigger && h.To.IsDomainAgent() && affirmatives[strings.Trim(lower, ".!? ")] {
			return Decision{
				Agent:      h.To,
				Intent:     IntentAccepted,
				Confidence: r.threshold,
				Params:     mergeParams(h.Parameters, params),
				Candidates: candidates,
			}
		}
		// 追问：没有领域信号但带有可提取参数，沿用当前领域智能体
		if s.CurrentAgent.IsDomainAgent() && len(params) > 0 {
			return Decision{
				Agent:      s.CurrentAgent,
				Intent:     IntentFollowUp,
				Confidence: r.threshold,
				Params:     params,
				Candidates: candidates,
			}
		}
	}

	return Decision{
		Agent:      state.AgentGeneral,
		Intent:     IntentGeneral,
		Confidence: best,
		Ambiguous:  true,
		Params:     params,
		Candidates: candidates,
	}
}

func score(lower string, params map[string]string) []Candidate {
	scores := make(map[state.AgentName]float64, len(keywords))
	for agent, kws := range keywords {
		for _, kw := range kws {
			if containsWord(lower, kw.term) {
				scores[agent] += kw.weight
			}
		}
	}
	// 结构化参数本身也是领域信号
	if params[ParamOrigin] != "" && params[ParamDestination] != "" {
		scores[state.AgentFlight] += 0.5
	}
	if params[ParamGuests] != "" || params[ParamRating] != "" {
		scores[state.AgentAccommodation] += 0.2
	}
	if params[ParamBudget] != "" {
		scores[state.AgentBudget] += 0.2
	}

	out := make([]Candidate, 0, len(scores))
	for _, agent := range domainOrder {
		if sc := scores[agent]; sc > 0 {
			if sc > 1 {
				sc = 1
			}
			out = append(out, Candidate{Agent: agent, Score: sc})
		}
	}
	// 稳定排序保留 domainOrder 作为平分决胜
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if containsWord(s, t) {
			return true
		}
	}
	return false
}

// containsWord 按单词边界匹配，允许复数后缀 s
func containsWord(s, term string) bool {
	idx := 0
	for {
		i := strings.Index(s[idx:], term)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(term)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end]) || s[end] == 's') {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '\''
}

func mergeParams(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
