package nodes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/BaSui01/tripsage/agent/registry"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

// SearchNode 调用单个搜索服务并追加一条领域结果的节点
type SearchNode struct {
	base
	reg     *registry.Registry
	service registry.ServiceName
	task    string
	// 偏好键 → 参数键，仅在参数缺失时填充
	defaults map[string]string
	// 决定两次查询是否为同一请求的参数，相同时新结果更正旧结果
	identity  []string
	bind      func(params map[string]string) error
	summarize func(params map[string]string, records []registry.Record) string
}

// NewFlightNode 航班搜索节点（主/备用共用实现）
func NewFlightNode(name state.AgentName, service registry.ServiceName, reg *registry.Registry, opts Options) *SearchNode {
	return &SearchNode{
		base:     newBase(name, KindSearch, opts),
		reg:      reg,
		service:  service,
		task:     "search flights",
		defaults: map[string]string{"home_airport": "origin", "cabin": "cabin", "stops": "stops"},
		identity: []string{"origin", "destination"},
		bind: func(p map[string]string) error {
			var fp FlightSearchParams
			if err := Bind(p, &fp); err != nil {
				return err
			}
			if fp.ReturnDate != "" && fp.ReturnDate < fp.Date {
				return &ParamError{Issues: []FieldIssue{{Param: "return_date", Detail: "must be after the departure date"}}}
			}
			return nil
		},
		summarize: summarizeFlights,
	}
}

// NewAccommodationNode 住宿搜索节点（主/备用共用实现）
func NewAccommodationNode(name state.AgentName, service registry.ServiceName, reg *registry.Registry, opts Options) *SearchNode {
	return &SearchNode{
		base:     newBase(name, KindSearch, opts),
		reg:      reg,
		service:  service,
		task:     "find a place to stay",
		defaults: map[string]string{"hotel_rating": "rating"},
		identity: []string{"city"},
		bind: func(p map[string]string) error {
			var ap AccommodationSearchParams
			if err := Bind(p, &ap); err != nil {
				return err
			}
			if ap.CheckOut != "" && ap.CheckOut <= ap.CheckIn {
				return &ParamError{Issues: []FieldIssue{{Param: "check_out", Detail: "must be after check-in"}}}
			}
			return nil
		},
		summarize: summarizeHotels,
	}
}

// NewDestinationNode 目的地调研节点
func NewDestinationNode(reg *registry.Registry, opts Options) *SearchNode {
	return &SearchNode{
		base:     newBase(state.AgentDestination, KindSearch, opts),
		reg:      reg,
		service:  registry.DestinationSearch,
		task:     "research a destination",
		identity: []string{"city"},
		bind: func(p map[string]string) error {
			var dp DestinationParams
			return Bind(p, &dp)
		},
		summarize: summarizeDestination,
	}
}

// superseded 返回同一请求（identity 参数相同）最近一条结果的 ID
func (n *SearchNode) superseded(s *state.ConversationState, params map[string]string) string {
	key := identityKey(n.identity, func(f string) string { return params[f] })
	results := s.Results(n.Domain())
	for i := len(results) - 1; i >= 0; i-- {
		q := results[i].Query
		prev := identityKey(n.identity, func(f string) string {
			v, _ := q[f].(string)
			return v
		})
		if prev == key {
			return results[i].ID
		}
	}
	return ""
}

func identityKey(fields []string, get func(string) string) string {
	sub := make(map[string]string, len(fields))
	for _, f := range fields {
		sub[f] = strings.ToLower(strings.TrimSpace(get(f)))
	}
	return registry.ParamsKey(sub)
}

// Service 返回节点使用的服务名
func (n *SearchNode) Service() registry.ServiceName { return n.service }

// Process 校验参数、调用服务并追加结果与回复
func (n *SearchNode) Process(ctx context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	params := copyParams(s.PendingParams)
	for pref, param := range n.defaults {
		if _, set := params[param]; set {
			continue
		}
		if v, ok := s.Preference(pref); ok && v != "" {
			params[param] = v
		}
	}

	if err := n.bind(params); err != nil {
		var perr *ParamError
		if errors.As(err, &perr) {
			n.reprompt(s, n.task, perr)
			return s, nil
		}
		return s, n.fail(s, err)
	}

	records, err := n.reg.Search(ctx, n.service, n.Domain(), params)
	if err != nil {
		return s, n.fail(s, err)
	}

	summary := n.summarize(params, records)
	result := state.DomainResult{
		Domain:    n.Domain(),
		Agent:     n.name,
		Timestamp: n.now(),
		Query:     toAnyMap(params),
		Data: map[string]any{
			"results": recordsToAny(records),
			"count":   len(records),
			"service": string(n.service),
		},
		Summary: summary,
	}
	result.Supersedes = n.superseded(s, params)
	if _, err := s.AppendResult(result); err != nil {
		return s, n.fail(s, types.NewFatalSessionError("append domain result", err))
	}
	n.say(s, state.KindNormal, summary)
	return s, nil
}

func summarizeFlights(p map[string]string, records []registry.Record) string {
	route := fmt.Sprintf("from %s to %s on %s", p["origin"], p["destination"], p["date"])
	if len(records) == 0 {
		return "I couldn't find any flights " + route + " with those filters."
	}
	recs := make([]map[string]any, len(records))
	for i, r := range records {
		recs[i] = r
	}
	best, price, ok := cheapest(recs, "price")
	if !ok {
		return fmt.Sprintf("Found %d flights %s.", len(records), route)
	}
	stops := "nonstop"
	if n, ok := number(best, "stops"); ok && n > 0 {
		stops = fmt.Sprintf("%.0f stop", n)
		if n > 1 {
			stops += "s"
		}
	}
	return fmt.Sprintf("Found %d flights %s. Cheapest is %s (%s) at %s.",
		len(records), route, text(best, "flight"), stops, formatMoney(text(best, "currency"), price))
}

func summarizeHotels(p map[string]string, records []registry.Record) string {
	where := fmt.Sprintf("in %s from %s", p["city"], p["check_in"])
	if len(records) == 0 {
		return "I couldn't find any places to stay " + where + " with those filters."
	}
	recs := make([]map[string]any, len(records))
	for i, r := range records {
		recs[i] = r
	}
	best, nightly, ok := cheapest(recs, "nightly")
	if !ok {
		return fmt.Sprintf("Found %d places to stay %s.", len(records), where)
	}
	rating := ""
	if r, ok := number(best, "rating"); ok {
		rating = fmt.Sprintf(", rated %.1f", r)
	}
	return fmt.Sprintf("Found %d places to stay %s. Best value is %s at %s/night%s.",
		len(records), where, text(best, "name"), formatMoney(text(best, "currency"), nightly), rating)
}

func summarizeDestination(p map[string]string, records []registry.Record) string {
	if len(records) == 0 {
		return "I don't have much on " + p["city"] + " yet."
	}
	r := records[0]
	var b strings.Builder
	b.WriteString(p["city"])
	if season := text(r, "best_season"); season != "" {
		b.WriteString(" is best visited in " + season + ".")
	} else {
		b.WriteString(":")
	}
	if hl, ok := r["highlights"].([]any); ok && len(hl) > 0 {
		names := make([]string, 0, len(hl))
		for _, h := range hl {
			if s, ok := h.(string); ok {
				names = append(names, s)
			}
		}
		b.WriteString(" Highlights: " + strings.Join(names, ", ") + ".")
	}
	if cost, ok := number(r, "daily_cost"); ok {
		b.WriteString(" Expect to spend around " + formatMoney(text(r, "currency"), cost) + " a day.")
	}
	return b.String()
}
