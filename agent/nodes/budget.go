package nodes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/BaSui01/tripsage/agent/registry"
	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

// BudgetNode 汇总其他领域的结果并估算总花费，只读其他领域
type BudgetNode struct {
	base
	reg *registry.Registry
}

// NewBudgetNode 创建预算节点
func NewBudgetNode(reg *registry.Registry, opts Options) *BudgetNode {
	return &BudgetNode{base: newBase(state.AgentBudget, KindPlanner, opts), reg: reg}
}

// Process 估算预算
func (n *BudgetNode) Process(ctx context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	params := copyParams(s.PendingParams)
	if _, set := params["currency"]; !set {
		if c, ok := s.Preference("currency"); ok {
			params["currency"] = c
		}
	}
	var bp BudgetParams
	if err := Bind(params, &bp); err != nil {
		var perr *ParamError
		if errors.As(err, &perr) {
			n.reprompt(s, "estimate your budget", perr)
			return s, nil
		}
		return s, n.fail(s, err)
	}

	query := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			query[k] = v
		}
	}
	set("budget", bp.Budget)
	set("currency", bp.Currency)
	set("days", bp.Days)

	var sources []any
	if r, ok := s.LatestResult(state.DomainFlights); ok {
		if _, price, ok := cheapest(resultRecords(r), "price"); ok {
			set("flights_total", strconv.FormatFloat(price, 'f', 2, 64))
			sources = append(sources, r.ID)
		}
	}
	if r, ok := s.LatestResult(state.DomainAccommodations); ok {
		if _, nightly, ok := cheapest(resultRecords(r), "nightly"); ok {
			set("lodging_nightly", strconv.FormatFloat(nightly, 'f', 2, 64))
			sources = append(sources, r.ID)
		}
		if query["days"] == "" {
			if nights := stayNights(r.Query); nights > 0 {
				set("days", strconv.Itoa(nights))
			}
		}
	}
	if r, ok := s.LatestResult(state.DomainDestinations); ok {
		if recs := resultRecords(r); len(recs) > 0 {
			if cost, ok := number(recs[0], "daily_cost"); ok {
				set("daily_cost", strconv.FormatFloat(cost, 'f', 2, 64))
				sources = append(sources, r.ID)
			}
		}
	}

	records, err := n.reg.Search(ctx, registry.BudgetEstimator, state.DomainBudget, query)
	if err != nil {
		return s, n.fail(s, err)
	}
	if len(records) == 0 {
		return s, n.fail(s, types.NewServiceUnavailable(string(registry.BudgetEstimator), errors.New("empty estimate")))
	}

	estimate := records[0]
	summary := summarizeBudget(estimate)
	result := state.DomainResult{
		Domain:    state.DomainBudget,
		Agent:     n.name,
		Timestamp: n.now(),
		Query:     toAnyMap(query),
		Data: map[string]any{
			"estimate": map[string]any(estimate),
			"sources":  sources,
		},
		Summary: summary,
	}
	if prev, ok := s.LatestResult(state.DomainBudget); ok {
		result.Supersedes = prev.ID
	}
	if _, err := s.AppendResult(result); err != nil {
		return s, n.fail(s, types.NewFatalSessionError("append domain result", err))
	}
	n.say(s, state.KindNormal, summary)
	return s, nil
}

// stayNights 根据住宿查询的入住/离店日期计算晚数
func stayNights(q map[string]any) int {
	in, _ := q["check_in"].(string)
	out, _ := q["check_out"].(string)
	if in == "" || out == "" {
		return 0
	}
	start, err1 := time.Parse(time.DateOnly, in)
	end, err2 := time.Parse(time.DateOnly, out)
	if err1 != nil || err2 != nil || !end.After(start) {
		return 0
	}
	return int(end.Sub(start).Hours() / 24)
}

func summarizeBudget(e map[string]any) string {
	currency := text(e, "currency")
	total, _ := number(e, "total")
	days, _ := number(e, "days")
	flights, _ := number(e, "flights")
	lodging, _ := number(e, "lodging")
	activities, _ := number(e, "activities")

	out := fmt.Sprintf("Estimated trip cost is %s for %.0f days (flights %s, lodging %s, daily spending %s).",
		formatMoney(currency, total), days,
		formatMoney(currency, flights), formatMoney(currency, lodging), formatMoney(currency, activities))
	if limit, ok := number(e, "budget"); ok {
		if within, _ := e["within_budget"].(bool); within {
			out += fmt.Sprintf(" That fits your budget of %s.", formatMoney(currency, limit))
		} else {
			out += fmt.Sprintf(" That is %s over your budget of %s.", formatMoney(currency, total-limit), formatMoney(currency, limit))
		}
	}
	return out
}
