package nodes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

const (
	defaultTripDays = 3
	maxTripDays     = 14
)

// ItineraryNode 将已有的航班、住宿、目的地结果编排为逐日行程
type ItineraryNode struct {
	base
}

// NewItineraryNode 创建行程节点
func NewItineraryNode(opts Options) *ItineraryNode {
	return &ItineraryNode{base: newBase(state.AgentItinerary, KindPlanner, opts)}
}

// Process 生成逐日行程
func (n *ItineraryNode) Process(_ context.Context, s *state.ConversationState) (*state.ConversationState, error) {
	params := s.PendingParams
	flight, hasFlight := s.LatestResult(state.DomainFlights)
	stay, hasStay := s.LatestResult(state.DomainAccommodations)
	dest, hasDest := s.LatestResult(state.DomainDestinations)

	city := firstNonEmpty(
		params["city"],
		queryString(stay.Query, "city"),
		queryString(dest.Query, "city"),
		queryString(flight.Query, "destination"),
	)
	if city == "" {
		n.reprompt(s, "plan your itinerary", &ParamError{Issues: []FieldIssue{{Param: "city", Missing: true}}})
		return s, nil
	}

	days := defaultTripDays
	if d, err := strconv.Atoi(params["days"]); err == nil && d > 0 {
		days = d
	} else if nights := stayNights(stay.Query); nights > 0 {
		days = nights + 1
	}
	if days > maxTripDays {
		days = maxTripDays
	}

	start := firstNonEmpty(params["date"], params["check_in"], queryString(flight.Query, "date"), queryString(stay.Query, "check_in"))
	startDate, dated := time.Time{}, false
	if t, err := time.Parse(time.DateOnly, start); err == nil {
		startDate, dated = t, true
	}

	var highlights []string
	if hasDest {
		if recs := resultRecords(dest); len(recs) > 0 {
			if hl, ok := recs[0]["highlights"].([]any); ok {
				for _, h := range hl {
					if name, ok := h.(string); ok {
						highlights = append(highlights, name)
					}
				}
			}
		}
	}

	var flightName, hotelName string
	if hasFlight {
		if best, _, ok := cheapest(resultRecords(flight), "price"); ok {
			flightName = text(best, "flight")
		}
	}
	if hasStay {
		if best, _, ok := cheapest(resultRecords(stay), "nightly"); ok {
			hotelName = text(best, "name")
		}
	}

	plan := make([]any, 0, days)
	lines := make([]string, 0, days)
	for day := 1; day <= days; day++ {
		var title string
		var items []string
		switch {
		case day == 1:
			title = "Arrive in " + city
			if flightName != "" {
				items = append(items, "Flight "+flightName)
			}
			if hotelName != "" {
				items = append(items, "Check in at "+hotelName)
			}
		case day == days:
			title = "Departure day"
			if hotelName != "" {
				items = append(items, "Check out of "+hotelName)
			}
		default:
			title = "Explore " + city
			if len(highlights) > 0 {
				items = append(items, highlights[(day-2)%len(highlights)])
			}
		}
		entry := map[string]any{"day": day, "title": title, "activities": stringsToAny(items)}
		label := fmt.Sprintf("Day %d", day)
		if dated {
			date := startDate.AddDate(0, 0, day-1).Format(time.DateOnly)
			entry["date"] = date
			label += " (" + date + ")"
		}
		plan = append(plan, entry)
		line := label + ": " + title
		if len(items) > 0 {
			line += " - " + strings.Join(items, ", ")
		}
		lines = append(lines, line)
	}

	var sources []any
	for _, r := range []struct {
		ok bool
		id string
	}{{hasFlight, flight.ID}, {hasStay, stay.ID}, {hasDest, dest.ID}} {
		if r.ok {
			sources = append(sources, r.id)
		}
	}

	summary := fmt.Sprintf("Here's a %d-day plan for %s:\n%s", days, city, strings.Join(lines, "\n"))
	result := state.DomainResult{
		Domain:    state.DomainItinerary,
		Agent:     n.name,
		Timestamp: n.now(),
		Query:     map[string]any{"city": city, "days": days},
		Data:      map[string]any{"city": city, "days": days, "plan": plan, "sources": sources},
		Summary:   fmt.Sprintf("%d-day plan for %s", days, city),
	}
	if prev, ok := s.LatestResult(state.DomainItinerary); ok {
		result.Supersedes = prev.ID
	}
	if _, err := s.AppendResult(result); err != nil {
		return s, n.fail(s, types.NewFatalSessionError("append domain result", err))
	}
	n.say(s, state.KindNormal, summary)
	return s, nil
}

func queryString(q map[string]any, key string) string {
	v, _ := q[key].(string)
	return v
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
