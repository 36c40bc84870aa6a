package registry

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/BaSui01/tripsage/agent/state"
	"github.com/BaSui01/tripsage/types"
)

// StaticSearchService 确定性的内置数据源，用于开发、演示和测试
type StaticSearchService struct {
	name ServiceName
}

// NewStaticSearchService 创建内置数据源
func NewStaticSearchService(name ServiceName) *StaticSearchService {
	return &StaticSearchService{name: name}
}

var (
	staticCarriers = []string{"UA", "DL", "AA", "B6", "AS"}
	staticHotels   = []string{"Harbor View Inn", "Central Suites", "Parkside Hotel", "Old Town Lodge"}
)

// Search 实现 SearchService
func (s *StaticSearchService) Search(ctx context.Context, domain state.Domain, params map[string]string) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch domain {
	case state.DomainFlights:
		return s.flights(params)
	case state.DomainAccommodations:
		return s.hotels(params)
	case state.DomainDestinations:
		return s.destinations(params)
	case state.DomainBudget:
		return s.budget(params)
	default:
		return nil, types.NewValidationError(fmt.Sprintf("service %s does not serve domain %s", s.name, domain))
	}
}

func (s *StaticSearchService) flights(p map[string]string) ([]Record, error) {
	if p["origin"] == "" || p["destination"] == "" {
		return nil, types.NewValidationError("origin and destination are required")
	}
	seed := hash(p["origin"] + p["destination"] + p["date"] + string(s.name))
	maxPrice := parseFloat(p["max_price"])
	maxStops, hasStops := parseInt(p["stops"])
	cabin := p["cabin"]
	if cabin == "" {
		cabin = "economy"
	}

	out := make([]Record, 0, 3)
	for i := 0; i < 3; i++ {
		price := 120 + float64((seed>>(i*5))%400) + float64(i)*35
		if cabin == "business" {
			price *= 3
		}
		stops := i % 2
		if maxPrice > 0 && price > maxPrice {
			continue
		}
		if hasStops && stops > maxStops {
			continue
		}
		out = append(out, Record{
			"carrier":     staticCarriers[(int(seed)+i)%len(staticCarriers)],
			"flight":      fmt.Sprintf("%s%d", staticCarriers[(int(seed)+i)%len(staticCarriers)], 100+(seed+uint32(i)*17)%900),
			"origin":      p["origin"],
			"destination": p["destination"],
			"date":        p["date"],
			"cabin":       cabin,
			"stops":       stops,
			"price":       price,
			"currency":    "USD",
		})
	}
	return out, nil
}

func (s *StaticSearchService) hotels(p map[string]string) ([]Record, error) {
	if p["city"] == "" {
		return nil, types.NewValidationError("city is required")
	}
	seed := hash(strings.ToLower(p["city"]) + p["check_in"] + string(s.name))
	minRating := parseFloat(p["rating"])
	maxPrice := parseFloat(p["max_price"])

	out := make([]Record, 0, 3)
	for i := 0; i < 3; i++ {
		nightly := 90 + float64((seed>>(i*4))%250)
		rating := 3.0 + float64((seed>>(i*3))%20)/10
		if minRating > 0 && rating < minRating {
			continue
		}
		if maxPrice > 0 && nightly > maxPrice {
			continue
		}
		out = append(out, Record{
			"name":      fmt.Sprintf("%s %s", p["city"], staticHotels[(int(seed)+i)%len(staticHotels)]),
			"city":      p["city"],
			"check_in":  p["check_in"],
			"check_out": p["check_out"],
			"nightly":   nightly,
			"rating":    rating,
			"currency":  "USD",
		})
	}
	return out, nil
}

func (s *StaticSearchService) destinations(p map[string]string) ([]Record, error) {
	city := p["city"]
	if city == "" {
		return nil, types.NewValidationError("city is required")
	}
	seed := hash(strings.ToLower(city))
	seasons := []string{"spring", "summer", "autumn", "winter"}
	return []Record{{
		"city":        city,
		"best_season": seasons[seed%4],
		"highlights":  []any{city + " old town", city + " food market", city + " riverside walk"},
		"daily_cost":  float64(60 + seed%140),
		"currency":    "USD",
	}}, nil
}

func (s *StaticSearchService) budget(p map[string]string) ([]Record, error) {
	days, ok := parseInt(p["days"])
	if !ok || days <= 0 {
		days = 3
	}
	flights := parseFloat(p["flights_total"])
	lodging := parseFloat(p["lodging_nightly"]) * float64(days)
	daily := parseFloat(p["daily_cost"])
	if daily == 0 {
		daily = 80
	}
	activities := daily * float64(days)
	currency := p["currency"]
	if currency == "" {
		currency = "USD"
	}
	total := flights + lodging + activities
	rec := Record{
		"days":       days,
		"flights":    flights,
		"lodging":    lodging,
		"activities": activities,
		"total":      total,
		"currency":   currency,
	}
	if limit := parseFloat(p["budget"]); limit > 0 {
		rec["budget"] = limit
		rec["within_budget"] = total <= limit
	}
	return []Record{rec}, nil
}

func hash(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func parseInt(s string) (int, bool) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	return i, err == nil
}
