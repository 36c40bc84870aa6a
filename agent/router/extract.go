package router

import (
	"regexp"
	"strings"
)

// 参数键
const (
	ParamOrigin      = "origin"
	ParamDestination = "destination"
	ParamDate        = "date"
	ParamReturnDate  = "return_date"
	ParamCity        = "city"
	ParamCheckIn     = "check_in"
	ParamCheckOut    = "check_out"
	ParamGuests      = "guests"
	ParamDays        = "days"
	ParamBudget      = "budget"
	ParamCurrency    = "currency"
	ParamMaxPrice    = "max_price"
	ParamCabin       = "cabin"
	ParamStops       = "stops"
	ParamRating      = "rating"
)

var (
	reFromTo     = regexp.MustCompile(`(?i:from)\s+([A-Z]{3})\s+(?i:to)\s+([A-Z]{3})\b`)
	reIATAPair   = regexp.MustCompile(`\b([A-Z]{3})\s*(?:-|–|→|(?i:to))\s*([A-Z]{3})\b`)
	reISODate    = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	reCity       = regexp.MustCompile(`(?i:\b(?:in|to|at|visit|visiting|near))\s+([A-Z][a-zA-Z]+(?:\s+[A-Z][a-zA-Z]+){0,2})`)
	reMoney      = regexp.MustCompile(`(?i)(?:\$\s?(\d[\d,]*(?:\.\d+)?))|(?:\b(\d[\d,]*(?:\.\d+)?)\s*(usd|eur|gbp|dollars|euros|pounds)\b)`)
	reMaxPrice   = regexp.MustCompile(`(?i)\b(?:under|below|less than|max(?:imum)?|up to)\s*\$?\s?(\d[\d,]*)`)
	reGuests     = regexp.MustCompile(`(?i)\b(\d+)\s+(?:guests|people|adults|travell?ers|persons)\b`)
	reDays       = regexp.MustCompile(`(?i)\b(\d+)[\s-]*(?:days?|nights?)\b`)
	reRating     = regexp.MustCompile(`(?i)\b(\d(?:\.\d)?)\s*\+?\s*stars?\b`)
	reCabin      = regexp.MustCompile(`(?i)\b(premium economy|economy|business|first class)\b`)
	reNonstop    = regexp.MustCompile(`(?i)\b(non-?stop|direct)\b`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

var notCities = map[string]bool{
	"January": true, "February": true, "March": true, "April": true, "May": true, "June": true,
	"July": true, "August": true, "September": true, "October": true, "November": true, "December": true,
	"Monday": true, "Tuesday": true, "Wednesday": true, "Thursday": true, "Friday": true, "Saturday": true, "Sunday": true,
	"I": true,
}

// ExtractParams 从用户消息中提取结构化参数（纯函数）
func ExtractParams(text string) map[string]string {
	p := make(map[string]string)

	if m := reFromTo.FindStringSubmatch(text); m != nil {
		p[ParamOrigin], p[ParamDestination] = m[1], m[2]
	} else if m := reIATAPair.FindStringSubmatch(text); m != nil {
		p[ParamOrigin], p[ParamDestination] = m[1], m[2]
	}

	if dates := reISODate.FindAllString(text, 2); len(dates) > 0 {
		p[ParamDate] = dates[0]
		p[ParamCheckIn] = dates[0]
		if len(dates) > 1 {
			p[ParamReturnDate] = dates[1]
			p[ParamCheckOut] = dates[1]
		}
	}

	for _, m := range reCity.FindAllStringSubmatch(text, -1) {
		city := strings.TrimSpace(m[1])
		first := strings.Fields(city)[0]
		if notCities[first] || isIATA(city) {
			continue
		}
		p[ParamCity] = city
		break
	}
	if _, ok := p[ParamCity]; !ok && p[ParamDestination] != "" {
		p[ParamCity] = p[ParamDestination]
	}

	if m := reMaxPrice.FindStringSubmatch(text); m != nil {
		p[ParamMaxPrice] = stripCommas(m[1])
	}
	if m := reMoney.FindStringSubmatch(text); m != nil {
		amount, currency := m[1], "USD"
		if amount == "" {
			amount = m[2]
			currency = normalizeCurrency(m[3])
		}
		if _, capped := p[ParamMaxPrice]; !capped {
			p[ParamBudget] = stripCommas(amount)
		}
		p[ParamCurrency] = currency
	}

	if m := reGuests.FindStringSubmatch(text); m != nil {
		p[ParamGuests] = m[1]
	}
	if m := reDays.FindStringSubmatch(text); m != nil {
		p[ParamDays] = m[1]
	}
	if m := reRating.FindStringSubmatch(text); m != nil {
		p[ParamRating] = m[1]
	}
	if m := reCabin.FindStringSubmatch(text); m != nil {
		p[ParamCabin] = normalizeCabin(m[1])
	}
	if reNonstop.MatchString(text) {
		p[ParamStops] = "0"
	}
	return p
}

func isIATA(s string) bool {
	if len(s) != 3 {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func stripCommas(s string) string {
	return strings.ReplaceAll(s, ",", "")
}

func normalizeCabin(s string) string {
	switch strings.ToLower(reWhitespace.ReplaceAllString(s, " ")) {
	case "first class":
		return "first"
	case "premium economy":
		return "premium_economy"
	default:
		return strings.ToLower(s)
	}
}

func normalizeCurrency(s string) string {
	switch strings.ToLower(s) {
	case "eur", "euros":
		return "EUR"
	case "gbp", "pounds":
		return "GBP"
	default:
		return "USD"
	}
}
