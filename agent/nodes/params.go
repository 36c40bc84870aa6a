package nodes

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("param"), ",", 2)[0]
		if name == "" || name == "-" {
			return fld.Name
		}
		return name
	})
	return v
}

// FlightSearchParams 航班搜索参数
type FlightSearchParams struct {
	Origin      string `param:"origin" validate:"required,len=3,alpha,uppercase"`
	Destination string `param:"destination" validate:"required,len=3,alpha,uppercase,nefield=Origin"`
	Date        string `param:"date" validate:"required,datetime=2006-01-02"`
	ReturnDate  string `param:"return_date" validate:"omitempty,datetime=2006-01-02"`
	Cabin       string `param:"cabin" validate:"omitempty,oneof=economy premium_economy business first"`
	Stops       string `param:"stops" validate:"omitempty,number"`
	MaxPrice    string `param:"max_price" validate:"omitempty,numeric"`
}

// AccommodationSearchParams 住宿搜索参数
type AccommodationSearchParams struct {
	City     string `param:"city" validate:"required,min=2"`
	CheckIn  string `param:"check_in" validate:"required,datetime=2006-01-02"`
	CheckOut string `param:"check_out" validate:"omitempty,datetime=2006-01-02"`
	Guests   string `param:"guests" validate:"omitempty,number"`
	Rating   string `param:"rating" validate:"omitempty,numeric"`
	MaxPrice string `param:"max_price" validate:"omitempty,numeric"`
}

// DestinationParams 目的地调研参数
type DestinationParams struct {
	City string `param:"city" validate:"required,min=2"`
}

// BudgetParams 预算估算参数
type BudgetParams struct {
	Budget   string `param:"budget" validate:"omitempty,numeric"`
	Currency string `param:"currency" validate:"omitempty,oneof=USD EUR GBP"`
	Days     string `param:"days" validate:"omitempty,number"`
}

// FieldIssue 单个参数问题
type FieldIssue struct {
	Param   string
	Missing bool
	Detail  string
}

// ParamError 参数校验失败，节点据此向用户追问
type ParamError struct {
	Issues []FieldIssue
}

func (e *ParamError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		parts = append(parts, is.Param+": "+is.Detail)
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

// Missing 返回缺失的参数名
func (e *ParamError) Missing() []string {
	var out []string
	for _, is := range e.Issues {
		if is.Missing {
			out = append(out, is.Param)
		}
	}
	return out
}

// Bind 将参数表按 param 标签填充到结构体并校验
func Bind(params map[string]string, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("bind target must be a struct pointer, got %T", dst)
	}
	rv = rv.Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		name := strings.SplitN(rt.Field(i).Tag.Get("param"), ",", 2)[0]
		if name == "" || name == "-" {
			continue
		}
		if v, ok := params[name]; ok {
			rv.Field(i).SetString(strings.TrimSpace(v))
		}
	}

	err := validate.Struct(dst)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	pe := &ParamError{}
	for _, fe := range verrs {
		pe.Issues = append(pe.Issues, FieldIssue{
			Param:   fe.Field(),
			Missing: fe.Tag() == "required",
			Detail:  describeFieldError(fe),
		})
	}
	sort.SliceStable(pe.Issues, func(i, j int) bool { return pe.Issues[i].Missing && !pe.Issues[j].Missing })
	return pe
}

var paramLabels = map[string]string{
	"origin":      "departure airport (IATA code, e.g. SFO)",
	"destination": "arrival airport (IATA code, e.g. JFK)",
	"date":        "departure date (YYYY-MM-DD)",
	"return_date": "return date (YYYY-MM-DD)",
	"city":        "city",
	"check_in":    "check-in date (YYYY-MM-DD)",
	"check_out":   "check-out date (YYYY-MM-DD)",
	"guests":      "number of guests",
	"cabin":       "cabin class",
	"currency":    "currency",
}

// Label 返回参数的用户可读名称
func Label(param string) string {
	if l, ok := paramLabels[param]; ok {
		return l
	}
	return strings.ReplaceAll(param, "_", " ")
}

func describeFieldError(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "datetime":
		return "must be a date like 2025-06-15"
	case "len", "alpha", "uppercase":
		return "must be a three-letter airport code"
	case "nefield":
		return "must differ from " + strings.ToLower(e.Param())
	case "oneof":
		return "must be one of: " + e.Param()
	case "number", "numeric":
		return "must be a number"
	case "min":
		return "is too short"
	default:
		return "is invalid"
	}
}
