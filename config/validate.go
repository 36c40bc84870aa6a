package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate 验证配置：先执行 validate 标签，再执行跨字段校验
func (c *Config) Validate() error {
	var errs []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				errs = append(errs, formatFieldError(e))
			}
		} else {
			errs = append(errs, err.Error())
		}
	}

	for name, svc := range c.Services.All() {
		if svc.Backend != "http" {
			continue
		}
		if svc.URL == "" {
			errs = append(errs, fmt.Sprintf("services.%s.url is required for http backend", name))
		} else if u, err := url.Parse(svc.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("services.%s.url is not a valid URL", name))
		}
	}

	if c.Checkpoint.Type == "file" && c.Checkpoint.BaseDir == "" {
		errs = append(errs, "checkpoint.base_dir is required for file checkpoints")
	}
	if c.Checkpoint.Type == "mongo" && c.Checkpoint.Mongo.URI == "" {
		errs = append(errs, "checkpoint.mongo.uri is required for mongo checkpoints")
	}
	if c.Orchestrator.TurnTimeout <= 0 {
		errs = append(errs, "orchestrator.turn_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// All 按逻辑服务名返回搜索服务配置
func (s ServicesConfig) All() map[string]ServiceConfig {
	return map[string]ServiceConfig{
		"flight_search":               s.FlightSearch,
		"flight_search_backup":        s.FlightSearchBackup,
		"accommodation_search":        s.AccommodationSearch,
		"accommodation_search_backup": s.AccommodationSearchBackup,
		"destination_search":          s.DestinationSearch,
		"budget_estimator":            s.BudgetEstimator,
	}
}

func formatFieldError(e validator.FieldError) string {
	field := e.Namespace()
	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}
