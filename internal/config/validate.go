package config

import (
	"fmt"
	"net/url"
	"strconv"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate returns every problem found, or nil.
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError

	if port, err := strconv.Atoi(cfg.Server.Port); err != nil || port <= 0 || port > 65535 {
		errs = append(errs, ValidationError{Field: "server.port", Message: fmt.Sprintf("invalid port %q", cfg.Server.Port)})
	}

	if cfg.Advisor.URL != "" {
		if u, err := url.Parse(cfg.Advisor.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{Field: "advisor.url", Message: fmt.Sprintf("invalid URL %q", cfg.Advisor.URL)})
		}
	}
	if cfg.Advisor.Timeout <= 0 {
		errs = append(errs, ValidationError{Field: "advisor.timeout", Message: "must be positive"})
	}

	if cfg.Analytics.RunLimit < 0 {
		errs = append(errs, ValidationError{Field: "analytics.run_limit", Message: "must not be negative"})
	}
	if cfg.Analytics.CostPerMinute < 0 {
		errs = append(errs, ValidationError{Field: "analytics.cost_per_minute", Message: "must not be negative"})
	}
	if cfg.Analytics.QualityFetchLimit <= 0 {
		errs = append(errs, ValidationError{Field: "analytics.quality_fetch_limit", Message: "must be positive"})
	}

	tol := cfg.Lifecycle.Tolerance
	for _, f := range []struct {
		field string
		value float64
	}{
		{"lifecycle.tolerance.duration_pct", tol.DurationPct},
		{"lifecycle.tolerance.success_rate_pts", tol.SuccessRatePts},
		{"lifecycle.tolerance.time_saved_pct", tol.TimeSavedPct},
	} {
		if f.value < 0 {
			errs = append(errs, ValidationError{Field: f.field, Message: "must not be negative"})
		}
	}

	if cfg.Reconciler.Interval < 0 {
		errs = append(errs, ValidationError{Field: "reconciler.interval", Message: "must not be negative"})
	}
	seen := make(map[string]bool)
	for i, id := range cfg.Reconciler.Pipelines {
		field := fmt.Sprintf("reconciler.pipelines[%d]", i)
		if id == "" {
			errs = append(errs, ValidationError{Field: field, Message: "is empty"})
			continue
		}
		if seen[id] {
			errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf("duplicate pipeline %q", id)})
		}
		seen[id] = true
	}

	if n := cfg.Notify; n.APIKey != "" && n.FromAddress == "" {
		errs = append(errs, ValidationError{Field: "notify.from_address", Message: "is required when an API key is set"})
	}

	switch cfg.Logging.Format {
	case "", "json", "console":
	default:
		errs = append(errs, ValidationError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", cfg.Logging.Format)})
	}

	return errs
}
