package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tonimelisma/cartsync/internal/remotepath"
)

// Validation range constants.
const (
	minMaxRetries      = 1
	maxMaxRetries      = 20
	minBaseBackoff     = 10 * time.Millisecond
	minRequestTimeout  = 1 * time.Second
	minLockTTL         = 1 * time.Minute
	minShutdownTimeout = 1 * time.Second
	minLogRetention    = 1
)

// Validate checks all configuration values and returns all errors found.
// Every error is accumulated so a broken file is reported in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateHub(&cfg.Hub)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	// An empty group is allowed here; commands that need one check it.
	if r.Group != "" {
		if _, err := remotepath.NewGroupID(r.Group); err != nil {
			errs = append(errs, fmt.Errorf("group: %w", err))
		}
	}

	if r.HubURL != "" {
		errs = append(errs, validateHubURL(r.HubURL)...)
	}

	errs = append(errs, validateDurationMin("request_timeout", r.RequestTimeout, minRequestTimeout)...)

	return errs
}

var validHubSchemes = map[string]bool{
	"ws":    true,
	"wss":   true,
	"http":  true,
	"https": true,
}

func validateHubURL(raw string) []error {
	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("hub_url: %w", err)}
	}

	if !validHubSchemes[u.Scheme] || u.Host == "" {
		return []error{fmt.Errorf("hub_url: must be a ws, wss, http or https URL with a host; got %q", raw)}
	}

	return nil
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.MaxRetries < minMaxRetries || s.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("max_retries: must be %d-%d, got %d",
			minMaxRetries, maxMaxRetries, s.MaxRetries))
	}

	errs = append(errs, validateDurationMin("base_backoff", s.BaseBackoff, minBaseBackoff)...)
	errs = append(errs, validateDurationMin("max_backoff", s.MaxBackoff, minBaseBackoff)...)
	errs = append(errs, validateDurationMin("lock_ttl", s.LockTTL, minLockTTL)...)
	errs = append(errs, validateDurationMin("shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)

	base, baseErr := time.ParseDuration(s.BaseBackoff)
	ceiling, ceilErr := time.ParseDuration(s.MaxBackoff)

	if baseErr == nil && ceilErr == nil && ceiling < base {
		errs = append(errs, fmt.Errorf("max_backoff: must be >= base_backoff (%s), got %s", s.BaseBackoff, s.MaxBackoff))
	}

	if _, err := cron.ParseStandard(s.DrainSchedule); err != nil {
		errs = append(errs, fmt.Errorf("drain_schedule: %w", err))
	}

	return errs
}

func validateHub(h *HubConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(h.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: %w", err))
	}

	for i, tok := range h.Tokens {
		if tok == "" {
			errs = append(errs, fmt.Errorf("tokens[%d]: must not be empty", i))
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, value)}
	}

	return nil
}
