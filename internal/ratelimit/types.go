package ratelimit

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ActionDownload is the download-class action gated before issuing content URLs.
const ActionDownload = "download"

// Key identifies one fixed window.
type Key struct {
	TenantID    string `json:"tenant_id"`
	PrincipalID string `json:"principal_id"`
	Action      string `json:"action"`
}

// String encodes the key for external counters. Tenant and principal are
// length prefixed so ids containing ':' cannot collide.
func (k Key) String() string {
	return fmt.Sprintf("%d:%s:%d:%s:%s", len(k.TenantID), k.TenantID, len(k.PrincipalID), k.PrincipalID, k.Action)
}

// Rule is the limit for one action.
type Rule struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Validate checks the rule is usable.
func (r Rule) Validate() error {
	if r.Limit <= 0 {
		return fmt.Errorf("%w: limit must be > 0", ErrInvalidRule)
	}
	if r.Window <= 0 {
		return fmt.Errorf("%w: window must be > 0", ErrInvalidRule)
	}
	return nil
}

// DefaultRules applies when no rules are configured.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ActionDownload: {Limit: 60, Window: time.Minute},
	}
}

// Window is the counter state after an increment.
type Window struct {
	Key   Key       `json:"key"`
	Count int       `json:"count"`
	Start time.Time `json:"window_start"`
}

// Decision is the outcome of CheckAndConsume. A denied attempt is a normal
// decision, not an error.
type Decision struct {
	Allowed     bool          `json:"allowed"`
	Limit       int           `json:"limit"`
	Remaining   int           `json:"remaining"`
	Count       int           `json:"count"`
	WindowStart time.Time     `json:"window_start"`
	RetryAfter  time.Duration `json:"retry_after"`
}

// Expired reports whether a window that began at start has ended at now.
func Expired(start time.Time, window time.Duration, now time.Time) bool {
	return !now.Before(start.Add(window))
}

func normalizeAction(action string) string {
	return strings.ToLower(strings.TrimSpace(action))
}

var (
	ErrInvalidRule   = errors.New("ratelimit: invalid rule")
	ErrUnknownAction = errors.New("ratelimit: unknown action")
)
