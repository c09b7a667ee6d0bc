package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/tenant"
)

// Limiter enforces fixed-window limits per tenant, principal and action.
type Limiter struct {
	counter Counter
	rules   map[string]Rule
	now     func() time.Time
}

// Option configures the Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.now = fn
		}
	}
}

// New constructs a limiter. Nil or empty rules fall back to DefaultRules.
func New(counter Counter, rules map[string]Rule, opts ...Option) (*Limiter, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	normalized := make(map[string]Rule, len(rules))
	for action, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %q: %w", action, err)
		}
		normalized[normalizeAction(action)] = rule
	}
	l := &Limiter{counter: counter, rules: normalized, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Rule returns the configured rule for an action.
func (l *Limiter) Rule(action string) (Rule, bool) {
	r, ok := l.rules[normalizeAction(action)]
	return r, ok
}

// CheckAndConsume counts the attempt and reports whether it is within the
// limit. Denied attempts are counted too.
func (l *Limiter) CheckAndConsume(ctx context.Context, scope tenant.Scope, principalID, action string) (Decision, error) {
	if err := scope.Require(); err != nil {
		return Decision{}, err
	}
	action = normalizeAction(action)
	rule, ok := l.rules[action]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return Decision{}, fmt.Errorf("ratelimit: principal id is required")
	}

	now := l.now().UTC()
	key := Key{TenantID: scope.ID(), PrincipalID: principalID, Action: action}
	w, err := l.counter.Increment(ctx, key, rule, now)
	if err != nil {
		return Decision{}, fmt.Errorf("increment window: %w", err)
	}

	d := Decision{
		Allowed:     w.Count <= rule.Limit,
		Limit:       rule.Limit,
		Count:       w.Count,
		WindowStart: w.Start,
	}
	if d.Allowed {
		d.Remaining = rule.Limit - w.Count
	} else {
		d.RetryAfter = w.Start.Add(rule.Window).Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}
	obs.RateLimitDecisions.WithLabelValues(action, strconv.FormatBool(d.Allowed)).Inc()
	return d, nil
}
