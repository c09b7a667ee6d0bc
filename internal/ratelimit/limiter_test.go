package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"coursekeep.org/internal/tenant"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func TestWindowBoundary(t *testing.T) {
	start := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	c := &clock{now: start}
	l, err := New(NewMemoryCounter(), nil, WithClock(c.Now))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	scope := tenant.MustBind("school-a")

	for i := 1; i <= 60; i++ {
		d, err := l.CheckAndConsume(ctx, scope, "p1", ActionDownload)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if !d.Allowed || d.Remaining != 60-i {
			t.Fatalf("attempt %d: unexpected decision %+v", i, d)
		}
	}

	c.Set(start.Add(20 * time.Second))
	d, _ := l.CheckAndConsume(ctx, scope, "p1", ActionDownload)
	if d.Allowed || d.Count != 61 {
		t.Fatalf("61st attempt must be denied: %+v", d)
	}
	if d.RetryAfter != 40*time.Second {
		t.Fatalf("expected retry after 40s, got %v", d.RetryAfter)
	}
	d, _ = l.CheckAndConsume(ctx, scope, "p1", ActionDownload)
	if d.Allowed || d.Count != 62 {
		t.Fatalf("denied attempts must still count: %+v", d)
	}

	c.Set(start.Add(time.Minute))
	d, _ = l.CheckAndConsume(ctx, scope, "p1", ActionDownload)
	if !d.Allowed || d.Count != 1 || !d.WindowStart.Equal(start.Add(time.Minute)) {
		t.Fatalf("window must reset: %+v", d)
	}
}

func TestConcurrentConsumeAllowsExactlyLimit(t *testing.T) {
	l, _ := New(NewMemoryCounter(), map[string]Rule{ActionDownload: {Limit: 25, Window: time.Hour}})
	ctx := context.Background()
	scope := tenant.MustBind("school-a")

	var allowed atomic.Int64
	var wg sync.WaitGroup
	N := 200
	for i := 0; i < N; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.CheckAndConsume(ctx, scope, "p1", ActionDownload)
			if err != nil {
				t.Errorf("CheckAndConsume: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	if got := allowed.Load(); got != 25 {
		t.Fatalf("expected exactly 25 allowed, got %d", got)
	}
}

func TestWindowsAreIsolated(t *testing.T) {
	l, _ := New(NewMemoryCounter(), map[string]Rule{"download": {Limit: 1, Window: time.Hour}, "export": {Limit: 1, Window: time.Hour}})
	ctx := context.Background()
	a := tenant.MustBind("a")
	b := tenant.MustBind("b")

	for _, tc := range []struct {
		scope     tenant.Scope
		principal string
		action    string
	}{
		{a, "p1", "download"},
		{b, "p1", "download"},
		{a, "p2", "download"},
		{a, "p1", "export"},
	} {
		d, err := l.CheckAndConsume(ctx, tc.scope, tc.principal, tc.action)
		if err != nil || !d.Allowed {
			t.Fatalf("%s/%s/%s: expected first attempt allowed: %+v %v", tc.scope.ID(), tc.principal, tc.action, d, err)
		}
	}
	d, _ := l.CheckAndConsume(ctx, a, "p1", "DOWNLOAD")
	if d.Allowed {
		t.Fatalf("second attempt in the same window must be denied")
	}
}

func TestCheckAndConsumeErrors(t *testing.T) {
	l, _ := New(NewMemoryCounter(), nil)
	ctx := context.Background()
	if _, err := l.CheckAndConsume(ctx, tenant.MustBind("a"), "p1", "print"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
	if _, err := l.CheckAndConsume(ctx, tenant.Scope{}, "p1", ActionDownload); !errors.Is(err, tenant.ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired, got %v", err)
	}
	if _, err := New(NewMemoryCounter(), map[string]Rule{"x": {Limit: 0, Window: time.Second}}); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}
}

func TestLastSlotRace(t *testing.T) {
	l, _ := New(NewMemoryCounter(), nil)
	ctx := context.Background()
	scope := tenant.MustBind("school-a")

	for i := 0; i < 59; i++ {
		if d, _ := l.CheckAndConsume(ctx, scope, "p1", ActionDownload); !d.Allowed {
			t.Fatalf("attempt %d denied early", i+1)
		}
	}

	results := make(chan bool, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			d, err := l.CheckAndConsume(ctx, scope, "p1", ActionDownload)
			results <- err == nil && d.Allowed
		}()
	}
	close(start)
	allowed := 0
	for i := 0; i < 2; i++ {
		if <-results {
			allowed++
		}
	}
	if allowed != 1 {
		t.Fatalf("expected exactly one of the 60th/61st requests allowed, got %d", allowed)
	}
}

func TestKeyStringIsUnambiguous(t *testing.T) {
	tests := []struct {
		name string
		a, b Key
	}{
		{"separator in tenant", Key{TenantID: "a:b", PrincipalID: "c", Action: ActionDownload}, Key{TenantID: "a", PrincipalID: "b:c", Action: ActionDownload}},
		{"separator in principal", Key{TenantID: "acme", PrincipalID: "stu:download", Action: "export"}, Key{TenantID: "acme", PrincipalID: "stu", Action: "download:export"}},
		{"digits in ids", Key{TenantID: "1:a", PrincipalID: "b", Action: ActionDownload}, Key{TenantID: "1", PrincipalID: "a:1:b", Action: ActionDownload}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if tc.a.String() == tc.b.String() {
				t.Fatalf("keys %+v and %+v both encode to %q", tc.a, tc.b, tc.a.String())
			}
		})
	}
	if got := (Key{TenantID: "acme", PrincipalID: "stu-1", Action: ActionDownload}).String(); got != "4:acme:5:stu-1:download" {
		t.Fatalf("unexpected encoding %q", got)
	}
}
