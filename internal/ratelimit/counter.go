package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Counter atomically resets or increments the window for key.
type Counter interface {
	Increment(ctx context.Context, key Key, rule Rule, now time.Time) (Window, error)
}

const stripes = 64

type stripe struct {
	mu      sync.Mutex
	windows map[Key]Window
}

// MemoryCounter keeps windows in process, sharded by key hash.
type MemoryCounter struct {
	stripes [stripes]stripe
}

// NewMemoryCounter constructs an empty counter.
func NewMemoryCounter() *MemoryCounter {
	c := &MemoryCounter{}
	for i := range c.stripes {
		c.stripes[i].windows = make(map[Key]Window)
	}
	return c
}

func (c *MemoryCounter) stripeFor(key Key) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return &c.stripes[h.Sum32()%stripes]
}

func (c *MemoryCounter) Increment(_ context.Context, key Key, rule Rule, now time.Time) (Window, error) {
	s := c.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[key]
	if !ok || Expired(w.Start, rule.Window, now) {
		w = Window{Key: key, Count: 0, Start: now}
	}
	w.Count++
	s.windows[key] = w
	return w, nil
}
