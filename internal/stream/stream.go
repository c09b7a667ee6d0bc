package stream

import (
	"context"
	"sync"
)

type subscriber[T any] struct {
	topic string
	ch    chan T
}

// Stream fans events out to subscribers of a topic (SSE clients).
type Stream[T any] struct {
	mu     sync.RWMutex
	subs   map[int]subscriber[T]
	next   int
	buffer int
}

// New initialises an empty stream with the per-subscriber buffer size.
func New[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = 16
	}
	return &Stream[T]{subs: make(map[int]subscriber[T]), buffer: buffer}
}

// Subscribe registers a subscriber for the topic and returns a channel which
// will receive its events. The channel is closed when the context ends.
func (s *Stream[T]) Subscribe(ctx context.Context, topic string) <-chan T {
	ch := make(chan T, s.buffer)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = subscriber[T]{topic: topic, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the event out to all subscribers of the topic.
func (s *Stream[T]) Publish(topic string, evt T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.subs {
		if sub.topic != topic {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the number of live subscribers across topics.
func (s *Stream[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
