package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"coursekeep.org/internal/obs"
	"coursekeep.org/internal/stream"
)

// FeedSink publishes entries to an in-process stream keyed by tenant id.
type FeedSink struct {
	feed *stream.Stream[Entry]
}

// NewFeedSink wraps the stream.
func NewFeedSink(feed *stream.Stream[Entry]) *FeedSink {
	return &FeedSink{feed: feed}
}

func (s *FeedSink) Publish(_ context.Context, e Entry) error {
	s.feed.Publish(e.TenantID, e)
	return nil
}

const natsStreamName = "COURSEKEEP_AUDIT"

// NATSSink mirrors entries to JetStream subjects audit.<tenant>.<action>.
type NATSSink struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// ConnectNATS establishes a connection and ensures the audit stream exists.
func ConnectNATS(ctx context.Context, url string) (*NATSSink, error) {
	nc, err := nats.Connect(url, nats.Name("coursekeep-audit"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     natsStreamName,
		Subjects: []string{"audit.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}
	obs.LogInfo("audit", "nats connected", map[string]any{"url": url, "stream": natsStreamName})
	return &NATSSink{nc: nc, js: js}, nil
}

// Subject returns the subject an entry is published on.
func Subject(e Entry) string {
	return "audit." + subjectToken(e.TenantID) + "." + subjectToken(strings.ToLower(string(e.Action)))
}

func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

func (s *NATSSink) Publish(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	subject := Subject(e)
	if _, err := s.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (s *NATSSink) Close() error {
	s.nc.Close()
	return nil
}
