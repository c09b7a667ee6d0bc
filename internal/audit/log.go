package audit

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	"coursekeep.org/internal/auth"
	"coursekeep.org/internal/obs"
)

type requestIDKey struct{}

// ErrEventRequired is returned by LogEvent for a blank event name.
var ErrEventRequired = errors.New("audit: event name is required")

// WithRequestID tags ctx with the request id stamped on entries recorded under it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID = strings.TrimSpace(requestID); requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext returns the id set by WithRequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// LogEvent writes one JSON line for an event that does not go through a Store:
// process events such as dev token issuance, and entries the store rejected.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return ErrEventRequired
	}
	actor := SystemActor
	if id, ok := auth.PrincipalIDFromContext(ctx); ok {
		actor = id
	}
	line := map[string]any{
		"ts":     time.Now().UTC().Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  event,
		"actor":  actor,
		"fields": map[string]any{},
	}
	if len(fields) > 0 {
		line["fields"] = maps.Clone(fields)
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		line["request_id"] = rid
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
