package pg

import (
	"context"
	"database/sql"
	"time"

	"coursekeep.org/internal/ratelimit"
)

var _ ratelimit.Counter = (*RateWindows)(nil)

// RateWindows keeps fixed rate limit windows in Postgres.
type RateWindows struct {
	db *sql.DB
}

// RateWindows returns the rate limit counter backed by this store.
func (s *Store) RateWindows() *RateWindows { return &RateWindows{db: s.db} }

// Increment resets an elapsed window or bumps the current one in a single
// statement, so concurrent callers observe distinct counts.
func (s *RateWindows) Increment(ctx context.Context, key ratelimit.Key, rule ratelimit.Rule, now time.Time) (ratelimit.Window, error) {
	w := ratelimit.Window{Key: key}
	err := s.db.QueryRowContext(ctx, `
		insert into rate_limit_windows (tenant_id, principal_id, action, window_start, count)
		values ($1, $2, $3, $4, 1)
		on conflict (tenant_id, principal_id, action) do update set
			window_start = case
				when rate_limit_windows.window_start + ($5::bigint * interval '1 millisecond') <= excluded.window_start
				then excluded.window_start else rate_limit_windows.window_start end,
			count = case
				when rate_limit_windows.window_start + ($5::bigint * interval '1 millisecond') <= excluded.window_start
				then 1 else rate_limit_windows.count + 1 end
		returning count, window_start
	`, key.TenantID, key.PrincipalID, key.Action, now.UTC(), rule.Window.Milliseconds()).Scan(&w.Count, &w.Start)
	if err != nil {
		return ratelimit.Window{}, err
	}
	w.Start = w.Start.UTC()
	return w, nil
}
