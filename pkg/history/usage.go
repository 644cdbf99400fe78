package history

import (
	"context"
	"fmt"

	"github.com/x402-foundation/agentpay/pkg/ratelimit"
)

// UsageStore is a ratelimit.UsageStore sharing the history database, so
// free-tier quotas survive restarts
type UsageStore struct {
	store *Store
}

// UsageStore returns the daily usage tracker kept in the same database
func (s *Store) UsageStore() *UsageStore {
	return &UsageStore{store: s}
}

func (u *UsageStore) day() string {
	return ratelimit.Day(u.store.now())
}

// CanUse implements ratelimit.UsageStore
func (u *UsageStore) CanUse(ctx context.Context, user, tool string, dailyLimit int) (bool, error) {
	used, err := u.Usage(ctx, user, tool)
	if err != nil {
		return false, err
	}
	return used < dailyLimit, nil
}

// Track implements ratelimit.UsageStore
func (u *UsageStore) Track(ctx context.Context, user, tool string) error {
	_, err := u.store.db.ExecContext(ctx, `
	INSERT INTO tool_usage (user_id, tool, day, count) VALUES (?, ?, ?, 1)
	ON CONFLICT(user_id, tool, day) DO UPDATE SET count = count + 1
	`, user, tool, u.day())
	if err != nil {
		return fmt.Errorf("failed to track usage: %w", err)
	}
	return nil
}

// Usage implements ratelimit.UsageStore
func (u *UsageStore) Usage(ctx context.Context, user, tool string) (int, error) {
	var count int
	err := u.store.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM tool_usage WHERE user_id = ? AND tool = ? AND day = ?`,
		user, tool, u.day()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to read usage: %w", err)
	}
	return count, nil
}

// Reset implements ratelimit.UsageStore
func (u *UsageStore) Reset(ctx context.Context, user, tool string) error {
	if _, err := u.store.db.ExecContext(ctx,
		`DELETE FROM tool_usage WHERE user_id = ? AND tool = ?`, user, tool); err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	return nil
}

var _ ratelimit.UsageStore = (*UsageStore)(nil)
