package userstats

import "context"

type Repository interface {
	// Get returns the stats for a user, or a zero-valued Stats when none
	// have been recorded yet.
	Get(ctx context.Context, userID string) (*Stats, error)
	// Mutate applies fn to the stored stats under a per-user lock and
	// persists the result.
	Mutate(ctx context.Context, userID string, fn func(s *Stats) error) (*Stats, error)
}
