package task

import "context"

type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// List returns tasks, optionally filtered by owner and status.
	List(ctx context.Context, ownerID string, status Status) ([]*Task, error)
	Update(ctx context.Context, t *Task) error
	Delete(ctx context.Context, id string) error
	// Mutate applies fn to the stored task under a per-task lock and
	// persists the result. Lifecycle transitions go through here so that a
	// concurrent device report and API call cannot interleave a
	// read-modify-write.
	Mutate(ctx context.Context, id string, fn func(t *Task) error) (*Task, error)
}
