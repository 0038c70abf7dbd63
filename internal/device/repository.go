package device

import "context"

type Repository interface {
	Create(ctx context.Context, d *Device) error
	Get(ctx context.Context, id string) (*Device, error)
	// List returns devices, optionally filtered by owner.
	List(ctx context.Context, ownerID string) ([]*Device, error)
	Update(ctx context.Context, d *Device) error
	Delete(ctx context.Context, id string) error
	// Mutate applies fn to the stored device under a per-device lock and
	// persists the result. It is the only safe way to do read-modify-write
	// against a device record; the binding reservation's "free iff not
	// already bound" check relies on it.
	Mutate(ctx context.Context, id string, fn func(d *Device) error) (*Device, error)
}
