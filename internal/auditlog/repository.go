package auditlog

import "context"

type Repository interface {
	// Append stores a new entry. There is no update or delete: the log is
	// append-only.
	Append(ctx context.Context, e *Entry) error
	// List returns entries, optionally filtered by task, in insertion order.
	List(ctx context.Context, taskID string) ([]*Entry, error)
}
