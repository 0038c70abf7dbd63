package auditlog

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
)

// Recorder writes audit entries without ever failing the caller: a broken
// audit trail must not abort the transition that produced it, so storage
// errors are logged and swallowed.
type Recorder struct {
	repo      Repository
	sessionID string
	now       func() time.Time
}

func NewRecorder(repo Repository) *Recorder {
	return &Recorder{
		repo:      repo,
		sessionID: ulid.Make().String(),
		now:       time.Now,
	}
}

// SessionID identifies this process run; every entry carries it.
func (r *Recorder) SessionID() string {
	return r.sessionID
}

func (r *Recorder) Record(ctx context.Context, e *Entry) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	e.SessionID = r.sessionID
	if err := r.repo.Append(ctx, e); err != nil {
		slog.ErrorContext(ctx, "failed to record audit entry",
			"task_id", e.TaskID, "action", e.Action, "error", err)
	}
}
