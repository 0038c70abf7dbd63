package pushnotification

import (
	"context"
	"log/slog"

	"github.com/ktsuji/lamphub/internal/eventbus"
)

// Notifier turns task completion events into web push notifications for the
// task's owner.
type Notifier struct {
	sender *Sender
	bus    *eventbus.Bus
}

func NewNotifier(sender *Sender, bus *eventbus.Bus) *Notifier {
	return &Notifier{sender: sender, bus: bus}
}

// Run consumes bus events until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	subID, ch := n.bus.Subscribe(64)
	defer n.bus.Unsubscribe(subID)

	slog.Info("push notifier started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("push notifier stopped")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if event.Type != eventbus.TypeTaskCompleted {
				continue
			}
			title := event.Metadata["title"]
			if title == "" {
				title = event.ResourceID
			}
			n.sender.SendToUser(ctx, event.OwnerID, &NotificationPayload{
				Title: "Task completed",
				Body:  title,
				Tag:   "task-completed-" + event.ResourceID,
			})
		}
	}
}
