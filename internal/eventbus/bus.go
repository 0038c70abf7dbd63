package eventbus

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type Type string

const (
	TypeTaskCreated   Type = "task.created"
	TypeTaskCompleted Type = "task.completed"
	TypeDeviceOnline  Type = "device.online"
	TypeWorkRequested Type = "device.work_requested"
)

// Event is an in-process notification. ResourceID is the task or device the
// event is about; OwnerID and DeviceID carry routing context so consumers
// don't have to re-read the record.
type Event struct {
	ID         string
	Type       Type
	ResourceID string
	OwnerID    string
	DeviceID   string
	Metadata   map[string]string
	CreatedAt  time.Time
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Event
}

func New() *Bus {
	return &Bus{
		subscribers: make(map[string]chan *Event),
	}
}

func (b *Bus) Subscribe(bufSize int) (string, <-chan *Event) {
	id := ulid.Make().String()
	ch := make(chan *Event, bufSize)
	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()
	return id, ch
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
	b.mu.Unlock()
}

func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// buffer full, drop event for this subscriber
		}
	}
}

func (b *Bus) PublishNew(eventType Type, resourceID, ownerID, deviceID string, metadata map[string]string) {
	b.Publish(&Event{
		ID:         ulid.Make().String(),
		Type:       eventType,
		ResourceID: resourceID,
		OwnerID:    ownerID,
		DeviceID:   deviceID,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	})
}
