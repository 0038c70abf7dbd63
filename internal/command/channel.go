// Package command pushes administrative commands at devices. The channel is
// fire-and-forget: success means the payload reached the transport, not that
// the device executed it. There is no acknowledgement protocol.
package command

import (
	"context"
	"fmt"
	"time"

	"github.com/ktsuji/lamphub/internal/auditlog"
	"github.com/ktsuji/lamphub/internal/liveness"
	"github.com/ktsuji/lamphub/pkg/cerr"
)

type Command string

const (
	ResetTask       Command = "reset_task"
	GetStatus       Command = "get_status"
	Restart         Command = "restart"
	UpdateFirmware  Command = "update_firmware"
	TestConnection  Command = "test_connection"
	MaintenanceMode Command = "maintenance_mode"
	FactoryReset    Command = "factory_reset"
)

var known = map[Command]bool{
	ResetTask:       true,
	GetStatus:       true,
	Restart:         true,
	UpdateFirmware:  true,
	TestConnection:  true,
	MaintenanceMode: true,
	FactoryReset:    true,
}

// destructive commands require the device to be reachable right now;
// firing them at a dead lamp would silently do nothing or, worse, hit it
// the moment it reconnects.
var destructive = map[Command]bool{
	FactoryReset:   true,
	UpdateFirmware: true,
}

// Payload is the wire body pushed to smartlamp/{deviceId}/commands.
type Payload struct {
	Command   string         `json:"command"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Publisher hands a command payload to the transport.
type Publisher interface {
	PublishCommand(ctx context.Context, deviceID string, payload Payload) error
}

type Channel struct {
	pub     Publisher
	tracker *liveness.Tracker
	audit   *auditlog.Recorder

	publishTimeout time.Duration
	now            func() time.Time
}

func NewChannel(pub Publisher, tracker *liveness.Tracker, audit *auditlog.Recorder) *Channel {
	return &Channel{
		pub:            pub,
		tracker:        tracker,
		audit:          audit,
		publishTimeout: 5 * time.Second,
		now:            time.Now,
	}
}

// SetPublishTimeout overrides how long a single publish may take.
func (c *Channel) SetPublishTimeout(timeout time.Duration) {
	if timeout > 0 {
		c.publishTimeout = timeout
	}
}

func (c *Channel) Send(ctx context.Context, deviceID string, cmd Command, data map[string]any) error {
	if !known[cmd] {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown command %q", cmd), nil)
	}
	if destructive[cmd] && !c.tracker.IsOnline(deviceID) {
		return cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("device %s is offline, refusing %s", deviceID, cmd), nil)
	}

	pubCtx, cancel := context.WithTimeout(ctx, c.publishTimeout)
	defer cancel()
	if err := c.pub.PublishCommand(pubCtx, deviceID, Payload{
		Command:   string(cmd),
		Data:      data,
		Timestamp: c.now().UnixMilli(),
	}); err != nil {
		return cerr.NewError(cerr.Unavailable, "failed to publish command", err)
	}

	c.audit.Record(ctx, &auditlog.Entry{
		DeviceID: deviceID,
		Action:   auditlog.ActionDeviceInteraction,
		Details:  map[string]string{"command": string(cmd)},
	})
	return nil
}
