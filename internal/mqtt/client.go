// Package mqtt wraps the paho client for the smartlamp topic scheme.
//
// Inbound topics (device to engine): smartlamp/{deviceId}/{status,task_status,
// completed,progress,heartbeat,request}. Outbound (engine to device):
// smartlamp/{deviceId}/tasks and smartlamp/{deviceId}/commands. The client
// only ever subscribes to the inbound kinds, so the engine cannot consume
// its own publishes.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/ktsuji/lamphub/internal/command"
	"github.com/ktsuji/lamphub/internal/config"
	"github.com/ktsuji/lamphub/internal/dispatch"
	"github.com/ktsuji/lamphub/pkg/cerr"
)

const topicPrefix = "smartlamp"

// inboundKinds are the message kinds the engine consumes.
var inboundKinds = []string{"status", "task_status", "completed", "progress", "heartbeat", "request"}

// InboundHandler consumes one parsed-out inbound message. Implementations
// must be safe for concurrent calls: each message runs on its own goroutine.
type InboundHandler interface {
	HandleInbound(ctx context.Context, deviceID, kind string, payload []byte)
}

// Status is the snapshot returned to the collaborator API.
type Status struct {
	Connected         bool `json:"connected"`
	ReconnectAttempts int  `json:"reconnectAttempts"`
}

type Client struct {
	env     *config.MQTTEnv
	handler InboundHandler

	cli        paho.Client
	reconnects atomic.Int32
	wg         conc.WaitGroup

	fatalOnce sync.Once
	fatalCh   chan error

	baseCtx context.Context
}

func NewClient(env *config.MQTTEnv, handler InboundHandler) *Client {
	return &Client{
		env:     env,
		handler: handler,
		fatalCh: make(chan error, 1),
	}
}

// Start connects to the broker and subscribes to all inbound device topics.
// ctx is the base context for message handlers; cancelling it stops them.
func (c *Client) Start(ctx context.Context) error {
	c.baseCtx = ctx

	opts := paho.NewClientOptions().
		AddBroker(c.env.BrokerURL).
		SetClientID(c.env.ClientID).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetReconnectingHandler(c.onReconnecting)
	if c.env.Username != "" {
		opts.SetUsername(c.env.Username)
		opts.SetPassword(c.env.Password)
	}

	c.cli = paho.NewClient(opts)
	token := c.cli.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return cerr.NewError(cerr.Unavailable, "failed to connect to mqtt broker", err)
	}
	return nil
}

// Close waits for in-flight handlers and disconnects.
func (c *Client) Close() {
	c.wg.Wait()
	if c.cli != nil {
		c.cli.Disconnect(250)
	}
}

// Fatal fires at most once, when the reconnect budget is exhausted. The
// process should treat this as unrecoverable and exit loudly rather than
// retry forever.
func (c *Client) Fatal() <-chan error {
	return c.fatalCh
}

func (c *Client) Status() Status {
	connected := c.cli != nil && c.cli.IsConnectionOpen()
	return Status{
		Connected:         connected,
		ReconnectAttempts: int(c.reconnects.Load()),
	}
}

func (c *Client) onConnect(cli paho.Client) {
	c.reconnects.Store(0)
	for _, kind := range inboundKinds {
		topic := fmt.Sprintf("%s/+/%s", topicPrefix, kind)
		token := cli.Subscribe(topic, 1, c.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			slog.Error("failed to subscribe", "topic", topic, "error", err)
		}
	}
	slog.Info("mqtt connected", "broker", c.env.BrokerURL)
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	slog.Warn("mqtt connection lost", "error", err)
}

func (c *Client) onReconnecting(_ paho.Client, _ *paho.ClientOptions) {
	attempts := c.reconnects.Add(1)
	slog.Warn("mqtt reconnecting", "attempt", attempts, "max", c.env.MaxReconnects)
	if int(attempts) > c.env.MaxReconnects {
		c.fatalOnce.Do(func() {
			c.fatalCh <- cerr.NewError(cerr.Unavailable,
				fmt.Sprintf("mqtt reconnect attempts exhausted (%d)", c.env.MaxReconnects), nil)
		})
	}
}

// onMessage fans each inbound message out to its own goroutine. A panicking
// handler is caught and logged; it must not take the transport down.
func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	deviceID, kind, ok := parseTopic(msg.Topic())
	if !ok {
		slog.Debug("ignoring message on unexpected topic", "topic", msg.Topic())
		return
	}
	payload := msg.Payload()
	c.wg.Go(func() {
		var catcher panics.Catcher
		catcher.Try(func() {
			c.handler.HandleInbound(c.baseCtx, deviceID, kind, payload)
		})
		if recovered := catcher.Recovered(); recovered != nil {
			slog.Error("inbound handler panicked", "device_id", deviceID, "kind", kind, "panic", recovered.String())
		}
	})
}

// parseTopic splits smartlamp/{deviceId}/{kind}. Outbound kinds are
// rejected so the engine never reprocesses its own traffic even if a
// subscription were ever widened.
func parseTopic(topic string) (deviceID, kind string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != topicPrefix {
		return "", "", false
	}
	for _, k := range inboundKinds {
		if parts[2] == k {
			return parts[1], parts[2], true
		}
	}
	return "", "", false
}

// PublishTask pushes a task payload at the device's tasks topic.
func (c *Client) PublishTask(ctx context.Context, deviceID string, payload dispatch.TaskPayload) error {
	return c.publish(ctx, fmt.Sprintf("%s/%s/tasks", topicPrefix, deviceID), payload)
}

// PublishCommand pushes a command payload at the device's commands topic.
func (c *Client) PublishCommand(ctx context.Context, deviceID string, payload command.Payload) error {
	return c.publish(ctx, fmt.Sprintf("%s/%s/commands", topicPrefix, deviceID), payload)
}

func (c *Client) publish(ctx context.Context, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
	}
	token := c.cli.Publish(topic, 1, false, data)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", topic, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
}
