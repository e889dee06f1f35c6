// Package redistrigger feeds Redis pub/sub messages to components. Each
// declared channel maps to one component; delivery is at most once, and a
// failing guest is logged without stopping the subscription.
package redistrigger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/spindle-run/spindle/pkg/app"
	"github.com/spindle-run/spindle/pkg/engine"
	"github.com/spindle-run/spindle/pkg/telemetry"
	"github.com/spindle-run/spindle/pkg/trigger"
)

// TriggerType labels this trigger in metrics and logs.
const TriggerType = "redis"

// handlerExport is the guest function messages are delivered to. It takes a
// (ptr, len) payload and returns a status code; non-zero is a guest-side
// failure.
const handlerExport = "handle_redis_message"

// binding maps one channel to its component, in declaration order.
type binding struct {
	triggerID   string
	componentID string
	channel     string
}

// triggerConfig is the trigger-specific slice of a resolved trigger entry.
type triggerConfig struct {
	Address string `json:"address"`
	Channel string `json:"channel"`
}

// Trigger subscribes to the declared channels of one application.
type Trigger struct {
	tel      *telemetry.Telemetry
	logger   *telemetry.Logger
	executor *trigger.Executor

	// bindings per server address, declaration order preserved.
	bindings map[string][]binding
	order    []string
}

// New builds the trigger from the application's redis trigger entries.
// addressOverride, when non-empty, replaces every declared server address.
func New(tel *telemetry.Telemetry, exec *trigger.Executor, a *app.App, addressOverride string) (*Trigger, error) {
	t := &Trigger{
		tel:      tel,
		logger:   tel.Logger.NewComponentLogger("trigger.redis"),
		executor: exec,
		bindings: make(map[string][]binding),
	}

	for _, entry := range a.Triggers() {
		if entry.Type != TriggerType {
			continue
		}
		var cfg triggerConfig
		if err := json.Unmarshal(entry.Config, &cfg); err != nil {
			return nil, fmt.Errorf("trigger %q: malformed config: %w", entry.ID, err)
		}
		if cfg.Channel == "" {
			return nil, fmt.Errorf("trigger %q: missing channel", entry.ID)
		}
		address := cfg.Address
		if addressOverride != "" {
			address = addressOverride
		}
		if address == "" {
			return nil, fmt.Errorf("trigger %q: missing address", entry.ID)
		}
		if _, ok := t.bindings[address]; !ok {
			t.order = append(t.order, address)
		}
		t.bindings[address] = append(t.bindings[address], binding{
			triggerID:   entry.ID,
			componentID: entry.ComponentID,
			channel:     cfg.Channel,
		})
	}
	return t, nil
}

// HasBindings reports whether any redis trigger is declared.
func (t *Trigger) HasBindings() bool { return len(t.order) > 0 }

// Run subscribes and dispatches until ctx is cancelled. The pub/sub
// connection resubscribes automatically after a disconnect; messages
// published while disconnected are lost.
func (t *Trigger) Run(ctx context.Context) error {
	errs := make(chan error, len(t.order))
	for _, address := range t.order {
		go func(address string) {
			errs <- t.runServer(ctx, address)
		}(address)
	}
	for range t.order {
		if err := <-errs; err != nil && ctx.Err() == nil {
			return err
		}
	}
	return nil
}

func (t *Trigger) runServer(ctx context.Context, address string) error {
	opts, err := redis.ParseURL(address)
	if err != nil {
		return fmt.Errorf("redis address %q: %w", address, err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	bindings := t.bindings[address]
	channels := make([]string, 0, len(bindings))
	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if !seen[b.channel] {
			seen[b.channel] = true
			channels = append(channels, b.channel)
		}
	}

	pubsub := client.Subscribe(ctx, channels...)
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", address, err)
	}
	t.logger.Infof("redis trigger subscribed to %d channels on %s", len(channels), address)

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-pubsub.Channel():
			if !ok {
				return nil
			}
			t.dispatch(ctx, bindings, msg)
		}
	}
}

// dispatch delivers one message to the first binding declared for its
// channel. Guest failures are logged and the subscription continues.
func (t *Trigger) dispatch(ctx context.Context, bindings []binding, msg *redis.Message) {
	var target *binding
	for i := range bindings {
		if bindings[i].channel == msg.Channel {
			target = &bindings[i]
			break
		}
	}
	if target == nil {
		t.logger.Warnf("message on unbound channel %q dropped", msg.Channel)
		return
	}

	err := t.executor.Execute(ctx, target.componentID, nil,
		func(ctx context.Context, inv *trigger.Invocation) error {
			return deliver(ctx, inv, []byte(msg.Payload))
		})
	if err != nil {
		t.logger.WithComponentID(target.componentID).WithError(err).
			Errorf("message on channel %q failed", msg.Channel)
	}
}

// deliver writes the payload into guest memory and invokes the handler.
func deliver(ctx context.Context, inv *trigger.Invocation, payload []byte) error {
	fn := inv.Module.ExportedFunction(handlerExport)
	if fn == nil {
		return fmt.Errorf("component exports no %s", handlerExport)
	}
	ptr, err := engine.WriteBytes(ctx, inv.Module, payload)
	if err != nil {
		return err
	}
	results, err := fn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return err
	}
	if len(results) == 1 && uint32(results[0]) != 0 {
		return fmt.Errorf("guest handler returned error code %d", uint32(results[0]))
	}
	return nil
}
