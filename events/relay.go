package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/deep-stack/azimuth-watcher/internal/constants"
	"github.com/deep-stack/azimuth-watcher/internal/jsonbig"
)

// ErrUnknownEventType is returned when a relayed message carries an unsupported type
var ErrUnknownEventType = errors.New("unknown event type")

// Transport moves serialized events between processes
type Transport interface {
	// Send delivers one message to the other nodes
	Send(ctx context.Context, eventType EventType, payload []byte) error

	// Receive calls handle for every message until ctx is done
	Receive(ctx context.Context, handle func(payload []byte)) error

	Close() error
}

// envelope is the wire form of a relayed event
type envelope struct {
	NodeID string          `json:"node_id"`
	Type   EventType       `json:"type"`
	Event  json.RawMessage `json:"event"`
}

// Relay mirrors events between the local EventBus and other watcher processes.
// Locally published events are sent out; events from other nodes are published locally
// with Origin set, so they are never sent back.
type Relay struct {
	bus       *EventBus
	transport Transport
	nodeID    string
	logger    *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	stats struct {
		sent          atomic.Uint64
		received      atomic.Uint64
		echoesSkipped atomic.Uint64
		errors        atomic.Uint64
	}
}

// NewRelay creates a relay between bus and transport
func NewRelay(bus *EventBus, transport Transport, nodeID string, logger *zap.Logger) (*Relay, error) {
	if bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if nodeID == "" {
		return nil, fmt.Errorf("node id cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Relay{
		bus:       bus,
		transport: transport,
		nodeID:    nodeID,
		logger:    logger.With(zap.String("component", "relay"), zap.String("node_id", nodeID)),
	}, nil
}

// Start begins forwarding local events and receiving remote ones
func (r *Relay) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	sub := r.bus.Subscribe(SubscriptionID("relay-"+r.nodeID),
		[]EventType{EventTypeContractEvent, EventTypeBlockProcessed}, nil, constants.DefaultSubscriptionChannelSize)
	if sub == nil {
		r.cancel()
		return fmt.Errorf("failed to subscribe relay to event bus")
	}

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.forwardLoop(ctx, sub)
	}()
	go func() {
		defer r.wg.Done()
		r.receiveLoop(ctx)
	}()

	r.logger.Info("relay started")
	return nil
}

// Stop stops the relay and closes the transport
func (r *Relay) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.bus.Unsubscribe(SubscriptionID("relay-" + r.nodeID))
	r.wg.Wait()
	return r.transport.Close()
}

// Stats returns sent, received, skipped echo and error counts
func (r *Relay) Stats() (sent, received, echoesSkipped, errs uint64) {
	return r.stats.sent.Load(), r.stats.received.Load(), r.stats.echoesSkipped.Load(), r.stats.errors.Load()
}

func (r *Relay) forwardLoop(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Channel:
			if !ok {
				return
			}
			if origin(event) != "" {
				continue
			}
			if err := r.send(ctx, event); err != nil {
				r.stats.errors.Add(1)
				r.logger.Error("failed to relay event", zap.String("event_type", string(event.Type())), zap.Error(err))
				continue
			}
			r.stats.sent.Add(1)
		}
	}
}

func (r *Relay) receiveLoop(ctx context.Context) {
	for {
		err := r.transport.Receive(ctx, r.handle)
		if ctx.Err() != nil {
			return
		}
		r.stats.errors.Add(1)
		r.logger.Error("relay receive failed, retrying", zap.Error(err))

		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (r *Relay) send(ctx context.Context, event Event) error {
	data, err := EncodeEvent(r.nodeID, event)
	if err != nil {
		return err
	}
	return r.transport.Send(ctx, event.Type(), data)
}

func (r *Relay) handle(payload []byte) {
	nodeID, event, err := DecodeEvent(payload)
	if err != nil {
		r.stats.errors.Add(1)
		r.logger.Error("failed to decode relayed event", zap.Error(err))
		return
	}
	if nodeID == r.nodeID {
		r.stats.echoesSkipped.Add(1)
		return
	}

	r.stats.received.Add(1)
	if !r.bus.Publish(event) {
		r.logger.Warn("event bus full, dropped relayed event", zap.String("event_type", string(event.Type())))
	}
}

// EncodeEvent serializes event for the wire
func EncodeEvent(nodeID string, event Event) ([]byte, error) {
	body, err := jsonbig.Marshal(event)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{NodeID: nodeID, Type: event.Type(), Event: body})
}

// DecodeEvent parses a relayed message. Big integer arguments are restored as *big.Int
// and Origin is set to the sending node.
func DecodeEvent(data []byte) (string, Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	switch env.Type {
	case EventTypeContractEvent:
		ev := &ContractEvent{}
		if err := json.Unmarshal(env.Event, ev); err != nil {
			return "", nil, fmt.Errorf("failed to decode contract event: %w", err)
		}
		var raw struct {
			Args json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(env.Event, &raw); err != nil {
			return "", nil, fmt.Errorf("failed to decode contract event args: %w", err)
		}
		args, err := jsonbig.Unmarshal(raw.Args)
		if err != nil {
			return "", nil, err
		}
		ev.Args, _ = args.(map[string]interface{})
		ev.Origin = env.NodeID
		return env.NodeID, ev, nil

	case EventTypeBlockProcessed:
		ev := &BlockProcessedEvent{}
		if err := json.Unmarshal(env.Event, ev); err != nil {
			return "", nil, fmt.Errorf("failed to decode block event: %w", err)
		}
		ev.Origin = env.NodeID
		return env.NodeID, ev, nil
	}

	return "", nil, fmt.Errorf("%w: %q", ErrUnknownEventType, env.Type)
}
