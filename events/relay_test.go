package events

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// memHub broadcasts every message to all attached transports, the sender included
type memHub struct {
	mu    sync.Mutex
	peers []*memTransport
}

func (h *memHub) attach() *memTransport {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := &memTransport{hub: h, inbox: make(chan []byte, 100)}
	h.peers = append(h.peers, t)
	return t
}

type memTransport struct {
	hub    *memHub
	inbox  chan []byte
	closed bool
}

func (t *memTransport) Send(ctx context.Context, eventType EventType, payload []byte) error {
	t.hub.mu.Lock()
	defer t.hub.mu.Unlock()
	for _, p := range t.hub.peers {
		p.inbox <- payload
	}
	return nil
}

func (t *memTransport) Receive(ctx context.Context, handle func(payload []byte)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-t.inbox:
			handle(payload)
		}
	}
}

func (t *memTransport) Close() error {
	t.closed = true
	return nil
}

func startRelay(t *testing.T, hub *memHub, nodeID string) (*EventBus, *Relay, *memTransport) {
	t.Helper()

	bus := NewEventBus(100, 10)
	go bus.Run()

	transport := hub.attach()
	relay, err := NewRelay(bus, transport, nodeID, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewRelay() error = %v", err)
	}
	if err := relay.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	t.Cleanup(func() {
		relay.Stop()
		bus.Stop()
	})
	return bus, relay, transport
}

func TestNewRelay_Validation(t *testing.T) {
	bus := NewEventBus(10, 10)
	transport := (&memHub{}).attach()

	if _, err := NewRelay(nil, transport, "a", nil); err == nil {
		t.Error("expected error for nil bus")
	}
	if _, err := NewRelay(bus, nil, "a", nil); err == nil {
		t.Error("expected error for nil transport")
	}
	if _, err := NewRelay(bus, transport, "", nil); err == nil {
		t.Error("expected error for empty node id")
	}
}

func TestRelay_ForwardsBetweenNodes(t *testing.T) {
	hub := &memHub{}
	indexerBus, indexerRelay, _ := startRelay(t, hub, "job-runner")
	serverBus, serverRelay, serverTransport := startRelay(t, hub, "server")

	sub := serverBus.Subscribe("client", []EventType{EventTypeContractEvent, EventTypeBlockProcessed}, nil, 10)
	localSub := indexerBus.Subscribe("local", []EventType{EventTypeContractEvent, EventTypeBlockProcessed}, nil, 10)
	time.Sleep(20 * time.Millisecond)

	indexerBus.Publish(newContractEvent(7, "Activated"))
	indexerBus.Publish(newBlockProcessedEvent(7))

	var got []Event
	for len(got) < 2 {
		select {
		case ev := <-sub.Channel:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout, received %d relayed events", len(got))
		}
	}

	ev, ok := got[0].(*ContractEvent)
	if !ok {
		t.Fatalf("first event should be a ContractEvent, got %T", got[0])
	}
	if ev.Origin != "job-runner" || ev.BlockNumber != 7 || ev.EventName != "Activated" {
		t.Errorf("unexpected relayed event %+v", ev)
	}
	if point, ok := ev.Args["point"].(*big.Int); !ok || point.Int64() != 7 {
		t.Errorf("point arg = %#v, want *big.Int 7", ev.Args["point"])
	}
	if bp, ok := got[1].(*BlockProcessedEvent); !ok || bp.Origin != "job-runner" {
		t.Errorf("second event should be a relayed BlockProcessedEvent, got %#v", got[1])
	}

	// the indexer bus sees only its own two events, not relayed copies
	for i := 0; i < 2; i++ {
		<-localSub.Channel
	}
	select {
	case ev := <-localSub.Channel:
		t.Errorf("unexpected echo on origin bus: %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	waitFor(t, func() bool {
		sent, _, echoes, _ := indexerRelay.Stats()
		return sent == 2 && echoes == 2
	})
	waitFor(t, func() bool {
		sent, received, _, _ := serverRelay.Stats()
		return received == 2 && sent == 0
	})

	serverRelay.Stop()
	if !serverTransport.closed {
		t.Error("Stop() should close the transport")
	}
}

func TestRelay_DropsUndecodableMessages(t *testing.T) {
	hub := &memHub{}
	_, relay, transport := startRelay(t, hub, "server")

	transport.Send(context.Background(), EventTypeContractEvent, []byte("not json"))
	transport.Send(context.Background(), EventTypeContractEvent, []byte(`{"node_id":"x","type":"unknown","event":{}}`))

	waitFor(t, func() bool {
		_, _, _, errs := relay.Stats()
		return errs == 2
	})
}

func TestEncodeDecodeEvent(t *testing.T) {
	huge, _ := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	in := newContractEvent(9, "OwnerChanged")
	in.Args = map[string]interface{}{
		"point": huge,
		"owner": "0x000000000000000000000000000000000000dEaD",
	}

	data, err := EncodeEvent("node-1", in)
	if err != nil {
		t.Fatalf("EncodeEvent() error = %v", err)
	}

	nodeID, out, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if nodeID != "node-1" {
		t.Errorf("nodeID = %q, want node-1", nodeID)
	}

	ev := out.(*ContractEvent)
	if ev.Args["point"].(*big.Int).Cmp(huge) != 0 {
		t.Errorf("point = %v, want %v", ev.Args["point"], huge)
	}
	if ev.Args["owner"] != "0x000000000000000000000000000000000000dEaD" {
		t.Errorf("owner = %v", ev.Args["owner"])
	}
	if ev.TxHash != in.TxHash || ev.Contract != in.Contract {
		t.Errorf("decoded event mismatch: %+v", ev)
	}

	_, _, err = DecodeEvent([]byte(`{"node_id":"x","type":"nope","event":{}}`))
	if !errors.Is(err, ErrUnknownEventType) {
		t.Errorf("DecodeEvent() error = %v, want ErrUnknownEventType", err)
	}
}

func TestRedisTransport_Config(t *testing.T) {
	if _, err := NewRedisTransport(context.Background(), RedisConfig{}); err == nil {
		t.Error("expected error without addresses")
	}

	transport := &RedisTransport{prefix: "azimuth"}
	if got := transport.Channel(EventTypeContractEvent); got != "azimuth:contract_event" {
		t.Errorf("Channel() = %q", got)
	}
	if got := transport.Channel(EventTypeBlockProcessed); got != "azimuth:block_processed" {
		t.Errorf("Channel() = %q", got)
	}
}

func TestKafkaTransport_Config(t *testing.T) {
	if _, err := NewKafkaTransport(KafkaConfig{Topic: "events"}); err == nil {
		t.Error("expected error without brokers")
	}
	if _, err := NewKafkaTransport(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Error("expected error without topic")
	}

	transport, err := NewKafkaTransport(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "events", GroupID: "watcher-test"})
	if err != nil {
		t.Fatalf("NewKafkaTransport() error = %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
