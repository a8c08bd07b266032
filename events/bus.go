package events

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SubscriptionID is a unique identifier for a subscription
type SubscriptionID string

// Subscription receives the events matching its types and filter on Channel.
// Channel is closed by the bus after Unsubscribe or Stop.
type Subscription struct {
	ID      SubscriptionID
	Channel chan Event

	types  map[EventType]bool
	filter *Filter

	received     atomic.Uint64
	dropped      atomic.Uint64
	lastEventAt  atomic.Int64
	subscribedAt time.Time
}

func (s *Subscription) wants(event Event) (bool, bool) {
	if !s.types[event.Type()] {
		return false, false
	}
	if s.filter != nil && !s.filter.Match(event) {
		return false, true
	}
	return true, false
}

// EventBus fans indexed contract events out to in-process subscribers: GraphQL
// onEvent subscriptions and the relay. A single Run goroutine owns delivery, so
// subscriber channels are only ever written and closed there.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[SubscriptionID]*Subscription

	publishCh     chan Event
	subscribeCh   chan *Subscription
	unsubscribeCh chan SubscriptionID

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	metrics *Metrics
}

// NewEventBus creates a new EventBus with the given buffer sizes
func NewEventBus(publishBufferSize, subscribeBufferSize int) *EventBus {
	ctx, cancel := context.WithCancel(context.Background())

	return &EventBus{
		subscribers:   make(map[SubscriptionID]*Subscription),
		publishCh:     make(chan Event, publishBufferSize),
		subscribeCh:   make(chan *Subscription, subscribeBufferSize),
		unsubscribeCh: make(chan SubscriptionID, subscribeBufferSize),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// SetMetrics enables Prometheus metrics. Call before Run.
func (eb *EventBus) SetMetrics(metrics *Metrics) {
	eb.metrics = metrics
}

// Run delivers events until Stop is called
func (eb *EventBus) Run() {
	defer close(eb.done)

	for {
		select {
		case <-eb.ctx.Done():
			eb.closeAll()
			return
		case sub := <-eb.subscribeCh:
			eb.add(sub)
		case id := <-eb.unsubscribeCh:
			eb.remove(id)
		case event := <-eb.publishCh:
			eb.broadcast(event)
		}
	}
}

func (eb *EventBus) add(sub *Subscription) {
	eb.mu.Lock()
	if old, ok := eb.subscribers[sub.ID]; ok {
		close(old.Channel)
	}
	eb.subscribers[sub.ID] = sub
	n := len(eb.subscribers)
	eb.mu.Unlock()

	eb.metrics.subscribed(n)
}

func (eb *EventBus) remove(id SubscriptionID) {
	eb.mu.Lock()
	sub, ok := eb.subscribers[id]
	if ok {
		close(sub.Channel)
		delete(eb.subscribers, id)
	}
	n := len(eb.subscribers)
	eb.mu.Unlock()

	if ok {
		eb.metrics.unsubscribed(n)
	}
}

func (eb *EventBus) broadcast(event Event) {
	start := time.Now()
	eb.published.Add(1)
	eb.metrics.publish(event, len(eb.publishCh))

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, sub := range eb.subscribers {
		ok, filtered := sub.wants(event)
		if filtered {
			eb.metrics.filter(event.Type())
		}
		if !ok {
			continue
		}

		// a slow subscriber loses events rather than stalling the indexer
		select {
		case sub.Channel <- event:
			eb.delivered.Add(1)
			sub.received.Add(1)
			sub.lastEventAt.Store(time.Now().UnixNano())
			eb.metrics.deliver(event.Type())
		default:
			eb.dropped.Add(1)
			sub.dropped.Add(1)
			eb.metrics.drop(event.Type())
		}
	}

	eb.metrics.observeBroadcast(time.Since(start))
}

func (eb *EventBus) closeAll() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for id, sub := range eb.subscribers {
		close(sub.Channel)
		delete(eb.subscribers, id)
	}
	if eb.metrics != nil {
		eb.metrics.Subscribers.Set(0)
	}
}

// Stop closes every subscription and waits for Run to return
func (eb *EventBus) Stop() {
	eb.cancel()
	<-eb.done
}

// SubscriberCount returns the number of active subscriptions
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Stats returns the number of published, delivered and dropped events
func (eb *EventBus) Stats() (totalEvents, totalDeliveries, droppedEvents uint64) {
	return eb.published.Load(), eb.delivered.Load(), eb.dropped.Load()
}

// Publish queues event for delivery. It never blocks and reports false when the
// bus is stopped or its queue is full.
func (eb *EventBus) Publish(event Event) bool {
	if eb.ctx.Err() != nil {
		return false
	}

	select {
	case eb.publishCh <- event:
		return true
	default:
		return false
	}
}

// Subscribe registers a subscription for eventTypes. filter may be nil. It returns
// nil when the filter is invalid or the bus is stopped. Subscribing with an id
// that is already registered replaces the previous subscription.
func (eb *EventBus) Subscribe(id SubscriptionID, eventTypes []EventType, filter *Filter, channelSize int) *Subscription {
	if filter != nil {
		if err := filter.Validate(); err != nil {
			return nil
		}
		filter = filter.Clone()
	}

	types := make(map[EventType]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}

	sub := &Subscription{
		ID:           id,
		Channel:      make(chan Event, channelSize),
		types:        types,
		filter:       filter,
		subscribedAt: time.Now(),
	}

	select {
	case eb.subscribeCh <- sub:
		return sub
	case <-eb.ctx.Done():
		return nil
	}
}

// Unsubscribe removes a subscription and closes its channel
func (eb *EventBus) Unsubscribe(id SubscriptionID) {
	select {
	case eb.unsubscribeCh <- id:
	case <-eb.ctx.Done():
	}
}

// SubscriberInfo is a snapshot of one subscription, served by /subscribers
type SubscriberInfo struct {
	ID             SubscriptionID `json:"id"`
	EventTypes     []EventType    `json:"event_types"`
	HasFilter      bool           `json:"has_filter"`
	EventsReceived uint64         `json:"events_received"`
	EventsDropped  uint64         `json:"events_dropped"`
	LastEventAt    *time.Time     `json:"last_event_at,omitempty"`
	SubscribedAt   time.Time      `json:"subscribed_at"`
}

// GetSubscriberInfo returns a snapshot of subscription id, or nil
func (eb *EventBus) GetSubscriberInfo(id SubscriptionID) *SubscriberInfo {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	sub, ok := eb.subscribers[id]
	if !ok {
		return nil
	}
	info := sub.info()
	return &info
}

// GetAllSubscriberInfo returns snapshots of every subscription ordered by id
func (eb *EventBus) GetAllSubscriberInfo() []SubscriberInfo {
	eb.mu.RLock()
	infos := make([]SubscriberInfo, 0, len(eb.subscribers))
	for _, sub := range eb.subscribers {
		infos = append(infos, sub.info())
	}
	eb.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (s *Subscription) info() SubscriberInfo {
	types := make([]EventType, 0, len(s.types))
	for t := range s.types {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	info := SubscriberInfo{
		ID:             s.ID,
		EventTypes:     types,
		HasFilter:      s.filter != nil,
		EventsReceived: s.received.Load(),
		EventsDropped:  s.dropped.Load(),
		SubscribedAt:   s.subscribedAt,
	}
	if ns := s.lastEventAt.Load(); ns > 0 {
		t := time.Unix(0, ns)
		info.LastEventAt = &t
	}
	return info
}
