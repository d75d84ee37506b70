package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/mlsysops/continuum/pkg/errdefs"
	"github.com/mlsysops/continuum/pkg/log"
)

// EventType is the routing tag of a message
type EventType string

const (
	AppCreated EventType = "APP_CREATED"
	AppUpdated EventType = "APP_UPDATED"
	AppDeleted EventType = "APP_DELETED"
	AppSubmit  EventType = "APP_SUBMIT"
	AppRemoved EventType = "APP_REMOVED"
	// AppsSynced follows the first app list through the dispatch loop
	AppsSynced EventType = "APPS_SYNCED"

	ComponentPlaced  EventType = "COMPONENT_PLACED"
	ComponentUpdated EventType = "COMPONENT_UPDATED"
	ComponentRemoved EventType = "COMPONENT_REMOVED"

	PodAdded    EventType = "POD_ADDED"
	PodModified EventType = "POD_MODIFIED"
	PodDeleted  EventType = "POD_DELETED"

	KubernetesNodeAdded    EventType = "KUBERNETES_NODE_ADDED"
	KubernetesNodeModified EventType = "KUBERNETES_NODE_MODIFIED"
	KubernetesNodeRemoved  EventType = "KUBERNETES_NODE_REMOVED"

	NodeSystemDescriptionSubmitted EventType = "NODE_SYSTEM_DESCRIPTION_SUBMITTED"
	NodeSystemDescriptionUpdated   EventType = "NODE_SYSTEM_DESCRIPTION_UPDATED"
	NodeSystemDescriptionRemoved   EventType = "NODE_SYSTEM_DESCRIPTION_REMOVED"

	ClusterSystemDescriptionSubmitted EventType = "CLUSTER_SYSTEM_DESCRIPTION_SUBMITTED"
	ClusterSystemDescriptionUpdated   EventType = "CLUSTER_SYSTEM_DESCRIPTION_UPDATED"
	ClusterSystemDescriptionRemoved   EventType = "CLUSTER_SYSTEM_DESCRIPTION_REMOVED"

	PlanSubmitted EventType = "PLAN_SUBMITTED"
	PlanExecuted  EventType = "PLAN_EXECUTED"

	NodeStateSync EventType = "NODE_STATE_SYNC"

	MessageToFluidity             EventType = "MESSAGE_TO_FLUIDITY"
	MessageToFluidityProxy        EventType = "MESSAGE_TO_FLUIDITY_PROXY"
	FluidityInternalPlanSubmitted EventType = "FLUIDITY_INTERNAL_PLAN_SUBMITTED"
	FluidityInternalPlanUpdate    EventType = "FLUIDITY_INTERNAL_PLAN_UPDATE"

	OtelDeploy             EventType = "OTEL_DEPLOY"
	OtelRemove             EventType = "OTEL_REMOVE"
	NodeExporterDeploy     EventType = "NODE_EXPORTER_DEPLOY"
	NodeExporterRemove     EventType = "NODE_EXPORTER_REMOVE"
	OtelNodeIntervalUpdate EventType = "OTEL_NODE_INTERVAL_UPDATE"
)

// Origin values of the envelope
const (
	OriginInternal = "internal"
	OriginSpade    = "spade"
)

// Operation values carried by watcher-driven messages
const (
	OpAdded    = "ADDED"
	OpModified = "MODIFIED"
	OpDeleted  = "DELETED"
)

// Message is the JSON envelope exchanged on queues and across tiers
type Message struct {
	Event     EventType       `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Origin    string          `json:"origin,omitempty"`
	Operation string          `json:"operation,omitempty"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewMessage builds a message with a JSON-encoded payload
func NewMessage(event EventType, payload any) (*Message, error) {
	msg := &Message{Event: event, Timestamp: time.Now()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", event, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// MustMessage is NewMessage for payloads that always encode
func MustMessage(event EventType, payload any) *Message {
	msg, err := NewMessage(event, payload)
	if err != nil {
		panic(err)
	}
	return msg
}

// Decode unmarshals the payload into v. Decoding errors fail only this message.
func (m *Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "%s: empty payload", m.Event)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return errdefs.Wrap(errdefs.ErrValidationFailed, "%s: %v", m.Event, err)
	}
	return nil
}

// PlanUIDOf extracts plan_uid from the payload, or "" when absent
func (m *Message) PlanUIDOf() string {
	var p struct {
		PlanUID string `json:"plan_uid"`
	}
	if len(m.Payload) == 0 || json.Unmarshal(m.Payload, &p) != nil {
		return ""
	}
	return p.PlanUID
}

// Handler processes one message
type Handler func(*Message)

// Subscriber is a channel that receives messages
type Subscriber chan *Message

// Broker routes messages to subscribers by event tag. Subscribers registered
// without tags receive every message.
type Broker struct {
	subscribers map[Subscriber]map[EventType]bool
	mu          sync.RWMutex
	eventCh     chan *Message
	stopCh      chan struct{}
	stopOnce    sync.Once
	startOnce   sync.Once
}

// NewBroker creates a new message broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]map[EventType]bool),
		eventCh:     make(chan *Message, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop
func (b *Broker) Start() {
	b.startOnce.Do(func() { go b.run() })
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription for the given tags
func (b *Broker) Subscribe(tags ...EventType) Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 128)
	filter := make(map[EventType]bool, len(tags))
	for _, t := range tags {
		filter[t] = true
	}
	b.subscribers[sub] = filter
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish hands msg to the distribution loop
func (b *Broker) Publish(msg *Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- msg:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case msg := <-b.eventCh:
			b.broadcast(msg)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(msg *Message) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := false
	for sub, filter := range b.subscribers {
		if len(filter) > 0 && !filter[msg.Event] {
			continue
		}
		select {
		case sub <- msg:
			delivered = true
		default:
			log.Logger.Warn().Str("event", string(msg.Event)).Msg("Subscriber buffer full, dropping message")
		}
	}
	if !delivered {
		log.Logger.Debug().Str("event", string(msg.Event)).Msg("No subscriber for event, dropped")
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
