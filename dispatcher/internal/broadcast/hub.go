package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"fleet-dispatch-dashboard/shared/logx"
	"fleet-dispatch-dashboard/shared/metricsx"
)

// TopicFleet is joined by every subscriber on connect.
const TopicFleet = "fleet"

func DeviceTopic(deviceNumber string) string {
	return "device:" + deviceNumber
}

const DefaultBuffer = 256

// Message is one event pushed to a subscriber. Data must not be mutated
// after it is handed to the hub.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Envelope addresses a message to a topic.
type Envelope struct {
	Topic   string
	Message Message
}

func ToFleet(event string, data any) Envelope {
	return Envelope{Topic: TopicFleet, Message: Message{Event: event, Data: data}}
}

func ToDevice(deviceNumber string, event string, data any) Envelope {
	return Envelope{Topic: DeviceTopic(deviceNumber), Message: Message{Event: event, Data: data}}
}

// Hub fans messages out to subscribers grouped by topic. One mutex guards
// membership and every channel send, so a send never races a close.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]*Subscriber
	topics map[string]map[string]*Subscriber
	buffer int
	log    logx.Logger
}

func NewHub(buffer int, log logx.Logger) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		subs:   make(map[string]*Subscriber),
		topics: make(map[string]map[string]*Subscriber),
		buffer: buffer,
		log:    log,
	}
}

// Connect registers a subscriber on the fleet topic with initial() as its
// first message. initial runs under the hub lock, and Apply takes the same
// lock, so every change is either part of the initial message or delivered
// afterwards as an event.
func (h *Hub) Connect(initial func() Message) *Subscriber {
	s := &Subscriber{
		ID:     uuid.NewString(),
		hub:    h,
		ch:     make(chan Message, h.buffer),
		topics: make(map[string]struct{}),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s.ID] = s
	h.joinLocked(s, TopicFleet)
	if initial != nil {
		s.ch <- initial()
	}
	metricsx.SetSubscribers(len(h.subs))
	return s
}

// Apply runs mutate under the hub lock and delivers the envelopes it
// returns before any other Apply or Connect can proceed.
func (h *Hub) Apply(mutate func() []Envelope) []Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	envs := mutate()
	for _, env := range envs {
		h.deliverLocked(env)
	}
	return envs
}

func (h *Hub) Publish(envs ...Envelope) {
	if len(envs) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, env := range envs {
		h.deliverLocked(env)
	}
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// TopicCount reports how many subscribers have joined topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.subs {
		h.removeLocked(s)
	}
	metricsx.SetSubscribers(0)
}

func (h *Hub) deliverLocked(env Envelope) {
	members := h.topics[env.Topic]
	if len(members) == 0 {
		return
	}
	delivered := 0
	var slow []*Subscriber
	for _, s := range members {
		select {
		case s.ch <- env.Message:
			delivered++
		default:
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		h.log.Warn(context.Background(), "subscriber_evicted", "subscriber send buffer full, disconnecting",
			slog.String("subscriber_id", s.ID),
			slog.String("broadcast_event", env.Message.Event),
			slog.Int("buffer", cap(s.ch)),
		)
		metricsx.IncEviction()
		h.removeLocked(s)
	}
	if len(slow) > 0 {
		metricsx.SetSubscribers(len(h.subs))
	}
	metricsx.IncBroadcast(env.Message.Event, delivered)
}

func (h *Hub) joinLocked(s *Subscriber, topic string) {
	members := h.topics[topic]
	if members == nil {
		members = make(map[string]*Subscriber)
		h.topics[topic] = members
	}
	members[s.ID] = s
	s.topics[topic] = struct{}{}
}

func (h *Hub) leaveLocked(s *Subscriber, topic string) {
	if members := h.topics[topic]; members != nil {
		delete(members, s.ID)
		if len(members) == 0 {
			delete(h.topics, topic)
		}
	}
	delete(s.topics, topic)
}

func (h *Hub) removeLocked(s *Subscriber) {
	if s.closed {
		return
	}
	for topic := range s.topics {
		h.leaveLocked(s, topic)
	}
	delete(h.subs, s.ID)
	s.closed = true
	close(s.ch)
}

// Subscriber is one connected client. Its channel is closed when the
// subscriber is closed or evicted.
type Subscriber struct {
	ID string

	hub    *Hub
	ch     chan Message
	topics map[string]struct{} // guarded by hub.mu
	closed bool                // guarded by hub.mu
}

func (s *Subscriber) C() <-chan Message { return s.ch }

// Join adds the subscriber to topic. It reports false once closed.
func (s *Subscriber) Join(topic string) bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return false
	}
	s.hub.joinLocked(s, topic)
	return true
}

func (s *Subscriber) Leave(topic string) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed || topic == TopicFleet {
		return
	}
	s.hub.leaveLocked(s, topic)
}

// Send queues msg for this subscriber only. A full buffer evicts the
// subscriber like a fan-out would.
func (s *Subscriber) Send(msg Message) bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return false
	}
	return s.sendLocked(msg)
}

// SendIn is Send, but only while the subscriber is still a member of topic.
func (s *Subscriber) SendIn(topic string, msg Message) bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.topics[topic]; !ok {
		return false
	}
	return s.sendLocked(msg)
}

func (s *Subscriber) sendLocked(msg Message) bool {
	select {
	case s.ch <- msg:
		return true
	default:
		metricsx.IncEviction()
		s.hub.removeLocked(s)
		metricsx.SetSubscribers(len(s.hub.subs))
		return false
	}
}

func (s *Subscriber) Topics() []string {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// Close releases every topic membership. Safe to call more than once.
func (s *Subscriber) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
	metricsx.SetSubscribers(len(s.hub.subs))
}
