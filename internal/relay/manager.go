// Package relay bridges websocket clients to a realtime broker: clients
// subscribe to topics and publish events over one connection each.
package relay

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-messenger/internal/metrics"
	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
)

const brokerTimeout = 5 * time.Second

// Broker is the shared pub/sub the relay fans in and out of: an in-process
// Hub for a single relay, RedisBus when several relays share topics.
type Broker interface {
	Subscribe(ctx context.Context, topic string, types ...realtime.EventType) (*realtime.Subscription, error)
	Publish(ctx context.Context, ev realtime.Event) error
}

type inbound struct {
	client *Client
	frame  realtime.Frame
}

// Manager owns every client and subscription. A single goroutine (Run)
// mutates its state; the pumps talk to it through channels.
type Manager struct {
	broker Broker
	log    zerolog.Logger

	mu      sync.RWMutex // guards clients and topics for ListClients
	clients map[string]*Client
	topics  map[string][]string // client id -> subscribed topics, copied from subs

	subs     *Subscriptions
	upstream map[string]*realtime.Subscription

	registerChan   chan *Client
	unregisterChan chan *Client
	frameChan      chan inbound
	eventChan      chan realtime.Event
	done           chan struct{}
}

func NewManager(broker Broker, log zerolog.Logger) *Manager {
	return &Manager{
		broker:         broker,
		log:            log.With().Str("component", "relay").Logger(),
		clients:        map[string]*Client{},
		topics:         map[string][]string{},
		subs:           newSubscriptions(),
		upstream:       map[string]*realtime.Subscription{},
		registerChan:   make(chan *Client),
		unregisterChan: make(chan *Client),
		frameChan:      make(chan inbound),
		eventChan:      make(chan realtime.Event, 64),
		done:           make(chan struct{}),
	}
}

// Register hands c to the loop; false once the manager has stopped.
func (m *Manager) Register(c *Client) bool {
	select {
	case m.registerChan <- c:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) Unregister(c *Client) {
	select {
	case m.unregisterChan <- c:
	case <-m.done:
	}
}

func (m *Manager) dispatch(c *Client, f realtime.Frame) bool {
	select {
	case m.frameChan <- inbound{client: c, frame: f}:
		return true
	case <-m.done:
		return false
	}
}

type ClientJSON struct {
	ID     string   `json:"id"`
	UserID string   `json:"user_id"`
	Topics []string `json:"topics,omitempty"`
}

// ListClients returns connected clients, skipping those whose id or user id
// equals exclude.
func (m *Manager) ListClients(exclude string) []ClientJSON {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ClientJSON, 0, len(m.clients))
	for id, c := range m.clients {
		if exclude != "" && (exclude == id || exclude == c.UserID) {
			continue
		}
		out = append(out, ClientJSON{ID: id, UserID: c.UserID, Topics: m.topics[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID == out[j].UserID {
			return out[i].ID < out[j].ID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Run processes registrations, frames and broker events until ctx ends, then
// disconnects every client and releases every broker subscription.
func (m *Manager) Run(ctx context.Context) {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-m.registerChan:
			m.mu.Lock()
			m.clients[c.ID] = c
			m.mu.Unlock()
			metrics.RelayClients.Inc()
			m.log.Info().Str("client_id", c.ID).Str("user_id", c.UserID).Msg("client connected")

		case c := <-m.unregisterChan:
			m.drop(c)

		case in := <-m.frameChan:
			m.handle(ctx, in.client, in.frame)

		case ev := <-m.eventChan:
			m.fanOut(ev)
		}
	}
}

func (m *Manager) drop(c *Client) {
	m.mu.Lock()
	_, ok := m.clients[c.ID]
	delete(m.clients, c.ID)
	delete(m.topics, c.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	for _, topic := range m.subs.RemoveClient(c.ID) {
		m.release(topic)
	}
	close(c.Send)
	metrics.RelayClients.Dec()
	m.log.Info().Str("client_id", c.ID).Msg("client disconnected")
}

func (m *Manager) shutdown() {
	close(m.done)
	m.mu.Lock()
	clients := m.clients
	m.clients = map[string]*Client{}
	m.topics = map[string][]string{}
	m.mu.Unlock()
	for _, c := range clients {
		close(c.Send)
		metrics.RelayClients.Dec()
	}
	for topic, sub := range m.upstream {
		_ = sub.Close()
		delete(m.upstream, topic)
	}
}

func (m *Manager) handle(ctx context.Context, c *Client, f realtime.Frame) {
	m.mu.RLock()
	_, live := m.clients[c.ID]
	m.mu.RUnlock()
	if !live {
		return
	}
	switch f.Op {
	case realtime.OpSubscribe:
		topic := normalizeTopic(f.Topic)
		if topic == "" {
			m.reply(c, realtime.Frame{Op: realtime.OpError, Topic: f.Topic, Error: "invalid topic"})
			return
		}
		if _, ok := m.upstream[topic]; !ok {
			if err := m.attach(ctx, topic); err != nil {
				m.log.Error().Err(err).Str("topic", topic).Msg("broker subscribe")
				m.reply(c, realtime.Frame{Op: realtime.OpError, Topic: f.Topic, Error: "subscribe failed"})
				return
			}
		}
		m.subs.Add(c.ID, topic)
		m.syncTopics(c.ID)
		m.reply(c, realtime.Frame{Op: realtime.OpSubscribed, Topic: f.Topic})

	case realtime.OpUnsubscribe:
		topic := normalizeTopic(f.Topic)
		if m.subs.Remove(c.ID, topic) {
			m.release(topic)
		}
		m.syncTopics(c.ID)

	case realtime.OpPublish:
		if err := m.checkPublish(c, f.Event); err != "" {
			m.reply(c, realtime.Frame{Op: realtime.OpError, Error: err})
			return
		}
		ev := *f.Event
		ev.Topic = normalizeTopic(ev.Topic)
		pctx, cancel := context.WithTimeout(ctx, brokerTimeout)
		defer cancel()
		if err := m.broker.Publish(pctx, ev); err != nil {
			m.log.Error().Err(err).Str("topic", ev.Topic).Msg("broker publish")
			m.reply(c, realtime.Frame{Op: realtime.OpError, Error: "publish failed"})
		}

	default:
		m.reply(c, realtime.Frame{Op: realtime.OpError, Error: "unknown op " + f.Op})
	}
}

// syncTopics publishes the loop's view of id's topics to ListClients.
func (m *Manager) syncTopics(id string) {
	topics := m.subs.Topics(id)
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(topics) == 0 {
		delete(m.topics, id)
		return
	}
	m.topics[id] = topics
}

// checkPublish rejects events without a topic and typing signals sent on
// behalf of another user.
func (m *Manager) checkPublish(c *Client, ev *realtime.Event) string {
	if ev == nil || normalizeTopic(ev.Topic) == "" {
		return "publish needs an event with a topic"
	}
	if ev.Type == realtime.EventBroadcast && strings.HasPrefix(ev.Topic, "typing:") {
		var sig struct {
			UserID string `json:"user_id"`
		}
		if err := ev.Decode(&sig); err != nil || sig.UserID != c.UserID {
			return "typing signal must carry the sender's user id"
		}
	}
	return ""
}

// attach opens the broker subscription for topic and forwards its events
// into the loop.
func (m *Manager) attach(ctx context.Context, topic string) error {
	sctx, cancel := context.WithTimeout(ctx, brokerTimeout)
	defer cancel()
	sub, err := m.broker.Subscribe(sctx, topic)
	if err != nil {
		return err
	}
	m.upstream[topic] = sub
	go func() {
		for ev := range sub.Events() {
			select {
			case m.eventChan <- ev:
			case <-m.done:
				return
			}
		}
	}()
	return nil
}

func (m *Manager) release(topic string) {
	if sub, ok := m.upstream[topic]; ok {
		_ = sub.Close()
		delete(m.upstream, topic)
	}
}

func (m *Manager) fanOut(ev realtime.Event) {
	data, err := json.Marshal(realtime.Frame{Op: realtime.OpEvent, Event: &ev})
	if err != nil {
		m.log.Error().Err(err).Str("topic", ev.Topic).Msg("marshal event frame")
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.subs.Subscribers(ev.Topic) {
		c := m.clients[id]
		if c == nil {
			continue
		}
		select {
		case c.Send <- data:
		default:
			metrics.EventsDropped.WithLabelValues("relay").Inc()
			m.log.Warn().Str("client_id", id).Str("topic", ev.Topic).Msg("client queue full, event dropped")
		}
	}
}

func (m *Manager) reply(c *Client, f realtime.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
		m.log.Warn().Str("client_id", c.ID).Str("op", f.Op).Msg("client queue full, reply dropped")
	}
}
