// Package realtime carries row-change and broadcast events between writers
// and subscribed sessions.
package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

type EventType string

const (
	EventInsert    EventType = "INSERT"
	EventUpdate    EventType = "UPDATE"
	EventDelete    EventType = "DELETE"
	EventBroadcast EventType = "broadcast"
)

var (
	ErrNoTopic = errors.New("realtime: empty topic")
	ErrClosed  = errors.New("realtime: transport closed")
)

type Event struct {
	Topic   string          `json:"topic"`
	Type    EventType       `json:"type"`
	Name    string          `json:"name,omitempty"` // broadcast event name, or table for row changes
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an Event.
func NewEvent(topic string, typ EventType, name string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Event{Topic: topic, Type: typ, Name: name, Payload: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("decode %s event on %s: empty payload", e.Type, e.Topic)
	}
	return json.Unmarshal(e.Payload, v)
}

// Subscription is a bounded, ordered queue of events for one topic. The
// transport fills it without blocking; a full queue drops the event.
type Subscription struct {
	topic   string
	types   map[EventType]struct{}
	events  chan Event
	release func()
	once    sync.Once
}

func newSubscription(topic string, size int, types []EventType) *Subscription {
	if size <= 0 {
		size = 1
	}
	s := &Subscription{topic: topic, events: make(chan Event, size)}
	if len(types) > 0 {
		s.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
	return s
}

func (s *Subscription) Topic() string { return s.topic }

// Events is closed after Close or when the transport goes away.
func (s *Subscription) Events() <-chan Event { return s.events }

// Close detaches the subscription from its transport. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		if s.release != nil {
			s.release()
		}
		close(s.events)
	})
	return nil
}

func (s *Subscription) accepts(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// offer reports false only when the event was accepted but the queue was full.
func (s *Subscription) offer(ev Event) bool {
	if !s.accepts(ev.Type) {
		return true
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}
