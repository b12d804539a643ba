package relay

import (
	"path"
	"sort"
	"strings"
)

// normalizeTopic trims spaces, collapses repeated slashes and drops a leading
// slash. Topics with inner whitespace are rejected.
func normalizeTopic(topic string) string {
	t := strings.TrimSpace(topic)
	if t == "" || strings.ContainsAny(t, " \t\r\n") {
		return ""
	}
	t = path.Clean("/" + t)
	return strings.TrimPrefix(t, "/")
}

// Subscriptions is the two-way index topic <-> client id. Only the manager
// loop touches it.
type Subscriptions struct {
	TopicClients map[string]map[string]bool
	ClientTopics map[string]map[string]bool
}

func newSubscriptions() *Subscriptions {
	return &Subscriptions{
		TopicClients: map[string]map[string]bool{},
		ClientTopics: map[string]map[string]bool{},
	}
}

func (s *Subscriptions) Add(clientID, topic string) {
	if _, ok := s.ClientTopics[clientID]; !ok {
		s.ClientTopics[clientID] = map[string]bool{}
	}
	s.ClientTopics[clientID][topic] = true

	set, ok := s.TopicClients[topic]
	if !ok {
		set = map[string]bool{}
		s.TopicClients[topic] = set
	}
	set[clientID] = true
}

// Remove reports whether topic is left without subscribers.
func (s *Subscriptions) Remove(clientID, topic string) (last bool) {
	if ct, ok := s.ClientTopics[clientID]; ok {
		delete(ct, topic)
		if len(ct) == 0 {
			delete(s.ClientTopics, clientID)
		}
	}
	set, ok := s.TopicClients[topic]
	if !ok {
		return false
	}
	if !set[clientID] {
		return false
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(s.TopicClients, topic)
		return true
	}
	return false
}

// RemoveClient drops every subscription of clientID and returns the topics
// that became empty.
func (s *Subscriptions) RemoveClient(clientID string) []string {
	var emptied []string
	for topic := range s.ClientTopics[clientID] {
		if s.Remove(clientID, topic) {
			emptied = append(emptied, topic)
		}
	}
	sort.Strings(emptied)
	return emptied
}

func (s *Subscriptions) Subscribers(topic string) []string {
	out := make([]string, 0, len(s.TopicClients[topic]))
	for id := range s.TopicClients[topic] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Subscriptions) Topics(clientID string) []string {
	out := make([]string, 0, len(s.ClientTopics[clientID]))
	for t := range s.ClientTopics[clientID] {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
