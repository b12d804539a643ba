// Package memory is an in-process chat.Store, used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pelusa-v/pelusa-messenger/internal/chat"
)

// Store is a mutex-guarded chat.Store.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]chat.Conversation
	messages      map[string]chat.Message
	order         []string // message ids in insertion order
	profiles      map[string]chat.Profile
	now           func() time.Time
}

func New() *Store {
	return &Store{
		conversations: map[string]chat.Conversation{},
		messages:      map[string]chat.Message{},
		profiles:      map[string]chat.Profile{},
		now:           time.Now,
	}
}

// SetClock replaces the time source used for generated timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// PutProfile creates or replaces a profile row.
func (s *Store) PutProfile(p chat.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func cloneConversation(c chat.Conversation) chat.Conversation {
	c.ParticipantIDs = slices.Clone(c.ParticipantIDs)
	return c
}

func cloneMessage(m chat.Message) chat.Message {
	m.ViewedBy = slices.Clone(m.ViewedBy)
	if m.ViewedBy == nil {
		m.ViewedBy = []string{}
	}
	return m
}

func containsAll(have, want []string) bool {
	for _, id := range want {
		if !slices.Contains(have, id) {
			return false
		}
	}
	return true
}

func (s *Store) FindConversations(ctx context.Context, q chat.ConversationQuery) ([]chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Conversation
	for _, c := range s.conversations {
		if q.Kind != "" && c.Kind != q.Kind {
			continue
		}
		if !containsAll(c.ParticipantIDs, q.Members) {
			continue
		}
		out = append(out, cloneConversation(c))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	return out, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (chat.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return chat.Conversation{}, fmt.Errorf("conversation %s: %w", id, chat.ErrNotFound)
	}
	return cloneConversation(c), nil
}

func (s *Store) InsertConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := s.conversations[c.ID]; exists {
		return chat.Conversation{}, fmt.Errorf("conversation %s already exists", c.ID)
	}
	now := s.now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.LastMessageAt.IsZero() {
		c.LastMessageAt = now
	}
	c = cloneConversation(c)
	s.conversations[c.ID] = c
	return cloneConversation(c), nil
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, chat.ErrNotFound)
	}
	c.LastMessageAt = at
	s.conversations[id] = c
	return nil
}

func (s *Store) ListMessages(ctx context.Context, q chat.MessageQuery) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Message
	for _, id := range s.order {
		m := s.messages[id]
		if q.ConversationID != "" && m.ConversationID != q.ConversationID {
			continue
		}
		if q.ExcludeSender != "" && m.SenderID == q.ExcludeSender {
			continue
		}
		if q.NotViewedBy != "" && m.ViewedByUser(q.NotViewedBy) {
			continue
		}
		out = append(out, cloneMessage(m))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return chat.Message{}, fmt.Errorf("message %s: %w", id, chat.ErrNotFound)
	}
	return cloneMessage(m), nil
}

func (s *Store) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[m.ConversationID]; !ok {
		return chat.Message{}, fmt.Errorf("conversation %s: %w", m.ConversationID, chat.ErrNotFound)
	}
	if m.Kind == "" {
		m.Kind = chat.MessageText
	}
	if !m.Kind.Valid() {
		return chat.Message{}, fmt.Errorf("message kind %q: %w", m.Kind, chat.ErrInvalid)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if _, exists := s.messages[m.ID]; exists {
		return chat.Message{}, fmt.Errorf("message %s already exists", m.ID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now().UTC()
	}
	m.ViewedBy = chat.MergeViewers(m.SenderID, m.ViewedBy)
	s.messages[m.ID] = m
	s.order = append(s.order, m.ID)
	return cloneMessage(m), nil
}

func (s *Store) AddViewer(ctx context.Context, messageIDs []string, viewerID string) ([]chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []chat.Message
	for _, id := range messageIDs {
		m, ok := s.messages[id]
		if !ok || m.SenderID == viewerID {
			continue
		}
		m.ViewedBy = chat.MergeViewers(m.SenderID, m.ViewedBy, viewerID)
		s.messages[id] = m
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (s *Store) LatestMessages(ctx context.Context, conversationIDs []string) (map[string]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]chat.Message, len(conversationIDs))
	for _, id := range s.order {
		m := s.messages[id]
		if !slices.Contains(conversationIDs, m.ConversationID) {
			continue
		}
		if cur, ok := out[m.ConversationID]; ok && cur.CreatedAt.After(m.CreatedAt) {
			continue
		}
		out[m.ConversationID] = cloneMessage(m)
	}
	return out, nil
}

func (s *Store) ListProfiles(ctx context.Context, q chat.ProfileQuery) ([]chat.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Profile
	for _, p := range s.profiles {
		if q.ExcludeID != "" && p.ID == q.ExcludeID {
			continue
		}
		if q.IDs != nil && !slices.Contains(q.IDs, p.ID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetProfile(ctx context.Context, id string) (chat.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return chat.Profile{}, fmt.Errorf("profile %s: %w", id, chat.ErrNotFound)
	}
	return p, nil
}

func (s *Store) SetActive(ctx context.Context, userID string, active bool) (chat.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return chat.Profile{}, fmt.Errorf("profile %s: %w", userID, chat.ErrNotFound)
	}
	p.IsActive = active
	s.profiles[userID] = p
	return p, nil
}

func (s *Store) UpdateProfile(ctx context.Context, userID string, u chat.ProfileUpdate) (chat.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return chat.Profile{}, fmt.Errorf("profile %s: %w", userID, chat.ErrNotFound)
	}
	p = u.Apply(p)
	s.profiles[userID] = p
	return p, nil
}

var _ chat.Store = (*Store)(nil)
