// Package changefeed wraps a chat.Store and publishes a row-change event
// after every successful write, the way a database change stream would.
package changefeed

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-messenger/internal/chat"
	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
)

const (
	tableMessages      = "messages"
	tableProfiles      = "profiles"
	tableConversations = "conversations"
)

// Publisher is the write half of a realtime transport.
type Publisher interface {
	Publish(ctx context.Context, ev realtime.Event) error
}

// Store publishes INSERT and UPDATE events for writes that reach the wrapped
// store. Reads pass straight through. A failed publish never fails the write.
type Store struct {
	chat.Store
	pub Publisher
	log zerolog.Logger
}

func Wrap(store chat.Store, pub Publisher, log zerolog.Logger) *Store {
	return &Store{
		Store: store,
		pub:   pub,
		log:   log.With().Str("component", "changefeed").Logger(),
	}
}

func (s *Store) publish(ctx context.Context, topic string, typ realtime.EventType, table string, row any) {
	ev, err := realtime.NewEvent(topic, typ, table, row)
	if err != nil {
		s.log.Error().Err(err).Str("topic", topic).Msg("encode change event")
		return
	}
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.log.Warn().Err(err).Str("topic", topic).Str("type", string(typ)).Msg("publish change event")
	}
}

// messageChanged goes to the per-conversation topic and the table-wide one.
func (s *Store) messageChanged(ctx context.Context, typ realtime.EventType, m chat.Message) {
	s.publish(ctx, chat.MessagesTopic(m.ConversationID), typ, tableMessages, m)
	s.publish(ctx, chat.TopicMessages, typ, tableMessages, m)
}

func (s *Store) InsertConversation(ctx context.Context, c chat.Conversation) (chat.Conversation, error) {
	saved, err := s.Store.InsertConversation(ctx, c)
	if err != nil {
		return saved, err
	}
	s.publish(ctx, chat.TopicConversations, realtime.EventInsert, tableConversations, saved)
	return saved, nil
}

func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	if err := s.Store.TouchConversation(ctx, id, at); err != nil {
		return err
	}
	s.publish(ctx, chat.TopicConversations, realtime.EventUpdate, tableConversations,
		map[string]any{"id": id, "last_message_at": at})
	return nil
}

func (s *Store) InsertMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	saved, err := s.Store.InsertMessage(ctx, m)
	if err != nil {
		return saved, err
	}
	s.messageChanged(ctx, realtime.EventInsert, saved)
	return saved, nil
}

func (s *Store) AddViewer(ctx context.Context, messageIDs []string, viewerID string) ([]chat.Message, error) {
	updated, err := s.Store.AddViewer(ctx, messageIDs, viewerID)
	if err != nil {
		return updated, err
	}
	for _, m := range updated {
		s.messageChanged(ctx, realtime.EventUpdate, m)
	}
	return updated, nil
}

func (s *Store) UpdateProfile(ctx context.Context, userID string, u chat.ProfileUpdate) (chat.Profile, error) {
	p, err := s.Store.UpdateProfile(ctx, userID, u)
	if err != nil {
		return p, err
	}
	s.publish(ctx, chat.TopicProfiles, realtime.EventUpdate, tableProfiles, p)
	return p, nil
}

func (s *Store) SetActive(ctx context.Context, userID string, active bool) (chat.Profile, error) {
	p, err := s.Store.SetActive(ctx, userID, active)
	if err != nil {
		return p, err
	}
	s.publish(ctx, chat.TopicProfiles, realtime.EventUpdate, tableProfiles, p)
	return p, nil
}

var _ chat.Store = (*Store)(nil)
