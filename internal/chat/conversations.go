package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Conversations resolves and creates conversation identities.
type Conversations struct {
	store Store
	now   func() time.Time
	log   zerolog.Logger
}

func NewConversations(store Store, log zerolog.Logger) *Conversations {
	return &Conversations{
		store: store,
		now:   time.Now,
		log:   log.With().Str("component", "conversations").Logger(),
	}
}

// ResolveDirect finds the direct conversation between selfID and peerID. The
// store's containment query may return larger conversations; only an exact
// two-participant match is accepted.
func (c *Conversations) ResolveDirect(ctx context.Context, selfID, peerID string) (Conversation, bool, error) {
	if err := validatePair(selfID, peerID); err != nil {
		return Conversation{}, false, err
	}
	found, err := c.store.FindConversations(ctx, ConversationQuery{
		Kind:    KindDirect,
		Members: []string{selfID, peerID},
	})
	if err != nil {
		return Conversation{}, false, fmt.Errorf("find direct conversation: %w", err)
	}
	for _, conv := range found {
		if conv.Kind == KindDirect && conv.IsPair(selfID, peerID) {
			return conv, true, nil
		}
	}
	return Conversation{}, false, nil
}

// CreateDirect inserts a new direct conversation. It does not check for an
// existing one: two first sends racing from both sides can create two rows.
func (c *Conversations) CreateDirect(ctx context.Context, selfID, peerID string) (Conversation, error) {
	if err := validatePair(selfID, peerID); err != nil {
		return Conversation{}, err
	}
	now := c.now().UTC()
	conv, err := c.store.InsertConversation(ctx, Conversation{
		Kind:           KindDirect,
		ParticipantIDs: []string{selfID, peerID},
		CreatedAt:      now,
		LastMessageAt:  now,
	})
	if err != nil {
		c.log.Error().Err(err).Str("peer_id", peerID).Msg("create direct conversation")
		return Conversation{}, fmt.Errorf("create direct conversation: %w", err)
	}
	c.log.Debug().Str("conversation_id", conv.ID).Msg("direct conversation created")
	return conv, nil
}

// CreateGroup inserts a titled group of memberIDs plus the creator.
func (c *Conversations) CreateGroup(ctx context.Context, title string, memberIDs []string, creatorID string) (Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return Conversation{}, invalidf("group title is required")
	}
	if creatorID == "" {
		return Conversation{}, invalidf("creator is required")
	}
	participants := make([]string, 0, len(memberIDs)+1)
	seen := map[string]struct{}{creatorID: {}}
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		participants = append(participants, id)
	}
	if len(participants) < 2 {
		return Conversation{}, invalidf("a group needs at least 2 other members, got %d", len(participants))
	}
	participants = append(participants, creatorID)

	now := c.now().UTC()
	conv, err := c.store.InsertConversation(ctx, Conversation{
		Kind:           KindGroup,
		Title:          title,
		ParticipantIDs: participants,
		CreatedAt:      now,
		LastMessageAt:  now,
	})
	if err != nil {
		c.log.Error().Err(err).Str("title", title).Msg("create group")
		return Conversation{}, fmt.Errorf("create group: %w", err)
	}
	return conv, nil
}

// Group loads a group conversation by id.
func (c *Conversations) Group(ctx context.Context, id string) (Conversation, error) {
	conv, err := c.store.GetConversation(ctx, id)
	if err != nil {
		return Conversation{}, fmt.Errorf("get group %s: %w", id, err)
	}
	if conv.Kind != KindGroup {
		return Conversation{}, fmt.Errorf("get group %s: %w", id, ErrNotFound)
	}
	return conv, nil
}

func validatePair(selfID, peerID string) error {
	switch {
	case selfID == "" || peerID == "":
		return invalidf("both participants are required")
	case selfID == peerID:
		return invalidf("cannot open a direct conversation with yourself")
	}
	return nil
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
