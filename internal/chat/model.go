package chat

import (
	"slices"
	"strings"
	"time"
)

type ConversationKind string

const (
	KindDirect ConversationKind = "direct"
	KindGroup  ConversationKind = "group"
)

type Conversation struct {
	ID             string           `json:"id"`
	Kind           ConversationKind `json:"type"`
	Title          string           `json:"title,omitempty"` // group only
	ParticipantIDs []string         `json:"participant_ids"`
	CreatedAt      time.Time        `json:"created_at"`
	LastMessageAt  time.Time        `json:"last_message_at"`
}

// Has reports whether userID takes part in the conversation.
func (c Conversation) Has(userID string) bool {
	return slices.Contains(c.ParticipantIDs, userID)
}

// IsPair reports whether the conversation is exactly the two given users.
func (c Conversation) IsPair(a, b string) bool {
	return len(c.ParticipantIDs) == 2 && c.Has(a) && c.Has(b)
}

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "image"
	MessageFile  MessageKind = "file"
)

func (k MessageKind) Valid() bool {
	switch k {
	case MessageText, MessageImage, MessageFile:
		return true
	}
	return false
}

type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Kind           MessageKind `json:"kind"`
	AttachmentURL  string      `json:"attachment_url,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	ViewedBy       []string    `json:"viewed_by"`
}

// ViewedByUser reports whether userID is in the viewer set.
func (m Message) ViewedByUser(userID string) bool {
	return slices.Contains(m.ViewedBy, userID)
}

// MergeViewers returns the union of current and added viewer ids, in first-seen
// order, never containing sender. The result is always a superset of current
// (minus sender).
func MergeViewers(sender string, current []string, added ...string) []string {
	out := make([]string, 0, len(current)+len(added))
	seen := make(map[string]struct{}, len(current)+len(added))
	for _, group := range [][]string{current, added} {
		for _, id := range group {
			if id == "" || id == sender {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

type Profile struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	IsActive  bool   `json:"is_active"`
}

func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Viewer is the display identity of someone in a message's viewer set.
type Viewer struct {
	ID        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// TypingSignal is ephemeral and never persisted.
type TypingSignal struct {
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// Contact is one row of the direct-message roster.
type Contact struct {
	Profile
	ConversationID string   `json:"conversation_id,omitempty"`
	LastMessage    *Message `json:"last_message,omitempty"`
}

func (c Contact) lastActivity() time.Time {
	if c.LastMessage == nil {
		return time.Time{}
	}
	return c.LastMessage.CreatedAt
}

// GroupSummary is one row of the group roster.
type GroupSummary struct {
	Conversation
	LastMessage *Message `json:"last_message,omitempty"`
}

// Query types for Store. Zero-valued fields do not filter.

type ConversationQuery struct {
	Kind    ConversationKind
	Members []string // array-contains: every id must be a participant
}

type MessageQuery struct {
	ConversationID string
	ExcludeSender  string // sender_id <> value
	NotViewedBy    string // NOT viewed_by @> {value}
}

type ProfileQuery struct {
	IDs       []string
	ExcludeID string
}

// ProfileUpdate changes only the non-nil fields of a profile.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	AvatarURL *string
}

// Apply returns p with the update's fields set.
func (u ProfileUpdate) Apply(p Profile) Profile {
	if u.FirstName != nil {
		p.FirstName = *u.FirstName
	}
	if u.LastName != nil {
		p.LastName = *u.LastName
	}
	if u.AvatarURL != nil {
		p.AvatarURL = *u.AvatarURL
	}
	return p
}
