package chat

import (
	"context"
	"time"

	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
)

// Auth resolves the signed-in user.
type Auth interface {
	CurrentUser(ctx context.Context) (string, error)
}

// Store is the relational backend. Implementations return ErrNotFound for
// missing single rows.
type Store interface {
	FindConversations(ctx context.Context, q ConversationQuery) ([]Conversation, error)
	GetConversation(ctx context.Context, id string) (Conversation, error)
	InsertConversation(ctx context.Context, c Conversation) (Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error

	// ListMessages returns rows ordered by created_at ascending.
	ListMessages(ctx context.Context, q MessageQuery) ([]Message, error)
	GetMessage(ctx context.Context, id string) (Message, error)
	InsertMessage(ctx context.Context, m Message) (Message, error)
	// AddViewer unions viewerID into viewed_by of every listed message not
	// sent by viewerID, in a single write, and returns the updated rows.
	AddViewer(ctx context.Context, messageIDs []string, viewerID string) ([]Message, error)
	// LatestMessages returns the newest message per conversation id.
	LatestMessages(ctx context.Context, conversationIDs []string) (map[string]Message, error)

	ListProfiles(ctx context.Context, q ProfileQuery) ([]Profile, error)
	GetProfile(ctx context.Context, id string) (Profile, error)
	SetActive(ctx context.Context, userID string, active bool) (Profile, error)
	UpdateProfile(ctx context.Context, userID string, u ProfileUpdate) (Profile, error)
}

// ObjectStorage stores attachment bytes and returns a public URL.
type ObjectStorage interface {
	Upload(ctx context.Context, bucket, path string, data []byte) (string, error)
}

// Realtime is the pub/sub transport. Subscribe returns once the subscription
// is active.
type Realtime interface {
	Subscribe(ctx context.Context, topic string, types ...realtime.EventType) (*realtime.Subscription, error)
	Publish(ctx context.Context, ev realtime.Event) error
}
