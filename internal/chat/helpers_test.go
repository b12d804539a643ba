package chat_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-messenger/internal/chat"
	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
	"github.com/pelusa-v/pelusa-messenger/internal/store/changefeed"
	"github.com/pelusa-v/pelusa-messenger/internal/store/memory"
)

type staticAuth string

func (a staticAuth) CurrentUser(context.Context) (string, error) { return string(a), nil }

// countingStore records how often the batched calls reach the backend.
type countingStore struct {
	chat.Store
	addViewer    atomic.Int32
	listProfiles atomic.Int32
}

func (c *countingStore) AddViewer(ctx context.Context, ids []string, viewerID string) ([]chat.Message, error) {
	c.addViewer.Add(1)
	return c.Store.AddViewer(ctx, ids, viewerID)
}

func (c *countingStore) ListProfiles(ctx context.Context, q chat.ProfileQuery) ([]chat.Profile, error) {
	c.listProfiles.Add(1)
	return c.Store.ListProfiles(ctx, q)
}

type fakeStorage struct {
	mu      sync.Mutex
	uploads map[string][]byte
}

func (f *fakeStorage) Upload(_ context.Context, bucket, path string, data []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploads == nil {
		f.uploads = map[string][]byte{}
	}
	f.uploads[bucket+"/"+path] = data
	return "https://files.test/" + bucket + "/" + path, nil
}

// env is one shared backend: memory rows, a change feed and an in-process hub.
type env struct {
	t     *testing.T
	mem   *memory.Store
	count *countingStore
	hub   *realtime.Hub
	files *fakeStorage
}

func newEnv(t *testing.T, profiles ...chat.Profile) *env {
	t.Helper()
	hub := realtime.NewHub(64, zerolog.Nop())
	t.Cleanup(hub.Close)
	mem := memory.New()
	for _, p := range profiles {
		mem.PutProfile(p)
	}
	return &env{
		t:     t,
		mem:   mem,
		count: &countingStore{Store: changefeed.Wrap(mem, hub, zerolog.Nop())},
		hub:   hub,
		files: &fakeStorage{},
	}
}

func (e *env) deps(userID string) chat.Deps {
	return chat.Deps{
		Auth:     staticAuth(userID),
		Store:    e.count,
		Realtime: e.hub,
		Storage:  e.files,
		Log:      zerolog.Nop(),
	}
}

func (e *env) messenger(userID string) *chat.Messenger {
	return chat.NewMessenger(e.deps(userID), chat.SessionConfig{})
}

func (e *env) conversation(kind chat.ConversationKind, ids ...string) chat.Conversation {
	e.t.Helper()
	conv, err := e.count.InsertConversation(context.Background(), chat.Conversation{Kind: kind, Title: "t", ParticipantIDs: ids})
	require.NoError(e.t, err)
	return conv
}

func (e *env) session(userID string, conv chat.Conversation, cfg chat.SessionConfig) *chat.Session {
	e.t.Helper()
	s, err := chat.NewSession(e.deps(userID), userID, conv, cfg)
	require.NoError(e.t, err)
	require.NoError(e.t, s.Start(context.Background()))
	e.t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitMessages(t *testing.T, s *chat.Session, n int) []chat.Message {
	t.Helper()
	require.Eventually(t, func() bool { return len(s.Messages()) == n }, time.Second, 5*time.Millisecond)
	return s.Messages()
}

var (
	ann = chat.Profile{ID: "a", FirstName: "Ann", LastName: "Lee"}
	bob = chat.Profile{ID: "b", FirstName: "Bob", LastName: "Ray"}
	cid = chat.Profile{ID: "c", FirstName: "Cid", LastName: "Moe"}
	dee = chat.Profile{ID: "d", FirstName: "Dee", LastName: "Fox"}
)
