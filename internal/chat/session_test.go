package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-messenger/internal/chat"
	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
)

func TestSessionDeliversSentMessageToPeer(t *testing.T) {
	e := newEnv(t, ann, bob)
	conv := e.conversation(chat.KindDirect, "a", "b")
	sa := e.session("a", conv, chat.SessionConfig{})
	sb := e.session("b", conv, chat.SessionConfig{})

	sent, err := sa.Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "a", sent.SenderID)
	assert.Empty(t, sent.ViewedBy)

	for _, s := range []*chat.Session{sa, sb} {
		msgs := waitMessages(t, s, 1)
		assert.Equal(t, sent.ID, msgs[0].ID)
		assert.Equal(t, "hi", msgs[0].Content)
	}

	got, err := e.mem.GetConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	assert.True(t, got.LastMessageAt.Equal(sent.CreatedAt))
}

func TestSessionLoadsHistoryInOrder(t *testing.T) {
	e := newEnv(t, ann, bob)
	conv := e.conversation(chat.KindDirect, "a", "b")
	ctx := context.Background()
	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		m, err := e.count.InsertMessage(ctx, chat.Message{ConversationID: conv.ID, SenderID: "b", Content: text})
		require.NoError(t, err)
		ids = append(ids, m.ID)
	}

	s := e.session("a", conv, chat.SessionConfig{})
	assert.Equal(t, chat.StateLive, s.State())
	msgs := s.Messages()
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
	}
}

func TestSessionDeduplicatesLiveInserts(t *testing.T) {
	e := newEnv(t, ann, bob)
	conv := e.conversation(chat.KindDirect, "a", "b")
	s := e.session("a", conv, chat.SessionConfig{})

	m := chat.Message{ID: "m1", ConversationID: conv.ID, SenderID: "b", Content: "hi", Kind: chat.MessageText, CreatedAt: time.Now()}
	ev, err := realtime.NewEvent(chat.MessagesTopic(conv.ID), realtime.EventInsert, "messages", m)
	require.NoError(t, err)
	require.NoError(t, e.hub.Publish(context.Background(), ev))
	require.NoError(t, e.hub.Publish(context.Background(), ev))

	other := m
	other.ID, other.ConversationID = "m2", "elsewhere"
	ev2, _ := realtime.NewEvent(chat.MessagesTopic(conv.ID), realtime.EventInsert, "messages", other)
	require.NoError(t, e.hub.Publish(context.Background(), ev2))

	waitMessages(t, s, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.Messages(), 1)
}

// racingStore publishes the INSERT for a row it is about to return, the way
// a write landing between subscribe and history fetch looks to a session.
type racingStore struct {
	chat.Store
	hub *realtime.Hub
}

func (r racingStore) ListMessages(ctx context.Context, q chat.MessageQuery) ([]chat.Message, error) {
	msgs, err := r.Store.ListMessages(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		ev, err := realtime.NewEvent(chat.MessagesTopic(m.ConversationID), realtime.EventInsert, "messages", m)
		if err != nil {
			return nil, err
		}
		if err := r.hub.Publish(ctx, ev); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func TestSessionMergesInsertOverlappingHistoryOnce(t *testing.T) {
	e := newEnv(t, ann, bob)
	conv := e.conversation(chat.KindDirect, "a", "b")
	ctx := context.Background()
	m, err := e.mem.InsertMessage(ctx, chat.Message{ConversationID: conv.ID, SenderID: "b", Content: "raced"})
	require.NoError(t, err)

	deps := e.deps("a")
	deps.Store = racingStore{Store: e.count, hub: e.hub}
	s, err := chat.NewSession(deps, "a", conv, chat.SessionConfig{})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	defer s.Close()

	msgs := waitMessages(t, s, 1)
	assert.Equal(t, m.ID, msgs[0].ID)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, s.Messages(), 1)
}

func TestSessionIgnoresUpdateEvents(t *testing.T) {
	e := newEnv(t, ann, bob)
	conv := e.conversation(chat.KindDirect, "a", "b")
	s := e.session("a", conv, chat.SessionConfig{})

	sent, err := s.Send(context.Background(), "original")
	require.NoError(t, err)
	waitMessages(t, s, 1)

	edited := sent
	edited.Content = "edited"
	edited.ViewedBy = []string{"b"}
	ev, _ := realtime.NewEvent(chat.MessagesTopic(conv.ID), realtime.EventUpdate, "messages", edited)
	require.NoError(t, e.hub.Publish(context.Background(), ev))
	time.Sleep(20 * time.Millisecond)

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "original", msgs[0].Content)
	assert.Empty(t, msgs[0].ViewedBy)
}

func TestSessionStateGuards(t *testing.T) {
	e := newEnv(t, ann, bob)
	conv := e.conversation(chat.KindDirect, "a", "b")
	ctx := context.Background()

	s, err := chat.NewSession(e.deps("a"), "a", conv, chat.SessionConfig{})
	require.NoError(t, err)
	assert.Equal(t, chat.StateUninitialized, s.State())
	_, err = s.Send(ctx, "early")
	assert.ErrorIs(t, err, chat.ErrNotLive)

	require.NoError(t, s.Start(ctx))
	assert.ErrorIs(t, s.Start(ctx), chat.ErrInvalid)

	_, err = s.Send(ctx, "   ")
	assert.ErrorIs(t, err, chat.ErrInvalid)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, chat.StateClosed, s.State())
	_, err = s.Send(ctx, "late")
	assert.ErrorIs(t, err, chat.ErrClosed)

	_, err = chat.NewSession(e.deps("a"), "", conv, chat.SessionConfig{})
	assert.ErrorIs(t, err, chat.ErrInvalid)
}

func TestSessionCloseReleasesSubscriptions(t *testing.T) {
	e := newEnv(t, ann, bob)
	conv := e.conversation(chat.KindDirect, "a", "b")
	s := e.session("a", conv, chat.SessionConfig{})

	assert.Equal(t, 1, e.hub.Subscribers(chat.MessagesTopic(conv.ID)))
	assert.Equal(t, 1, e.hub.Subscribers(chat.TypingTopic(conv.ID)))
	assert.Equal(t, 1, e.hub.Subscribers(chat.TopicProfiles))

	require.NoError(t, s.Close())
	assert.Zero(t, e.hub.Subscribers(chat.MessagesTopic(conv.ID)))
	assert.Zero(t, e.hub.Subscribers(chat.TypingTopic(conv.ID)))
	assert.Zero(t, e.hub.Subscribers(chat.TopicProfiles))
}

func TestSessionTracksPeerPresence(t *testing.T) {
	e := newEnv(t, ann, bob)
	conv := e.conversation(chat.KindDirect, "a", "b")
	s := e.session("a", conv, chat.SessionConfig{})

	active, known := s.Active("b")
	require.True(t, known)
	assert.False(t, active)

	_, err := e.count.SetActive(context.Background(), "b", true)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		active, _ := s.Active("b")
		return active
	}, time.Second, 5*time.Millisecond)
}

func TestSessionTypingRoundTrip(t *testing.T) {
	e := newEnv(t, ann, bob)
	conv := e.conversation(chat.KindDirect, "a", "b")
	sa := e.session("a", conv, chat.SessionConfig{})
	sb := e.session("b", conv, chat.SessionConfig{})

	sent, err := sa.Typing().InputChanged(context.Background())
	require.NoError(t, err)
	assert.True(t, sent)

	require.Eventually(t, func() bool { return sb.Typing().Indicator() == "Ann is typing" }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sa.Typing().Typers(), "own signal is not shown")
}

func TestSessionSendAttachment(t *testing.T) {
	e := newEnv(t, ann, bob)
	conv := e.conversation(chat.KindGroup, "a", "b", "c")
	s := e.session("a", conv, chat.SessionConfig{AttachmentBucket: "files"})
	ctx := context.Background()

	m, err := s.SendAttachment(ctx, "photo.png", []byte{0x89, 'P', 'N', 'G'}, chat.MessageImage)
	require.NoError(t, err)
	assert.Equal(t, chat.MessageImage, m.Kind)
	assert.Equal(t, "photo.png", m.Content)
	assert.Contains(t, m.AttachmentURL, "https://files.test/files/")
	assert.Contains(t, m.AttachmentURL, ".png")
	assert.Len(t, e.files.uploads, 1)

	_, err = s.SendAttachment(ctx, "x.txt", []byte("x"), chat.MessageText)
	assert.ErrorIs(t, err, chat.ErrInvalid)
	_, err = s.SendAttachment(ctx, "x.txt", nil, chat.MessageFile)
	assert.ErrorIs(t, err, chat.ErrInvalid)
}

func TestSessionProfileCache(t *testing.T) {
	e := newEnv(t, ann, bob, cid)
	conv := e.conversation(chat.KindDirect, "a", "b")
	s := e.session("a", conv, chat.SessionConfig{})
	ctx := context.Background()

	before := e.count.listProfiles.Load()
	p, err := s.Profile(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, "Bob", p.FirstName)
	assert.Equal(t, before, e.count.listProfiles.Load())

	p, err = s.Profile(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "Cid", p.FirstName)

	_, err = s.Profile(ctx, "ghost")
	assert.ErrorIs(t, err, chat.ErrNotFound)
}
