package chat_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-messenger/internal/chat"
)

type recorder struct {
	mu   sync.Mutex
	sent []chat.TypingSignal
}

func (r *recorder) emit(_ context.Context, sig chat.TypingSignal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sig)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTyping(mock *clock.Mock, rec *recorder, onChange func()) *chat.Typing {
	self := chat.TypingSignal{UserID: "a", DisplayName: "Ann", ConversationID: "c1"}
	return chat.NewTyping(self, rec.emit, chat.TypingConfig{Clock: mock}, onChange)
}

func TestTypingThrottlesOutboundSignals(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	rec := &recorder{}
	ty := newTyping(mock, rec, nil)
	defer ty.Close()
	ctx := context.Background()

	sent, err := ty.InputChanged(ctx)
	require.NoError(t, err)
	assert.True(t, sent)

	for i := 0; i < 5; i++ {
		mock.Add(500 * time.Millisecond)
		sent, err = ty.InputChanged(ctx)
		require.NoError(t, err)
		assert.False(t, sent, "keystroke %d inside cooldown", i)
	}
	assert.Equal(t, 1, rec.count())

	mock.Add(600 * time.Millisecond)
	sent, err = ty.InputChanged(ctx)
	require.NoError(t, err)
	assert.True(t, sent)
	assert.Equal(t, 2, rec.count())
	assert.Equal(t, "Ann", rec.sent[1].DisplayName)
}

func TestTypingComposingResetsAfterIdle(t *testing.T) {
	mock := clock.NewMock()
	ty := newTyping(mock, &recorder{}, nil)
	defer ty.Close()

	_, err := ty.InputChanged(context.Background())
	require.NoError(t, err)
	assert.True(t, ty.Composing())

	mock.Add(chat.DefaultComposeIdle + time.Millisecond)
	require.Eventually(t, func() bool { return !ty.Composing() }, time.Second, time.Millisecond)
}

func TestTypingExpiresAfterLatestSignal(t *testing.T) {
	mock := clock.NewMock()
	var changes atomic.Int32
	ty := newTyping(mock, &recorder{}, func() { changes.Add(1) })
	defer ty.Close()

	ty.Receive(chat.TypingSignal{UserID: "b", DisplayName: "Bob"})
	assert.Equal(t, "Bob is typing", ty.Indicator())

	mock.Add(time.Second)
	ty.Receive(chat.TypingSignal{UserID: "b", DisplayName: "Bob"})

	mock.Add(1500 * time.Millisecond)
	assert.Equal(t, "Bob is typing", ty.Indicator(), "second signal extends visibility")

	mock.Add(time.Second)
	assert.Empty(t, ty.Typers())
	assert.Equal(t, "", ty.Indicator())
	require.Eventually(t, func() bool { return changes.Load() >= 3 }, time.Second, time.Millisecond)
}

func TestTypingSingleSignalBoundary(t *testing.T) {
	mock := clock.NewMock()
	ty := newTyping(mock, &recorder{}, nil)
	defer ty.Close()

	ty.Receive(chat.TypingSignal{UserID: "b", DisplayName: "Bob"})
	mock.Add(chat.DefaultTypingExpiry - time.Millisecond)
	assert.Equal(t, "Bob is typing", ty.Indicator())

	mock.Add(time.Millisecond)
	assert.Empty(t, ty.Typers())
	assert.Equal(t, "", ty.Indicator())
}

func TestTypingIgnoresSelfAndAnonymous(t *testing.T) {
	ty := newTyping(clock.NewMock(), &recorder{}, nil)
	defer ty.Close()

	ty.Receive(chat.TypingSignal{UserID: "a", DisplayName: "Ann"})
	ty.Receive(chat.TypingSignal{DisplayName: "nobody"})
	assert.Empty(t, ty.Typers())
}

func TestTypingKeepsFirstSeenOrder(t *testing.T) {
	ty := newTyping(clock.NewMock(), &recorder{}, nil)
	defer ty.Close()

	ty.Receive(chat.TypingSignal{UserID: "b", DisplayName: "Bob"})
	ty.Receive(chat.TypingSignal{UserID: "c", DisplayName: "Cid"})
	ty.Receive(chat.TypingSignal{UserID: "b", DisplayName: "Bob"})
	assert.Equal(t, "Bob and Cid are typing", ty.Indicator())

	ty.Receive(chat.TypingSignal{UserID: "d", DisplayName: "Dee"})
	assert.Equal(t, "3 people are typing", ty.Indicator())

	ty.Clear()
	assert.Empty(t, ty.Typers())
}

func TestTypingClose(t *testing.T) {
	mock := clock.NewMock()
	rec := &recorder{}
	ty := newTyping(mock, rec, nil)

	ty.Receive(chat.TypingSignal{UserID: "b", DisplayName: "Bob"})
	ty.Close()
	ty.Close()

	assert.Empty(t, ty.Typers())
	_, err := ty.InputChanged(context.Background())
	assert.ErrorIs(t, err, chat.ErrClosed)
	ty.Receive(chat.TypingSignal{UserID: "c", DisplayName: "Cid"})
	assert.Empty(t, ty.Typers())
	assert.Zero(t, rec.count())
}

func TestTypingIndicator(t *testing.T) {
	cases := []struct {
		names []string
		want  string
	}{
		{nil, ""},
		{[]string{"Bob"}, "Bob is typing"},
		{[]string{""}, "Someone is typing"},
		{[]string{"Bob", "Cid"}, "Bob and Cid are typing"},
		{[]string{"Bob", "Cid", "Dee", "Eve"}, "4 people are typing"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, chat.TypingIndicator(tc.names))
	}
}
