package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-messenger/internal/auth"
	"github.com/pelusa-v/pelusa-messenger/internal/chat"
	"github.com/pelusa-v/pelusa-messenger/internal/realtime"
	"github.com/pelusa-v/pelusa-messenger/internal/store/changefeed"
	"github.com/pelusa-v/pelusa-messenger/internal/store/memory"
)

type userAuth string

func (u userAuth) CurrentUser(context.Context) (string, error) { return string(u), nil }

func newMessenger(t *testing.T, self string) (*chat.Messenger, *memory.Store) {
	t.Helper()
	return newMessengerAs(t, userAuth(self))
}

func newMessengerAs(t *testing.T, who chat.Auth) (*chat.Messenger, *memory.Store) {
	t.Helper()
	hub := realtime.NewHub(64, zerolog.Nop())
	t.Cleanup(hub.Close)
	mem := memory.New()
	mem.PutProfile(chat.Profile{ID: "a", FirstName: "Ann", LastName: "Lee"})
	mem.PutProfile(chat.Profile{ID: "b", FirstName: "Bob", LastName: "Ray"})
	mem.PutProfile(chat.Profile{ID: "c", FirstName: "Cid", LastName: "Moe"})
	m := chat.NewMessenger(chat.Deps{
		Auth:     who,
		Store:    changefeed.Wrap(mem, hub, zerolog.Nop()),
		Realtime: hub,
		Log:      zerolog.Nop(),
	}, chat.SessionConfig{})
	return m, mem
}

func TestRunChatCreatesDirectConversationOnFirstLine(t *testing.T) {
	m, mem := newMessenger(t, "a")
	ctx := context.Background()
	d, err := m.OpenDirect(ctx, "b")
	require.NoError(t, err)
	defer d.Close()

	var out bytes.Buffer
	in := strings.NewReader("/typing\nhello bob\n/quit\nnever sent\n")
	require.NoError(t, runChat(ctx, d, nil, in, &out))

	assert.Contains(t, out.String(), "chatting with Bob Ray (away)")
	assert.Contains(t, out.String(), "no messages yet")
	assert.Contains(t, out.String(), "! nobody to notify")

	convs, err := mem.FindConversations(ctx, chat.ConversationQuery{Kind: chat.KindDirect})
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs, err := mem.ListMessages(ctx, chat.MessageQuery{ConversationID: convs[0].ID})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello bob", msgs[0].Content)
}

func TestRunChatPrintsGroupHistory(t *testing.T) {
	m, _ := newMessenger(t, "a")
	ctx := context.Background()
	g, err := m.CreateGroup(ctx, "crew", []string{"b", "c"})
	require.NoError(t, err)

	s, err := m.OpenGroup(ctx, g.ID)
	require.NoError(t, err)
	_, err = s.Send(ctx, "first")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(s.Messages()) == 1 }, time.Second, 5*time.Millisecond)

	var out bytes.Buffer
	require.NoError(t, runChat(ctx, groupChat{s}, nil, strings.NewReader("/seen\n/bogus\n/logout\n"), &out))
	require.NoError(t, s.Close())

	assert.Contains(t, out.String(), "you: first")
	assert.Contains(t, out.String(), "not seen yet")
	assert.Contains(t, out.String(), "! unknown command /bogus")
	assert.Contains(t, out.String(), "! logout is not available here")
}

func TestChatLogoutSignsOutAndEndsRun(t *testing.T) {
	v, err := auth.NewVerifier("secret", "")
	require.NoError(t, err)
	a := &app{log: zerolog.Nop(), session: auth.NewSession(v, zerolog.Nop())}
	token, err := v.Sign("a", time.Minute)
	require.NoError(t, err)
	_, err = a.session.SignIn(token)
	require.NoError(t, err)

	m, mem := newMessengerAs(t, a.session)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer a.closeOnSignOut(cancel)()

	require.NoError(t, m.SetActive(ctx, true))
	g, err := m.CreateGroup(ctx, "crew", []string{"b", "c"})
	require.NoError(t, err)
	s, err := m.OpenGroup(ctx, g.ID)
	require.NoError(t, err)
	defer s.Close()

	in, w := io.Pipe()
	defer w.Close()
	var out bytes.Buffer
	done := make(chan error, 1)
	logout := func(ctx context.Context) error { return m.SignOut(ctx, a.session.SignOut) }
	go func() { done <- runChat(ctx, groupChat{s}, logout, in, &out) }()

	_, err = io.WriteString(w, "/logout\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("chat still running after sign-out")
	}

	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	_, err = a.session.CurrentUser(context.Background())
	assert.ErrorIs(t, err, auth.ErrSignedOut)
	p, err := mem.GetProfile(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, p.IsActive)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "-", preview(nil))

	at := time.Date(2024, 3, 5, 10, 30, 0, 0, time.Local)
	long := strings.Repeat("x", 60)
	got := preview(&chat.Message{Content: long, Kind: chat.MessageText, CreatedAt: at})
	assert.True(t, strings.HasPrefix(got, "Mar 5 10:30  "))
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Len(t, []rune(strings.TrimPrefix(got, "Mar 5 10:30  ")), 40)

	got = preview(&chat.Message{Content: "cat.png", Kind: chat.MessageImage, CreatedAt: at})
	assert.Contains(t, got, "[image] cat.png")
}

func TestPrintContacts(t *testing.T) {
	var out bytes.Buffer
	printContacts(&out, []chat.Contact{
		{Profile: chat.Profile{ID: "b", FirstName: "Bob", LastName: "Ray", IsActive: true}},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "Bob Ray")
	assert.Contains(t, lines[1], "active")
}

func TestPrintClients(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printClients(&out, []relayClient{
		{ID: "c1", UserID: "a", Topics: []string{"messages:1", "profiles"}},
		{ID: "c2", UserID: "b"},
	}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[1], "messages:1,profiles")
	assert.True(t, strings.HasSuffix(lines[2], "-"))
}

func TestRelayHTTPBase(t *testing.T) {
	for in, want := range map[string]string{
		"ws://localhost:8090/realtime":       "http://localhost:8090",
		"wss://chat.example.com/realtime?x=": "https://chat.example.com",
		"http://relay:9000":                  "http://relay:9000",
	} {
		got, err := relayHTTPBase(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := relayHTTPBase("ftp://relay")
	assert.Error(t, err)
}
