package chat_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-messenger/internal/chat"
)

func TestResolveDirectExactPairOnly(t *testing.T) {
	e := newEnv(t, ann, bob, cid)
	ctx := context.Background()
	convs := chat.NewConversations(e.count, zerolog.Nop())

	// a direct row with a stray third participant must not match
	e.conversation(chat.KindDirect, "a", "b", "c")
	e.conversation(chat.KindGroup, "a", "b")

	_, ok, err := convs.ResolveDirect(ctx, "a", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	created, err := convs.CreateDirect(ctx, "a", "b")
	require.NoError(t, err)

	got, ok, err := convs.ResolveDirect(ctx, "b", "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, created.ID, got.ID)

	_, _, err = convs.ResolveDirect(ctx, "a", "a")
	assert.ErrorIs(t, err, chat.ErrInvalid)
}

func TestCreateGroup(t *testing.T) {
	e := newEnv(t, ann, bob, cid)
	ctx := context.Background()
	convs := chat.NewConversations(e.count, zerolog.Nop())

	g, err := convs.CreateGroup(ctx, "  Team ", []string{"b", "c", "b", "a", ""}, "a")
	require.NoError(t, err)
	assert.Equal(t, "Team", g.Title)
	assert.Equal(t, chat.KindGroup, g.Kind)
	assert.Equal(t, []string{"b", "c", "a"}, g.ParticipantIDs)

	loaded, err := convs.Group(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, g.ID, loaded.ID)

	_, err = convs.CreateGroup(ctx, " ", []string{"b", "c"}, "a")
	assert.ErrorIs(t, err, chat.ErrInvalid)
	_, err = convs.CreateGroup(ctx, "Pair", []string{"b", "a"}, "a")
	assert.ErrorIs(t, err, chat.ErrInvalid)

	direct, err := convs.CreateDirect(ctx, "a", "b")
	require.NoError(t, err)
	_, err = convs.Group(ctx, direct.ID)
	assert.True(t, chat.IsNotFound(err))
}
