package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"skillchat/internal/domain/chat"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestConversationPaging(t *testing.T) {
	repo := NewMessageRepository()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		from, to := chat.UserID("a"), chat.UserID("b")
		if i%2 == 1 {
			from, to = to, from
		}
		require.NoError(t, repo.Save(ctx, chat.Message{
			ID: chat.MessageID(fmt.Sprintf("m%d", i)), SenderID: from, ReceiverID: to,
			CreatedAt: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Save(ctx, chat.Message{ID: "other", SenderID: "a", ReceiverID: "c", CreatedAt: t0}))

	ids := func(msgs []chat.Message) []chat.MessageID {
		var out []chat.MessageID
		for _, m := range msgs {
			out = append(out, m.ID)
		}
		return out
	}

	page1, err := repo.Conversation(ctx, "b", "a", chat.PageQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []chat.MessageID{"m3", "m4"}, ids(page1))

	page3, err := repo.Conversation(ctx, "a", "b", chat.PageQuery{Page: 3, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []chat.MessageID{"m0"}, ids(page3))

	page4, err := repo.Conversation(ctx, "a", "b", chat.PageQuery{Page: 4, Limit: 2})
	require.NoError(t, err)
	assert.Empty(t, page4)

	before, err := repo.Conversation(ctx, "a", "b", chat.PageQuery{Before: t0.Add(2 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []chat.MessageID{"m0", "m1"}, ids(before))

	assert.ErrorIs(t, repo.Save(ctx, chat.Message{}), ErrMessageIDRequired)
}

func TestMarkReadOnlyTouchesSenderToReader(t *testing.T) {
	repo := NewMessageRepository()
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, chat.Message{ID: "m1", SenderID: "b", ReceiverID: "a", CreatedAt: t0}))
	require.NoError(t, repo.Save(ctx, chat.Message{ID: "m2", SenderID: "a", ReceiverID: "b", CreatedAt: t0}))
	require.NoError(t, repo.Save(ctx, chat.Message{ID: "m3", SenderID: "b", ReceiverID: "a", CreatedAt: t0, IsRead: true}))

	ids, err := repo.MarkRead(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, []chat.MessageID{"m1"}, ids)

	again, err := repo.MarkRead(ctx, "a", "b")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestConnections(t *testing.T) {
	repo := NewConnectionRepository()
	ctx := context.Background()
	me := chat.Friend{ID: "me", Name: "Me"}
	require.NoError(t, repo.Connect(ctx, me, chat.Friend{ID: "f1", Name: "Ada"}, t0))
	require.NoError(t, repo.Connect(ctx, me, chat.Friend{ID: "f2", Name: "Bob"}, t0.Add(time.Hour)))

	friends, err := repo.Friends(ctx, "me")
	require.NoError(t, err)
	require.Len(t, friends, 2)
	assert.Equal(t, chat.UserID("f2"), friends[0].ID)
	assert.NotEmpty(t, friends[0].ConnectionID)

	theirs, err := repo.Friends(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, theirs, 1)
	assert.Equal(t, "Me", theirs[0].Name)
	assert.Equal(t, friends[1].ConnectionID, theirs[0].ConnectionID)

	require.NoError(t, repo.Delete(ctx, "f1", "me"))
	friends, err = repo.Friends(ctx, "me")
	require.NoError(t, err)
	assert.Len(t, friends, 1)
	assert.ErrorIs(t, repo.Delete(ctx, "me", "f1"), chat.ErrConnectionNotFound)
	assert.ErrorIs(t, repo.Connect(ctx, me, chat.Friend{}, t0), chat.ErrFriendIDRequired)
}
