package memchat_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-realtime/internal/chat"
	"github.com/Tyrowin/gochat-realtime/internal/chat/memchat"
)

const seedYAML = `
users: [alice, bob, carol, dave]
channels:
  - id: general
    workspace_id: acme
    owner_id: alice
    members:
      - user_id: bob
      - user_id: carol
        permissions: [delete_others_messages]
`

func newStore(t *testing.T) *memchat.Store {
	t.Helper()
	s, err := memchat.LoadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	return s
}

func requireCode(t *testing.T, err error, code chat.Code) {
	t.Helper()
	domainErr, ok := chat.AsError(err)
	require.True(t, ok, "expected *chat.Error, got %v", err)
	assert.Equal(t, code, domainErr.Code)
}

func TestLoadSeedMemberships(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	channels, err := s.ChannelsOfUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"general"}, channels)

	members, err := s.MembersOfChannel(ctx, "general")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, members)

	perms, err := s.PermissionsOfUser(ctx, "carol", "general")
	require.NoError(t, err)
	assert.Equal(t, []string{chat.PermissionDeleteOthersMessages}, perms)

	channels, err = s.ChannelsOfUser(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, channels)
}

func TestSendMessageValidation(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	_, err := s.SendMessage(ctx, "alice", chat.SendMessageRequest{ChannelID: "general"})
	requireCode(t, err, chat.CodeBadRequest)

	_, err = s.SendMessage(ctx, "alice", chat.SendMessageRequest{ChannelID: "general", ReceiverID: "bob", Content: "hi"})
	requireCode(t, err, chat.CodeBadRequest)

	_, err = s.SendMessage(ctx, "alice", chat.SendMessageRequest{ChannelID: "missing", Content: "hi"})
	requireCode(t, err, chat.CodeNotFound)

	_, err = s.SendMessage(ctx, "dave", chat.SendMessageRequest{ChannelID: "general", Content: "hi"})
	requireCode(t, err, chat.CodeForbidden)

	_, err = s.SendMessage(ctx, "alice", chat.SendMessageRequest{ReceiverID: "nobody", Content: "hi"})
	requireCode(t, err, chat.CodeNotFound)
}

func TestSendChannelMessage(t *testing.T) {
	s := newStore(t)

	msg, err := s.SendMessage(context.Background(), "bob", chat.SendMessageRequest{ChannelID: "general", Content: " hello "})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "acme", msg.WorkspaceID)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, "bob", msg.SenderID)
	assert.False(t, msg.IsDirect())
}

func TestUpdateMessageAuthorOnly(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg, err := s.SendMessage(ctx, "bob", chat.SendMessageRequest{ChannelID: "general", Content: "v1"})
	require.NoError(t, err)

	_, err = s.UpdateMessage(ctx, "alice", chat.UpdateMessageRequest{MessageID: msg.ID, Content: "v2"})
	requireCode(t, err, chat.CodeForbidden)

	updated, err := s.UpdateMessage(ctx, "bob", chat.UpdateMessageRequest{MessageID: msg.ID, Content: "v2"})
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Content)
	assert.True(t, updated.Edited)
}

func TestDeleteForSelfHidesOnlyForCaller(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg, err := s.SendMessage(ctx, "bob", chat.SendMessageRequest{ChannelID: "general", Content: "hi"})
	require.NoError(t, err)

	deleted, err := s.DeleteMessage(ctx, "alice", chat.DeleteMessageRequest{MessageID: msg.ID})
	require.NoError(t, err)
	assert.Equal(t, chat.DeleteForSelf, deleted.Scope)

	_, err = s.PinMessage(ctx, "alice", chat.PinMessageRequest{MessageID: msg.ID})
	requireCode(t, err, chat.CodeNotFound)

	_, err = s.PinMessage(ctx, "bob", chat.PinMessageRequest{MessageID: msg.ID})
	require.NoError(t, err)
}

func TestDeleteForEveryonePermissions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	send := func() string {
		msg, err := s.SendMessage(ctx, "bob", chat.SendMessageRequest{ChannelID: "general", Content: "hi"})
		require.NoError(t, err)
		return msg.ID
	}

	everyone := func(userID, messageID string) error {
		_, err := s.DeleteMessage(ctx, userID, chat.DeleteMessageRequest{MessageID: messageID, Scope: chat.DeleteForEveryone})
		return err
	}

	id := send()
	require.NoError(t, everyone("bob", id), "author may delete")
	requireCode(t, everyone("bob", id), chat.CodeNotFound)

	id = send()
	require.NoError(t, everyone("alice", id), "channel owner may delete")

	id = send()
	require.NoError(t, everyone("carol", id), "permission holder may delete")

	s.AddChannelMember("general", "dave")
	id = send()
	requireCode(t, everyone("dave", id), chat.CodeForbidden)
}

func TestDirectMessageVisibility(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg, err := s.SendMessage(ctx, "alice", chat.SendMessageRequest{ReceiverID: "dave", Content: "psst"})
	require.NoError(t, err)
	assert.True(t, msg.IsDirect())

	_, err = s.ReadMessage(ctx, "bob", chat.ReadMessageRequest{MessageID: msg.ID})
	requireCode(t, err, chat.CodeNotFound)

	read, err := s.ReadMessage(ctx, "dave", chat.ReadMessageRequest{MessageID: msg.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, read.ReadBy)

	read, err = s.ReadMessage(ctx, "dave", chat.ReadMessageRequest{MessageID: msg.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{"dave"}, read.ReadBy, "reading twice records once")

	_, err = s.DeleteMessage(ctx, "dave", chat.DeleteMessageRequest{MessageID: msg.ID, Scope: chat.DeleteForEveryone})
	requireCode(t, err, chat.CodeForbidden)
}

func TestReactAndPinToggle(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	msg, err := s.SendMessage(ctx, "alice", chat.SendMessageRequest{ChannelID: "general", Content: "vote"})
	require.NoError(t, err)

	reacted, err := s.ReactMessage(ctx, "bob", chat.ReactMessageRequest{MessageID: msg.ID, Emoji: "+1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, reacted.Reactions["+1"])

	reacted, err = s.ReactMessage(ctx, "bob", chat.ReactMessageRequest{MessageID: msg.ID, Emoji: "+1"})
	require.NoError(t, err)
	assert.NotContains(t, reacted.Reactions, "+1")

	pinned, err := s.PinMessage(ctx, "bob", chat.PinMessageRequest{MessageID: msg.ID})
	require.NoError(t, err)
	assert.True(t, pinned.Pinned)

	pinned, err = s.PinMessage(ctx, "bob", chat.PinMessageRequest{MessageID: msg.ID})
	require.NoError(t, err)
	assert.False(t, pinned.Pinned)
}
