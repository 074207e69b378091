package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-realtime/internal/chat"
	"github.com/Tyrowin/gochat-realtime/internal/chat/memchat"
	"github.com/Tyrowin/gochat-realtime/internal/dispatch"
	"github.com/Tyrowin/gochat-realtime/internal/event"
)

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, caller dispatch.Caller, in event.InboundFrame) {
	m.Called(ctx, caller, in)
}

func (m *mockDispatcher) AddUsersToChannel(ctx context.Context, actorID, channelID string, userIDs []string) {
	m.Called(ctx, actorID, channelID, userIDs)
}

func (m *mockDispatcher) RemoveUsersFromChannel(ctx context.Context, channelID string, userIDs []string) {
	m.Called(ctx, channelID, userIDs)
}

func (m *mockDispatcher) AddUsersToWorkspace(ctx context.Context, actorID, workspaceID string, userIDs []string) {
	m.Called(ctx, actorID, workspaceID, userIDs)
}

func (m *mockDispatcher) RemoveUsersFromWorkspace(ctx context.Context, workspaceID string, userIDs []string) {
	m.Called(ctx, workspaceID, userIDs)
}

func membersOf(t *testing.T, store *memchat.Store, channelID string) []string {
	t.Helper()
	members, err := store.MembersOfChannel(context.Background(), channelID)
	require.NoError(t, err)
	return members
}

func TestLocalMembershipUpdatesChatBeforeAnnouncing(t *testing.T) {
	store := memchat.New()
	store.AddUser("bob")
	store.AddChannel("general", "ws1", "alice")

	inner := new(mockDispatcher)
	m := localMembership{Dispatcher: inner, chat: store}
	ctx := context.Background()

	inner.On("AddUsersToChannel", ctx, "alice", "general", []string{"bob"}).Run(func(mock.Arguments) {
		assert.Contains(t, membersOf(t, store, "general"), "bob", "member before the groups are joined")
	}).Once()
	m.AddUsersToChannel(ctx, "alice", "general", []string{"bob"})

	_, err := store.SendMessage(ctx, "bob", chat.SendMessageRequest{ChannelID: "general", Content: "hi"})
	require.NoError(t, err, "an added user can send to the channel")

	inner.On("RemoveUsersFromChannel", ctx, "general", []string{"bob"}).Run(func(mock.Arguments) {
		assert.NotContains(t, membersOf(t, store, "general"), "bob")
	}).Once()
	m.RemoveUsersFromChannel(ctx, "general", []string{"bob"})

	_, err = store.SendMessage(ctx, "bob", chat.SendMessageRequest{ChannelID: "general", Content: "hi"})
	assert.Error(t, err)
	inner.AssertExpectations(t)
}

func TestLocalMembershipPassesWorkspaceChangesThrough(t *testing.T) {
	inner := new(mockDispatcher)
	m := localMembership{Dispatcher: inner, chat: memchat.New()}
	ctx := context.Background()

	inner.On("AddUsersToWorkspace", ctx, "alice", "ws1", []string{"bob"}).Once()
	inner.On("RemoveUsersFromWorkspace", ctx, "ws1", []string{"carol"}).Once()
	m.AddUsersToWorkspace(ctx, "alice", "ws1", []string{"bob"})
	m.RemoveUsersFromWorkspace(ctx, "ws1", []string{"carol"})
	inner.AssertExpectations(t)
}
