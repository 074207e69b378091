package main

import (
	"context"

	"github.com/Tyrowin/gochat-realtime/internal/chat/memchat"
	"github.com/Tyrowin/gochat-realtime/internal/server"
)

// localMembership applies channel membership hooks to the in-process chat
// store before announcing them, so a user added through the hook can also
// send to the channel. The binary always runs on memchat, which has no
// other source of membership changes.
type localMembership struct {
	server.Dispatcher
	chat *memchat.Store
}

var _ server.Dispatcher = localMembership{}

func (m localMembership) AddUsersToChannel(ctx context.Context, actorID, channelID string, userIDs []string) {
	for _, userID := range userIDs {
		m.chat.AddChannelMember(channelID, userID)
	}
	m.Dispatcher.AddUsersToChannel(ctx, actorID, channelID, userIDs)
}

func (m localMembership) RemoveUsersFromChannel(ctx context.Context, channelID string, userIDs []string) {
	for _, userID := range userIDs {
		m.chat.RemoveChannelMember(channelID, userID)
	}
	m.Dispatcher.RemoveUsersFromChannel(ctx, channelID, userIDs)
}
