package dispatch

import (
	"context"

	"github.com/Tyrowin/gochat-realtime/internal/event"
	"github.com/Tyrowin/gochat-realtime/internal/notify"
)

// AddUsersToChannel subscribes the live connections of userIDs to the
// channel group, tells them about it and notifies the added users.
func (d *Dispatcher) AddUsersToChannel(ctx context.Context, actorID, channelID string, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	d.sync.OnMembershipChanged(ctx, channelID, userIDs, nil)
	if d.relay != nil {
		d.relay.Notify(ctx, notify.Notice{
			ActorID: actorID,
			UserIDs: userIDs,
			Kind:    notify.KindChannelInvite,
			Title:   "You were added to a channel",
			Link:    "/channels/" + channelID,
		})
	}
}

// RemoveUsersFromChannel unsubscribes the live connections of userIDs from
// the channel group and tells them about it.
func (d *Dispatcher) RemoveUsersFromChannel(ctx context.Context, channelID string, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	d.sync.OnMembershipChanged(ctx, channelID, nil, userIDs)
}

// AddUsersToWorkspace tells the added users' connections about the new
// workspace and notifies them. Channel groups are not touched; channel
// membership changes arrive separately.
func (d *Dispatcher) AddUsersToWorkspace(ctx context.Context, actorID, workspaceID string, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	d.announceWorkspace(ctx, event.AddUserToWorkspace, workspaceID, userIDs)
	if d.relay != nil {
		d.relay.Notify(ctx, notify.Notice{
			ActorID: actorID,
			UserIDs: userIDs,
			Kind:    notify.KindWorkspaceAdded,
			Title:   "You were added to a workspace",
			Link:    "/workspaces/" + workspaceID,
		})
	}
}

// RemoveUsersFromWorkspace tells the removed users' connections.
func (d *Dispatcher) RemoveUsersFromWorkspace(ctx context.Context, workspaceID string, userIDs []string) {
	if len(userIDs) == 0 {
		return
	}
	d.announceWorkspace(ctx, event.RemoveUserFromWorkspace, workspaceID, userIDs)
}

func (d *Dispatcher) announceWorkspace(ctx context.Context, eventType, workspaceID string, userIDs []string) {
	delivered := 0
	for _, userID := range userIDs {
		delivered += d.fanout.ToUsers(ctx, []string{userID}, event.Frame{
			Type:    eventType,
			Payload: event.WorkspaceMembership{WorkspaceID: workspaceID, UserID: userID},
		})
	}
	d.logger.Info().Str("workspace", workspaceID).Str("event", eventType).Int("users", len(userIDs)).Int("delivered", delivered).Msg("Workspace membership announced")
}
