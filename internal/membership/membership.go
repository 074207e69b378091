// Package membership mirrors users' channel memberships onto the transport's
// group primitive, one group per channel id. Sync happens at connect,
// disconnect and whenever the channel services report a change; there is no
// background reconciliation.
package membership

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-realtime/internal/chat"
	"github.com/Tyrowin/gochat-realtime/internal/event"
	"github.com/Tyrowin/gochat-realtime/internal/fanout"
)

// Groups is the transport's group primitive. JoinGroup reports false when
// the connection is no longer live.
type Groups interface {
	JoinGroup(connectionID, group string) bool
	LeaveGroup(connectionID, group string)
}

// Connections resolves the live connections of a user.
type Connections interface {
	ConnectionsOf(userID string) []string
}

// Sync keeps connection groups aligned with channel membership.
type Sync struct {
	channels    chat.MembershipService
	connections Connections
	groups      Groups
	fanout      *fanout.Fanout
	logger      zerolog.Logger
}

// NewSync returns a Sync.
func NewSync(channels chat.MembershipService, connections Connections, groups Groups, f *fanout.Fanout, logger zerolog.Logger) *Sync {
	return &Sync{
		channels:    channels,
		connections: connections,
		groups:      groups,
		fanout:      f,
		logger:      logger.With().Str("component", "membership").Logger(),
	}
}

// OnConnect joins connectionID to the group of every channel userID is
// currently a member of.
func (s *Sync) OnConnect(ctx context.Context, userID, connectionID string) error {
	channelIDs, err := s.channels.ChannelsOfUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list channels of %s: %w", userID, err)
	}

	joined := 0
	for _, channelID := range channelIDs {
		if s.groups.JoinGroup(connectionID, channelID) {
			joined++
		}
	}
	s.logger.Debug().Str("user", userID).Str("conn", connectionID).Int("groups", joined).Msg("Joined channel groups")
	return nil
}

// OnDisconnect leaves the groups of userID's current channels. Membership is
// re-queried since it may have changed while the connection was open.
func (s *Sync) OnDisconnect(ctx context.Context, userID, connectionID string) error {
	channelIDs, err := s.channels.ChannelsOfUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("list channels of %s: %w", userID, err)
	}
	for _, channelID := range channelIDs {
		s.groups.LeaveGroup(connectionID, channelID)
	}
	s.logger.Debug().Str("user", userID).Str("conn", connectionID).Int("groups", len(channelIDs)).Msg("Left channel groups")
	return nil
}

// OnMembershipChanged applies a membership change of channelID to the live
// connections of the affected users and tells those connections about it.
// Offline users are skipped; they pick the change up at their next connect.
func (s *Sync) OnMembershipChanged(ctx context.Context, channelID string, added, removed []string) {
	for _, userID := range added {
		conns := s.connections.ConnectionsOf(userID)
		if len(conns) == 0 {
			continue
		}
		live := make([]string, 0, len(conns))
		for _, connID := range conns {
			if s.groups.JoinGroup(connID, channelID) {
				live = append(live, connID)
			}
		}
		s.fanout.Send(ctx, live, event.Frame{
			Type:    event.AddUserToChannel,
			Payload: event.ChannelMembership{ChannelID: channelID, UserID: userID},
		})
	}

	for _, userID := range removed {
		conns := s.connections.ConnectionsOf(userID)
		if len(conns) == 0 {
			continue
		}
		for _, connID := range conns {
			s.groups.LeaveGroup(connID, channelID)
		}
		s.fanout.Send(ctx, conns, event.Frame{
			Type:    event.RemoveUserFromChannel,
			Payload: event.ChannelMembership{ChannelID: channelID, UserID: userID},
		})
	}

	s.logger.Info().Str("channel", channelID).Int("added", len(added)).Int("removed", len(removed)).Msg("Channel membership synced")
}
