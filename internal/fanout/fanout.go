// Package fanout pushes one event to a resolved set of live connections.
// Delivery is best-effort: connections that vanish between resolution and
// push are skipped, nothing is retried and nothing is persisted.
package fanout

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-realtime/internal/event"
)

// ErrConnectionGone is returned by a Pusher when the target connection is no
// longer registered.
var ErrConnectionGone = errors.New("connection gone")

// Pusher writes an encoded frame to a single connection without blocking.
type Pusher interface {
	Push(connectionID string, data []byte) error
}

// GroupResolver lists the connections currently joined to a group.
type GroupResolver interface {
	GroupConnections(group string) []string
}

// UserResolver lists the live connections of users.
type UserResolver interface {
	ConnectionsOfUsers(userIDs ...string) []string
}

// Target selects connections. The resolved set is the union of the group's
// connections, the users' connections and the explicit connection ids.
type Target struct {
	Group       string
	Users       []string
	Connections []string
}

// Fanout resolves targets and pushes frames.
type Fanout struct {
	pusher      Pusher
	groups      GroupResolver
	users       UserResolver
	concurrency int
	logger      zerolog.Logger
}

// New returns a Fanout. concurrency bounds the number of pushes in flight
// for one Send; values below one mean one.
func New(pusher Pusher, groups GroupResolver, users UserResolver, concurrency int, logger zerolog.Logger) *Fanout {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Fanout{
		pusher:      pusher,
		groups:      groups,
		users:       users,
		concurrency: concurrency,
		logger:      logger.With().Str("component", "fanout").Logger(),
	}
}

// Resolve returns the de-duplicated, sorted connection ids of t.
func (f *Fanout) Resolve(t Target) []string {
	seen := make(map[string]struct{})
	add := func(ids []string) {
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}

	if t.Group != "" {
		add(f.groups.GroupConnections(t.Group))
	}
	if len(t.Users) > 0 {
		add(f.users.ConnectionsOfUsers(t.Users...))
	}
	add(t.Connections)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Deliver resolves t and sends frame to every resolved connection.
func (f *Fanout) Deliver(ctx context.Context, t Target, frame event.Frame) int {
	return f.Send(ctx, f.Resolve(t), frame)
}

// ToGroup sends frame to every connection joined to group.
func (f *Fanout) ToGroup(ctx context.Context, group string, frame event.Frame) int {
	return f.Deliver(ctx, Target{Group: group}, frame)
}

// ToUsers sends frame to every connection of the listed users.
func (f *Fanout) ToUsers(ctx context.Context, userIDs []string, frame event.Frame) int {
	return f.Deliver(ctx, Target{Users: userIDs}, frame)
}

// ToConnection sends frame to a single connection.
func (f *Fanout) ToConnection(ctx context.Context, connectionID string, frame event.Frame) bool {
	return f.Send(ctx, []string{connectionID}, frame) == 1
}

// Send pushes frame to each connection and returns how many pushes
// succeeded. An empty target set is a normal outcome. A failing push never
// affects the others.
func (f *Fanout) Send(ctx context.Context, connectionIDs []string, frame event.Frame) int {
	if len(connectionIDs) == 0 {
		return 0
	}

	data, err := event.Encode(frame)
	if err != nil {
		f.logger.Error().Err(err).Str("event", frame.Type).Msg("Dropping event that could not be encoded")
		return 0
	}

	delivered := make([]bool, len(connectionIDs))
	var g errgroup.Group
	g.SetLimit(f.concurrency)

	for i, id := range connectionIDs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := f.pusher.Push(id, data); err != nil {
				if !errors.Is(err, ErrConnectionGone) {
					f.logger.Warn().Err(err).Str("conn", id).Str("event", frame.Type).Msg("Push failed")
				}
				return nil
			}
			delivered[i] = true
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, ok := range delivered {
		if ok {
			n++
		}
	}
	f.logger.Debug().Str("event", frame.Type).Int("targets", len(connectionIDs)).Int("delivered", n).Msg("Fanout complete")
	return n
}
