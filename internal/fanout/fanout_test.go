package fanout_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gochat-realtime/internal/event"
	"github.com/Tyrowin/gochat-realtime/internal/fanout"
	"github.com/Tyrowin/gochat-realtime/internal/registry"
	"github.com/Tyrowin/gochat-realtime/internal/testutil"
)

type fixture struct {
	transport *testutil.Transport
	registry  *registry.Registry
	fanout    *fanout.Fanout
}

func setup(t *testing.T) *fixture {
	t.Helper()
	transport := testutil.NewTransport()
	reg := registry.New()
	return &fixture{
		transport: transport,
		registry:  reg,
		fanout:    fanout.New(transport, transport, reg, 4, zerolog.Nop()),
	}
}

func (fx *fixture) connect(userID, connID string) {
	fx.transport.Connect(connID)
	fx.registry.Add(userID, connID)
}

func TestToUsersReachesEveryConnection(t *testing.T) {
	for n := 0; n <= 3; n++ {
		t.Run(fmt.Sprintf("%d connections", n), func(t *testing.T) {
			fx := setup(t)
			for i := 0; i < n; i++ {
				fx.connect("bob", fmt.Sprintf("b%d", i))
			}
			fx.connect("alice", "a0")

			delivered := fx.fanout.ToUsers(context.Background(), []string{"bob"}, event.Frame{Type: event.ReceiveMessage, Payload: "hi"})

			assert.Equal(t, n, delivered)
			assert.Equal(t, n, fx.transport.TotalPushes())
			assert.Empty(t, fx.transport.Frames("a0"))
		})
	}
}

func TestSendToEmptyTargetIsSilent(t *testing.T) {
	fx := setup(t)
	assert.Equal(t, 0, fx.fanout.Send(context.Background(), nil, event.Frame{Type: event.ReceiveMessage}))
	assert.Equal(t, 0, fx.fanout.ToGroup(context.Background(), "nobody-here", event.Frame{Type: event.ReceiveMessage}))
}

func TestVanishedConnectionIsSkipped(t *testing.T) {
	fx := setup(t)
	fx.connect("bob", "b1")
	fx.connect("bob", "b2")

	targets := fx.registry.ConnectionsOf("bob")
	fx.transport.Disconnect("b1")

	delivered := fx.fanout.Send(context.Background(), targets, event.Frame{Type: event.ReceiveMessage})
	assert.Equal(t, 1, delivered)
	assert.Len(t, fx.transport.Frames("b2"), 1)
}

func TestFailingPushDoesNotAffectOthers(t *testing.T) {
	fx := setup(t)
	fx.connect("bob", "b1")
	fx.connect("bob", "b2")
	fx.connect("bob", "b3")
	fx.transport.FailPushes("b2", errors.New("send buffer full"))

	delivered := fx.fanout.ToUsers(context.Background(), []string{"bob"}, event.Frame{Type: event.ReceiveMessage})
	assert.Equal(t, 2, delivered)
	assert.Len(t, fx.transport.Frames("b1"), 1)
	assert.Len(t, fx.transport.Frames("b3"), 1)
}

func TestResolveUnionsAndDeduplicates(t *testing.T) {
	fx := setup(t)
	fx.connect("alice", "a1")
	fx.connect("bob", "b1")
	fx.connect("carol", "c1")
	require.True(t, fx.transport.JoinGroup("a1", "general"))
	require.True(t, fx.transport.JoinGroup("b1", "general"))

	got := fx.fanout.Resolve(fanout.Target{
		Group:       "general",
		Users:       []string{"alice", "carol"},
		Connections: []string{"b1", "x9"},
	})
	assert.Equal(t, []string{"a1", "b1", "c1", "x9"}, got)
}

func TestPayloadIsIdenticalForEveryTarget(t *testing.T) {
	fx := setup(t)
	fx.connect("alice", "a1")
	fx.connect("alice", "a2")

	fx.fanout.ToUsers(context.Background(), []string{"alice"}, event.Frame{
		Type:    event.ReceiveMessage,
		Payload: map[string]string{"content": "hello"},
	})

	first := fx.transport.Frames("a1")
	second := fx.transport.Frames("a2")
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.JSONEq(t, string(first[0].Payload), string(second[0].Payload))

	var body map[string]string
	require.NoError(t, json.Unmarshal(first[0].Payload, &body))
	assert.Equal(t, "hello", body["content"])
}

func TestCancelledContextSendsNothing(t *testing.T) {
	fx := setup(t)
	fx.connect("alice", "a1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, 0, fx.fanout.ToUsers(ctx, []string{"alice"}, event.Frame{Type: event.ReceiveMessage}))
}
