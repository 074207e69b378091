package testutil

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/Tyrowin/gochat-realtime/internal/fanout"
)

// PushedFrame is a frame captured by Transport, decoded back into a
// generic envelope.
type PushedFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Transport is an in-memory stand-in for the WebSocket hub. It records every
// pushed frame per connection and keeps group membership.
type Transport struct {
	mu     sync.Mutex
	conns  map[string]bool
	groups map[string]map[string]struct{}
	pushed map[string][]PushedFrame
	fail   map[string]error
}

// NewTransport returns an empty Transport.
func NewTransport() *Transport {
	return &Transport{
		conns:  make(map[string]bool),
		groups: make(map[string]map[string]struct{}),
		pushed: make(map[string][]PushedFrame),
		fail:   make(map[string]error),
	}
}

// Connect marks connectionID as live.
func (t *Transport) Connect(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conns[connectionID] = true
}

// Disconnect marks connectionID as gone and drops it from every group.
func (t *Transport) Disconnect(connectionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.conns, connectionID)
	for _, members := range t.groups {
		delete(members, connectionID)
	}
}

// FailPushes makes every push to connectionID return err.
func (t *Transport) FailPushes(connectionID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fail[connectionID] = err
}

// Push implements fanout.Pusher.
func (t *Transport) Push(connectionID string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.conns[connectionID] {
		return fanout.ErrConnectionGone
	}
	if err := t.fail[connectionID]; err != nil {
		return err
	}
	var frame PushedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}
	t.pushed[connectionID] = append(t.pushed[connectionID], frame)
	return nil
}

// JoinGroup adds a live connection to group.
func (t *Transport) JoinGroup(connectionID, group string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.conns[connectionID] {
		return false
	}
	members := t.groups[group]
	if members == nil {
		members = make(map[string]struct{})
		t.groups[group] = members
	}
	members[connectionID] = struct{}{}
	return true
}

// LeaveGroup removes a connection from group.
func (t *Transport) LeaveGroup(connectionID, group string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	members := t.groups[group]
	delete(members, connectionID)
	if len(members) == 0 {
		delete(t.groups, group)
	}
}

// GroupConnections implements fanout.GroupResolver.
func (t *Transport) GroupConnections(group string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.groups[group]))
	for id := range t.groups[group] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GroupsOf lists the groups connectionID belongs to, sorted.
func (t *Transport) GroupsOf(connectionID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := []string{}
	for group, members := range t.groups {
		if _, ok := members[connectionID]; ok {
			out = append(out, group)
		}
	}
	sort.Strings(out)
	return out
}

// Frames returns the frames pushed to connectionID.
func (t *Transport) Frames(connectionID string) []PushedFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]PushedFrame(nil), t.pushed[connectionID]...)
}

// FramesOfType returns the frames of one type pushed to connectionID.
func (t *Transport) FramesOfType(connectionID, frameType string) []PushedFrame {
	var out []PushedFrame
	for _, f := range t.Frames(connectionID) {
		if f.Type == frameType {
			out = append(out, f)
		}
	}
	return out
}

// TotalPushes counts frames pushed to every connection.
func (t *Transport) TotalPushes() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, frames := range t.pushed {
		n += len(frames)
	}
	return n
}

// Reset forgets recorded frames.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pushed = make(map[string][]PushedFrame)
}
