package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-realtime/internal/fanout"
)

var (
	// ErrHubClosed is returned when a connection registers after shutdown began.
	ErrHubClosed = errors.New("hub is shutting down")
	// ErrSendBufferFull is returned by Push when a connection cannot keep up.
	// The connection is evicted.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Hub owns the live WebSocket connections and their channel groups. Pushes
// never block: a connection whose send buffer is full is evicted.
type Hub struct {
	mutex    sync.RWMutex
	clients  map[string]*Client
	groups   map[string]map[string]struct{} // group -> connection ids
	memberOf map[string]map[string]struct{} // connection id -> groups
	closing  bool
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

var (
	_ fanout.Pusher        = (*Hub)(nil)
	_ fanout.GroupResolver = (*Hub)(nil)
)

// NewHub returns an empty Hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:  make(map[string]*Client),
		groups:   make(map[string]map[string]struct{}),
		memberOf: make(map[string]map[string]struct{}),
		logger:   logger.With().Str("component", "hub").Logger(),
	}
}

// register adds c to the hub. A registered connection holds a slot in the
// shutdown wait group until release is called, so Shutdown cannot finish
// waiting before the connection's pumps are tracked.
func (h *Hub) register(c *Client) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.closing {
		return ErrHubClosed
	}
	if _, exists := h.clients[c.id]; exists {
		return fmt.Errorf("connection %s already registered", c.id)
	}
	c.closed = false
	h.clients[c.id] = c
	h.wg.Add(1)
	h.logger.Info().Str("conn", c.id).Str("user", c.userID()).Str("addr", c.addr).Int("clients", len(h.clients)).Msg("Client registered")
	return nil
}

// release drops the wait group slot taken by register.
func (h *Hub) release() {
	h.wg.Done()
}

// unregister removes c, drops it from every group and closes its send
// channel. It reports whether c was still registered.
func (h *Hub) unregister(c *Client) bool {
	h.mutex.Lock()
	current, ok := h.clients[c.id]
	if !ok || current != c {
		h.mutex.Unlock()
		return false
	}
	h.removeLocked(c)
	count := len(h.clients)
	h.mutex.Unlock()

	// Close the channel after releasing the lock
	close(c.send)
	h.logger.Info().Str("conn", c.id).Str("user", c.userID()).Int("clients", count).Msg("Client unregistered")
	return true
}

func (h *Hub) removeLocked(c *Client) {
	delete(h.clients, c.id)
	c.closed = true
	for group := range h.memberOf[c.id] {
		members := h.groups[group]
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	delete(h.memberOf, c.id)
}

// Push queues data on one connection. Unknown or closed connections yield
// fanout.ErrConnectionGone.
func (h *Hub) Push(connectionID string, data []byte) error {
	h.mutex.RLock()
	c, ok := h.clients[connectionID]
	h.mutex.RUnlock()
	if !ok {
		return fanout.ErrConnectionGone
	}

	switch h.safeSend(c, data) {
	case sendOK:
		return nil
	case sendGone:
		return fanout.ErrConnectionGone
	default:
		h.evict(c)
		return fmt.Errorf("push to %s: %w", connectionID, ErrSendBufferFull)
	}
}

type sendResult int

const (
	sendOK sendResult = iota
	sendGone
	sendFull
)

func (h *Hub) safeSend(c *Client, message []byte) (result sendResult) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().Interface("panic", r).Str("conn", c.id).Msg("Recovered from panic in safeSend")
			result = sendGone
		}
	}()

	// Hold the lock during the send so unregister cannot close the channel underneath us
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if current, exists := h.clients[c.id]; !exists || current != c || c.closed {
		return sendGone
	}

	select {
	case c.send <- message:
		return sendOK
	default:
		return sendFull
	}
}

// evict drops a connection that cannot keep up. Closing the socket makes the
// read pump exit and run the normal disconnect cleanup.
func (h *Hub) evict(c *Client) {
	if h.unregister(c) {
		h.logger.Warn().Str("conn", c.id).Str("addr", c.addr).Msg("Client removed due to full send buffer")
		c.closeConn()
	}
}

// JoinGroup adds a live connection to group. It reports false when the
// connection is not registered, so no group ever holds a dead connection.
func (h *Hub) JoinGroup(connectionID, group string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.clients[connectionID]; !ok {
		return false
	}
	members := h.groups[group]
	if members == nil {
		members = make(map[string]struct{})
		h.groups[group] = members
	}
	members[connectionID] = struct{}{}

	joined := h.memberOf[connectionID]
	if joined == nil {
		joined = make(map[string]struct{})
		h.memberOf[connectionID] = joined
	}
	joined[group] = struct{}{}
	return true
}

// LeaveGroup removes a connection from group. Unknown pairs are ignored.
func (h *Hub) LeaveGroup(connectionID, group string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if members, ok := h.groups[group]; ok {
		delete(members, connectionID)
		if len(members) == 0 {
			delete(h.groups, group)
		}
	}
	if joined, ok := h.memberOf[connectionID]; ok {
		delete(joined, group)
		if len(joined) == 0 {
			delete(h.memberOf, connectionID)
		}
	}
}

// GroupConnections returns a sorted snapshot of the connections in group.
func (h *Hub) GroupConnections(group string) []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	out := make([]string, 0, len(h.groups[group]))
	for id := range h.groups[group] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// GroupsOf returns a sorted snapshot of the groups a connection belongs to.
func (h *Hub) GroupsOf(connectionID string) []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	out := make([]string, 0, len(h.memberOf[connectionID]))
	for group := range h.memberOf[connectionID] {
		out = append(out, group)
	}
	sort.Strings(out)
	return out
}

// ClientCount reports the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// track runs fn on a goroutine that Shutdown waits for. Callers either hold
// a registration slot or run on a tracked goroutine, so the wait group is
// never grown from zero while Shutdown waits.
func (h *Hub) track(fn func()) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		fn()
	}()
}

// shutdownClients closes every connection so the read pumps exit and clean up.
func (h *Hub) shutdownClients() int {
	h.mutex.Lock()
	h.closing = true
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeWithCode(closeGoingAway, "server shutting down")
	}
	return len(clients)
}

// Shutdown closes every connection and waits for pumps and in-flight verbs to
// finish, or until timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info().Msg("Initiating hub shutdown...")

	closed := h.shutdownClients()
	h.logger.Info().Int("clients", closed).Msg("Closed client connections")

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info().Msg("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.logger.Warn().Msg("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
