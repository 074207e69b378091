package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-realtime/internal/auth"
	"github.com/Tyrowin/gochat-realtime/internal/config"
	"github.com/Tyrowin/gochat-realtime/internal/dispatch"
	"github.com/Tyrowin/gochat-realtime/internal/event"
	"github.com/Tyrowin/gochat-realtime/internal/registry"
)

// lifecycleTimeout bounds the membership lookups made on connect and
// disconnect.
const lifecycleTimeout = 5 * time.Second

// Authenticator turns the handshake token into an identity.
type Authenticator interface {
	Authenticate(rawToken string) (auth.Identity, error)
}

// Dispatcher runs client verbs and server-initiated membership events.
type Dispatcher interface {
	Dispatch(ctx context.Context, caller dispatch.Caller, in event.InboundFrame)
	AddUsersToChannel(ctx context.Context, actorID, channelID string, userIDs []string)
	RemoveUsersFromChannel(ctx context.Context, channelID string, userIDs []string)
	AddUsersToWorkspace(ctx context.Context, actorID, workspaceID string, userIDs []string)
	RemoveUsersFromWorkspace(ctx context.Context, workspaceID string, userIDs []string)
}

// SessionSync joins and leaves channel groups as connections come and go.
type SessionSync interface {
	OnConnect(ctx context.Context, userID, connectionID string) error
	OnDisconnect(ctx context.Context, userID, connectionID string) error
}

// Registry records which connections belong to which user.
type Registry interface {
	registry.Presence
	Add(userID, connectionID string)
	Remove(userID, connectionID string)
	ConnectionsOf(userID string) []string
	ConnectionCount() int
}

// Options are the collaborators of a Server.
type Options struct {
	Config        config.Config
	Hub           *Hub
	Authenticator Authenticator
	Dispatcher    Dispatcher
	Sync          SessionSync
	Registry      Registry
	Logger        zerolog.Logger
}

// Server accepts WebSocket connections and serves the internal HTTP hooks.
type Server struct {
	cfg        config.Config
	hub        *Hub
	auth       Authenticator
	dispatcher Dispatcher
	sync       SessionSync
	registry   Registry
	origins    *originPolicy
	upgrader   websocket.Upgrader
	router     *httprouter.Router
	logger     zerolog.Logger
}

// New returns a Server with its routes installed.
func New(opts Options) *Server {
	logger := opts.Logger.With().Str("component", "server").Logger()
	s := &Server{
		cfg:        opts.Config,
		hub:        opts.Hub,
		auth:       opts.Authenticator,
		dispatcher: opts.Dispatcher,
		sync:       opts.Sync,
		registry:   opts.Registry,
		origins:    newOriginPolicy(opts.Config.AllowedOrigins, logger),
		router:     httprouter.New(),
		logger:     logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.check,
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the connection hub.
func (s *Server) Hub() *Hub { return s.hub }

// accept runs the handshake on an upgraded connection and starts its pumps.
// Any failure closes the connection before it reaches the registry.
func (s *Server) accept(conn *websocket.Conn, rawToken, addr string) {
	c := newClient(uuid.NewString(), conn, s, addr)

	identity, err := s.auth.Authenticate(rawToken)
	if err != nil {
		c.logger.Info().Err(err).Msg("Handshake rejected")
		s.rejectHandshake(c, http.StatusUnauthorized, err.Error(), websocket.ClosePolicyViolation)
		return
	}
	c.authenticated(identity)

	if err := s.hub.register(c); err != nil {
		c.logger.Warn().Err(err).Msg("Connection refused")
		s.rejectHandshake(c, http.StatusServiceUnavailable, "server shutting down", websocket.CloseGoingAway)
		return
	}
	defer s.hub.release()
	s.registry.Add(identity.UserID, c.id)

	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	err = s.sync.OnConnect(ctx, identity.UserID, c.id)
	cancel()
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to join channel groups")
		s.registry.Remove(identity.UserID, c.id)
		s.hub.unregister(c)
		c.closeWithCode(websocket.CloseInternalServerErr, "membership unavailable")
		c.advance(stateClosed)
		return
	}

	c.advance(stateJoined)
	c.logger.Info().Msg("Connection joined")
	s.hub.track(c.writePump)
	s.hub.track(c.readPump)
}

// rejectHandshake writes one Error frame and closes with code. No pump is
// running yet, so the socket is written directly.
func (s *Server) rejectHandshake(c *Client, status int, message string, code int) {
	if data, err := event.Encode(event.NewError("", status, message)); err == nil {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil && !isExpectedCloseError(err) {
				c.logger.Debug().Err(err).Msg("Error writing handshake rejection")
			}
		}
	}
	c.closeWithCode(code, http.StatusText(status))
	c.advance(stateClosed)
}

// disconnect is the cleanup every joined connection runs on its way out:
// leave groups, leave the registry, leave the hub.
func (s *Server) disconnect(c *Client) {
	c.advance(stateClosing)
	userID := c.userID()

	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	if err := s.sync.OnDisconnect(ctx, userID, c.id); err != nil {
		// Hub removal below still drops every group the connection joined.
		c.logger.Warn().Err(err).Msg("Failed to leave channel groups")
	}
	cancel()

	s.registry.Remove(userID, c.id)
	s.hub.unregister(c)
	c.closeConn()
	c.advance(stateClosed)
	c.logger.Info().Msg("Connection closed")
}

// Shutdown closes every connection and waits for in-flight work.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}
