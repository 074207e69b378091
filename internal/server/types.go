package server

import (
	"strings"

	"github.com/Tyrowin/gochat-realtime/internal/fanout"
)

// ErrConnectionGone is returned by Hub.Push for connections that are no
// longer registered.
var ErrConnectionGone = fanout.ErrConnectionGone

// MembershipChange is the body of the internal membership hooks.
type MembershipChange struct {
	ActorID string   `json:"actor_id"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// PresenceSummary answers GET /internal/presence.
type PresenceSummary struct {
	OnlineCount     int `json:"online_count"`
	ConnectionCount int `json:"connection_count"`
}

// UserPresence answers GET /internal/presence/:userID.
type UserPresence struct {
	UserID      string `json:"user_id"`
	Online      bool   `json:"online"`
	Connections int    `json:"connections"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
