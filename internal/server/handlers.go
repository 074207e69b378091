package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
)

const maxHookBodySize = 1 << 20

// handleWebSocket upgrades the request and hands the connection to accept.
// The token travels in the access_token query parameter since browsers
// cannot set headers on a WebSocket handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}
	s.accept(conn, r.URL.Query().Get("access_token"), r.RemoteAddr)
}

// handleHealth reports that the server is up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "GoChat realtime server is running! clients=%d", s.hub.ClientCount())
}

// handleTestPage serves a small page for poking at the WebSocket endpoint
// from a browser.
func (s *Server) handleTestPage(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.logger.Warn().Err(err).Msg("Error writing HTML response")
	}
}

func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	s.writeJSON(w, http.StatusOK, PresenceSummary{
		OnlineCount:     s.registry.OnlineCount(),
		ConnectionCount: s.registry.ConnectionCount(),
	})
}

func (s *Server) handleUserPresence(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	userID := ps.ByName("userID")
	s.writeJSON(w, http.StatusOK, UserPresence{
		UserID:      userID,
		Online:      s.registry.IsOnline(userID),
		Connections: len(s.registry.ConnectionsOf(userID)),
	})
}

// handleChannelMembers applies a channel membership change reported by the
// channel service.
func (s *Server) handleChannelMembers(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	change, ok := s.decodeChange(w, r)
	if !ok {
		return
	}
	channelID := ps.ByName("channelID")
	s.dispatcher.AddUsersToChannel(r.Context(), change.ActorID, channelID, change.Added)
	s.dispatcher.RemoveUsersFromChannel(r.Context(), channelID, change.Removed)
	w.WriteHeader(http.StatusNoContent)
}

// handleWorkspaceMembers relays a workspace membership change to the
// affected users.
func (s *Server) handleWorkspaceMembers(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	change, ok := s.decodeChange(w, r)
	if !ok {
		return
	}
	workspaceID := ps.ByName("workspaceID")
	s.dispatcher.AddUsersToWorkspace(r.Context(), change.ActorID, workspaceID, change.Added)
	s.dispatcher.RemoveUsersFromWorkspace(r.Context(), workspaceID, change.Removed)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) decodeChange(w http.ResponseWriter, r *http.Request) (MembershipChange, bool) {
	var change MembershipChange
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxHookBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&change); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return change, false
	}
	change.Added = compact(change.Added)
	change.Removed = compact(change.Removed)
	if len(change.Added) == 0 && len(change.Removed) == 0 {
		s.writeError(w, http.StatusBadRequest, "added or removed is required")
		return change, false
	}
	return change, true
}

// compact trims ids and drops blanks and duplicates, keeping order.
func compact(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// requireInternalToken guards the internal hooks with the shared bearer token.
func (s *Server) requireInternalToken(next httprouter.Handle) httprouter.Handle {
	expected := []byte(s.cfg.Auth.InternalAPIToken)
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), expected) != 1 {
			s.logger.Warn().Str("path", r.URL.Path).Str("addr", r.RemoteAddr).Msg("Rejected internal request")
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, ps)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("Error writing JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>GoChat Realtime Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages { 
            border: 1px solid #ccc; 
            height: 300px; 
            padding: 10px; 
            overflow-y: scroll; 
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        input[type="text"] { 
            width: 300px; 
            padding: 5px; 
            margin-right: 10px;
        }
        button { 
            padding: 5px 15px; 
            background-color: #007cba; 
            color: white; 
            border: none; 
            cursor: pointer;
        }
        button:hover { background-color: #005a87; }
        .status { 
            margin: 10px 0; 
            padding: 5px; 
            border-radius: 3px;
        }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>GoChat Realtime Test</h1>
    
    <div id="status" class="status disconnected">Disconnected</div>
    
    <div>
        <input type="text" id="tokenInput" placeholder="Access token">
        <input type="text" id="channelInput" placeholder="Channel id">
    </div>

    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    
    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');
        const tokenInput = document.getElementById('tokenInput');
        const channelInput = document.getElementById('channelInput');
        let requestSeq = 0;

        function addMessage(message, type = 'info') {
            const messageElement = document.createElement('div');
            messageElement.style.margin = '5px 0';
            messageElement.style.padding = '3px';
            
            if (type === 'sent') {
                messageElement.style.color = 'blue';
                messageElement.textContent = 'You: ' + message;
            } else if (type === 'received') {
                messageElement.style.color = 'green';
                messageElement.textContent = 'Server: ' + message;
            } else {
                messageElement.style.color = 'gray';
                messageElement.textContent = message;
            }
            
            messagesDiv.appendChild(messageElement);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            if (connected) {
                statusDiv.textContent = 'Connected';
                statusDiv.className = 'status connected';
                messageInput.disabled = false;
                sendButton.disabled = false;
                connectButton.textContent = 'Disconnect';
            } else {
                statusDiv.textContent = 'Disconnected';
                statusDiv.className = 'status disconnected';
                messageInput.disabled = true;
                sendButton.disabled = true;
                connectButton.textContent = 'Connect';
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const token = encodeURIComponent(tokenInput.value.trim());
            ws = new WebSocket(scheme + location.host + '/ws?access_token=' + token);
            
            ws.onopen = function(event) {
                addMessage('Connected to GoChat realtime server');
                updateStatus(true);
            };
            
            ws.onmessage = function(event) {
                addMessage(event.data, 'received');
            };
            
            ws.onclose = function(event) {
                addMessage('Connection closed (' + event.code + ' ' + event.reason + ')');
                updateStatus(false);
                ws = null;
            };
            
            ws.onerror = function(error) {
                addMessage('Connection error: ' + error);
                updateStatus(false);
            };
        }

        function disconnect() {
            if (ws) {
                ws.close();
            }
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                disconnect();
            } else {
                connect();
            }
        }

        function sendMessage() {
            const message = messageInput.value.trim();
            if (message && ws && ws.readyState === WebSocket.OPEN) {
                requestSeq++;
                ws.send(JSON.stringify({
                    type: 'SendMessage',
                    request_id: 'req-' + requestSeq,
                    payload: { channel_id: channelInput.value.trim(), content: message }
                }));
                addMessage(message, 'sent');
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
