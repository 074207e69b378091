// Package event defines the frame envelope exchanged over a real-time
// connection together with the verb and event names both sides agree on.
package event

import (
	"encoding/json"
	"fmt"
)

// Client-invoked verbs.
const (
	VerbSendMessage   = "SendMessage"
	VerbReadMessage   = "ReadMessage"
	VerbUpdateMessage = "UpdateMessage"
	VerbDeleteMessage = "DeleteMessage"
	VerbReactMessage  = "ReactMessage"
	VerbPinMessage    = "PinMessage"
)

// Server-pushed events.
const (
	ReceiveMessage          = "receive_message"
	UpdateMessage           = "update_message"
	DeleteMessage           = "delete_message"
	AddUserToChannel        = "add_user_to_channel"
	RemoveUserFromChannel   = "remove_user_from_channel"
	AddUserToWorkspace      = "add_user_to_workspace"
	RemoveUserFromWorkspace = "remove_user_from_workspace"
	Error                   = "Error"

	// Result answers one verb invocation and carries the returned DTO.
	Result = "result"
)

// InboundFrame is what a client writes to invoke a verb.
type InboundFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Frame is what the server pushes to a connection.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// ErrorPayload is the body of an Error frame.
type ErrorPayload struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// ChannelMembership is the body of add/remove_user_to/from_channel events.
type ChannelMembership struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
}

// WorkspaceMembership is the body of add/remove_user_to/from_workspace events.
type WorkspaceMembership struct {
	WorkspaceID string `json:"workspace_id"`
	UserID      string `json:"user_id"`
}

// NewError builds an Error frame answering requestID.
func NewError(requestID string, status int, message string) Frame {
	return Frame{
		Type:      Error,
		RequestID: requestID,
		Payload:   ErrorPayload{Status: status, Message: message},
	}
}

// Encode serialises a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Type, err)
	}
	return data, nil
}

// Decode parses an inbound frame. A frame without a type is rejected.
func Decode(data []byte) (InboundFrame, error) {
	var in InboundFrame
	if err := json.Unmarshal(data, &in); err != nil {
		return InboundFrame{}, fmt.Errorf("decode frame: %w", err)
	}
	if in.Type == "" {
		return InboundFrame{}, fmt.Errorf("decode frame: missing type")
	}
	return in, nil
}
