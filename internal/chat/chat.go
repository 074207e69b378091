// Package chat declares the contracts of the chat and channel domain services
// the real-time layer delegates to. Those services own authorization and
// persistence; this package only fixes the shapes crossing the boundary.
package chat

import (
	"context"
	"time"
)

// Permission names understood by the domain.
const (
	PermissionDeleteOthersMessages = "delete_others_messages"
)

// DeleteScope selects who stops seeing a deleted message.
type DeleteScope string

const (
	// DeleteForSelf hides the message for the caller only.
	DeleteForSelf DeleteScope = "self"
	// DeleteForEveryone removes the message for every viewer.
	DeleteForEveryone DeleteScope = "everyone"
)

// Message is the DTO returned by the message service. Exactly one of
// ChannelID and ReceiverID is set.
type Message struct {
	ID          string              `json:"id"`
	WorkspaceID string              `json:"workspace_id,omitempty"`
	ChannelID   string              `json:"channel_id,omitempty"`
	ReceiverID  string              `json:"receiver_id,omitempty"`
	SenderID    string              `json:"sender_id"`
	Content     string              `json:"content"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	Pinned      bool                `json:"pinned"`
	ReadBy      []string            `json:"read_by,omitempty"`
	Edited      bool                `json:"edited"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
}

// IsDirect reports whether the message targets a single user.
func (m Message) IsDirect() bool {
	return m.ChannelID == ""
}

// DeletedMessage describes the outcome of a delete.
type DeletedMessage struct {
	MessageID  string      `json:"message_id"`
	ChannelID  string      `json:"channel_id,omitempty"`
	ReceiverID string      `json:"receiver_id,omitempty"`
	SenderID   string      `json:"sender_id"`
	Scope      DeleteScope `json:"scope"`
}

// SendMessageRequest is the SendMessage verb payload.
type SendMessageRequest struct {
	WorkspaceID string `json:"workspace_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	ReceiverID  string `json:"receiver_id,omitempty"`
	Content     string `json:"content"`
}

// UpdateMessageRequest is the UpdateMessage verb payload.
type UpdateMessageRequest struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

// DeleteMessageRequest is the DeleteMessage verb payload. An empty scope
// means DeleteForSelf.
type DeleteMessageRequest struct {
	MessageID string      `json:"message_id"`
	Scope     DeleteScope `json:"scope,omitempty"`
}

// ReactMessageRequest toggles the caller's reaction on a message.
type ReactMessageRequest struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// PinMessageRequest toggles the pinned state of a message.
type PinMessageRequest struct {
	MessageID string `json:"message_id"`
}

// ReadMessageRequest marks a message read by the caller.
type ReadMessageRequest struct {
	MessageID string `json:"message_id"`
}

// MessageService performs message verbs on behalf of userID. Failures are
// reported as *Error.
type MessageService interface {
	SendMessage(ctx context.Context, userID string, req SendMessageRequest) (Message, error)
	UpdateMessage(ctx context.Context, userID string, req UpdateMessageRequest) (Message, error)
	DeleteMessage(ctx context.Context, userID string, req DeleteMessageRequest) (DeletedMessage, error)
	ReactMessage(ctx context.Context, userID string, req ReactMessageRequest) (Message, error)
	PinMessage(ctx context.Context, userID string, req PinMessageRequest) (Message, error)
	ReadMessage(ctx context.Context, userID string, req ReadMessageRequest) (Message, error)
}

// MembershipService answers channel membership questions.
type MembershipService interface {
	ChannelsOfUser(ctx context.Context, userID string) ([]string, error)
	MembersOfChannel(ctx context.Context, channelID string) ([]string, error)
	PermissionsOfUser(ctx context.Context, userID, channelID string) ([]string, error)
}
