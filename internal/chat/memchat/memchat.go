// Package memchat is an in-process implementation of the chat domain
// services. It backs the standalone binary and the tests; production
// deployments plug in the real workspace services instead.
package memchat

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/gochat-realtime/internal/chat"
)

type channel struct {
	id          string
	workspaceID string
	ownerID     string
	members     map[string][]string // user id -> permissions
}

type storedMessage struct {
	msg       chat.Message
	hiddenFor map[string]struct{}
}

// Store holds users, channels and messages in memory.
type Store struct {
	mu       sync.RWMutex
	users    map[string]struct{}
	channels map[string]*channel
	messages map[string]*storedMessage
	clock    func() time.Time
	newID    func() string
}

var (
	_ chat.MessageService    = (*Store)(nil)
	_ chat.MembershipService = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		users:    make(map[string]struct{}),
		channels: make(map[string]*channel),
		messages: make(map[string]*storedMessage),
		clock:    time.Now,
		newID:    uuid.NewString,
	}
}

// AddUser registers a user id.
func (s *Store) AddUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = struct{}{}
}

// AddChannel creates a channel owned by ownerID. The owner becomes a member.
func (s *Store) AddChannel(channelID, workspaceID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[ownerID] = struct{}{}
	s.channels[channelID] = &channel{
		id:          channelID,
		workspaceID: workspaceID,
		ownerID:     ownerID,
		members:     map[string][]string{ownerID: nil},
	}
}

// AddChannelMember adds userID to channelID with the given permissions.
// Unknown channels are ignored.
func (s *Store) AddChannelMember(channelID, userID string, permissions ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return
	}
	s.users[userID] = struct{}{}
	ch.members[userID] = append([]string(nil), permissions...)
}

// RemoveChannelMember removes userID from channelID.
func (s *Store) RemoveChannelMember(channelID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ch, ok := s.channels[channelID]; ok {
		delete(ch.members, userID)
	}
}

// ChannelsOfUser lists the channels userID is a member of, sorted.
func (s *Store) ChannelsOfUser(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []string{}
	for id, ch := range s.channels {
		if _, ok := ch.members[userID]; ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MembersOfChannel lists the members of channelID, sorted.
func (s *Store) MembersOfChannel(_ context.Context, channelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, chat.NotFound("channel %s not found", channelID)
	}
	out := make([]string, 0, len(ch.members))
	for userID := range ch.members {
		out = append(out, userID)
	}
	sort.Strings(out)
	return out, nil
}

// PermissionsOfUser lists userID's permissions in channelID.
func (s *Store) PermissionsOfUser(_ context.Context, userID, channelID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return nil, chat.NotFound("channel %s not found", channelID)
	}
	perms, ok := ch.members[userID]
	if !ok {
		return nil, chat.Forbidden("user is not a member of channel %s", channelID)
	}
	return append([]string{}, perms...), nil
}

// SendMessage stores a new channel or direct message.
func (s *Store) SendMessage(_ context.Context, userID string, req chat.SendMessageRequest) (chat.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return chat.Message{}, chat.BadRequest("message content is required")
	}
	if (req.ChannelID == "") == (req.ReceiverID == "") {
		return chat.Message{}, chat.BadRequest("exactly one of channel_id and receiver_id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	workspaceID := req.WorkspaceID
	if req.ChannelID != "" {
		ch, ok := s.channels[req.ChannelID]
		if !ok {
			return chat.Message{}, chat.NotFound("channel %s not found", req.ChannelID)
		}
		if _, member := ch.members[userID]; !member {
			return chat.Message{}, chat.Forbidden("user is not a member of channel %s", req.ChannelID)
		}
		workspaceID = ch.workspaceID
	} else {
		if _, ok := s.users[req.ReceiverID]; !ok {
			return chat.Message{}, chat.NotFound("user %s not found", req.ReceiverID)
		}
		if req.ReceiverID == userID {
			return chat.Message{}, chat.BadRequest("cannot send a direct message to yourself")
		}
	}

	now := s.clock().UTC()
	msg := chat.Message{
		ID:          s.newID(),
		WorkspaceID: workspaceID,
		ChannelID:   req.ChannelID,
		ReceiverID:  req.ReceiverID,
		SenderID:    userID,
		Content:     content,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.messages[msg.ID] = &storedMessage{msg: msg, hiddenFor: make(map[string]struct{})}
	return copyMessage(msg), nil
}

// UpdateMessage edits the content of a message. Only the author may edit.
func (s *Store) UpdateMessage(_ context.Context, userID string, req chat.UpdateMessageRequest) (chat.Message, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return chat.Message{}, chat.BadRequest("message content is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.visibleLocked(userID, req.MessageID)
	if err != nil {
		return chat.Message{}, err
	}
	if stored.msg.SenderID != userID {
		return chat.Message{}, chat.Forbidden("only the author may edit a message")
	}
	stored.msg.Content = content
	stored.msg.Edited = true
	stored.msg.UpdatedAt = s.clock().UTC()
	return copyMessage(stored.msg), nil
}

// DeleteMessage hides a message for the caller or removes it for everyone.
// Deleting for everyone requires authorship, channel ownership or the
// delete_others_messages permission.
func (s *Store) DeleteMessage(_ context.Context, userID string, req chat.DeleteMessageRequest) (chat.DeletedMessage, error) {
	scope := req.Scope
	if scope == "" {
		scope = chat.DeleteForSelf
	}
	if scope != chat.DeleteForSelf && scope != chat.DeleteForEveryone {
		return chat.DeletedMessage{}, chat.BadRequest("unknown delete scope %q", scope)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.visibleLocked(userID, req.MessageID)
	if err != nil {
		return chat.DeletedMessage{}, err
	}

	if scope == chat.DeleteForEveryone {
		if !s.canDeleteForEveryoneLocked(userID, stored.msg) {
			return chat.DeletedMessage{}, chat.Forbidden("not allowed to delete this message for everyone")
		}
		delete(s.messages, stored.msg.ID)
	} else {
		stored.hiddenFor[userID] = struct{}{}
	}

	return chat.DeletedMessage{
		MessageID:  stored.msg.ID,
		ChannelID:  stored.msg.ChannelID,
		ReceiverID: stored.msg.ReceiverID,
		SenderID:   stored.msg.SenderID,
		Scope:      scope,
	}, nil
}

// ReactMessage toggles userID's reaction emoji on a message.
func (s *Store) ReactMessage(_ context.Context, userID string, req chat.ReactMessageRequest) (chat.Message, error) {
	emoji := strings.TrimSpace(req.Emoji)
	if emoji == "" {
		return chat.Message{}, chat.BadRequest("emoji is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.visibleLocked(userID, req.MessageID)
	if err != nil {
		return chat.Message{}, err
	}
	if stored.msg.Reactions == nil {
		stored.msg.Reactions = make(map[string][]string)
	}
	users := stored.msg.Reactions[emoji]
	if i := slices.Index(users, userID); i >= 0 {
		users = slices.Delete(users, i, i+1)
	} else {
		users = append(users, userID)
	}
	if len(users) == 0 {
		delete(stored.msg.Reactions, emoji)
	} else {
		stored.msg.Reactions[emoji] = users
	}
	stored.msg.UpdatedAt = s.clock().UTC()
	return copyMessage(stored.msg), nil
}

// PinMessage toggles the pinned flag of a message.
func (s *Store) PinMessage(_ context.Context, userID string, req chat.PinMessageRequest) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.visibleLocked(userID, req.MessageID)
	if err != nil {
		return chat.Message{}, err
	}
	stored.msg.Pinned = !stored.msg.Pinned
	stored.msg.UpdatedAt = s.clock().UTC()
	return copyMessage(stored.msg), nil
}

// ReadMessage records that userID has read a message. The author's own
// reads are ignored.
func (s *Store) ReadMessage(_ context.Context, userID string, req chat.ReadMessageRequest) (chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, err := s.visibleLocked(userID, req.MessageID)
	if err != nil {
		return chat.Message{}, err
	}
	if stored.msg.SenderID != userID && !slices.Contains(stored.msg.ReadBy, userID) {
		stored.msg.ReadBy = append(stored.msg.ReadBy, userID)
	}
	return copyMessage(stored.msg), nil
}

// visibleLocked returns the message if userID may see it. Messages the user
// cannot see are reported as not found.
func (s *Store) visibleLocked(userID, messageID string) (*storedMessage, error) {
	if messageID == "" {
		return nil, chat.BadRequest("message_id is required")
	}
	stored, ok := s.messages[messageID]
	if !ok {
		return nil, chat.NotFound("message %s not found", messageID)
	}
	if _, hidden := stored.hiddenFor[userID]; hidden {
		return nil, chat.NotFound("message %s not found", messageID)
	}

	msg := stored.msg
	if msg.IsDirect() {
		if userID != msg.SenderID && userID != msg.ReceiverID {
			return nil, chat.NotFound("message %s not found", messageID)
		}
		return stored, nil
	}
	ch, ok := s.channels[msg.ChannelID]
	if !ok {
		return nil, chat.NotFound("message %s not found", messageID)
	}
	if _, member := ch.members[userID]; !member {
		return nil, chat.Forbidden("user is not a member of channel %s", msg.ChannelID)
	}
	return stored, nil
}

func (s *Store) canDeleteForEveryoneLocked(userID string, msg chat.Message) bool {
	if msg.SenderID == userID {
		return true
	}
	if msg.IsDirect() {
		return false
	}
	ch := s.channels[msg.ChannelID]
	if ch.ownerID == userID {
		return true
	}
	return slices.Contains(ch.members[userID], chat.PermissionDeleteOthersMessages)
}

func copyMessage(m chat.Message) chat.Message {
	out := m
	if m.Reactions != nil {
		out.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			out.Reactions[emoji] = append([]string(nil), users...)
		}
	}
	out.ReadBy = append([]string(nil), m.ReadBy...)
	return out
}
