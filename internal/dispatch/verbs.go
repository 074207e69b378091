package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/Tyrowin/gochat-realtime/internal/auth"
	"github.com/Tyrowin/gochat-realtime/internal/chat"
	"github.com/Tyrowin/gochat-realtime/internal/event"
	"github.com/Tyrowin/gochat-realtime/internal/fanout"
	"github.com/Tyrowin/gochat-realtime/internal/notify"
)

const previewLength = 140

func (d *Dispatcher) sendMessage(ctx context.Context, user auth.Identity, payload json.RawMessage) (outcome, error) {
	req, err := decode[chat.SendMessageRequest](payload)
	if err != nil {
		return outcome{}, err
	}
	msg, err := d.messages.SendMessage(ctx, user.UserID, req)
	if err != nil {
		return outcome{}, err
	}

	out := outcome{
		result:    msg,
		broadcast: &event.Frame{Type: event.ReceiveMessage, Payload: msg},
		target:    messageTarget(msg.ChannelID, msg.SenderID, msg.ReceiverID),
	}

	notice := notify.Notice{
		ActorID:   msg.SenderID,
		DedupeKey: "message:" + msg.ID,
		Body:      preview(msg.Content),
	}
	if msg.IsDirect() {
		notice.Kind = notify.KindDirectMessage
		notice.UserIDs = []string{msg.ReceiverID}
		notice.Title = "New direct message"
		notice.Link = "/dm/" + msg.SenderID
	} else {
		members, err := d.members.MembersOfChannel(ctx, msg.ChannelID)
		if err != nil {
			// The message is already stored; only the notification is lost.
			d.logger.Error().Err(err).Str("channel", msg.ChannelID).Msg("Failed to list channel members for notification")
			return out, nil
		}
		notice.Kind = notify.KindChannelMessage
		notice.UserIDs = members
		notice.Title = "New message in channel"
		notice.Link = fmt.Sprintf("/channels/%s/messages/%s", msg.ChannelID, msg.ID)
	}
	out.notice = &notice
	return out, nil
}

func (d *Dispatcher) readMessage(ctx context.Context, user auth.Identity, payload json.RawMessage) (outcome, error) {
	req, err := decode[chat.ReadMessageRequest](payload)
	if err != nil {
		return outcome{}, err
	}
	msg, err := d.messages.ReadMessage(ctx, user.UserID, req)
	if err != nil {
		return outcome{}, err
	}
	return updated(msg), nil
}

func (d *Dispatcher) updateMessage(ctx context.Context, user auth.Identity, payload json.RawMessage) (outcome, error) {
	req, err := decode[chat.UpdateMessageRequest](payload)
	if err != nil {
		return outcome{}, err
	}
	msg, err := d.messages.UpdateMessage(ctx, user.UserID, req)
	if err != nil {
		return outcome{}, err
	}
	return updated(msg), nil
}

func (d *Dispatcher) deleteMessage(ctx context.Context, user auth.Identity, payload json.RawMessage) (outcome, error) {
	req, err := decode[chat.DeleteMessageRequest](payload)
	if err != nil {
		return outcome{}, err
	}
	deleted, err := d.messages.DeleteMessage(ctx, user.UserID, req)
	if err != nil {
		return outcome{}, err
	}

	target := messageTarget(deleted.ChannelID, deleted.SenderID, deleted.ReceiverID)
	if deleted.Scope == chat.DeleteForSelf {
		target = fanout.Target{Users: []string{user.UserID}}
	}
	return outcome{
		result:    deleted,
		broadcast: &event.Frame{Type: event.DeleteMessage, Payload: deleted},
		target:    target,
	}, nil
}

func (d *Dispatcher) reactMessage(ctx context.Context, user auth.Identity, payload json.RawMessage) (outcome, error) {
	req, err := decode[chat.ReactMessageRequest](payload)
	if err != nil {
		return outcome{}, err
	}
	req.Emoji = strings.TrimSpace(req.Emoji)
	msg, err := d.messages.ReactMessage(ctx, user.UserID, req)
	if err != nil {
		return outcome{}, err
	}

	out := updated(msg)
	// Only an added reaction notifies the author; toggling it off is silent.
	if slices.Contains(msg.Reactions[req.Emoji], user.UserID) {
		out.notice = &notify.Notice{
			ActorID:   user.UserID,
			UserIDs:   []string{msg.SenderID},
			Kind:      notify.KindReaction,
			DedupeKey: fmt.Sprintf("reaction:%s:%s:%s", msg.ID, req.Emoji, user.UserID),
			Title:     "New reaction " + req.Emoji,
			Body:      preview(msg.Content),
		}
	}
	return out, nil
}

func (d *Dispatcher) pinMessage(ctx context.Context, user auth.Identity, payload json.RawMessage) (outcome, error) {
	req, err := decode[chat.PinMessageRequest](payload)
	if err != nil {
		return outcome{}, err
	}
	msg, err := d.messages.PinMessage(ctx, user.UserID, req)
	if err != nil {
		return outcome{}, err
	}
	return updated(msg), nil
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLength {
		return content
	}
	return string(runes[:previewLength]) + "…"
}
