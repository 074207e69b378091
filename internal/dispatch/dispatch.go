// Package dispatch routes client verbs to the chat service and turns the
// results into real-time events.
//
// Every verb follows the same shape. An unauthenticated caller gets a 401
// Error frame. Otherwise the request goes to the chat service; a domain error
// becomes exactly one Error frame on the invoking connection and nothing is
// fanned out. On success the resulting event is fanned out, the caller gets a
// result frame, and finally any durable notification is handed to the relay.
package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-realtime/internal/auth"
	"github.com/Tyrowin/gochat-realtime/internal/chat"
	"github.com/Tyrowin/gochat-realtime/internal/event"
	"github.com/Tyrowin/gochat-realtime/internal/fanout"
	"github.com/Tyrowin/gochat-realtime/internal/logging"
	"github.com/Tyrowin/gochat-realtime/internal/membership"
	"github.com/Tyrowin/gochat-realtime/internal/notify"
)

// deliveryTimeout bounds the fan-out and reply of a verb whose outcome is
// already decided.
const deliveryTimeout = 5 * time.Second

// Notifier accepts notices for durable notification. Implementations must
// not block the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, notice notify.Notice)
}

// Caller is the connection a frame arrived on. Identity is nil until the
// connection has authenticated.
type Caller struct {
	ConnectionID string
	Identity     *auth.Identity
}

// outcome is what a successful verb produces.
type outcome struct {
	result    any
	broadcast *event.Frame
	target    fanout.Target
	notice    *notify.Notice
}

type handlerFunc func(ctx context.Context, user auth.Identity, payload json.RawMessage) (outcome, error)

// Dispatcher handles inbound verbs and server-initiated membership events.
type Dispatcher struct {
	messages chat.MessageService
	members  chat.MembershipService
	fanout   *fanout.Fanout
	sync     *membership.Sync
	relay    Notifier
	logger   zerolog.Logger
	handlers map[string]handlerFunc
}

// New returns a Dispatcher.
func New(
	messages chat.MessageService,
	members chat.MembershipService,
	f *fanout.Fanout,
	sync *membership.Sync,
	relay Notifier,
	logger zerolog.Logger,
) *Dispatcher {
	d := &Dispatcher{
		messages: messages,
		members:  members,
		fanout:   f,
		sync:     sync,
		relay:    relay,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
	d.handlers = map[string]handlerFunc{
		event.VerbSendMessage:   d.sendMessage,
		event.VerbReadMessage:   d.readMessage,
		event.VerbUpdateMessage: d.updateMessage,
		event.VerbDeleteMessage: d.deleteMessage,
		event.VerbReactMessage:  d.reactMessage,
		event.VerbPinMessage:    d.pinMessage,
	}
	return d
}

// Verbs lists the verbs the dispatcher understands.
func (d *Dispatcher) Verbs() []string {
	return []string{
		event.VerbSendMessage,
		event.VerbReadMessage,
		event.VerbUpdateMessage,
		event.VerbDeleteMessage,
		event.VerbReactMessage,
		event.VerbPinMessage,
	}
}

// Dispatch runs one inbound frame to completion.
func (d *Dispatcher) Dispatch(ctx context.Context, caller Caller, in event.InboundFrame) {
	start := time.Now()
	log := d.logger.With().Str("conn", caller.ConnectionID).Str("verb", in.Type).Str("request_id", in.RequestID).Logger()

	if caller.Identity == nil {
		log.Warn().Msg("Rejected verb from unauthenticated connection")
		d.replyError(ctx, caller, in.RequestID, http.StatusUnauthorized, "unauthenticated")
		return
	}

	handler, ok := d.handlers[in.Type]
	if !ok {
		log.Warn().Str("user", caller.Identity.UserID).Msg("Unknown verb")
		d.replyError(ctx, caller, in.RequestID, http.StatusBadRequest, "unknown verb "+in.Type)
		return
	}

	out, err := handler(ctx, *caller.Identity, in.Payload)
	if err != nil {
		d.fail(ctx, log, caller, in.RequestID, err)
		return
	}

	// The chat service has committed; the verb's deadline no longer applies.
	deliverCtx, cancel := detach(ctx)
	defer cancel()

	delivered := 0
	if out.broadcast != nil {
		delivered = d.fanout.Deliver(deliverCtx, out.target, *out.broadcast)
	}
	d.fanout.ToConnection(deliverCtx, caller.ConnectionID, event.Frame{Type: event.Result, RequestID: in.RequestID, Payload: out.result})

	if out.notice != nil && d.relay != nil {
		d.relay.Notify(deliverCtx, *out.notice)
	}

	log.Debug().Str("user", caller.Identity.UserID).Int("delivered", delivered).Float64("ms", logging.Since(start)).Msg("Verb handled")
}

func (d *Dispatcher) fail(ctx context.Context, log zerolog.Logger, caller Caller, requestID string, err error) {
	if domainErr, ok := chat.AsError(err); ok {
		log.Info().Str("code", string(domainErr.Code)).Str("reason", domainErr.Message).Msg("Verb rejected")
		d.replyError(ctx, caller, requestID, domainErr.Status(), domainErr.Message)
		return
	}
	log.Error().Err(err).Msg("Verb failed")
	d.replyError(ctx, caller, requestID, http.StatusInternalServerError, "internal error")
}

func (d *Dispatcher) replyError(ctx context.Context, caller Caller, requestID string, status int, message string) {
	ctx, cancel := detach(ctx)
	defer cancel()
	d.fanout.ToConnection(ctx, caller.ConnectionID, event.NewError(requestID, status, message))
}

// detach returns a context for delivering an outcome that has already been
// decided. It keeps ctx's values but not its deadline or cancellation.
func detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
}

// decode reads a verb payload; malformed payloads are a bad request.
func decode[T any](payload json.RawMessage) (T, error) {
	var req T
	if len(payload) == 0 || string(payload) == "null" {
		return req, chat.BadRequest("payload is required")
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, chat.BadRequest("invalid payload: %v", err)
	}
	return req, nil
}

// messageTarget applies the target rule: channel messages go to the channel
// group, direct messages to every connection of both parties.
func messageTarget(channelID, senderID, receiverID string) fanout.Target {
	if channelID != "" {
		return fanout.Target{Group: channelID}
	}
	return fanout.Target{Users: []string{senderID, receiverID}}
}

func updated(msg chat.Message) outcome {
	return outcome{
		result:    msg,
		broadcast: &event.Frame{Type: event.UpdateMessage, Payload: msg},
		target:    messageTarget(msg.ChannelID, msg.SenderID, msg.ReceiverID),
	}
}
