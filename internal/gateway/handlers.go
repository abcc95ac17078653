package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"go-messenger/internal/apperr"
	"go-messenger/internal/chat"
	"go-messenger/internal/event"
	"go-messenger/internal/notify"

	"go.uber.org/zap"
)

type handlerFunc func(ctx context.Context, c *Client, env event.Envelope) error

func (g *Gateway) handlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		event.Join:             g.handleJoin,
		event.Leave:            g.handleLeave,
		event.Send:             g.handleSend,
		event.Edit:             g.handleEdit,
		event.Delete:           g.handleDelete,
		event.TypingStart:      g.handleTyping,
		event.TypingStop:       g.handleTyping,
		event.ReadReceipt:      g.handleReadReceipt,
		event.CallInvite:       g.withRelay(g.handleCallInvite),
		event.CallAnswer:       g.withRelay(g.handleCallAnswer),
		event.CallReject:       g.withRelay(g.handleCallReject),
		event.CallIceCandidate: g.withRelay(g.handleCallIce),
		event.CallEnd:          g.withRelay(g.handleCallEnd),
		event.LocationUpdate:   g.handleLocation,
		event.Heartbeat:        g.handleHeartbeat,
		event.Focus:            g.handleFocus,
	}
}

// withRelay rejects call events when no signaling relay is configured.
func (g *Gateway) withRelay(h handlerFunc) handlerFunc {
	return func(ctx context.Context, c *Client, env event.Envelope) error {
		if g.relay == nil {
			return errCallsUnavailable
		}
		return h(ctx, c, env)
	}
}

// dispatch handles one inbound frame to completion. Failures are reported to
// this connection only and never close it.
func (g *Gateway) dispatch(c *Client, raw []byte) {
	env, err := event.Decode(raw)
	if err != nil {
		g.fail(c, "", "invalid", apperr.ErrBadEvent.Wrap(err))
		return
	}

	h, ok := g.routes[env.Type]
	if !ok {
		g.fail(c, env.Ref, env.Type, apperr.ErrUnknownEvent)
		return
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(g.ctx, g.opts.EventTimeout)
	err = h(ctx, c, env)
	cancel()
	g.metrics.EventLatency.WithLabelValues(env.Type).Observe(time.Since(start).Seconds())

	if err != nil {
		g.fail(c, env.Ref, env.Type, err)
		return
	}
	g.metrics.EventsTotal.WithLabelValues(env.Type).Inc()
}

func (g *Gateway) fail(c *Client, ref, kind string, err error) {
	k := apperr.KindOf(err)
	g.metrics.EventErrors.WithLabelValues(string(k)).Inc()
	if k == apperr.KindInternal || k == apperr.KindPersistence {
		g.logger.Error("event failed",
			zap.String("type", kind), zap.Int64("user_id", c.userID), zap.Error(err))
	} else {
		g.logger.Debug("event rejected",
			zap.String("type", kind), zap.Int64("user_id", c.userID), zap.Error(err))
	}

	frame, encErr := event.EncodeRef(event.Error, ref, event.ErrorPayload{
		Kind:    string(k),
		Message: apperr.Message(err),
	})
	if encErr == nil {
		c.Deliver(frame)
	}
}

func (g *Gateway) ack(c *Client, ref string, p event.AckPayload) {
	if frame, err := event.EncodeRef(event.Ack, ref, p); err == nil {
		c.Deliver(frame)
	}
}

func bind(env event.Envelope, v any) error {
	if err := env.Bind(v); err != nil {
		return apperr.ErrBadEvent.Wrap(err)
	}
	return nil
}

var (
	errRoomRequired     = apperr.New(apperr.KindValidation, "roomId is required")
	errMessageRequired  = apperr.New(apperr.KindValidation, "messageId is required")
	errEmptyMessage     = apperr.New(apperr.KindValidation, "message is empty")
	errTooLarge         = apperr.New(apperr.KindValidation, "message is too large")
	errPeerRequired     = apperr.New(apperr.KindValidation, "call peer is required")
	errBadLocation      = apperr.New(apperr.KindValidation, "coordinates out of range")
	errTokenTooLong     = apperr.New(apperr.KindValidation, "idempotency token is too long")
	errCallsUnavailable = apperr.New(apperr.KindDelivery, "calls are not available")
)

// Matches the messages.idempotency_key column.
const maxIdempotencyTokenLen = 64

// membership loads the room and requires userID to be a member.
func (g *Gateway) membership(ctx context.Context, roomID, userID int64) (chat.Membership, error) {
	if roomID <= 0 {
		return chat.Membership{}, errRoomRequired
	}
	m, err := g.storage.ListRoomMembers(ctx, roomID)
	if err != nil {
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return chat.Membership{}, err
		}
		return chat.Membership{}, apperr.ErrInternal.Wrap(err)
	}
	if !m.Has(userID) {
		return chat.Membership{}, apperr.ErrNotRoomMember
	}
	return m, nil
}

func (g *Gateway) handleJoin(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.RoomRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if _, err := g.membership(ctx, req.RoomID, c.userID); err != nil {
		return err
	}
	g.registry.Join(c, req.RoomID)
	g.ack(c, env.Ref, event.AckPayload{})
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.RoomRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	g.registry.Leave(c, req.RoomID)
	g.ack(c, env.Ref, event.AckPayload{})
	return nil
}

// SendResult is the outcome of the shared send path.
type SendResult struct {
	Message   *chat.Message
	Duplicate bool
}

// Send validates, persists and fans out one message. It backs both the
// websocket send event and the REST send endpoint.
func (g *Gateway) Send(ctx context.Context, senderID int64, senderName string, req event.SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return SendResult{}, errEmptyMessage
	}
	if len(req.Content) > g.opts.MaxContentSize {
		return SendResult{}, errTooLarge
	}
	if len(req.IdempotencyToken) > maxIdempotencyTokenLen {
		return SendResult{}, errTokenTooLong
	}

	m, err := g.membership(ctx, req.RoomID, senderID)
	if err != nil {
		return SendResult{}, err
	}

	msg, created, err := g.storage.CreateMessage(ctx, chat.NewMessage{
		ConversationID: req.RoomID,
		SenderID:       senderID,
		Content:        req.Content,
		Attachments:    req.Attachments,
		IdempotencyKey: req.IdempotencyToken,
	})
	if err != nil {
		if !apperr.IsKind(err, apperr.KindPersistence) {
			err = apperr.ErrStorage.Wrap(err)
		}
		return SendResult{}, err
	}
	if !created {
		// already delivered once under this token
		return SendResult{Message: msg, Duplicate: true}, nil
	}
	if msg.SenderName == "" {
		msg.SenderName = senderName
	}

	frame, err := event.Encode(event.MessageNew, msg.Wire())
	if err != nil {
		return SendResult{}, apperr.ErrInternal.Wrap(err)
	}
	g.registry.Broadcast(req.RoomID, frame, 0)

	if g.notifier != nil {
		g.notifier.Notify(notify.Notice{
			RoomID:     req.RoomID,
			Private:    m.Private(),
			MessageID:  msg.ID,
			SenderID:   senderID,
			SenderName: msg.SenderName,
		}, m.Members)
	}
	return SendResult{Message: msg}, nil
}

func (g *Gateway) handleSend(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.SendRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	res, err := g.Send(ctx, c.userID, c.username, req)
	if err != nil {
		return err
	}
	g.ack(c, env.Ref, event.AckPayload{MessageID: res.Message.ID, Duplicate: res.Duplicate})
	return nil
}

func (g *Gateway) handleEdit(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.EditRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return errMessageRequired
	}
	if strings.TrimSpace(req.Content) == "" {
		return errEmptyMessage
	}
	if len(req.Content) > g.opts.MaxContentSize {
		return errTooLarge
	}

	msg, err := g.storage.UpdateMessage(ctx, req.MessageID, c.userID, req.Content)
	if err != nil {
		return err
	}
	frame, err := event.Encode(event.MessageEdited, msg.Wire())
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	g.registry.Broadcast(msg.ConversationID, frame, 0)
	g.ack(c, env.Ref, event.AckPayload{MessageID: msg.ID})
	return nil
}

func (g *Gateway) handleDelete(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.DeleteRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return errMessageRequired
	}

	msg, err := g.storage.DeleteMessage(ctx, req.MessageID, c.userID)
	if err != nil {
		return err
	}
	frame, err := event.Encode(event.MessageDeleted, event.MessageDeletedPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
	})
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	g.registry.Broadcast(msg.ConversationID, frame, 0)
	g.ack(c, env.Ref, event.AckPayload{MessageID: msg.ID})
	return nil
}

func (g *Gateway) handleTyping(_ context.Context, c *Client, env event.Envelope) error {
	var req event.RoomRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if !g.registry.Joined(c, req.RoomID) {
		return apperr.ErrNotJoined
	}
	frame, err := event.Encode(event.TypingUser, event.TypingPayload{
		RoomID:   req.RoomID,
		UserID:   c.userID,
		IsTyping: env.Type == event.TypingStart,
	})
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	g.registry.Broadcast(req.RoomID, frame, c.userID)
	return nil
}

func (g *Gateway) handleReadReceipt(_ context.Context, c *Client, env event.Envelope) error {
	var req event.ReadReceiptRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if req.MessageID <= 0 {
		return errMessageRequired
	}
	if !g.registry.Joined(c, req.RoomID) {
		return apperr.ErrNotJoined
	}
	frame, err := event.Encode(event.MessageRead, event.ReadPayload{
		MessageID: req.MessageID,
		RoomID:    req.RoomID,
		UserID:    c.userID,
	})
	if err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	g.registry.Broadcast(req.RoomID, frame, c.userID)
	return nil
}

func (g *Gateway) handleCallInvite(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.CallInviteRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if req.To <= 0 {
		return errPeerRequired
	}
	if req.ConversationID != 0 {
		m, err := g.membership(ctx, req.ConversationID, c.userID)
		if err != nil {
			return err
		}
		if !m.Has(req.To) {
			return apperr.ErrNotRoomMember
		}
	}
	if err := g.relay.Invite(ctx, c.userID, c.username, req.To, req.ConversationID, req.Offer); err != nil {
		return signalingError(err)
	}
	g.ackRef(c, env.Ref)
	return nil
}

func (g *Gateway) handleCallAnswer(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.CallAnswerRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if req.To <= 0 {
		return errPeerRequired
	}
	if err := g.relay.Answer(ctx, c.userID, req.To, req.Answer); err != nil {
		return signalingError(err)
	}
	g.ackRef(c, env.Ref)
	return nil
}

func (g *Gateway) handleCallReject(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.CallPeerRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if req.To <= 0 {
		return errPeerRequired
	}
	if err := g.relay.Reject(ctx, c.userID, req.To); err != nil {
		return signalingError(err)
	}
	g.ackRef(c, env.Ref)
	return nil
}

func (g *Gateway) handleCallIce(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.CallIceRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if req.To <= 0 {
		return errPeerRequired
	}
	return signalingError(g.relay.IceCandidate(ctx, c.userID, req.To, req.Candidate))
}

func (g *Gateway) handleCallEnd(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.CallPeerRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if req.To <= 0 {
		return errPeerRequired
	}
	if err := g.relay.End(ctx, c.userID, req.To); err != nil {
		return signalingError(err)
	}
	g.ackRef(c, env.Ref)
	return nil
}

// signalingError keeps relay validation errors and hides redis failures.
func signalingError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.ErrInternal.Wrap(err)
}

func (g *Gateway) handleLocation(ctx context.Context, c *Client, env event.Envelope) error {
	var req event.LocationRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	if req.Lat < -90 || req.Lat > 90 || req.Lon < -180 || req.Lon > 180 {
		return errBadLocation
	}
	if err := g.presence.SetLocation(ctx, c.userID, req.Lat, req.Lon); err != nil {
		return apperr.ErrInternal.Wrap(err)
	}
	g.ackRef(c, env.Ref)
	return nil
}

func (g *Gateway) handleHeartbeat(ctx context.Context, c *Client, env event.Envelope) error {
	g.presence.Refresh(ctx, c.userID)
	if g.relay != nil {
		if err := g.relay.Heartbeat(ctx, c.userID); err != nil {
			g.logger.Debug("call state heartbeat", zap.Int64("user_id", c.userID), zap.Error(err))
		}
	}
	g.ackRef(c, env.Ref)
	return nil
}

func (g *Gateway) handleFocus(_ context.Context, c *Client, env event.Envelope) error {
	var req event.FocusRequest
	if err := bind(env, &req); err != nil {
		return err
	}
	c.focused.Store(req.Focused)
	g.ackRef(c, env.Ref)
	return nil
}

// ackRef acknowledges fire-and-forget events only when the client asked for it.
func (g *Gateway) ackRef(c *Client, ref string) {
	if ref != "" {
		g.ack(c, ref, event.AckPayload{})
	}
}
