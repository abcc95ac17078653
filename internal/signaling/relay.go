package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go-messenger/internal/apperr"
	"go-messenger/internal/event"
	"go-messenger/internal/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const opTimeout = 2 * time.Second

var ErrSelfCall = apperr.New(apperr.KindValidation, "cannot call yourself")

// Sender reaches every connection of a user.
type Sender interface {
	SendToUser(userID int64, payload []byte) int
}

// Presence answers whether a user is reachable.
type Presence interface {
	IsOnline(ctx context.Context, userID int64) bool
}

// CallState is one side of a call as stored in Redis.
type CallState struct {
	Counterpart    int64
	ConversationID int64
	Status         string
	Role           string
	StartedAt      time.Time
}

// PendingInvite is kept for a recipient who was unreachable when called.
type PendingInvite struct {
	CallerID       int64
	CallerName     string
	ConversationID int64
	Offer          json.RawMessage
}

// Relay forwards call negotiation between two users. It never touches message storage.
type Relay struct {
	rdb       redis.UniversalClient
	sender    Sender
	presence  Presence
	stateTTL  time.Duration
	inviteTTL time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

type Option func(*Relay)

func WithTTLs(state, invite time.Duration) Option {
	return func(r *Relay) {
		if state > 0 {
			r.stateTTL = state
		}
		if invite > 0 {
			r.inviteTTL = invite
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func NewRelay(rdb redis.UniversalClient, sender Sender, presence Presence, logger *zap.Logger, opts ...Option) *Relay {
	r := &Relay{
		rdb:       rdb,
		sender:    sender,
		presence:  presence,
		stateTTL:  300 * time.Second,
		inviteTTL: 60 * time.Second,
		logger:    logger.With(zap.String("component", "signaling")),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.NewUnregistered()
	}
	return r
}

func StateKey(userID int64) string {
	return "call:state:" + strconv.FormatInt(userID, 10)
}

func PendingKey(userID int64) string {
	return "call:pending:" + strconv.FormatInt(userID, 10)
}

func id(v int64) string { return strconv.FormatInt(v, 10) }

func seconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

func (r *Relay) send(userID int64, kind string, data any) int {
	payload, err := event.Encode(kind, data)
	if err != nil {
		r.logger.Error("encode signal", zap.String("type", kind), zap.Error(err))
		return 0
	}
	return r.sender.SendToUser(userID, payload)
}

func (r *Relay) count(kind, outcome string) {
	r.metrics.CallSignals.WithLabelValues(kind, outcome).Inc()
}

// Invite rings the recipient. An unreachable recipient gets a pending invite
// instead and the call stays idle.
func (r *Relay) Invite(ctx context.Context, callerID int64, callerName string, recipientID, conversationID int64, offer json.RawMessage) error {
	if callerID == recipientID {
		return ErrSelfCall
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if !r.presence.IsOnline(ctx, recipientID) {
		return r.storePending(ctx, callerID, callerName, recipientID, conversationID, offer)
	}

	result, err := claimScript.Run(ctx, r.rdb,
		[]string{StateKey(callerID), StateKey(recipientID)},
		callerID, recipientID, conversationID, r.now().UnixMilli(), seconds(r.stateTTL),
	).Text()
	if err != nil {
		return fmt.Errorf("claim call %d->%d: %w", callerID, recipientID, err)
	}

	switch result {
	case claimCallerBusy:
		// end the current call before placing another
		r.count(event.CallInvite, "caller_busy")
		r.send(callerID, event.CallRejected, event.CallRejectedPayload{From: recipientID, Reason: "in_call"})
		return nil
	case claimBusy:
		r.count(event.CallInvite, "busy")
		r.send(callerID, event.CallRejected, event.CallRejectedPayload{From: recipientID, Reason: "busy"})
		return nil
	case claimGlareLost:
		// the recipient's invite to us is ringing and the lower id keeps it
		r.count(event.CallInvite, "glare_lost")
		r.send(callerID, event.CallRejected, event.CallRejectedPayload{From: recipientID, Reason: "glare"})
		return nil
	case claimGlareWon:
		r.count(event.CallInvite, "glare_won")
		r.send(recipientID, event.CallRejected, event.CallRejectedPayload{From: callerID, Reason: "glare"})
	}

	delivered := r.send(recipientID, event.CallIncoming, event.CallIncomingPayload{
		From:           callerID,
		FromName:       callerName,
		ConversationID: conversationID,
		Offer:          offer,
	})
	if delivered > 0 {
		r.count(event.CallInvite, "ringing")
		return nil
	}

	// presence said online but no local connection took the event
	if _, err := r.clear(ctx, callerID, recipientID); err != nil {
		r.logger.Warn("rollback ringing state", zap.Int64("caller", callerID), zap.Error(err))
	}
	return r.storePending(ctx, callerID, callerName, recipientID, conversationID, offer)
}

func (r *Relay) storePending(ctx context.Context, callerID int64, callerName string, recipientID, conversationID int64, offer json.RawMessage) error {
	key := PendingKey(recipientID)
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"caller", callerID,
		"caller_name", callerName,
		"conversation", conversationID,
		"offer", string(offer))
	pipe.Expire(ctx, key, r.inviteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store pending invite for %d: %w", recipientID, err)
	}
	r.count(event.CallInvite, "pending")
	r.logger.Debug("recipient unreachable, invite kept",
		zap.Int64("caller", callerID), zap.Int64("recipient", recipientID))
	return nil
}

// Answer connects a ringing call. A stale answer (call already ended, rejected
// or expired) is dropped.
func (r *Relay) Answer(ctx context.Context, calleeID, callerID int64, answer json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	ok, err := answerScript.Run(ctx, r.rdb,
		[]string{StateKey(calleeID), StateKey(callerID)},
		callerID, calleeID, seconds(r.stateTTL),
	).Int()
	if err != nil {
		return fmt.Errorf("answer call %d->%d: %w", callerID, calleeID, err)
	}
	if ok != 1 {
		r.count(event.CallAnswer, "stale")
		r.logger.Debug("dropping stale answer", zap.Int64("callee", calleeID), zap.Int64("caller", callerID))
		return nil
	}

	r.count(event.CallAnswer, "connected")
	r.send(callerID, event.CallAnswered, event.CallAnsweredPayload{From: calleeID, Answer: answer})
	return nil
}

// Reject declines a ringing call.
func (r *Relay) Reject(ctx context.Context, calleeID, callerID int64) error {
	live, err := r.clear(ctx, calleeID, callerID)
	if err != nil {
		return err
	}
	if !live {
		r.count(event.CallReject, "noop")
		return nil
	}
	r.count(event.CallReject, "rejected")
	r.send(callerID, event.CallRejected, event.CallRejectedPayload{From: calleeID})
	return nil
}

// End hangs up. Ending a call that is already gone does nothing.
func (r *Relay) End(ctx context.Context, partyID, counterpartID int64) error {
	live, err := r.clear(ctx, partyID, counterpartID)
	if err != nil {
		return err
	}
	if !live {
		r.count(event.CallEnd, "noop")
		return nil
	}
	r.count(event.CallEnd, "ended")
	r.send(counterpartID, event.CallEnded, event.CallEndedPayload{From: partyID})
	return nil
}

func (r *Relay) clear(ctx context.Context, a, b int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := clearScript.Run(ctx, r.rdb,
		[]string{StateKey(a), StateKey(b), PendingKey(b), PendingKey(a)},
		a, b,
	).Int()
	if err != nil {
		return false, fmt.Errorf("clear call %d<->%d: %w", a, b, err)
	}
	return n == 1, nil
}

// IceCandidate is relayed only while both sides still point at each other.
func (r *Relay) IceCandidate(ctx context.Context, fromID, targetID int64, candidate json.RawMessage) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	pipe := r.rdb.Pipeline()
	fromCmd := pipe.HGet(ctx, StateKey(fromID), "counterpart")
	targetCmd := pipe.HGet(ctx, StateKey(targetID), "counterpart")
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("ice lookup %d->%d: %w", fromID, targetID, err)
	}
	if fromCmd.Val() != id(targetID) || targetCmd.Val() != id(fromID) {
		r.count(event.CallIceCandidate, "dropped")
		return nil
	}

	if r.send(targetID, event.CallIce, event.CallIcePayload{From: fromID, Candidate: candidate}) == 0 {
		r.count(event.CallIceCandidate, "unreachable")
		return nil
	}
	r.count(event.CallIceCandidate, "relayed")
	return nil
}

// Heartbeat keeps the user's call state alive.
func (r *Relay) Heartbeat(ctx context.Context, userID int64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := r.rdb.Expire(ctx, StateKey(userID), r.stateTTL).Err(); err != nil {
		return fmt.Errorf("call heartbeat %d: %w", userID, err)
	}
	return nil
}

// Redeliver hands a reconnecting user the invite they missed, at most once.
func (r *Relay) Redeliver(ctx context.Context, userID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	vals, err := consumeScript.Run(ctx, r.rdb, []string{PendingKey(userID)}).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("consume pending invite %d: %w", userID, err)
	}
	inv, ok := parsePending(vals)
	if !ok {
		return false, nil
	}

	result, err := claimScript.Run(ctx, r.rdb,
		[]string{StateKey(inv.CallerID), StateKey(userID)},
		inv.CallerID, userID, inv.ConversationID, r.now().UnixMilli(), seconds(r.stateTTL),
	).Text()
	if err != nil {
		return false, fmt.Errorf("claim redelivered call: %w", err)
	}
	if result != claimOK && result != claimGlareWon {
		r.count(event.CallInvite, "redeliver_"+result)
		return false, nil
	}

	if r.send(userID, event.CallIncoming, event.CallIncomingPayload{
		From:           inv.CallerID,
		FromName:       inv.CallerName,
		ConversationID: inv.ConversationID,
		Offer:          inv.Offer,
	}) == 0 {
		if _, err := r.clear(ctx, inv.CallerID, userID); err != nil {
			r.logger.Warn("rollback redelivered ringing state", zap.Int64("caller", inv.CallerID), zap.Error(err))
		}
		return false, nil
	}
	r.count(event.CallInvite, "redelivered")
	return true, nil
}

func parsePending(vals []string) (PendingInvite, bool) {
	if len(vals) == 0 || len(vals)%2 != 0 {
		return PendingInvite{}, false
	}
	m := make(map[string]string, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		m[vals[i]] = vals[i+1]
	}
	caller, err := strconv.ParseInt(m["caller"], 10, 64)
	if err != nil {
		return PendingInvite{}, false
	}
	conv, _ := strconv.ParseInt(m["conversation"], 10, 64)
	inv := PendingInvite{
		CallerID:       caller,
		CallerName:     m["caller_name"],
		ConversationID: conv,
	}
	if m["offer"] != "" {
		inv.Offer = json.RawMessage(m["offer"])
	}
	return inv, true
}

// State returns the user's current call state.
func (r *Relay) State(ctx context.Context, userID int64) (CallState, bool) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	m, err := r.rdb.HGetAll(ctx, StateKey(userID)).Result()
	if err != nil || len(m) == 0 {
		return CallState{}, false
	}
	cp, err := strconv.ParseInt(m["counterpart"], 10, 64)
	if err != nil {
		return CallState{}, false
	}
	conv, _ := strconv.ParseInt(m["conversation"], 10, 64)
	started, _ := strconv.ParseInt(m["started_at"], 10, 64)
	return CallState{
		Counterpart:    cp,
		ConversationID: conv,
		Status:         m["status"],
		Role:           m["role"],
		StartedAt:      time.UnixMilli(started),
	}, true
}
