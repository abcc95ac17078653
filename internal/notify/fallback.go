package notify

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"go-messenger/internal/event"
	"go-messenger/internal/metrics"
	"go-messenger/internal/workerpool"

	"go.uber.org/zap"
)

// Registry is the part of the room registry the fallback decision reads.
type Registry interface {
	SendToUser(userID int64, payload []byte) int
	IsAttentive(userID, roomID int64, requireFocus bool) bool
}

// Submitter runs push I/O off the caller's goroutine.
type Submitter interface {
	Submit(task workerpool.Task) bool
}

// Notice describes one stored message for the notification decision.
type Notice struct {
	RoomID     int64
	Private    bool
	MessageID  int64
	SenderID   int64
	SenderName string
}

// PushPayload is the JSON body handed to the browser's service worker.
type PushPayload struct {
	Title          string `json:"title"`
	Body           string `json:"body"`
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	Tag            string `json:"tag"`
}

// Service sends the in-app notification and decides whether a member also needs a push.
type Service struct {
	registry    Registry
	store       SubscriptionStore
	pusher      Pusher
	pool        Submitter
	logger      *zap.Logger
	metrics     *metrics.Metrics
	pushTimeout time.Duration
}

// NewService wires the fallback. pusher may be nil when push is not configured.
func NewService(registry Registry, store SubscriptionStore, pusher Pusher, pool Submitter, logger *zap.Logger, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Service{
		registry:    registry,
		store:       store,
		pusher:      pusher,
		pool:        pool,
		logger:      logger.With(zap.String("component", "notify")),
		metrics:     m,
		pushTimeout: 15 * time.Second,
	}
}

// Notify runs the decision once per member other than the sender: every member
// gets notification:new on their private channel; members without an attentive
// connection in the room also get a push. It returns the members scheduled for push.
func (s *Service) Notify(n Notice, members []int64) []int64 {
	inApp, err := event.Encode(event.NotificationNew, event.NotificationPayload{
		ConversationID: n.RoomID,
		MessageID:      n.MessageID,
		SenderID:       n.SenderID,
		SenderName:     n.SenderName,
	})
	if err != nil {
		s.logger.Error("encode notification", zap.Error(err))
		return nil
	}

	var pushed []int64
	for _, member := range members {
		if member == n.SenderID {
			continue
		}
		s.registry.SendToUser(member, inApp)

		// direct conversations additionally need the tab focused
		if s.registry.IsAttentive(member, n.RoomID, n.Private) {
			continue
		}
		if s.schedulePush(member, n) {
			pushed = append(pushed, member)
		}
	}
	return pushed
}

func (s *Service) schedulePush(userID int64, n Notice) bool {
	if s.pusher == nil || s.store == nil {
		return false
	}
	payload, err := json.Marshal(PushPayload{
		Title:          n.SenderName,
		Body:           "New message", // content is end-to-end encrypted
		ConversationID: n.RoomID,
		MessageID:      n.MessageID,
		Tag:            "conversation-" + strconv.FormatInt(n.RoomID, 10),
	})
	if err != nil {
		return false
	}

	task := func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
		defer cancel()
		s.PushToUser(ctx, userID, payload)
	}
	if s.pool == nil {
		go task()
		return true
	}
	if !s.pool.Submit(task) {
		s.metrics.PushAttempts.WithLabelValues("dropped").Inc()
		s.logger.Warn("push dropped, worker pool closed", zap.Int64("user_id", userID))
		return false
	}
	return true
}

// PushToUser sends payload to every endpoint of userID, pruning gone endpoints.
// Failures are logged and counted; they never reach the sender of the message.
func (s *Service) PushToUser(ctx context.Context, userID int64, payload []byte) (sent int) {
	subs, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		s.logger.Warn("list push subscriptions", zap.Int64("user_id", userID), zap.Error(err))
		return 0
	}

	for _, sub := range subs {
		err := s.pusher.Push(ctx, sub, payload)
		switch {
		case err == nil:
			sent++
			s.metrics.PushAttempts.WithLabelValues("ok").Inc()
		case errors.Is(err, ErrGone):
			s.metrics.PushAttempts.WithLabelValues("gone").Inc()
			if err := s.store.DeleteByEndpoint(ctx, sub.Endpoint); err != nil {
				s.logger.Warn("prune push subscription", zap.Int64("user_id", userID), zap.Error(err))
				continue
			}
			s.metrics.PushPruned.Inc()
			s.logger.Info("pruned expired push subscription", zap.Int64("user_id", userID))
		default:
			s.metrics.PushAttempts.WithLabelValues("failed").Inc()
			s.logger.Warn("push delivery failed", zap.Int64("user_id", userID), zap.Error(err))
		}
	}
	return sent
}
