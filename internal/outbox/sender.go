package outbox

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Connectivity tells the sender whether an attempt is worth making.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func(ctx context.Context) bool

func (f ConnectivityFunc) Online(ctx context.Context) bool { return f(ctx) }

// HTTPProbe reports online when url answers at all.
type HTTPProbe struct {
	URL    string
	Client *http.Client
}

func (p HTTPProbe) Online(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// Result is the outcome of EnqueueOrSend.
type Result struct {
	Queued         bool
	IdempotencyKey string
	Response       *Response
}

// Sender sends right away when it can and queues otherwise.
type Sender struct {
	queue     Queue
	transport Transport
	online    Connectivity
	drainer   *Drainer
	logger    *zap.Logger
}

// NewSender wires the send path. online may be nil (always try); drainer may be
// nil, otherwise it is poked after every enqueue.
func NewSender(queue Queue, transport Transport, online Connectivity, drainer *Drainer, logger *zap.Logger) *Sender {
	return &Sender{
		queue:     queue,
		transport: transport,
		online:    online,
		drainer:   drainer,
		logger:    logger.With(zap.String("component", "outbox")),
	}
}

// EnqueueOrSend assigns an idempotency key when missing, then either sends req
// or persists it. Application errors are returned and never queued.
func (s *Sender) EnqueueOrSend(ctx context.Context, req Request) (Result, error) {
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	res := Result{IdempotencyKey: req.IdempotencyKey}

	if s.online != nil && !s.online.Online(ctx) {
		return s.enqueue(ctx, req, res)
	}

	resp, err := s.transport.Do(ctx, req)
	var netErr *NetworkError
	switch {
	case err == nil:
		res.Response = resp
		return res, nil
	case errors.As(err, &netErr):
		s.logger.Debug("send failed, queueing", zap.String("key", req.IdempotencyKey), zap.Error(err))
		return s.enqueue(ctx, req, res)
	default:
		return res, err
	}
}

func (s *Sender) enqueue(ctx context.Context, req Request, res Result) (Result, error) {
	if _, err := s.queue.Enqueue(ctx, req); err != nil {
		return res, err
	}
	res.Queued = true
	if s.drainer != nil {
		s.drainer.Trigger()
	}
	return res, nil
}

// Drainer replays queued entries in order on a ticker and on demand.
type Drainer struct {
	queue     Queue
	transport Transport
	online    Connectivity
	interval  time.Duration
	batch     int
	trigger   chan struct{}
	logger    *zap.Logger
}

func NewDrainer(queue Queue, transport Transport, online Connectivity, interval time.Duration, logger *zap.Logger) *Drainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Drainer{
		queue:     queue,
		transport: transport,
		online:    online,
		interval:  interval,
		batch:     100,
		trigger:   make(chan struct{}, 1),
		logger:    logger.With(zap.String("component", "outbox-drainer")),
	}
}

// Trigger asks for a pass without waiting for the ticker. It never blocks.
func (d *Drainer) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run drains until ctx is done.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.trigger:
		}
		if _, err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("drain pass failed", zap.Error(err))
		}
	}
}

// DrainStats summarises one pass.
type DrainStats struct {
	Sent    int
	Dropped int
	Retried int
}

// DrainOnce replays queued entries oldest first. The pass stops at the first
// network failure so later entries never overtake earlier ones.
func (d *Drainer) DrainOnce(ctx context.Context) (DrainStats, error) {
	var stats DrainStats
	if d.online != nil && !d.online.Online(ctx) {
		return stats, nil
	}

	entries, err := d.queue.Drain(ctx, d.batch)
	if err != nil {
		return stats, err
	}

	for _, e := range entries {
		_, err := d.transport.Do(ctx, e.Request)
		var netErr *NetworkError
		switch {
		case err == nil:
			if err := d.queue.Ack(ctx, e.ID); err != nil {
				return stats, err
			}
			stats.Sent++

		case errors.As(err, &netErr):
			dropped, nackErr := d.queue.Nack(ctx, e.ID)
			if nackErr != nil {
				return stats, nackErr
			}
			if dropped {
				stats.Dropped++
				d.logger.Warn("queued send abandoned after retries",
					zap.String("id", e.ID), zap.String("key", e.Request.IdempotencyKey))
				// the rest of the batch may still go through
				continue
			}
			stats.Retried++
			return stats, nil

		default:
			// the server refused it; replaying would not help
			if err := d.queue.Ack(ctx, e.ID); err != nil {
				return stats, err
			}
			stats.Dropped++
			d.logger.Warn("queued send rejected",
				zap.String("id", e.ID), zap.String("key", e.Request.IdempotencyKey), zap.Error(err))
		}
	}
	return stats, nil
}
