package outbox

import (
	"context"
	"time"
)

// MaxRetries is the retry ceiling: an entry whose retry count reaches it is dropped.
const MaxRetries = 5

// Request is one replayable HTTP send.
type Request struct {
	Method         string
	URL            string
	Body           []byte
	IdempotencyKey string
}

// Entry is a queued request.
type Entry struct {
	ID         string
	Request    Request
	RetryCount int
	CreatedAt  time.Time
}

// Queue is the durable store behind the offline send path. Drain returns
// entries in enqueue order without removing them; Ack removes one after a
// successful replay and Nack records a failed attempt.
type Queue interface {
	Enqueue(ctx context.Context, req Request) (Entry, error)
	Drain(ctx context.Context, limit int) ([]Entry, error)
	Ack(ctx context.Context, id string) error
	// Nack reports whether the entry was dropped for reaching the retry ceiling.
	Nack(ctx context.Context, id string) (bool, error)
	Len(ctx context.Context) (int, error)
}
