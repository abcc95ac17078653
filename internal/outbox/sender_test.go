package outbox

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"
)

type scriptedTransport struct {
	mu    sync.Mutex
	err   error
	calls []Request
}

func (s *scriptedTransport) Do(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return &Response{Status: http.StatusCreated}, nil
}

func (s *scriptedTransport) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *scriptedTransport) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

var offline = ConnectivityFunc(func(context.Context) bool { return false })

func newQueue(t *testing.T) *SQLiteQueue {
	return openTestQueue(t, filepath.Join(t.TempDir(), "outbox.db"))
}

func TestOfflineSendIsQueued(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	tr := &scriptedTransport{}
	s := NewSender(q, tr, offline, nil, zap.NewNop())

	res, err := s.EnqueueOrSend(ctx, Request{URL: "http://x/api/conversations/1/messages", Body: []byte(`{"content":"hi"}`)})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Queued || res.IdempotencyKey == "" {
		t.Fatalf("result = %+v", res)
	}
	if tr.count() != 0 {
		t.Error("transport used while offline")
	}
	entries, _ := q.Drain(ctx, 10)
	if len(entries) != 1 || entries[0].Request.IdempotencyKey != res.IdempotencyKey {
		t.Errorf("queued = %+v", entries)
	}
}

func TestNetworkFailureIsQueued(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	tr := &scriptedTransport{err: &NetworkError{Err: errors.New("connection refused")}}
	s := NewSender(q, tr, nil, nil, zap.NewNop())

	res, err := s.EnqueueOrSend(ctx, Request{URL: "http://x", IdempotencyKey: "mine"})
	if err != nil || !res.Queued || res.IdempotencyKey != "mine" {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

func TestApplicationErrorNotQueued(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	tr := &scriptedTransport{err: &StatusError{Code: http.StatusForbidden}}
	s := NewSender(q, tr, nil, nil, zap.NewNop())

	res, err := s.EnqueueOrSend(ctx, Request{URL: "http://x"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusForbidden {
		t.Fatalf("err = %v, want the 403", err)
	}
	if res.Queued {
		t.Error("application error reported as queued")
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Errorf("queue len = %d", n)
	}
}

func TestOnlineSendGoesStraightThrough(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	tr := &scriptedTransport{}
	s := NewSender(q, tr, ConnectivityFunc(func(context.Context) bool { return true }), nil, zap.NewNop())

	res, err := s.EnqueueOrSend(ctx, Request{URL: "http://x"})
	if err != nil || res.Queued || res.Response == nil {
		t.Fatalf("res=%+v err=%v", res, err)
	}
}

// dedupServer stores each idempotency key once, like the messages endpoint.
type dedupServer struct {
	mu    sync.Mutex
	seen  map[string]int
	order []string
}

func (d *dedupServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := r.Header.Get("Idempotency-Key")
	d.seen[key]++
	if d.seen[key] > 1 {
		w.WriteHeader(http.StatusOK)
		return
	}
	body, _ := io.ReadAll(r.Body)
	d.order = append(d.order, string(body))
	w.WriteHeader(http.StatusCreated)
}

func TestDrainDeliversExactlyOnceInOrder(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	srv := &dedupServer{seen: map[string]int{}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s := NewSender(q, NewHTTPTransport(nil, nil), offline, nil, zap.NewNop())
	for _, body := range []string{"one", "two", "three"} {
		if _, err := s.EnqueueOrSend(ctx, Request{URL: ts.URL, Body: []byte(body)}); err != nil {
			t.Fatal(err)
		}
	}

	d := NewDrainer(q, NewHTTPTransport(nil, nil), nil, 0, zap.NewNop())
	stats, err := d.DrainOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Sent != 3 {
		t.Errorf("sent = %d", stats.Sent)
	}
	// a second pass finds nothing left
	if stats, _ := d.DrainOnce(ctx); stats.Sent != 0 {
		t.Errorf("second pass sent %d", stats.Sent)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if len(srv.order) != 3 || srv.order[0] != "one" || srv.order[1] != "two" || srv.order[2] != "three" {
		t.Errorf("delivered = %v", srv.order)
	}
	for key, n := range srv.seen {
		if n != 1 {
			t.Errorf("key %s delivered %d times", key, n)
		}
	}
}

func TestDrainAbandonsAfterCeiling(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	tr := &scriptedTransport{err: &NetworkError{Err: errors.New("unreachable")}}
	if _, err := q.Enqueue(ctx, Request{URL: "http://x", IdempotencyKey: "doomed"}); err != nil {
		t.Fatal(err)
	}

	d := NewDrainer(q, tr, nil, 0, zap.NewNop())
	for i := 1; i <= MaxRetries; i++ {
		if _, err := d.DrainOnce(ctx); err != nil {
			t.Fatal(err)
		}
		n, _ := q.Len(ctx)
		if i < MaxRetries && n != 1 {
			t.Fatalf("entry gone after %d attempts", i)
		}
		if i == MaxRetries && n != 0 {
			t.Fatalf("entry still queued after %d attempts", i)
		}
	}
	if tr.count() != MaxRetries {
		t.Errorf("attempts = %d, want %d", tr.count(), MaxRetries)
	}
}

func TestDrainStopsAtFirstNetworkFailure(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	for _, key := range []string{"a", "b"} {
		q.Enqueue(ctx, Request{URL: "http://x", IdempotencyKey: key})
	}
	tr := &scriptedTransport{err: &NetworkError{Err: errors.New("down")}}

	stats, err := NewDrainer(q, tr, nil, 0, zap.NewNop()).DrainOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Retried != 1 || tr.count() != 1 {
		t.Errorf("stats=%+v attempts=%d, want one attempt", stats, tr.count())
	}
}

func TestDrainDropsRejectedEntry(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	q.Enqueue(ctx, Request{URL: "http://x", IdempotencyKey: "bad"})
	tr := &scriptedTransport{err: &StatusError{Code: http.StatusBadRequest}}

	stats, err := NewDrainer(q, tr, nil, 0, zap.NewNop()).DrainOnce(ctx)
	if err != nil || stats.Dropped != 1 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Error("rejected entry kept")
	}
}

func TestDrainSkipsWhileOffline(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	q.Enqueue(ctx, Request{URL: "http://x", IdempotencyKey: "k"})
	tr := &scriptedTransport{}

	NewDrainer(q, tr, offline, 0, zap.NewNop()).DrainOnce(ctx)
	if tr.count() != 0 {
		t.Error("drained while offline")
	}
	entries, _ := q.Drain(ctx, 1)
	if len(entries) != 1 || entries[0].RetryCount != 0 {
		t.Errorf("offline pass touched the entry: %+v", entries)
	}
}

func TestHTTPTransportClassifiesFailures(t *testing.T) {
	var gotKey, gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusInternalServerError)
	}))
	tr := NewHTTPTransport(nil, func() string { return "jwt" })

	_, err := tr.Do(context.Background(), Request{URL: ts.URL, IdempotencyKey: "k1"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Errorf("err = %v, want status error", err)
	}
	if gotKey != "k1" || gotAuth != "Bearer jwt" {
		t.Errorf("headers: key=%q auth=%q", gotKey, gotAuth)
	}

	ts.Close()
	_, err = tr.Do(context.Background(), Request{URL: ts.URL, IdempotencyKey: "k2"})
	var ne *NetworkError
	if !errors.As(err, &ne) {
		t.Errorf("err = %v, want network error", err)
	}
}
