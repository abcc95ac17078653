// Package client is the Go SDK for the messaging gateway websocket.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go-messenger/internal/apperr"
	"go-messenger/internal/event"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("client: connection closed")

const writeWait = 10 * time.Second

// Handler receives events of the kind it was subscribed to. Handlers run on
// the connection's read goroutine, one at a time.
type Handler func(env event.Envelope)

// Conn is one authenticated gateway connection.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.RWMutex
	subs    map[string]map[*Subscription]struct{}
	pending map[string]chan event.Envelope
	nextRef atomic.Uint64

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

type options struct {
	dialer *websocket.Dialer
	logger *zap.Logger
}

type Option func(*options)

func WithDialer(d *websocket.Dialer) Option { return func(o *options) { o.dialer = d } }
func WithLogger(l *zap.Logger) Option       { return func(o *options) { o.logger = l } }

// Dial connects to the gateway at url, authenticating with token.
func Dial(ctx context.Context, url, token string, opts ...Option) (*Conn, error) {
	o := options{dialer: websocket.DefaultDialer, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	ws, resp, err := o.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.ErrTokenInvalid.Wrap(err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Conn{
		ws:      ws,
		logger:  o.logger,
		subs:    make(map[string]map[*Subscription]struct{}),
		pending: make(map[string]chan event.Envelope),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			err = nil
		}
		c.shutdown(err)
	}()

	for {
		var data []byte
		_, data, err = c.ws.ReadMessage()
		if err != nil {
			return
		}
		// the gateway batches queued frames into one message
		for _, frame := range bytes.Split(data, []byte{'\n'}) {
			if len(frame) == 0 {
				continue
			}
			env, decErr := event.Decode(frame)
			if decErr != nil {
				c.logger.Debug("dropping undecodable frame", zap.Error(decErr))
				continue
			}
			c.route(env)
		}
	}
}

func (c *Conn) route(env event.Envelope) {
	c.mu.Lock()
	if env.Ref != "" && (env.Type == event.Ack || env.Type == event.Error) {
		if ch, ok := c.pending[env.Ref]; ok {
			delete(c.pending, env.Ref)
			ch <- env
		}
	}
	handlers := make([]Handler, 0, len(c.subs[env.Type]))
	for s := range c.subs[env.Type] {
		handlers = append(handlers, s.handler())
	}
	c.mu.Unlock()

	for _, h := range handlers {
		if h != nil {
			h(env)
		}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
		c.ws.Close()
	})
}

// Subscribe registers fn for events of kind.
func (c *Conn) Subscribe(kind string, fn Handler) *Subscription {
	s := &Subscription{conn: c, kind: kind}
	s.fn.Store(&fn)

	c.mu.Lock()
	set, ok := c.subs[kind]
	if !ok {
		set = make(map[*Subscription]struct{})
		c.subs[kind] = set
	}
	set[s] = struct{}{}
	c.mu.Unlock()
	return s
}

// Emit sends one event without waiting for an answer.
func (c *Conn) Emit(kind string, data any) error {
	return c.write(kind, "", data)
}

// Request sends an event with a fresh ref and waits for its ack. An error
// event comes back as an *apperr.Error of the reported kind.
func (c *Conn) Request(ctx context.Context, kind string, data any) (event.Envelope, error) {
	ref := strconv.FormatUint(c.nextRef.Add(1), 10)
	ch := make(chan event.Envelope, 1)

	c.mu.Lock()
	c.pending[ref] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, ref)
		c.mu.Unlock()
	}()

	if err := c.write(kind, ref, data); err != nil {
		return event.Envelope{}, err
	}

	select {
	case env := <-ch:
		if env.Type == event.Error {
			var p event.ErrorPayload
			_ = env.Bind(&p)
			return env, apperr.New(apperr.Kind(p.Kind), p.Message)
		}
		return env, nil
	case <-c.done:
		return event.Envelope{}, ErrClosed
	case <-ctx.Done():
		return event.Envelope{}, ctx.Err()
	}
}

func (c *Conn) write(kind, ref string, data any) error {
	frame, err := event.EncodeRef(kind, ref, data)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &apperr.Error{Kind: apperr.KindNetwork, Message: "write failed", Err: err}
	}
	return nil
}

// Close sends a normal close frame, so the server clears presence right away.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	c.shutdown(nil)
	return nil
}

// Done is closed when the connection is gone.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, nil while it is open or after Close.
func (c *Conn) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Subscription is a handler registration; its handler can be swapped in place.
type Subscription struct {
	conn *Conn
	kind string
	fn   atomic.Pointer[Handler]
}

func (s *Subscription) handler() Handler { return *s.fn.Load() }

// Update replaces the handler without touching the connection.
func (s *Subscription) Update(fn Handler) {
	s.fn.Store(&fn)
}

// Close removes the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.subs[s.kind]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(c.subs, s.kind)
		}
	}
}
