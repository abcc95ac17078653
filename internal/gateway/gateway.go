package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go-messenger/internal/apperr"
	"go-messenger/internal/chat"
	"go-messenger/internal/event"
	"go-messenger/internal/metrics"
	"go-messenger/internal/middleware"
	"go-messenger/internal/notify"
	"go-messenger/internal/presence"
	"go-messenger/internal/room"
	"go-messenger/internal/signaling"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Storage is the message persistence collaborator.
type Storage interface {
	CreateMessage(ctx context.Context, msg chat.NewMessage) (*chat.Message, bool, error)
	UpdateMessage(ctx context.Context, messageID, editorID int64, content string) (*chat.Message, error)
	DeleteMessage(ctx context.Context, messageID, userID int64) (*chat.Message, error)
	ListRoomMembers(ctx context.Context, roomID int64) (chat.Membership, error)
}

// TokenValidator authenticates the upgrade request.
type TokenValidator interface {
	ValidateToken(tokenString string) (int64, string, error)
}

type Options struct {
	WriteWait      time.Duration // time allowed to write a frame
	PongWait       time.Duration // time allowed to read the next pong
	PingPeriod     time.Duration // must be less than PongWait
	MaxMessageSize int64
	SendBuffer     int
	EventTimeout   time.Duration // storage/redis budget per inbound event
	MaxContentSize int
	CheckOrigin    func(r *http.Request) bool
}

func DefaultOptions() Options {
	return Options{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		MaxMessageSize: 64 << 10,
		SendBuffer:     256,
		EventTimeout:   10 * time.Second,
		MaxContentSize: 32 << 10,
	}
}

// Gateway owns the live websocket connections of this process.
type Gateway struct {
	registry  *room.Registry
	storage   Storage
	presence  *presence.Store
	relay     *signaling.Relay
	notifier  *notify.Service
	validator TokenValidator
	logger    *zap.Logger
	metrics   *metrics.Metrics
	opts      Options
	upgrader  websocket.Upgrader
	routes    map[string]handlerFunc

	mu      sync.Mutex
	clients map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

type Deps struct {
	Registry  *room.Registry
	Storage   Storage
	Presence  *presence.Store
	Relay     *signaling.Relay
	Notifier  *notify.Service
	Validator TokenValidator
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

func New(d Deps, opts Options) *Gateway {
	if d.Metrics == nil {
		d.Metrics = metrics.NewUnregistered()
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = opts.PongWait * 9 / 10
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		registry:  d.Registry,
		storage:   d.Storage,
		presence:  d.Presence,
		relay:     d.Relay,
		notifier:  d.Notifier,
		validator: d.Validator,
		logger:    d.Logger.With(zap.String("component", "gateway")),
		metrics:   d.Metrics,
		opts:      opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		clients: make(map[*Client]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	g.routes = g.handlers()
	g.registry.OnDeliver(func(n int) { g.metrics.FanoutDeliveries.Add(float64(n)) })
	return g
}

// ServeWs authenticates the request and upgrades it. Authentication happens
// before the upgrade so a bad token gets a plain 401.
func (g *Gateway) ServeWs(w http.ResponseWriter, r *http.Request) {
	userID, username, err := g.authenticate(r)
	if err != nil {
		g.metrics.AuthFailures.Inc()
		apperr.Respond(w, err)
		return
	}

	g.mu.Lock()
	closed := g.closed
	g.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		gw:       g,
		conn:     conn,
		send:     make(chan []byte, g.opts.SendBuffer),
		done:     make(chan struct{}),
		id:       uuid.NewString(),
		userID:   userID,
		username: username,
	}
	client.focused.Store(true)

	if !g.connect(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (g *Gateway) authenticate(r *http.Request) (int64, string, error) {
	// already authenticated by the middleware
	if id, name, ok := middleware.UserFrom(r.Context()); ok {
		return id, name, nil
	}
	token := middleware.TokenFromRequest(r)
	if token == "" {
		return 0, "", apperr.ErrTokenMissing
	}
	id, name, err := g.validator.ValidateToken(token)
	if err != nil {
		if !apperr.IsKind(err, apperr.KindAuthentication) {
			err = apperr.ErrTokenInvalid.Wrap(err)
		}
		return 0, "", err
	}
	return id, name, nil
}

func (g *Gateway) connect(c *Client) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	g.clients[c] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()

	first := g.registry.Register(c)
	g.metrics.ActiveConnections.Inc()
	g.metrics.ConnectionsTotal.Inc()

	ctx, cancel := context.WithTimeout(g.ctx, g.opts.EventTimeout)
	defer cancel()

	g.presence.SetOnline(ctx, c.userID)
	if first {
		g.registry.BroadcastAll(event.MustEncode(event.UserOnline, event.UserPayload{UserID: c.userID}), c.userID)
	}
	if g.relay != nil {
		if _, err := g.relay.Redeliver(ctx, c.userID); err != nil {
			g.logger.Warn("redeliver pending invite", zap.Int64("user_id", c.userID), zap.Error(err))
		}
	}

	g.logger.Info("client connected",
		zap.String("conn_id", c.id),
		zap.Int64("user_id", c.userID),
		zap.Bool("first", first))
	return true
}

// disconnect runs once per client, from its read loop.
func (g *Gateway) disconnect(c *Client) {
	c.close()
	last, rooms := g.registry.Unregister(c)
	g.metrics.ActiveConnections.Dec()

	// otherwise the presence record expires on its own, covering quick reconnects
	if last && c.graceful.Load() && g.markOffline(c.userID) {
		g.registry.BroadcastAll(event.MustEncode(event.UserOffline, event.UserPayload{UserID: c.userID}), c.userID)
	}

	g.logger.Info("client disconnected",
		zap.String("conn_id", c.id),
		zap.Int64("user_id", c.userID),
		zap.Bool("last", last),
		zap.Bool("graceful", c.graceful.Load()),
		zap.Int("rooms", len(rooms)))

	g.mu.Lock()
	delete(g.clients, c)
	g.mu.Unlock()
	g.wg.Done()
}

// markOffline deletes the user's presence unless a connection of theirs is
// registered. A connection that registers while the key is being deleted has
// already written presence, so it is restored. Reports whether the user is offline.
func (g *Gateway) markOffline(userID int64) bool {
	if g.registry.UserConnections(userID) > 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.EventTimeout)
	defer cancel()
	g.presence.SetOffline(ctx, userID)
	if g.registry.UserConnections(userID) > 0 {
		g.presence.SetOnline(ctx, userID)
		return false
	}
	return true
}

// touch refreshes presence on pongs.
func (g *Gateway) touch(c *Client) {
	ctx, cancel := context.WithTimeout(g.ctx, 2*time.Second)
	defer cancel()
	g.presence.Refresh(ctx, c.userID)
}

// Start is a no-op hook kept for symmetry with Stop in the process lifecycle.
func (g *Gateway) Start(context.Context) error {
	g.logger.Info("gateway started")
	return nil
}

// Stop refuses new connections, closes live ones with a normal close frame and
// waits for their teardown or ctx.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	clients := make([]*Client, 0, len(g.clients))
	for c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.graceful.Store(true)
		c.close()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.New("gateway stop: connections still draining")
	}
	g.cancel()
	g.logger.Info("gateway stopped", zap.Int("closed", len(clients)))
	return err
}

// Connections returns the number of live connections.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}
