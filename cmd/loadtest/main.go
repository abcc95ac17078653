// Command loadtest drives pairs of users through register, key exchange and
// an end-to-end encrypted message burst against a running server.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go-messenger/internal/chat"
	"go-messenger/internal/client"
	"go-messenger/internal/e2ee"
	"go-messenger/internal/event"
	"go-messenger/internal/keys"
	"go-messenger/internal/user"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type config struct {
	baseURL  string
	wsURL    string
	pairs    int
	messages int
	interval time.Duration
}

type stats struct {
	sent      atomic.Int64
	received  atomic.Int64
	decrypted atomic.Int64
	failed    atomic.Int64
}

type participant struct {
	name  string
	id    int64
	token string
	keys  e2ee.KeyPair
	peer  e2ee.PublicKey
}

func main() {
	var cfg config
	flag.StringVar(&cfg.baseURL, "base", "http://localhost:8080", "server base url")
	flag.StringVar(&cfg.wsURL, "ws", "", "websocket url (derived from -base when empty)")
	flag.IntVar(&cfg.pairs, "pairs", 50, "number of user pairs")
	flag.IntVar(&cfg.messages, "messages", 20, "messages per user")
	flag.DurationVar(&cfg.interval, "interval", 10*time.Millisecond, "delay between sends")
	flag.Parse()
	if cfg.wsURL == "" {
		cfg.wsURL = "ws" + strings.TrimPrefix(cfg.baseURL, "http") + "/ws"
	}

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	pool := client.NewPool(func(ctx context.Context, token string) (*client.Conn, error) {
		return client.Dial(ctx, cfg.wsURL, token, client.WithLogger(logger))
	})

	logger.Info("starting load test", zap.Int("users", cfg.pairs*2), zap.Int("messages_each", cfg.messages))
	start := time.Now()

	var (
		st stats
		wg sync.WaitGroup
	)
	run := uuid.NewString()[:8]
	for i := 0; i < cfg.pairs; i++ {
		wg.Add(1)
		go func(pair int) {
			defer wg.Done()
			if err := runPair(cfg, pool, &st, run, pair); err != nil {
				st.failed.Add(1)
				logger.Warn("pair failed", zap.Int("pair", pair), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()

	logger.Info("load test complete",
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("sent", st.sent.Load()),
		zap.Int64("received", st.received.Load()),
		zap.Int64("decrypted", st.decrypted.Load()),
		zap.Int64("failed_pairs", st.failed.Load()),
	)
}

func runPair(cfg config, pool *client.Pool, st *stats, run string, pair int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	a, err := enroll(ctx, cfg, fmt.Sprintf("lt_%s_%d_a", run, pair))
	if err != nil {
		return err
	}
	b, err := enroll(ctx, cfg, fmt.Sprintf("lt_%s_%d_b", run, pair))
	if err != nil {
		return err
	}
	if a.peer, err = fetchKey(ctx, cfg, a.token, b.id); err != nil {
		return err
	}
	if b.peer, err = fetchKey(ctx, cfg, b.token, a.id); err != nil {
		return err
	}

	var conv chat.ConversationResponse
	if err := call(ctx, cfg, http.MethodPost, "/api/conversations", a.token, chat.StartConversationRequest{TargetID: b.id}, &conv); err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for _, p := range []*participant{a, b} {
		wg.Add(1)
		go func(p *participant) {
			defer wg.Done()
			errs <- chatter(ctx, cfg, pool, st, p, conv.ID)
		}(p)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// enroll registers, logs in and publishes a fresh identity key.
func enroll(ctx context.Context, cfg config, name string) (*participant, error) {
	creds := user.RegisterRequest{Username: name, Password: "password123"}
	// an existing user is fine on reruns
	_ = call(ctx, cfg, http.MethodPost, "/register", "", creds, nil)

	var login user.LoginResponse
	if err := call(ctx, cfg, http.MethodPost, "/login", "", creds, &login); err != nil {
		return nil, fmt.Errorf("login %s: %w", name, err)
	}

	kp, err := e2ee.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	if err := call(ctx, cfg, http.MethodPut, "/api/keys", login.AccessToken, keys.PutKeysRequest{PublicKey: kp.Public.String()}, nil); err != nil {
		return nil, fmt.Errorf("publish key %s: %w", name, err)
	}
	return &participant{name: name, id: login.ID, token: login.AccessToken, keys: kp}, nil
}

func fetchKey(ctx context.Context, cfg config, token string, userID int64) (e2ee.PublicKey, error) {
	var resp keys.KeysResponse
	if err := call(ctx, cfg, http.MethodGet, fmt.Sprintf("/api/keys/%d", userID), token, nil, &resp); err != nil {
		return e2ee.PublicKey{}, fmt.Errorf("fetch key of %d: %w", userID, err)
	}
	return e2ee.ParsePublicKey(resp.PublicKey)
}

func chatter(ctx context.Context, cfg config, pool *client.Pool, st *stats, p *participant, convID int64) error {
	h, err := pool.Acquire(ctx, p.token)
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.name, err)
	}
	defer h.Release()
	conn := h.Conn()

	sub := conn.Subscribe(event.MessageNew, func(env event.Envelope) {
		var msg event.Message
		if env.Bind(&msg) != nil || msg.SenderID == p.id {
			return
		}
		st.received.Add(1)
		var payload e2ee.Payload
		if json.Unmarshal([]byte(msg.Content), &payload) != nil {
			return
		}
		if _, ok := e2ee.Open(payload, p.keys.Private, p.peer); ok {
			st.decrypted.Add(1)
		}
	})
	defer sub.Close()

	if _, err := conn.Request(ctx, event.Join, event.RoomRequest{RoomID: convID}); err != nil {
		return fmt.Errorf("join %d: %w", convID, err)
	}

	for i := 0; i < cfg.messages; i++ {
		payload, err := e2ee.Seal([]byte(fmt.Sprintf("load test message %d from %s", i, p.name)), p.keys.Private, p.peer)
		if err != nil {
			return err
		}
		content, _ := json.Marshal(payload)
		if _, err := conn.Request(ctx, event.Send, event.SendRequest{
			RoomID:           convID,
			Content:          string(content),
			IdempotencyToken: uuid.NewString(),
		}); err != nil {
			return fmt.Errorf("send from %s: %w", p.name, err)
		}
		st.sent.Add(1)
		time.Sleep(cfg.interval)
	}
	// let the peer's last messages arrive
	time.Sleep(500 * time.Millisecond)
	return nil
}

func call(ctx context.Context, cfg config, method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
