package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// ErrGone means the endpoint no longer exists and must not be retried.
var ErrGone = errors.New("push endpoint gone")

// Pusher delivers one payload to one endpoint.
type Pusher interface {
	Push(ctx context.Context, sub Subscription, payload []byte) error
}

type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string // mailto: or https: contact
	TTL        time.Duration
}

// WebPusher sends RFC 8030 web push messages signed with VAPID.
type WebPusher struct {
	cfg    VAPIDConfig
	client webpush.HTTPClient
}

func NewWebPusher(cfg VAPIDConfig, client webpush.HTTPClient) *WebPusher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &WebPusher{cfg: cfg, client: client}
}

func (p *WebPusher) Push(ctx context.Context, sub Subscription, payload []byte) error {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      p.client,
		Subscriber:      p.cfg.Subscriber,
		VAPIDPublicKey:  p.cfg.PublicKey,
		VAPIDPrivateKey: p.cfg.PrivateKey,
		TTL:             int(p.cfg.TTL / time.Second),
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		return fmt.Errorf("web push: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("web push: unexpected status %d", resp.StatusCode)
	}
	return nil
}
