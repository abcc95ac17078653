package main

import (
	"net/http"

	"go-messenger/internal/chat"
	"go-messenger/internal/gateway"
	"go-messenger/internal/keys"
	"go-messenger/internal/metrics"
	"go-messenger/internal/middleware"
	"go-messenger/internal/notify"
	"go-messenger/internal/user"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Users    *user.Handler
	Chat     *chat.Handler
	Keys     *keys.Handler
	Push     *notify.Handler
	Health   http.Handler
	Gateway  *gateway.Gateway
	Auth     middleware.TokenValidator
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

func NewRouter(h Handlers) http.Handler {
	auth := middleware.NewAuthMiddleware(h.Auth).OnFailure(func(error) {
		h.Metrics.AuthFailures.Inc()
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(h.Logger, h.Metrics))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		MaxAge:         300,
	}))

	// Public
	r.Post("/register", h.Users.Register)
	r.Post("/login", h.Users.Login)
	r.Handle("/healthz", h.Health)
	r.Handle("/metrics", promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{}))

	// The gateway authenticates the upgrade itself so it can count failures
	// and accept the token query parameter.
	r.Get("/ws", h.Gateway.ServeWs)

	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)

		r.Get("/api/users/search", h.Users.SearchUsers)

		r.Post("/api/conversations", h.Chat.StartConversation)
		r.Post("/api/groups", h.Chat.CreateGroup)
		r.Get("/api/messages", h.Chat.GetChatHistory)
		r.Post("/api/conversations/{id}/messages", h.Gateway.SendMessage)
		r.Get("/api/presence", h.Gateway.Presence)

		r.Get("/api/push/vapid-key", h.Push.VAPIDKey)
		r.Post("/api/push/subscriptions", h.Push.Subscribe)
		r.Delete("/api/push/subscriptions", h.Push.Unsubscribe)

		r.Put("/api/keys", h.Keys.PutKeys)
		r.Get("/api/keys/{userID}", h.Keys.GetKeys)
		r.Put("/api/conversations/{id}/keys", h.Keys.PutConversationKeys)
		r.Get("/api/conversations/{id}/keys", h.Keys.GetConversationKey)
	})

	return r
}
