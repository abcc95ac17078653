package notify

import (
	"encoding/json"
	"net/http"
	"net/url"

	"go-messenger/internal/apperr"
	"go-messenger/internal/middleware"
)

// SubscribeRequest mirrors the browser's PushSubscription.toJSON().
type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

type Handler struct {
	store          SubscriptionStore
	vapidPublicKey string
}

func NewHandler(store SubscriptionStore, vapidPublicKey string) *Handler {
	return &Handler{store: store, vapidPublicKey: vapidPublicKey}
}

var errBadSubscription = apperr.New(apperr.KindValidation, "endpoint and keys are required")

func validEndpoint(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https" && u.Host != ""
}

func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFrom(r.Context())
	if !ok {
		apperr.Respond(w, apperr.ErrTokenMissing)
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Respond(w, errBadSubscription.Wrap(err))
		return
	}
	if !validEndpoint(req.Endpoint) || req.Keys.P256dh == "" || req.Keys.Auth == "" {
		apperr.Respond(w, errBadSubscription)
		return
	}

	err := h.store.Save(r.Context(), Subscription{
		UserID:   userID,
		Endpoint: req.Endpoint,
		P256dh:   req.Keys.P256dh,
		Auth:     req.Keys.Auth,
	})
	if err != nil {
		apperr.Respond(w, apperr.ErrInternal.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFrom(r.Context())
	if !ok {
		apperr.Respond(w, apperr.ErrTokenMissing)
		return
	}

	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "endpoint is required"))
		return
	}
	if err := h.store.Delete(r.Context(), userID, req.Endpoint); err != nil {
		apperr.Respond(w, apperr.ErrInternal.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VAPIDKey returns the application server key browsers subscribe with.
func (h *Handler) VAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.vapidPublicKey == "" {
		apperr.Respond(w, apperr.New(apperr.KindNotFound, "push is not configured"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"publicKey": h.vapidPublicKey})
}
