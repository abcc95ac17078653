package keys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"

	"go-messenger/internal/apperr"
	"go-messenger/internal/chat"
	"go-messenger/internal/e2ee"
	"go-messenger/internal/middleware"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// Store is what the handlers need from the repository.
type Store interface {
	PutUserKey(ctx context.Context, k UserKey) error
	GetUserKey(ctx context.Context, userID int64) (UserKey, error)
	PutConversationKeys(ctx context.Context, conversationID int64, version int, sealed map[int64][]byte) error
	GetConversationKey(ctx context.Context, conversationID, userID int64) (ConversationKey, error)
}

// Members resolves conversation membership.
type Members interface {
	ListRoomMembers(ctx context.Context, roomID int64) (chat.Membership, error)
}

type Handler struct {
	store   Store
	members Members
	logger  *zap.Logger
}

func NewHandler(store Store, members Members, logger *zap.Logger) *Handler {
	return &Handler{
		store:   store,
		members: members,
		logger:  logger.With(zap.String("component", "keys")),
	}
}

// Sealed group keys are a 32-byte key inside an anonymous box.
const sealedGroupKeySize = e2ee.KeySize + box.AnonymousOverhead

var (
	errBadPublicKey  = apperr.New(apperr.KindValidation, "publicKey must be a base64 X25519 key")
	errBadWrappedKey = apperr.New(apperr.KindValidation, "wrappedPrivateKey is malformed")
	errBadSealedKey  = apperr.New(apperr.KindValidation, "sealed keys must be base64 sealed boxes")
	errNotMember     = apperr.New(apperr.KindValidation, "keys may only be sealed to conversation members")
)

func encodeSealed(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeSealed(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type PutKeysRequest struct {
	PublicKey         string           `json:"publicKey"`
	WrappedPrivateKey *e2ee.WrappedKey `json:"wrappedPrivateKey,omitempty"`
}

type KeysResponse struct {
	UserID            int64            `json:"userId"`
	PublicKey         string           `json:"publicKey"`
	WrappedPrivateKey *e2ee.WrappedKey `json:"wrappedPrivateKey,omitempty"`
}

func validWrapped(w *e2ee.WrappedKey) bool {
	return len(w.Salt) >= 16 &&
		len(w.Nonce) == e2ee.NonceSize &&
		len(w.Ciphertext) == e2ee.KeySize+secretbox.Overhead &&
		w.Params.Valid()
}

// PutKeys publishes the caller's public key and stores the wrapped private key.
// The server only ever sees the private key sealed under the user's password.
func (h *Handler) PutKeys(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFrom(r.Context())
	if !ok {
		apperr.Respond(w, apperr.ErrTokenMissing)
		return
	}

	var req PutKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Respond(w, apperr.ErrBadEvent.Wrap(err))
		return
	}
	pub, err := e2ee.ParsePublicKey(req.PublicKey)
	if err != nil {
		apperr.Respond(w, errBadPublicKey.Wrap(err))
		return
	}
	if req.WrappedPrivateKey != nil && !validWrapped(req.WrappedPrivateKey) {
		apperr.Respond(w, errBadWrappedKey)
		return
	}

	if err := h.store.PutUserKey(r.Context(), UserKey{UserID: userID, PublicKey: pub, Wrapped: req.WrappedPrivateKey}); err != nil {
		h.logger.Error("put user key", zap.Int64("user_id", userID), zap.Error(err))
		apperr.Respond(w, apperr.ErrInternal.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetKeys returns a user's public key; the owner also gets the wrapped private key.
func (h *Handler) GetKeys(w http.ResponseWriter, r *http.Request) {
	callerID, _, ok := middleware.UserFrom(r.Context())
	if !ok {
		apperr.Respond(w, apperr.ErrTokenMissing)
		return
	}
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "invalid user id"))
		return
	}

	k, err := h.store.GetUserKey(r.Context(), userID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	resp := KeysResponse{UserID: userID, PublicKey: k.PublicKey.String()}
	if callerID == userID {
		resp.WrappedPrivateKey = k.Wrapped
	}
	writeJSON(w, http.StatusOK, resp)
}

func respondStoreError(w http.ResponseWriter, err error) {
	if apperr.IsKind(err, apperr.KindNotFound) {
		apperr.Respond(w, err)
		return
	}
	apperr.Respond(w, apperr.ErrInternal.Wrap(err))
}

type PutConversationKeysRequest struct {
	Version int              `json:"version"`
	Keys    map[int64]string `json:"keys"` // member id -> base64 sealed group key
}

type ConversationKeyResponse struct {
	ConversationID int64  `json:"conversationId"`
	SealedKey      string `json:"sealedKey"`
	Version        int    `json:"version"`
}

func (h *Handler) conversation(w http.ResponseWriter, r *http.Request) (int64, int64, chat.Membership, bool) {
	callerID, _, ok := middleware.UserFrom(r.Context())
	if !ok {
		apperr.Respond(w, apperr.ErrTokenMissing)
		return 0, 0, chat.Membership{}, false
	}
	convID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || convID <= 0 {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "invalid conversation id"))
		return 0, 0, chat.Membership{}, false
	}
	m, err := h.members.ListRoomMembers(r.Context(), convID)
	if err != nil {
		respondStoreError(w, err)
		return 0, 0, chat.Membership{}, false
	}
	if !m.Has(callerID) {
		apperr.Respond(w, apperr.ErrNotRoomMember)
		return 0, 0, chat.Membership{}, false
	}
	return callerID, convID, m, true
}

// PutConversationKeys stores a group key sealed to each member. Only members may
// distribute keys, and only to members.
func (h *Handler) PutConversationKeys(w http.ResponseWriter, r *http.Request) {
	_, convID, m, ok := h.conversation(w, r)
	if !ok {
		return
	}

	var req PutConversationKeysRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Keys) == 0 {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "keys are required"))
		return
	}
	if req.Version <= 0 {
		req.Version = 1
	}

	sealed := make(map[int64][]byte, len(req.Keys))
	for memberID, enc := range req.Keys {
		if !m.Has(memberID) {
			apperr.Respond(w, errNotMember)
			return
		}
		b, err := decodeSealed(enc)
		if err != nil || len(b) != sealedGroupKeySize {
			apperr.Respond(w, errBadSealedKey)
			return
		}
		sealed[memberID] = b
	}

	if err := h.store.PutConversationKeys(r.Context(), convID, req.Version, sealed); err != nil {
		h.logger.Error("put conversation keys", zap.Int64("conversation_id", convID), zap.Error(err))
		apperr.Respond(w, apperr.ErrInternal.Wrap(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetConversationKey returns the group key sealed to the caller.
func (h *Handler) GetConversationKey(w http.ResponseWriter, r *http.Request) {
	callerID, convID, _, ok := h.conversation(w, r)
	if !ok {
		return
	}
	k, err := h.store.GetConversationKey(r.Context(), convID, callerID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ConversationKeyResponse{
		ConversationID: convID,
		SealedKey:      encodeSealed(k.Sealed),
		Version:        k.Version,
	})
}
