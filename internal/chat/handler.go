package chat

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go-messenger/internal/apperr"
	"go-messenger/internal/middleware"

	"go.uber.org/zap"
)

// Store is what the REST handlers need from the repository.
type Store interface {
	GetChatHistory(ctx context.Context, conversationID, before int64, limit int) ([]*Message, error)
	FindOrCreatePrivate(ctx context.Context, a, b int64) (int64, error)
	CreateGroup(ctx context.Context, creator int64, title string, members []int64) (int64, error)
	IsMember(ctx context.Context, conversationID, userID int64) (bool, error)
}

type Handler struct {
	repo   Store
	logger *zap.Logger
}

func NewHandler(repo Store, logger *zap.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger.With(zap.String("component", "chat")),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// StartConversation finds or creates the direct conversation with target_id.
func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFrom(r.Context())
	if !ok {
		apperr.Respond(w, apperr.ErrTokenMissing)
		return
	}

	var req StartConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TargetID <= 0 {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "target_id is required"))
		return
	}
	if req.TargetID == userID {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "cannot start a conversation with yourself"))
		return
	}

	id, err := h.repo.FindOrCreatePrivate(r.Context(), userID, req.TargetID)
	if err != nil {
		h.logger.Error("start conversation", zap.Int64("user_id", userID), zap.Error(err))
		apperr.Respond(w, apperr.ErrInternal.Wrap(err))
		return
	}

	writeJSON(w, http.StatusOK, ConversationResponse{ID: id})
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFrom(r.Context())
	if !ok {
		apperr.Respond(w, apperr.ErrTokenMissing)
		return
	}

	var req CreateGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.MemberIDs) == 0 {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "member_ids is required"))
		return
	}
	if len(req.Title) > 100 {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "title too long"))
		return
	}

	id, err := h.repo.CreateGroup(r.Context(), userID, req.Title, req.MemberIDs)
	if err != nil {
		h.logger.Error("create group", zap.Int64("user_id", userID), zap.Error(err))
		apperr.Respond(w, apperr.ErrInternal.Wrap(err))
		return
	}

	writeJSON(w, http.StatusCreated, ConversationResponse{ID: id})
}

// GetChatHistory returns up to limit messages older than before, newest first.
func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := middleware.UserFrom(r.Context())
	if !ok {
		apperr.Respond(w, apperr.ErrTokenMissing)
		return
	}

	q := r.URL.Query()
	convID, err := strconv.ParseInt(q.Get("conversation_id"), 10, 64)
	if err != nil || convID <= 0 {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "conversation_id is required"))
		return
	}
	before, _ := strconv.ParseInt(q.Get("before"), 10, 64)
	limit, _ := strconv.Atoi(q.Get("limit"))

	member, err := h.repo.IsMember(r.Context(), convID, userID)
	if err != nil {
		apperr.Respond(w, apperr.ErrInternal.Wrap(err))
		return
	}
	if !member {
		apperr.Respond(w, apperr.ErrNotRoomMember)
		return
	}

	msgs, err := h.repo.GetChatHistory(r.Context(), convID, before, limit)
	if err != nil {
		h.logger.Error("load history", zap.Int64("conversation_id", convID), zap.Error(err))
		apperr.Respond(w, apperr.ErrInternal.Wrap(err))
		return
	}

	writeJSON(w, http.StatusOK, msgs)
}
