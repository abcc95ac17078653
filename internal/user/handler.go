package user

import (
	"encoding/json"
	"net/http"
	"strings"

	"go-messenger/internal/apperr"
)

type Handler struct {
	Service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{Service: s}
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "invalid request body").Wrap(err))
		return
	}

	res, err := h.Service.Register(r.Context(), &req)
	if err != nil {
		apperr.Respond(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "invalid request body").Wrap(err))
		return
	}

	res, err := h.Service.Login(r.Context(), &req)
	if err != nil {
		apperr.Respond(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (h *Handler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "query parameter q is required"))
		return
	}

	users, err := h.Service.SearchUsers(r.Context(), q)
	if err != nil {
		apperr.Respond(w, apperr.ErrInternal.Wrap(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(users)
}
