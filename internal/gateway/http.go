package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go-messenger/internal/apperr"
	"go-messenger/internal/event"
	"go-messenger/internal/middleware"

	"github.com/go-chi/chi/v5"
)

const maxPresenceQuery = 200

// sendBody is the REST form of a send; the room comes from the path and the
// idempotency token from the Idempotency-Key header.
type sendBody struct {
	Content     string          `json:"content"`
	Attachments json.RawMessage `json:"attachments,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// SendMessage runs the websocket send path over HTTP so queued sends can be
// replayed. A replay of an already stored key answers 200 instead of 201.
func (g *Gateway) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID, username, ok := middleware.UserFrom(r.Context())
	if !ok {
		apperr.Respond(w, apperr.ErrTokenMissing)
		return
	}

	roomID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || roomID <= 0 {
		apperr.Respond(w, errRoomRequired)
		return
	}

	var body sendBody
	r.Body = http.MaxBytesReader(w, r.Body, g.opts.MaxMessageSize)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apperr.Respond(w, apperr.ErrBadEvent.Wrap(err))
		return
	}

	res, err := g.Send(r.Context(), userID, username, event.SendRequest{
		RoomID:           roomID,
		Content:          body.Content,
		Attachments:      body.Attachments,
		IdempotencyToken: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		apperr.Respond(w, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res.Message.Wire())
}

// Presence answers GET /api/presence?ids=1,2,3 from the presence store.
func (g *Gateway) Presence(w http.ResponseWriter, r *http.Request) {
	raw := strings.Split(r.URL.Query().Get("ids"), ",")
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			apperr.Respond(w, apperr.New(apperr.KindValidation, "ids must be numeric"))
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 || len(ids) > maxPresenceQuery {
		apperr.Respond(w, apperr.New(apperr.KindValidation, "between 1 and 200 ids are required"))
		return
	}

	online := g.presence.AreOnline(r.Context(), ids)
	out := make(map[string]bool, len(online))
	for id, ok := range online {
		out[strconv.FormatInt(id, 10)] = ok
	}
	writeJSON(w, http.StatusOK, out)
}
