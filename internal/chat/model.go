package chat

import (
	"encoding/json"
	"slices"
	"time"

	"go-messenger/internal/event"
)

// ---------------------------------------------
// Database & API models
// ---------------------------------------------

const (
	KindPrivate = "private"
	KindGroup   = "group"
)

type Conversation struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"` // 'private' or 'group'
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversation_id"`
	SenderID       int64           `json:"sender_id"`
	SenderName     string          `json:"username"` // denormalized via JOIN
	Content        string          `json:"content"`  // usually an encrypted payload, opaque here
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	EditedAt       *time.Time      `json:"edited_at,omitempty"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// Wire converts a stored message to its websocket form.
func (m *Message) Wire() event.Message {
	return event.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		Attachments:    m.Attachments,
		CreatedAt:      m.CreatedAt,
		EditedAt:       m.EditedAt,
	}
}

// NewMessage is what a sender submits.
type NewMessage struct {
	ConversationID int64
	SenderID       int64
	Content        string
	Attachments    json.RawMessage
	IdempotencyKey string
}

// Membership is the authoritative member list of a conversation.
type Membership struct {
	RoomID  int64
	Kind    string
	Members []int64
}

func (m Membership) Has(userID int64) bool {
	return slices.Contains(m.Members, userID)
}

func (m Membership) Private() bool {
	return m.Kind == KindPrivate
}

type StartConversationRequest struct {
	TargetID int64 `json:"target_id"`
}

type CreateGroupRequest struct {
	Title     string  `json:"title"`
	MemberIDs []int64 `json:"member_ids"`
}

type ConversationResponse struct {
	ID int64 `json:"conversation_id"`
}
