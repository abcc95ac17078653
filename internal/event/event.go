package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the frame exchanged over the websocket in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound event types.
const (
	Join             = "join"
	Leave            = "leave"
	Send             = "send"
	Edit             = "edit"
	Delete           = "delete"
	TypingStart      = "typingStart"
	TypingStop       = "typingStop"
	ReadReceipt      = "readReceipt"
	CallInvite       = "callInvite"
	CallAnswer       = "callAnswer"
	CallReject       = "callReject"
	CallIceCandidate = "callIceCandidate"
	CallEnd          = "callEnd"
	LocationUpdate   = "locationUpdate"
	Heartbeat        = "heartbeat"
	Focus            = "focus"
)

// Outbound event types.
const (
	MessageNew      = "message:new"
	MessageEdited   = "message:edited"
	MessageDeleted  = "message:deleted"
	MessageRead     = "message:read"
	TypingUser      = "typing:user"
	UserOnline      = "user:online"
	UserOffline     = "user:offline"
	NotificationNew = "notification:new"
	CallIncoming    = "call:incoming"
	CallAnswered    = "call:answered"
	CallRejected    = "call:rejected"
	CallIce         = "call:ice-candidate"
	CallEnded       = "call:ended"
	Ack             = "ack"
	Error           = "error"
)

// Encode marshals data into an envelope of the given type.
func Encode(kind string, data any) ([]byte, error) {
	return EncodeRef(kind, "", data)
}

// EncodeRef is Encode with a correlation ref echoed back to the sender.
func EncodeRef(kind, ref string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", kind, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: kind, Ref: ref, Data: raw})
}

// MustEncode panics on marshal failure; only for payload types known to be encodable.
func MustEncode(kind string, data any) []byte {
	b, err := Encode(kind, data)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("envelope without type")
	}
	return env, nil
}

// Bind unmarshals the envelope payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// ---------------------------------------------
// Payloads
// ---------------------------------------------

type RoomRequest struct {
	RoomID int64 `json:"roomId"`
}

type SendRequest struct {
	RoomID           int64           `json:"roomId"`
	Content          string          `json:"content"`
	Attachments      json.RawMessage `json:"attachments,omitempty"`
	IdempotencyToken string          `json:"idempotencyToken,omitempty"`
}

type EditRequest struct {
	MessageID int64  `json:"messageId"`
	Content   string `json:"content"`
}

type DeleteRequest struct {
	MessageID int64 `json:"messageId"`
}

type ReadReceiptRequest struct {
	MessageID int64 `json:"messageId"`
	RoomID    int64 `json:"roomId"`
}

type CallInviteRequest struct {
	To             int64           `json:"to"`
	ConversationID int64           `json:"conversationId"`
	Offer          json.RawMessage `json:"offer"`
}

type CallAnswerRequest struct {
	To     int64           `json:"to"`
	Answer json.RawMessage `json:"answer"`
}

type CallPeerRequest struct {
	To int64 `json:"to"`
}

type CallIceRequest struct {
	To        int64           `json:"to"`
	Candidate json.RawMessage `json:"candidate"`
}

type LocationRequest struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type FocusRequest struct {
	Focused bool `json:"focused"`
}

// Message is the wire form of a stored message.
type Message struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversationId"`
	SenderID       int64           `json:"senderId"`
	SenderName     string          `json:"senderName"`
	Content        string          `json:"content"`
	Attachments    json.RawMessage `json:"attachments,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	EditedAt       *time.Time      `json:"editedAt,omitempty"`
}

type MessageDeletedPayload struct {
	MessageID      int64 `json:"messageId"`
	ConversationID int64 `json:"conversationId"`
}

type ReadPayload struct {
	MessageID int64 `json:"messageId"`
	RoomID    int64 `json:"roomId"`
	UserID    int64 `json:"userId"`
}

type TypingPayload struct {
	RoomID   int64 `json:"roomId"`
	UserID   int64 `json:"userId"`
	IsTyping bool  `json:"isTyping"`
}

type UserPayload struct {
	UserID int64 `json:"userId"`
}

type NotificationPayload struct {
	ConversationID int64  `json:"conversationId"`
	MessageID      int64  `json:"messageId"`
	SenderID       int64  `json:"senderId"`
	SenderName     string `json:"senderName"`
	Preview        string `json:"preview,omitempty"`
}

type CallIncomingPayload struct {
	From           int64           `json:"from"`
	FromName       string          `json:"fromName"`
	ConversationID int64           `json:"conversationId"`
	Offer          json.RawMessage `json:"offer"`
}

type CallAnsweredPayload struct {
	From   int64           `json:"from"`
	Answer json.RawMessage `json:"answer"`
}

type CallRejectedPayload struct {
	From   int64  `json:"from"`
	Reason string `json:"reason,omitempty"`
}

type CallIcePayload struct {
	From      int64           `json:"from"`
	Candidate json.RawMessage `json:"candidate"`
}

type CallEndedPayload struct {
	From int64 `json:"from"`
}

type AckPayload struct {
	MessageID int64 `json:"messageId,omitempty"`
	Duplicate bool  `json:"duplicate,omitempty"`
}

type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}
