package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go-messenger/internal/apperr"
)

// Repository is the Postgres-backed message store.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const messageColumns = `m.id, m.conversation_id, m.sender_id, u.username, m.content, m.attachments,
		COALESCE(m.idempotency_key, ''), m.created_at, m.edited_at, m.deleted_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	msg := &Message{}
	var attachments []byte
	err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.SenderName, &msg.Content,
		&attachments, &msg.IdempotencyKey, &msg.CreatedAt, &msg.EditedAt, &msg.DeletedAt)
	if err != nil {
		return nil, err
	}
	if len(attachments) > 0 && string(attachments) != "[]" {
		msg.Attachments = json.RawMessage(attachments)
	}
	return msg, nil
}

// CreateMessage stores msg. When the sender already used the idempotency key,
// the existing message is returned with created=false and nothing is written.
func (r *Repository) CreateMessage(ctx context.Context, msg NewMessage) (*Message, bool, error) {
	attachments := []byte(msg.Attachments)
	if len(attachments) == 0 {
		attachments = []byte("[]")
	}

	query := `
		WITH ins AS (
			INSERT INTO messages (conversation_id, sender_id, content, attachments, idempotency_key)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			ON CONFLICT (sender_id, idempotency_key) DO NOTHING
			RETURNING *
		)
		SELECT ` + messageColumns + `
		FROM ins m
		JOIN users u ON m.sender_id = u.id`

	created, err := scanMessage(r.db.QueryRowContext(ctx, query,
		msg.ConversationID, msg.SenderID, msg.Content, attachments, msg.IdempotencyKey))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) || msg.IdempotencyKey == "" {
		return nil, false, apperr.ErrStorage.Wrap(err)
	}

	existing, err := r.getByIdempotencyKey(ctx, msg.SenderID, msg.IdempotencyKey)
	if err != nil {
		return nil, false, apperr.ErrStorage.Wrap(err)
	}
	return existing, false, nil
}

func (r *Repository) getByIdempotencyKey(ctx context.Context, senderID int64, key string) (*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.sender_id = $1 AND m.idempotency_key = $2`
	return scanMessage(r.db.QueryRowContext(ctx, query, senderID, key))
}

func (r *Repository) GetMessage(ctx context.Context, messageID int64) (*Message, error) {
	query := `SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.id = $1`
	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrMessageMissing
	}
	return msg, err
}

// UpdateMessage replaces the content; only the author may do it.
func (r *Repository) UpdateMessage(ctx context.Context, messageID, editorID int64, content string) (*Message, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET content = $3, edited_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL`,
		messageID, editorID, content)
	if err != nil {
		return nil, apperr.ErrStorage.Wrap(err)
	}
	if err := r.checkAffected(ctx, res, messageID); err != nil {
		return nil, err
	}
	return r.GetMessage(ctx, messageID)
}

// DeleteMessage is a soft delete; the content is blanked.
func (r *Repository) DeleteMessage(ctx context.Context, messageID, userID int64) (*Message, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET content = '', attachments = '[]', deleted_at = CURRENT_TIMESTAMP
		WHERE id = $1 AND sender_id = $2 AND deleted_at IS NULL`,
		messageID, userID)
	if err != nil {
		return nil, apperr.ErrStorage.Wrap(err)
	}
	if err := r.checkAffected(ctx, res, messageID); err != nil {
		return nil, err
	}
	return r.GetMessage(ctx, messageID)
}

// checkAffected tells "not yours" apart from "gone" when an update matched no row.
func (r *Repository) checkAffected(ctx context.Context, res sql.Result, messageID int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.ErrStorage.Wrap(err)
	}
	if n > 0 {
		return nil
	}

	var deleted bool
	err = r.db.QueryRowContext(ctx,
		`SELECT deleted_at IS NOT NULL FROM messages WHERE id = $1`, messageID).Scan(&deleted)
	if errors.Is(err, sql.ErrNoRows) || deleted {
		return apperr.ErrMessageMissing
	}
	if err != nil {
		return apperr.ErrStorage.Wrap(err)
	}
	return apperr.ErrNotAuthor
}

// ListRoomMembers returns the conversation kind and its member ids.
func (r *Repository) ListRoomMembers(ctx context.Context, roomID int64) (Membership, error) {
	m := Membership{RoomID: roomID}
	err := r.db.QueryRowContext(ctx, `SELECT type FROM conversations WHERE id = $1`, roomID).Scan(&m.Kind)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, apperr.ErrRoomMissing
	}
	if err != nil {
		return Membership{}, fmt.Errorf("load conversation %d: %w", roomID, err)
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM participants WHERE conversation_id = $1 ORDER BY user_id`, roomID)
	if err != nil {
		return Membership{}, fmt.Errorf("load participants %d: %w", roomID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return Membership{}, err
		}
		m.Members = append(m.Members, id)
	}
	return m, rows.Err()
}

// GetChatHistory pages backwards from before (0 = newest).
func (r *Repository) GetChatHistory(ctx context.Context, conversationID, before int64, limit int) ([]*Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	query := `SELECT ` + messageColumns + `
		FROM messages m
		JOIN users u ON m.sender_id = u.id
		WHERE m.conversation_id = $1 AND ($2 = 0 OR m.id < $2)
		ORDER BY m.id DESC
		LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, conversationID, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// FindOrCreatePrivate returns the direct conversation between a and b, creating it on first use.
func (r *Repository) FindOrCreatePrivate(ctx context.Context, a, b int64) (int64, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `
		SELECT c.id FROM conversations c
		JOIN participants p1 ON p1.conversation_id = c.id AND p1.user_id = $1
		JOIN participants p2 ON p2.conversation_id = c.id AND p2.user_id = $2
		WHERE c.type = 'private'
		LIMIT 1`, a, b).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return r.createConversation(ctx, KindPrivate, "", []int64{a, b})
}

// CreateGroup creates a group conversation with creator and members.
func (r *Repository) CreateGroup(ctx context.Context, creator int64, title string, members []int64) (int64, error) {
	all := append([]int64{creator}, members...)
	return r.createConversation(ctx, KindGroup, title, all)
}

func (r *Repository) createConversation(ctx context.Context, kind, title string, members []int64) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO conversations (type, title) VALUES ($1, NULLIF($2, '')) RETURNING id`,
		kind, title).Scan(&id); err != nil {
		return 0, err
	}
	for _, uid := range members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO participants (conversation_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			id, uid); err != nil {
			return 0, err
		}
	}
	return id, tx.Commit()
}

// IsMember reports whether userID participates in conversationID.
func (r *Repository) IsMember(ctx context.Context, conversationID, userID int64) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM participants WHERE conversation_id = $1 AND user_id = $2)`,
		conversationID, userID).Scan(&ok)
	return ok, err
}
