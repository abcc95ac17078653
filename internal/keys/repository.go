package keys

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go-messenger/internal/apperr"
	"go-messenger/internal/e2ee"
)

var ErrKeyNotFound = apperr.New(apperr.KindNotFound, "key not found")

// UserKey is a published public key plus the owner's password-wrapped private key.
type UserKey struct {
	UserID    int64
	PublicKey e2ee.PublicKey
	Wrapped   *e2ee.WrappedKey
	UpdatedAt time.Time
}

// ConversationKey is a group key sealed to one member's public key.
type ConversationKey struct {
	ConversationID int64
	UserID         int64
	Sealed         []byte
	Version        int
	UpdatedAt      time.Time
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) PutUserKey(ctx context.Context, k UserKey) error {
	var wrapped []byte
	if k.Wrapped != nil {
		b, err := json.Marshal(k.Wrapped)
		if err != nil {
			return err
		}
		wrapped = b
	}

	query := `
		INSERT INTO user_keys (user_id, public_key, wrapped_private_key, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_id) DO UPDATE
		SET public_key = EXCLUDED.public_key,
		    wrapped_private_key = COALESCE(EXCLUDED.wrapped_private_key, user_keys.wrapped_private_key),
		    updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, k.UserID, k.PublicKey.String(), wrapped); err != nil {
		return fmt.Errorf("put user key %d: %w", k.UserID, err)
	}
	return nil
}

func (r *Repository) GetUserKey(ctx context.Context, userID int64) (UserKey, error) {
	var (
		k       = UserKey{UserID: userID}
		pub     string
		wrapped []byte
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT public_key, wrapped_private_key, updated_at FROM user_keys WHERE user_id = $1`, userID,
	).Scan(&pub, &wrapped, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return UserKey{}, ErrKeyNotFound
	}
	if err != nil {
		return UserKey{}, fmt.Errorf("get user key %d: %w", userID, err)
	}

	if k.PublicKey, err = e2ee.ParsePublicKey(pub); err != nil {
		return UserKey{}, fmt.Errorf("stored key of %d: %w", userID, err)
	}
	if len(wrapped) > 0 {
		var w e2ee.WrappedKey
		if err := json.Unmarshal(wrapped, &w); err != nil {
			return UserKey{}, fmt.Errorf("stored wrapped key of %d: %w", userID, err)
		}
		k.Wrapped = &w
	}
	return k, nil
}

// PutConversationKeys replaces the sealed group keys of a conversation in one transaction.
func (r *Repository) PutConversationKeys(ctx context.Context, conversationID int64, version int, sealed map[int64][]byte) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO conversation_keys (conversation_id, user_id, sealed_key, version, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (conversation_id, user_id) DO UPDATE
		SET sealed_key = EXCLUDED.sealed_key, version = EXCLUDED.version, updated_at = NOW()`
	for userID, key := range sealed {
		if _, err := tx.ExecContext(ctx, query, conversationID, userID, encodeSealed(key), version); err != nil {
			return fmt.Errorf("put conversation key %d/%d: %w", conversationID, userID, err)
		}
	}
	return tx.Commit()
}

func (r *Repository) GetConversationKey(ctx context.Context, conversationID, userID int64) (ConversationKey, error) {
	k := ConversationKey{ConversationID: conversationID, UserID: userID}
	var sealed string
	err := r.db.QueryRowContext(ctx, `
		SELECT sealed_key, version, updated_at
		FROM conversation_keys
		WHERE conversation_id = $1 AND user_id = $2`, conversationID, userID,
	).Scan(&sealed, &k.Version, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationKey{}, ErrKeyNotFound
	}
	if err != nil {
		return ConversationKey{}, fmt.Errorf("get conversation key: %w", err)
	}
	if k.Sealed, err = decodeSealed(sealed); err != nil {
		return ConversationKey{}, fmt.Errorf("stored sealed key: %w", err)
	}
	return k, nil
}
