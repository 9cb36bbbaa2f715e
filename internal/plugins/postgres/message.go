package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"cgraph/internal/core/domain"
)

type MessageRepo struct {
	db *sql.DB
	tx *TxManager
}

var _ domain.MessageStore = (*MessageRepo)(nil)

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{
		db: db,
		tx: NewTxManager(db),
	}
}

// PersistMessage inserts the message and bumps the room's last_message_at in
// one transaction.
func (r *MessageRepo) PersistMessage(
	ctx context.Context,
	roomID, senderID, content string,
	encrypted bool,
) (string, error) {
	if roomID == "" {
		return "", domain.ErrInvalidRoomID
	}
	if senderID == "" {
		return "", domain.ErrInvalidUserID
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	err = r.tx.WithTx(ctx, func(ctx context.Context) error {
		exec := GetExecutor(ctx, r.db)
		_, err := exec.ExecContext(ctx, `
			INSERT INTO messages (id, room_id, sender_id, content, is_encrypted)
			VALUES ($1, $2, $3, $4, $5)
		`, id, roomID, senderID, content, encrypted)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		_, err = exec.ExecContext(ctx, `
			UPDATE rooms SET last_message_at = now() WHERE id = $1
		`, roomID)
		if err != nil {
			return fmt.Errorf("touch room: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (r *MessageRepo) MessageInRoom(ctx context.Context, roomID, messageID string) (bool, error) {
	id, err := uuid.Parse(messageID)
	if err != nil {
		return false, nil
	}
	exec := GetExecutor(ctx, r.db)
	var one int
	err = exec.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = $1 AND room_id = $2`, id, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// PersistReaction is idempotent per (message, user, emoji).
func (r *MessageRepo) PersistReaction(ctx context.Context, messageID, userID, emoji string) error {
	id, err := uuid.Parse(messageID)
	if err != nil {
		return domain.ErrMessageNotFound
	}
	exec := GetExecutor(ctx, r.db)
	_, err = exec.ExecContext(ctx, `
		INSERT INTO reactions (message_id, user_id, emoji)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, id, userID, emoji)
	return err
}
