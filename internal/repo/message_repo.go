package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gramcrm/server/internal/model"
)

// MessageRepo defines the interface for message repository operations.
// The table guarantees uniqueness on (telegram_id, chat_id); Upsert relies
// on it to make ingestion and catch-up idempotent.
type MessageRepo interface {
	Upsert(ctx context.Context, m *model.Message) (inserted bool, err error)
	UpdateText(ctx context.Context, chatID, telegramID int64, text string) (bool, error)
	GetByTelegramID(ctx context.Context, chatID, telegramID int64) (model.Message, error)
	Count(ctx context.Context) (int, error)
	CountByStatus(ctx context.Context, status model.MessageStatus) (int, error)
}

type messageRepo struct {
	db *sql.DB
}

// NewMessageRepo creates a new MessageRepo instance
func NewMessageRepo(db *sql.DB) MessageRepo {
	return &messageRepo{db: db}
}

// Upsert inserts the message if the (telegram_id, chat_id) pair is new and
// reports whether a row was created. Duplicate delivery is a no-op.
func (r *messageRepo) Upsert(ctx context.Context, m *model.Message) (bool, error) {
	if m.Status == "" {
		m.Status = model.MessageReceived
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (
			telegram_id, chat_id, message_type, status, text,
			from_user_id, from_user_name, from_user_username, is_outgoing,
			media_file_id, media_caption, telegram_date, reply_to_telegram_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (telegram_id, chat_id) DO NOTHING
		RETURNING id, created_at, updated_at
	`, m.TelegramID, m.ChatID, m.Type, m.Status, m.Text,
		m.FromUserID, m.FromUserName, m.FromUserUsername, m.IsOutgoing,
		m.MediaFileID, m.MediaCaption, m.TelegramDate, m.ReplyToTelegramID).
		Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Conflict path: the record already exists.
			return false, nil
		}
		return false, fmt.Errorf("upsert message: %w", err)
	}
	return true, nil
}

// UpdateText rewrites the text of an already-stored message and reports
// whether the record existed.
func (r *messageRepo) UpdateText(ctx context.Context, chatID, telegramID int64, text string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET text = $3, updated_at = now()
		WHERE chat_id = $1 AND telegram_id = $2
	`, chatID, telegramID, text)
	if err != nil {
		return false, fmt.Errorf("update message text: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetByTelegramID retrieves a message by its (chat, protocol id) pair.
func (r *messageRepo) GetByTelegramID(ctx context.Context, chatID, telegramID int64) (model.Message, error) {
	var m model.Message
	err := r.db.QueryRowContext(ctx, `
		SELECT id, telegram_id, chat_id, message_type, status, text,
		       from_user_id, from_user_name, from_user_username, is_outgoing,
		       media_file_id, media_caption, telegram_date, reply_to_telegram_id,
		       created_at, updated_at
		FROM messages
		WHERE chat_id = $1 AND telegram_id = $2
	`, chatID, telegramID).Scan(
		&m.ID, &m.TelegramID, &m.ChatID, &m.Type, &m.Status, &m.Text,
		&m.FromUserID, &m.FromUserName, &m.FromUserUsername, &m.IsOutgoing,
		&m.MediaFileID, &m.MediaCaption, &m.TelegramDate, &m.ReplyToTelegramID,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Message{}, fmt.Errorf("message: %w", ErrNotFound)
		}
		return model.Message{}, fmt.Errorf("query message: %w", err)
	}
	return m, nil
}

// Count returns the total number of stored messages.
func (r *messageRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// CountByStatus returns the number of messages in the given status.
func (r *messageRepo) CountByStatus(ctx context.Context, status model.MessageStatus) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status = $1`, status).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages by status: %w", err)
	}
	return n, nil
}
