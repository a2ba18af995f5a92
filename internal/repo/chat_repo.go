package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gramcrm/server/internal/model"
)

// ChatInfo carries the protocol-reported fields used when creating or
// refreshing a chat row.
type ChatInfo struct {
	ChatType  model.ChatType
	Title     string
	Username  string
	FirstName string
	LastName  string
}

// ChatRepo defines the interface for chat repository operations
type ChatRepo interface {
	GetByID(ctx context.Context, id int64) (model.Chat, error)
	GetOrCreate(ctx context.Context, accountID, telegramID int64, info ChatInfo) (model.Chat, error)
	LatestMessageID(ctx context.Context, chatID int64) (int64, error)
	BumpCounters(ctx context.Context, chatID int64, inbound bool, lastMessageAt time.Time) error
	Count(ctx context.Context) (int, error)
}

type chatRepo struct {
	db *sql.DB
}

// NewChatRepo creates a new ChatRepo instance
func NewChatRepo(db *sql.DB) ChatRepo {
	return &chatRepo{db: db}
}

const chatColumns = `
	id, telegram_id, account_id, chat_type, title, username, first_name, last_name,
	message_count, unread_count, last_message_at, created_at, updated_at
`

func scanChat(scan func(dest ...any) error) (model.Chat, error) {
	var c model.Chat
	err := scan(
		&c.ID, &c.TelegramID, &c.AccountID, &c.ChatType, &c.Title, &c.Username,
		&c.FirstName, &c.LastName, &c.MessageCount, &c.UnreadCount,
		&c.LastMessageAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Chat{}, fmt.Errorf("chat: %w", ErrNotFound)
		}
		return model.Chat{}, fmt.Errorf("scan chat: %w", err)
	}
	return c, nil
}

// GetByID retrieves a chat by ID
func (r *chatRepo) GetByID(ctx context.Context, id int64) (model.Chat, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, id)
	return scanChat(row.Scan)
}

// GetOrCreate inserts the chat if absent and refreshes its protocol-reported
// fields otherwise. Uniqueness is on (telegram_id, account_id).
func (r *chatRepo) GetOrCreate(ctx context.Context, accountID, telegramID int64, info ChatInfo) (model.Chat, error) {
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO chats (telegram_id, account_id, chat_type, title, username, first_name, last_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (telegram_id, account_id) DO UPDATE SET
			title = EXCLUDED.title,
			username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			updated_at = now()
		RETURNING `+chatColumns,
		telegramID, accountID, info.ChatType, info.Title, info.Username, info.FirstName, info.LastName)
	return scanChat(row.Scan)
}

// LatestMessageID returns the newest locally-known protocol message id for
// the chat, or 0 when no messages are stored.
func (r *chatRepo) LatestMessageID(ctx context.Context, chatID int64) (int64, error) {
	var latest int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(telegram_id), 0) FROM messages WHERE chat_id = $1`, chatID).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest message id: %w", err)
	}
	return latest, nil
}

// BumpCounters increments message statistics and advances last_message_at.
// Inbound messages also raise the unread counter.
func (r *chatRepo) BumpCounters(ctx context.Context, chatID int64, inbound bool, lastMessageAt time.Time) error {
	unreadDelta := 0
	if inbound {
		unreadDelta = 1
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE chats SET
			message_count = message_count + 1,
			unread_count = unread_count + $2,
			last_message_at = GREATEST(COALESCE(last_message_at, $3), $3),
			updated_at = now()
		WHERE id = $1
	`, chatID, unreadDelta, lastMessageAt)
	if err != nil {
		return fmt.Errorf("bump chat counters: %w", err)
	}
	return nil
}

// Count returns the total number of chats.
func (r *chatRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chats`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chats: %w", err)
	}
	return n, nil
}
