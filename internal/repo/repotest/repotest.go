// Package repotest provides in-memory repository implementations for tests.
package repotest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/repo"
)

// Accounts is an in-memory repo.AccountRepo.
type Accounts struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]model.Account
}

var _ repo.AccountRepo = (*Accounts)(nil)

// NewAccounts creates the repo pre-seeded with the given accounts. Accounts
// without an id are assigned one.
func NewAccounts(seed ...model.Account) *Accounts {
	a := &Accounts{rows: make(map[int64]model.Account), nextID: 1}
	for _, acct := range seed {
		if acct.ID == 0 {
			acct.ID = a.nextID
		}
		if acct.ID >= a.nextID {
			a.nextID = acct.ID + 1
		}
		a.rows[acct.ID] = acct
	}
	return a
}

func (a *Accounts) GetByID(ctx context.Context, id int64) (model.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.rows[id]
	if !ok {
		return model.Account{}, fmt.Errorf("account: %w", repo.ErrNotFound)
	}
	return acct, nil
}

func (a *Accounts) ListByStatus(ctx context.Context, statuses ...model.AccountStatus) ([]model.Account, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.Account
	for _, acct := range a.rows {
		for _, s := range statuses {
			if acct.Status == s {
				out = append(out, acct)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (a *Accounts) Create(ctx context.Context, acct *model.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct.ID = a.nextID
	a.nextID++
	acct.CreatedAt = time.Now()
	acct.UpdatedAt = acct.CreatedAt
	a.rows[acct.ID] = *acct
	return nil
}

func (a *Accounts) Save(ctx context.Context, acct *model.Account) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.rows[acct.ID]; !ok {
		return fmt.Errorf("account %d: %w", acct.ID, repo.ErrNotFound)
	}
	acct.UpdatedAt = time.Now()
	a.rows[acct.ID] = *acct
	return nil
}

func (a *Accounts) TouchActivity(ctx context.Context, id int64, at time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if acct, ok := a.rows[id]; ok {
		acct.LastActivity = &at
		a.rows[id] = acct
	}
	return nil
}

func (a *Accounts) Count(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows), nil
}

func (a *Accounts) CountByStatus(ctx context.Context, status model.AccountStatus) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, acct := range a.rows {
		if acct.Status == status {
			n++
		}
	}
	return n, nil
}

// Chats is an in-memory repo.ChatRepo keyed on (telegram_id, account_id).
type Chats struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]model.Chat

	messages *Messages
}

var _ repo.ChatRepo = (*Chats)(nil)

// NewChats creates an empty chat repo. The message repo is consulted for
// LatestMessageID, mirroring the SQL implementation.
func NewChats(messages *Messages) *Chats {
	return &Chats{rows: make(map[int64]model.Chat), nextID: 1, messages: messages}
}

func (c *Chats) GetByID(ctx context.Context, id int64) (model.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, ok := c.rows[id]
	if !ok {
		return model.Chat{}, fmt.Errorf("chat: %w", repo.ErrNotFound)
	}
	return chat, nil
}

func (c *Chats) GetOrCreate(ctx context.Context, accountID, telegramID int64, info repo.ChatInfo) (model.Chat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, chat := range c.rows {
		if chat.AccountID == accountID && chat.TelegramID == telegramID {
			chat.Title = info.Title
			chat.Username = info.Username
			chat.FirstName = info.FirstName
			chat.LastName = info.LastName
			c.rows[id] = chat
			return chat, nil
		}
	}
	chat := model.Chat{
		ID:         c.nextID,
		TelegramID: telegramID,
		AccountID:  accountID,
		ChatType:   info.ChatType,
		Title:      info.Title,
		Username:   info.Username,
		FirstName:  info.FirstName,
		LastName:   info.LastName,
		CreatedAt:  time.Now(),
	}
	c.nextID++
	c.rows[chat.ID] = chat
	return chat, nil
}

func (c *Chats) LatestMessageID(ctx context.Context, chatID int64) (int64, error) {
	return c.messages.latestFor(chatID), nil
}

func (c *Chats) BumpCounters(ctx context.Context, chatID int64, inbound bool, lastMessageAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	chat, ok := c.rows[chatID]
	if !ok {
		return nil
	}
	chat.MessageCount++
	if inbound {
		chat.UnreadCount++
	}
	if chat.LastMessageAt == nil || lastMessageAt.After(*chat.LastMessageAt) {
		at := lastMessageAt
		chat.LastMessageAt = &at
	}
	c.rows[chatID] = chat
	return nil
}

func (c *Chats) Count(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rows), nil
}

type messageKey struct {
	chatID     int64
	telegramID int64
}

// Messages is an in-memory repo.MessageRepo with the same (telegram_id,
// chat_id) uniqueness as the SQL schema.
type Messages struct {
	mu     sync.Mutex
	nextID int64
	rows   map[messageKey]model.Message
}

var _ repo.MessageRepo = (*Messages)(nil)

// NewMessages creates an empty message repo.
func NewMessages() *Messages {
	return &Messages{rows: make(map[messageKey]model.Message), nextID: 1}
}

func (m *Messages) Upsert(ctx context.Context, msg *model.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messageKey{chatID: msg.ChatID, telegramID: msg.TelegramID}
	if _, exists := m.rows[key]; exists {
		return false, nil
	}
	msg.ID = m.nextID
	m.nextID++
	msg.CreatedAt = time.Now()
	msg.UpdatedAt = msg.CreatedAt
	m.rows[key] = *msg
	return true, nil
}

func (m *Messages) UpdateText(ctx context.Context, chatID, telegramID int64, text string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := messageKey{chatID: chatID, telegramID: telegramID}
	msg, ok := m.rows[key]
	if !ok {
		return false, nil
	}
	msg.Text = text
	msg.UpdatedAt = time.Now()
	m.rows[key] = msg
	return true, nil
}

func (m *Messages) GetByTelegramID(ctx context.Context, chatID, telegramID int64) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.rows[messageKey{chatID: chatID, telegramID: telegramID}]
	if !ok {
		return model.Message{}, fmt.Errorf("message: %w", repo.ErrNotFound)
	}
	return msg, nil
}

func (m *Messages) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows), nil
}

func (m *Messages) CountByStatus(ctx context.Context, status model.MessageStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.rows {
		if msg.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *Messages) latestFor(chatID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest int64
	for key := range m.rows {
		if key.chatID == chatID && key.telegramID > latest {
			latest = key.telegramID
		}
	}
	return latest
}
