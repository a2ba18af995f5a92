package model

import (
	"time"

	"github.com/google/uuid"
)

// AccountStatus is the lifecycle state of a managed protocol account.
type AccountStatus string

const (
	StatusInactive       AccountStatus = "inactive"
	StatusActive         AccountStatus = "active"
	StatusAuthenticating AccountStatus = "authenticating"
	StatusError          AccountStatus = "error"
)

// Account represents one protocol endpoint managed by the session layer.
// An account with StatusActive always carries a non-empty SessionString.
type Account struct {
	ID             int64
	Name           string
	PhoneNumber    string
	APIID          int64
	APIHash        string
	SessionString  string
	TelegramUserID int64
	FirstName      string
	LastName       string
	Username       string
	Status         AccountStatus
	LastError      string
	ErrorCount     int
	LastActivity   *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ChatType mirrors the protocol's dialog kinds.
type ChatType string

const (
	ChatPrivate    ChatType = "private"
	ChatGroup      ChatType = "group"
	ChatSupergroup ChatType = "supergroup"
	ChatChannel    ChatType = "channel"
)

// Chat is one conversation belonging to an account.
type Chat struct {
	ID            int64
	TelegramID    int64
	AccountID     int64
	ChatType      ChatType
	Title         string
	Username      string
	FirstName     string
	LastName      string
	MessageCount  int
	UnreadCount   int
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageType classifies message content. Classification uses a fixed
// precedence order; the first matching kind wins.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessagePhoto    MessageType = "photo"
	MessageVideo    MessageType = "video"
	MessageVoice    MessageType = "voice"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageOther    MessageType = "other"
)

// MessageStatus tracks delivery state of a stored message.
type MessageStatus string

const (
	MessageReceived MessageStatus = "received"
	MessageSent     MessageStatus = "sent"
	MessagePending  MessageStatus = "pending"
	MessageFailed   MessageStatus = "failed"
)

// Message is the canonical record of one protocol message. TelegramID is
// unique only within its chat; (TelegramID, ChatID) is the dedup key.
type Message struct {
	ID                int64
	TelegramID        int64
	ChatID            int64
	Type              MessageType
	Status            MessageStatus
	Text              string
	FromUserID        int64
	FromUserName      string
	FromUserUsername  string
	IsOutgoing        bool
	MediaFileID       string
	MediaCaption      string
	TelegramDate      time.Time
	ReplyToTelegramID int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Operator is a CRM user allowed to call the REST surface.
type Operator struct {
	ID           uuid.UUID
	Username     string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
}
