// Package protocol defines the narrow contract to the underlying real-time
// messaging protocol. The session layer only ever talks to these interfaces;
// the wire protocol itself is an opaque capability.
package protocol

import (
	"context"
	"time"
)

// CodeChannel is the delivery channel a login code was sent through.
type CodeChannel string

const (
	ChannelSMS       CodeChannel = "sms"
	ChannelApp       CodeChannel = "app"
	ChannelCall      CodeChannel = "call"
	ChannelFlashCall CodeChannel = "flash_call"
)

// SentCode describes a server-issued login code challenge.
type SentCode struct {
	PhoneCodeHash string
	Channel       CodeChannel
	NextChannel   CodeChannel
	Timeout       time.Duration
}

// Identity is the authenticated account's own profile.
type Identity struct {
	UserID      int64
	FirstName   string
	LastName    string
	Username    string
	PhoneNumber string
}

// QRToken is a scannable login payload issued in lieu of a texted code.
type QRToken struct {
	URL       string
	ExpiresAt time.Time
}

// QRState is the poll outcome of a pending QR login.
type QRState string

const (
	QRWaiting  QRState = "waiting"
	QRAccepted QRState = "accepted"
	QRExpired  QRState = "expired"
)

// QRPoll reports the current state of a QR login attempt. Identity is set
// only when State is QRAccepted.
type QRPoll struct {
	State    QRState
	Identity *Identity
}

// Dialog is one conversation as the protocol reports it.
type Dialog struct {
	PeerID       int64
	Kind         string
	Title        string
	Username     string
	FirstName    string
	LastName     string
	TopMessageID int64
}

// MediaKind classifies attached media.
type MediaKind string

const (
	MediaPhoto    MediaKind = "photo"
	MediaVideo    MediaKind = "video"
	MediaVoice    MediaKind = "voice"
	MediaDocument MediaKind = "document"
	MediaSticker  MediaKind = "sticker"
	MediaLocation MediaKind = "location"
	MediaContact  MediaKind = "contact"
)

// Media is a reference to a message attachment.
type Media struct {
	Kind   MediaKind
	FileID string
}

// Message is one raw protocol message. ID is unique only within its peer.
type Message struct {
	ID            int64
	PeerID        int64
	PeerKind      string
	PeerTitle     string
	Text          string
	Caption       string
	FromID        int64
	FromFirstName string
	FromUsername  string
	Outgoing      bool
	Date          time.Time
	ReplyToID     int64
	Media         *Media
}

// EventKind distinguishes live update kinds.
type EventKind string

const (
	EventNewMessage    EventKind = "new_message"
	EventEditedMessage EventKind = "edited_message"
)

// Event is one live protocol update.
type Event struct {
	Kind    EventKind
	Message Message
}

// Handler consumes live events. Handlers must not block; slow work belongs
// in the handler's own goroutine or downstream queue.
type Handler func(ctx context.Context, ev Event)

// Client wraps one live connection to the protocol. Implementations surface
// failures as the typed error kinds in this package, never as free text to
// be string-matched.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	RequestCode(ctx context.Context, phone string) (*SentCode, error)
	ResendCode(ctx context.Context, phone, phoneCodeHash string) (*SentCode, error)
	SignIn(ctx context.Context, phone, phoneCodeHash, code string) (*Identity, error)
	CheckPassword(ctx context.Context, password string) (*Identity, error)
	RequestQR(ctx context.Context) (*QRToken, error)
	PollQR(ctx context.Context) (*QRPoll, error)
	SignOut(ctx context.Context) error
	ExportSession(ctx context.Context) (string, error)

	Identity(ctx context.Context) (*Identity, error)
	Subscribe(kind EventKind, h Handler)
	Dialogs(ctx context.Context, limit int) ([]Dialog, error)
	History(ctx context.Context, peerID int64, limit int) ([]Message, error)
	SendMessage(ctx context.Context, peerID int64, text string, replyTo int64) (int64, error)
	SendFile(ctx context.Context, peerID int64, path, caption string, replyTo int64) (int64, error)
}

// Credentials identify the application and account to the protocol.
type Credentials struct {
	APIID   int64
	APIHash string
	Phone   string
}

// Dialer opens protocol connections. An empty session string dials a fresh,
// unauthenticated connection (used by login flows).
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, session string) (Client, error)
}
