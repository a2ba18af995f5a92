// Package prototest provides configurable in-memory fakes of the protocol
// interfaces for tests.
package prototest

import (
	"context"
	"sync"

	"github.com/gramcrm/server/internal/protocol"
)

// Client is a fake protocol.Client. Behavior is overridden per test through
// the function fields; unset fields use benign defaults. The zero value is
// usable.
type Client struct {
	mu        sync.Mutex
	connected bool
	handlers  map[protocol.EventKind][]protocol.Handler

	ConnectFunc       func(ctx context.Context) error
	DisconnectFunc    func(ctx context.Context) error
	RequestCodeFunc   func(ctx context.Context, phone string) (*protocol.SentCode, error)
	ResendCodeFunc    func(ctx context.Context, phone, hash string) (*protocol.SentCode, error)
	SignInFunc        func(ctx context.Context, phone, hash, code string) (*protocol.Identity, error)
	CheckPasswordFunc func(ctx context.Context, password string) (*protocol.Identity, error)
	RequestQRFunc     func(ctx context.Context) (*protocol.QRToken, error)
	PollQRFunc        func(ctx context.Context) (*protocol.QRPoll, error)
	SignOutFunc       func(ctx context.Context) error
	ExportFunc        func(ctx context.Context) (string, error)
	IdentityFunc      func(ctx context.Context) (*protocol.Identity, error)
	DialogsFunc       func(ctx context.Context, limit int) ([]protocol.Dialog, error)
	HistoryFunc       func(ctx context.Context, peerID int64, limit int) ([]protocol.Message, error)
	SendMessageFunc   func(ctx context.Context, peerID int64, text string, replyTo int64) (int64, error)
	SendFileFunc      func(ctx context.Context, peerID int64, path, caption string, replyTo int64) (int64, error)
}

var _ protocol.Client = (*Client)(nil)

func (c *Client) Connect(ctx context.Context) error {
	if c.ConnectFunc != nil {
		if err := c.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	if c.DisconnectFunc != nil {
		return c.DisconnectFunc(ctx)
	}
	return nil
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetConnected forces the liveness flag, simulating a dropped transport.
func (c *Client) SetConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *Client) RequestCode(ctx context.Context, phone string) (*protocol.SentCode, error) {
	if c.RequestCodeFunc != nil {
		return c.RequestCodeFunc(ctx, phone)
	}
	return &protocol.SentCode{PhoneCodeHash: "hash-1", Channel: protocol.ChannelApp}, nil
}

func (c *Client) ResendCode(ctx context.Context, phone, hash string) (*protocol.SentCode, error) {
	if c.ResendCodeFunc != nil {
		return c.ResendCodeFunc(ctx, phone, hash)
	}
	return &protocol.SentCode{PhoneCodeHash: hash, Channel: protocol.ChannelSMS}, nil
}

func (c *Client) SignIn(ctx context.Context, phone, hash, code string) (*protocol.Identity, error) {
	if c.SignInFunc != nil {
		return c.SignInFunc(ctx, phone, hash, code)
	}
	return &protocol.Identity{UserID: 1}, nil
}

func (c *Client) CheckPassword(ctx context.Context, password string) (*protocol.Identity, error) {
	if c.CheckPasswordFunc != nil {
		return c.CheckPasswordFunc(ctx, password)
	}
	return &protocol.Identity{UserID: 1}, nil
}

func (c *Client) RequestQR(ctx context.Context) (*protocol.QRToken, error) {
	if c.RequestQRFunc != nil {
		return c.RequestQRFunc(ctx)
	}
	return &protocol.QRToken{URL: "tg://login?token=abc"}, nil
}

func (c *Client) PollQR(ctx context.Context) (*protocol.QRPoll, error) {
	if c.PollQRFunc != nil {
		return c.PollQRFunc(ctx)
	}
	return &protocol.QRPoll{State: protocol.QRWaiting}, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	if c.SignOutFunc != nil {
		return c.SignOutFunc(ctx)
	}
	return nil
}

func (c *Client) ExportSession(ctx context.Context) (string, error) {
	if c.ExportFunc != nil {
		return c.ExportFunc(ctx)
	}
	return "session-string", nil
}

func (c *Client) Identity(ctx context.Context) (*protocol.Identity, error) {
	if c.IdentityFunc != nil {
		return c.IdentityFunc(ctx)
	}
	return &protocol.Identity{UserID: 1, FirstName: "Test"}, nil
}

func (c *Client) Subscribe(kind protocol.EventKind, h protocol.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers == nil {
		c.handlers = make(map[protocol.EventKind][]protocol.Handler)
	}
	c.handlers[kind] = append(c.handlers[kind], h)
}

// Emit synchronously delivers an event to all subscribed handlers.
func (c *Client) Emit(ctx context.Context, ev protocol.Event) {
	c.mu.Lock()
	hs := append([]protocol.Handler(nil), c.handlers[ev.Kind]...)
	c.mu.Unlock()
	for _, h := range hs {
		h(ctx, ev)
	}
}

// Subscribed reports how many handlers are registered for the kind.
func (c *Client) Subscribed(kind protocol.EventKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers[kind])
}

func (c *Client) Dialogs(ctx context.Context, limit int) ([]protocol.Dialog, error) {
	if c.DialogsFunc != nil {
		return c.DialogsFunc(ctx, limit)
	}
	return nil, nil
}

func (c *Client) History(ctx context.Context, peerID int64, limit int) ([]protocol.Message, error) {
	if c.HistoryFunc != nil {
		return c.HistoryFunc(ctx, peerID, limit)
	}
	return nil, nil
}

func (c *Client) SendMessage(ctx context.Context, peerID int64, text string, replyTo int64) (int64, error) {
	if c.SendMessageFunc != nil {
		return c.SendMessageFunc(ctx, peerID, text, replyTo)
	}
	return 1, nil
}

func (c *Client) SendFile(ctx context.Context, peerID int64, path, caption string, replyTo int64) (int64, error) {
	if c.SendFileFunc != nil {
		return c.SendFileFunc(ctx, peerID, path, caption, replyTo)
	}
	return 1, nil
}

// Dialer is a fake protocol.Dialer returning a preconfigured client.
type Dialer struct {
	mu     sync.Mutex
	dials  int
	Client protocol.Client
	Err    error

	// DialFunc overrides the default behavior entirely when set.
	DialFunc func(ctx context.Context, creds protocol.Credentials, session string) (protocol.Client, error)
}

var _ protocol.Dialer = (*Dialer)(nil)

func (d *Dialer) Dial(ctx context.Context, creds protocol.Credentials, session string) (protocol.Client, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	if d.DialFunc != nil {
		return d.DialFunc(ctx, creds, session)
	}
	if d.Err != nil {
		return nil, d.Err
	}
	if d.Client != nil {
		return d.Client, nil
	}
	return &Client{}, nil
}

// Dials reports how many connections were requested.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}
