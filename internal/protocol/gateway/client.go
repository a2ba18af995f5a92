// Package gateway implements protocol.Client against an MTProto sidecar
// gateway speaking JSON over HTTP. The gateway owns the wire protocol; this
// client owns connection state, event delivery, and error-kind mapping.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gramcrm/server/internal/protocol"
)

const (
	requestTimeout = 30 * time.Second
	eventPollWait  = 25 * time.Second
	pumpRetryDelay = 2 * time.Second
)

// Dialer opens gateway-backed protocol clients.
type Dialer struct {
	baseURL string
	hc      *http.Client
	log     *logrus.Logger
}

// NewDialer creates a Dialer for the gateway at baseURL.
func NewDialer(baseURL string, log *logrus.Logger) *Dialer {
	return &Dialer{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: requestTimeout + eventPollWait},
		log:     log,
	}
}

// Dial registers a connection slot with the gateway and returns a Client
// bound to it. The transport is not live until Connect.
func (d *Dialer) Dial(ctx context.Context, creds protocol.Credentials, session string) (protocol.Client, error) {
	c := &Client{
		baseURL:  d.baseURL,
		hc:       d.hc,
		log:      d.log,
		creds:    creds,
		session:  session,
		handlers: make(map[protocol.EventKind][]protocol.Handler),
	}
	var resp struct {
		ConnectionID string `json:"connection_id"`
	}
	body := map[string]any{
		"api_id":   creds.APIID,
		"api_hash": creds.APIHash,
		"phone":    creds.Phone,
		"session":  session,
	}
	if err := c.do(ctx, http.MethodPost, "/v1/connections", body, &resp); err != nil {
		return nil, err
	}
	c.connID = resp.ConnectionID
	return c, nil
}

// Client is one gateway-backed protocol connection.
type Client struct {
	baseURL string
	hc      *http.Client
	log     *logrus.Logger
	creds   protocol.Credentials
	session string
	connID  string

	connected atomic.Bool

	mu       sync.Mutex
	handlers map[protocol.EventKind][]protocol.Handler
	pumpStop context.CancelFunc
	pumpDone chan struct{}
}

type apiError struct {
	Error struct {
		Code        string `json:"code"`
		Message     string `json:"message"`
		WaitSeconds int    `json:"wait_seconds"`
	} `json:"error"`
}

// mapError turns a gateway error code into a typed protocol error.
func mapError(status int, ae apiError) error {
	switch ae.Error.Code {
	case "FLOOD_WAIT":
		return &protocol.FloodWaitError{Wait: time.Duration(ae.Error.WaitSeconds) * time.Second}
	case "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY":
		return protocol.ErrCodeInvalid
	case "PHONE_CODE_EXPIRED":
		return protocol.ErrCodeExpired
	case "SESSION_PASSWORD_NEEDED":
		return protocol.ErrPasswordRequired
	case "PASSWORD_HASH_INVALID":
		return protocol.ErrPasswordInvalid
	case "AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "SESSION_EXPIRED":
		return protocol.ErrSessionInvalid
	case "USER_DEACTIVATED", "PHONE_NUMBER_BANNED":
		return protocol.ErrAccountDeactivated
	case "PEER_ID_INVALID":
		return protocol.ErrPeerInvalid
	case "CHAT_WRITE_FORBIDDEN":
		return protocol.ErrWriteForbidden
	}
	if status >= 500 {
		return protocol.Transient(fmt.Errorf("gateway %d: %s", status, ae.Error.Message))
	}
	return fmt.Errorf("gateway error %s: %s", ae.Error.Code, ae.Error.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return protocol.Transient(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var ae apiError
		if err := json.NewDecoder(resp.Body).Decode(&ae); err != nil || ae.Error.Code == "" {
			if resp.StatusCode >= 500 {
				return protocol.Transient(fmt.Errorf("gateway status %d", resp.StatusCode))
			}
			return fmt.Errorf("gateway status %d", resp.StatusCode)
		}
		return mapError(resp.StatusCode, ae)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return protocol.Transient(fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

func (c *Client) connPath(suffix string) string {
	return "/v1/connections/" + url.PathEscape(c.connID) + suffix
}

// Connect brings the transport up and starts the event pump.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, c.connPath("/connect"), nil, nil); err != nil {
		return err
	}
	c.connected.Store(true)
	c.startPump()
	return nil
}

// Disconnect stops the event pump and tears the transport down.
func (c *Client) Disconnect(ctx context.Context) error {
	c.stopPump()
	c.connected.Store(false)
	return c.do(ctx, http.MethodPost, c.connPath("/disconnect"), nil, nil)
}

// IsConnected reports the last known transport state. It flips false when
// the event pump hits a terminal failure.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) RequestCode(ctx context.Context, phone string) (*protocol.SentCode, error) {
	return c.sendCode(ctx, c.connPath("/send_code"), map[string]any{"phone": phone})
}

func (c *Client) ResendCode(ctx context.Context, phone, phoneCodeHash string) (*protocol.SentCode, error) {
	return c.sendCode(ctx, c.connPath("/resend_code"), map[string]any{
		"phone":           phone,
		"phone_code_hash": phoneCodeHash,
	})
}

func (c *Client) sendCode(ctx context.Context, path string, body map[string]any) (*protocol.SentCode, error) {
	var resp struct {
		PhoneCodeHash  string `json:"phone_code_hash"`
		Channel        string `json:"channel"`
		NextChannel    string `json:"next_channel"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return nil, err
	}
	return &protocol.SentCode{
		PhoneCodeHash: resp.PhoneCodeHash,
		Channel:       protocol.CodeChannel(resp.Channel),
		NextChannel:   protocol.CodeChannel(resp.NextChannel),
		Timeout:       time.Duration(resp.TimeoutSeconds) * time.Second,
	}, nil
}

type identityResp struct {
	UserID      int64  `json:"user_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	Username    string `json:"username"`
	PhoneNumber string `json:"phone_number"`
}

func (r identityResp) toIdentity() *protocol.Identity {
	return &protocol.Identity{
		UserID:      r.UserID,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Username:    r.Username,
		PhoneNumber: r.PhoneNumber,
	}
}

func (c *Client) SignIn(ctx context.Context, phone, phoneCodeHash, code string) (*protocol.Identity, error) {
	var resp identityResp
	body := map[string]any{
		"phone":           phone,
		"phone_code_hash": phoneCodeHash,
		"code":            code,
	}
	if err := c.do(ctx, http.MethodPost, c.connPath("/sign_in"), body, &resp); err != nil {
		return nil, err
	}
	return resp.toIdentity(), nil
}

func (c *Client) CheckPassword(ctx context.Context, password string) (*protocol.Identity, error) {
	var resp identityResp
	if err := c.do(ctx, http.MethodPost, c.connPath("/check_password"), map[string]any{"password": password}, &resp); err != nil {
		return nil, err
	}
	return resp.toIdentity(), nil
}

func (c *Client) RequestQR(ctx context.Context) (*protocol.QRToken, error) {
	var resp struct {
		URL       string    `json:"url"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := c.do(ctx, http.MethodPost, c.connPath("/qr"), nil, &resp); err != nil {
		return nil, err
	}
	return &protocol.QRToken{URL: resp.URL, ExpiresAt: resp.ExpiresAt}, nil
}

func (c *Client) PollQR(ctx context.Context) (*protocol.QRPoll, error) {
	var resp struct {
		State    string        `json:"state"`
		Identity *identityResp `json:"identity"`
	}
	if err := c.do(ctx, http.MethodGet, c.connPath("/qr"), nil, &resp); err != nil {
		return nil, err
	}
	poll := &protocol.QRPoll{State: protocol.QRState(resp.State)}
	if resp.Identity != nil {
		poll.Identity = resp.Identity.toIdentity()
	}
	return poll, nil
}

func (c *Client) SignOut(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.connPath("/sign_out"), nil, nil)
}

func (c *Client) ExportSession(ctx context.Context) (string, error) {
	var resp struct {
		Session string `json:"session"`
	}
	if err := c.do(ctx, http.MethodGet, c.connPath("/session"), nil, &resp); err != nil {
		return "", err
	}
	return resp.Session, nil
}

func (c *Client) Identity(ctx context.Context) (*protocol.Identity, error) {
	var resp identityResp
	if err := c.do(ctx, http.MethodGet, c.connPath("/me"), nil, &resp); err != nil {
		return nil, err
	}
	return resp.toIdentity(), nil
}

func (c *Client) Dialogs(ctx context.Context, limit int) ([]protocol.Dialog, error) {
	var resp struct {
		Dialogs []struct {
			PeerID       int64  `json:"peer_id"`
			Kind         string `json:"kind"`
			Title        string `json:"title"`
			Username     string `json:"username"`
			FirstName    string `json:"first_name"`
			LastName     string `json:"last_name"`
			TopMessageID int64  `json:"top_message_id"`
		} `json:"dialogs"`
	}
	path := c.connPath("/dialogs") + "?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]protocol.Dialog, 0, len(resp.Dialogs))
	for _, d := range resp.Dialogs {
		out = append(out, protocol.Dialog{
			PeerID:       d.PeerID,
			Kind:         d.Kind,
			Title:        d.Title,
			Username:     d.Username,
			FirstName:    d.FirstName,
			LastName:     d.LastName,
			TopMessageID: d.TopMessageID,
		})
	}
	return out, nil
}

type messageResp struct {
	ID            int64      `json:"id"`
	PeerID        int64      `json:"peer_id"`
	PeerKind      string     `json:"peer_kind"`
	PeerTitle     string     `json:"peer_title"`
	Text          string     `json:"text"`
	Caption       string     `json:"caption"`
	FromID        int64      `json:"from_id"`
	FromFirstName string     `json:"from_first_name"`
	FromUsername  string     `json:"from_username"`
	Outgoing      bool       `json:"outgoing"`
	Date          time.Time  `json:"date"`
	ReplyToID     int64      `json:"reply_to_id"`
	Media         *mediaResp `json:"media"`
}

type mediaResp struct {
	Kind   string `json:"kind"`
	FileID string `json:"file_id"`
}

func (m messageResp) toMessage() protocol.Message {
	msg := protocol.Message{
		ID:            m.ID,
		PeerID:        m.PeerID,
		PeerKind:      m.PeerKind,
		PeerTitle:     m.PeerTitle,
		Text:          m.Text,
		Caption:       m.Caption,
		FromID:        m.FromID,
		FromFirstName: m.FromFirstName,
		FromUsername:  m.FromUsername,
		Outgoing:      m.Outgoing,
		Date:          m.Date,
		ReplyToID:     m.ReplyToID,
	}
	if m.Media != nil {
		msg.Media = &protocol.Media{Kind: protocol.MediaKind(m.Media.Kind), FileID: m.Media.FileID}
	}
	return msg
}

func (c *Client) History(ctx context.Context, peerID int64, limit int) ([]protocol.Message, error) {
	var resp struct {
		Messages []messageResp `json:"messages"`
	}
	path := c.connPath("/history") + "?peer=" + strconv.FormatInt(peerID, 10) + "&limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]protocol.Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		out = append(out, m.toMessage())
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, peerID int64, text string, replyTo int64) (int64, error) {
	var resp struct {
		MessageID int64 `json:"message_id"`
	}
	body := map[string]any{"peer_id": peerID, "text": text}
	if replyTo != 0 {
		body["reply_to"] = replyTo
	}
	if err := c.do(ctx, http.MethodPost, c.connPath("/messages"), body, &resp); err != nil {
		return 0, err
	}
	return resp.MessageID, nil
}

func (c *Client) SendFile(ctx context.Context, peerID int64, path, caption string, replyTo int64) (int64, error) {
	var resp struct {
		MessageID int64 `json:"message_id"`
	}
	body := map[string]any{"peer_id": peerID, "file_path": path, "caption": caption}
	if replyTo != 0 {
		body["reply_to"] = replyTo
	}
	if err := c.do(ctx, http.MethodPost, c.connPath("/files"), body, &resp); err != nil {
		return 0, err
	}
	return resp.MessageID, nil
}

// Subscribe registers a handler for live events of the given kind.
func (c *Client) Subscribe(kind protocol.EventKind, h protocol.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

func (c *Client) startPump() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pumpStop != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.pumpStop = cancel
	c.pumpDone = done
	go c.pump(ctx, done)
}

func (c *Client) stopPump() {
	c.mu.Lock()
	stop, done := c.pumpStop, c.pumpDone
	c.pumpStop, c.pumpDone = nil, nil
	c.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

// pump long-polls the gateway's event feed and fans events out to
// subscribed handlers. Transient failures retry; terminal failures mark
// the connection down and exit. done is owned by this pump instance; the
// mutable fields may already belong to a successor by the time it exits.
func (c *Client) pump(ctx context.Context, done chan struct{}) {
	defer func() {
		// Release the slot so a later Connect can respawn the pump, unless
		// stopPump already claimed it.
		c.mu.Lock()
		stop := c.pumpStop
		if c.pumpDone == done {
			c.pumpStop, c.pumpDone = nil, nil
		} else {
			stop = nil
		}
		c.mu.Unlock()
		if stop != nil {
			stop()
		}
		close(done)
	}()
	var cursor int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var resp struct {
			Cursor int64 `json:"cursor"`
			Events []struct {
				Kind    string      `json:"kind"`
				Message messageResp `json:"message"`
			} `json:"events"`
		}
		path := c.connPath("/events") + "?cursor=" + strconv.FormatInt(cursor, 10) +
			"&wait=" + strconv.Itoa(int(eventPollWait.Seconds()))
		err := c.do(ctx, http.MethodGet, path, nil, &resp)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if protocol.IsTransient(err) {
				c.log.WithError(err).Debug("event poll failed, retrying")
				select {
				case <-time.After(pumpRetryDelay):
				case <-ctx.Done():
					return
				}
				continue
			}
			c.log.WithError(err).Warn("event pump stopped")
			c.connected.Store(false)
			return
		}

		cursor = resp.Cursor
		for _, raw := range resp.Events {
			ev := protocol.Event{Kind: protocol.EventKind(raw.Kind), Message: raw.Message.toMessage()}
			c.mu.Lock()
			hs := append([]protocol.Handler(nil), c.handlers[ev.Kind]...)
			c.mu.Unlock()
			for _, h := range hs {
				h(ctx, ev)
			}
		}
	}
}
