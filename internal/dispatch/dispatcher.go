// Package dispatch sends outbound messages through running account sessions.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/gramcrm/server/internal/ingest"
	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/notify"
	"github.com/gramcrm/server/internal/protocol"
	"github.com/gramcrm/server/internal/repo"
	"github.com/gramcrm/server/internal/session"
)

const (
	// One message per second per account with a small burst, comfortably
	// under the protocol's own ceiling.
	sendInterval  = time.Second
	sendBurst     = 3
	retryBase     = 500 * time.Millisecond
	maxRetries    = 2
	maxFloodPause = 90 * time.Second
)

// ErrEmptyMessage is returned when a send request carries neither text nor a
// file.
var ErrEmptyMessage = errors.New("message has no text or file")

// Request describes one outbound message. ChatID is the local chat row id;
// ReplyTo is the protocol id of the message being replied to, 0 for none.
type Request struct {
	AccountID int64
	ChatID    int64
	Text      string
	FilePath  string
	Caption   string
	ReplyTo   int64
}

// Dispatcher routes outbound sends to the right live connection, paces them
// per account, and persists the sent record.
type Dispatcher struct {
	registry *session.Registry
	chats    repo.ChatRepo
	messages repo.MessageRepo
	notifier notify.Notifier
	log      *logrus.Logger

	mu       sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewDispatcher creates the outbound dispatcher.
func NewDispatcher(registry *session.Registry, chats repo.ChatRepo, messages repo.MessageRepo, notifier notify.Notifier, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		chats:    chats,
		messages: messages,
		notifier: notifier,
		log:      log,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Send delivers one message through the account's running session and stores
// the resulting record. Rate-limit pushback from the protocol is waited out
// and the send retried; transient failures are retried with backoff; terminal
// failures return immediately.
func (d *Dispatcher) Send(ctx context.Context, req Request) (model.Message, error) {
	if req.Text == "" && req.FilePath == "" {
		return model.Message{}, ErrEmptyMessage
	}

	client, ok := d.registry.Client(req.AccountID)
	if !ok {
		return model.Message{}, session.ErrNotRunning
	}

	chat, err := d.chats.GetByID(ctx, req.ChatID)
	if err != nil {
		return model.Message{}, err
	}

	if err := d.limiter(req.AccountID).Wait(ctx); err != nil {
		return model.Message{}, err
	}

	var sentID int64
	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		id, err := d.deliver(ctx, client, chat.TelegramID, req)
		if err == nil {
			sentID = id
			return nil
		}
		if wait, ok := protocol.AsFloodWait(err); ok {
			if err := d.floodPause(ctx, req.AccountID, wait); err != nil {
				return err
			}
			return retry.RetryableError(err)
		}
		if protocol.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("send to chat %d: %w", req.ChatID, err)
	}

	rec := d.record(chat.ID, sentID, req)
	if _, err := d.messages.Upsert(ctx, &rec); err != nil {
		// The message left the wire; a persistence failure must not report
		// the send itself as failed.
		d.log.WithError(err).WithFields(logrus.Fields{
			"account_id": req.AccountID,
			"chat_id":    chat.ID,
			"message_id": sentID,
		}).Error("persist sent message")
		return rec, nil
	}
	if err := d.chats.BumpCounters(ctx, chat.ID, false, rec.TelegramDate); err != nil {
		d.log.WithError(err).WithField("chat_id", chat.ID).Error("update chat counters")
	}
	d.notifier.Notify(ingest.SubscriberKey(req.AccountID), notify.KindNewMessage, map[string]any{
		"telegram_id": rec.TelegramID,
		"chat_id":     chat.ID,
		"text":        rec.Text,
		"is_outgoing": true,
	})
	return rec, nil
}

func (d *Dispatcher) deliver(ctx context.Context, client protocol.Client, peerID int64, req Request) (int64, error) {
	if req.FilePath != "" {
		return client.SendFile(ctx, peerID, req.FilePath, req.Caption, req.ReplyTo)
	}
	return client.SendMessage(ctx, peerID, req.Text, req.ReplyTo)
}

func (d *Dispatcher) record(chatID, sentID int64, req Request) model.Message {
	rec := model.Message{
		TelegramID:        sentID,
		ChatID:            chatID,
		Type:              model.MessageText,
		Status:            model.MessageSent,
		Text:              req.Text,
		IsOutgoing:        true,
		TelegramDate:      time.Now().UTC(),
		ReplyToTelegramID: req.ReplyTo,
	}
	if req.FilePath != "" {
		rec.Type = model.MessageDocument
		rec.MediaCaption = req.Caption
		if rec.Text == "" {
			rec.Text = req.Caption
		}
	}
	return rec
}

func (d *Dispatcher) limiter(accountID int64) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[accountID]
	if !ok {
		l = rate.NewLimiter(rate.Every(sendInterval), sendBurst)
		d.limiters[accountID] = l
	}
	return l
}

func (d *Dispatcher) floodPause(ctx context.Context, accountID int64, wait time.Duration) error {
	if wait > maxFloodPause {
		return fmt.Errorf("rate limited for %s", wait)
	}
	d.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"wait":       wait,
	}).Warn("rate limited on send, pausing")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
