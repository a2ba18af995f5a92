// Package ingest normalizes live protocol events into canonical message
// records and forwards them to persistence and delivery.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/notify"
	"github.com/gramcrm/server/internal/protocol"
	"github.com/gramcrm/server/internal/repo"
)

// Pipeline consumes live inbound events for all accounts.
type Pipeline struct {
	chats    repo.ChatRepo
	messages repo.MessageRepo
	notifier notify.Notifier
	log      *logrus.Logger
}

// NewPipeline creates the ingestion pipeline.
func NewPipeline(chats repo.ChatRepo, messages repo.MessageRepo, notifier notify.Notifier, log *logrus.Logger) *Pipeline {
	return &Pipeline{chats: chats, messages: messages, notifier: notifier, log: log}
}

// Bind subscribes the pipeline's handlers on a freshly connected client.
// Errors inside handlers are logged at the task boundary, never raised into
// the event pump.
func (p *Pipeline) Bind(accountID int64, client protocol.Client) {
	client.Subscribe(protocol.EventNewMessage, func(ctx context.Context, ev protocol.Event) {
		if err := p.HandleNew(ctx, accountID, ev.Message); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"account_id": accountID,
				"message_id": ev.Message.ID,
			}).Error("ingest new message")
		}
	})
	client.Subscribe(protocol.EventEditedMessage, func(ctx context.Context, ev protocol.Event) {
		if err := p.HandleEdit(ctx, accountID, ev.Message); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"account_id": accountID,
				"message_id": ev.Message.ID,
			}).Error("ingest edited message")
		}
	})
}

// HandleNew stores one live message. Duplicate delivery of the same
// (protocol id, chat) pair is absorbed silently.
func (p *Pipeline) HandleNew(ctx context.Context, accountID int64, m protocol.Message) error {
	chat, err := p.chats.GetOrCreate(ctx, accountID, m.PeerID, ChatInfo(m))
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}

	rec := Normalize(chat.ID, m)
	inserted, err := p.messages.Upsert(ctx, &rec)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if !inserted {
		return nil
	}

	if err := p.chats.BumpCounters(ctx, chat.ID, !m.Outgoing, m.Date); err != nil {
		return fmt.Errorf("update chat counters: %w", err)
	}

	p.notifier.Notify(SubscriberKey(accountID), notify.KindNewMessage, messagePayload(chat, rec))
	p.notifier.Notify(SubscriberKey(accountID), notify.KindChatUpdated, chatPayload(chat, rec))
	return nil
}

// HandleEdit rewrites the text of an already-stored record. Edits never
// create records; an edit for an unknown message is dropped without retry.
func (p *Pipeline) HandleEdit(ctx context.Context, accountID int64, m protocol.Message) error {
	chat, err := p.chats.GetOrCreate(ctx, accountID, m.PeerID, ChatInfo(m))
	if err != nil {
		return fmt.Errorf("resolve chat: %w", err)
	}

	text := m.Text
	if text == "" {
		text = m.Caption
	}
	updated, err := p.messages.UpdateText(ctx, chat.ID, m.ID, text)
	if err != nil {
		return fmt.Errorf("update message text: %w", err)
	}
	if !updated {
		p.log.WithFields(logrus.Fields{
			"account_id": accountID,
			"chat_id":    chat.ID,
			"message_id": m.ID,
		}).Debug("edit for unknown message dropped")
		return nil
	}

	rec := Normalize(chat.ID, m)
	p.notifier.Notify(SubscriberKey(accountID), notify.KindNewMessage, messagePayload(chat, rec))
	return nil
}

// SubscriberKey is the delivery routing key for one account's events.
func SubscriberKey(accountID int64) string {
	return "account." + strconv.FormatInt(accountID, 10)
}

// ClassifyKind maps a protocol message to its content kind. The precedence
// order is fixed; the first matching kind wins.
func ClassifyKind(m protocol.Message) model.MessageType {
	if m.Media == nil {
		return model.MessageText
	}
	switch m.Media.Kind {
	case protocol.MediaPhoto:
		return model.MessagePhoto
	case protocol.MediaVideo:
		return model.MessageVideo
	case protocol.MediaVoice:
		return model.MessageVoice
	case protocol.MediaDocument:
		return model.MessageDocument
	case protocol.MediaSticker:
		return model.MessageSticker
	case protocol.MediaLocation:
		return model.MessageLocation
	case protocol.MediaContact:
		return model.MessageContact
	default:
		return model.MessageOther
	}
}

// Normalize converts a raw protocol message into the canonical record for
// the given chat.
func Normalize(chatID int64, m protocol.Message) model.Message {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	rec := model.Message{
		TelegramID:        m.ID,
		ChatID:            chatID,
		Type:              ClassifyKind(m),
		Status:            model.MessageReceived,
		Text:              text,
		FromUserID:        m.FromID,
		FromUserName:      m.FromFirstName,
		FromUserUsername:  m.FromUsername,
		IsOutgoing:        m.Outgoing,
		MediaCaption:      m.Caption,
		TelegramDate:      m.Date,
		ReplyToTelegramID: m.ReplyToID,
	}
	if m.Outgoing {
		rec.Status = model.MessageSent
	}
	if m.Media != nil {
		rec.MediaFileID = m.Media.FileID
	}
	if rec.TelegramDate.IsZero() {
		rec.TelegramDate = time.Now().UTC()
	}
	return rec
}

// ChatInfo extracts the chat fields the protocol reports on a message.
func ChatInfo(m protocol.Message) repo.ChatInfo {
	kind := model.ChatType(m.PeerKind)
	if kind == "" {
		kind = model.ChatPrivate
	}
	info := repo.ChatInfo{
		ChatType: kind,
		Title:    m.PeerTitle,
	}
	if kind == model.ChatPrivate {
		info.FirstName = m.FromFirstName
		info.Username = m.FromUsername
	}
	return info
}

func messagePayload(chat model.Chat, rec model.Message) map[string]any {
	return map[string]any{
		"telegram_id":    rec.TelegramID,
		"chat_id":        chat.ID,
		"text":           rec.Text,
		"message_type":   rec.Type,
		"status":         rec.Status,
		"is_outgoing":    rec.IsOutgoing,
		"from_user_name": rec.FromUserName,
		"telegram_date":  rec.TelegramDate,
		"reply_to_id":    rec.ReplyToTelegramID,
	}
}

func chatPayload(chat model.Chat, rec model.Message) map[string]any {
	return map[string]any{
		"id":           chat.ID,
		"telegram_id":  chat.TelegramID,
		"title":        chatTitle(chat),
		"chat_type":    chat.ChatType,
		"last_message": rec.TelegramDate,
	}
}

func chatTitle(chat model.Chat) string {
	switch {
	case chat.Title != "":
		return chat.Title
	case chat.FirstName != "":
		return chat.FirstName
	case chat.Username != "":
		return chat.Username
	default:
		return "Chat " + strconv.FormatInt(chat.TelegramID, 10)
	}
}
