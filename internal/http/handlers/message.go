package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/gramcrm/server/internal/dispatch"
	"github.com/gramcrm/server/internal/repo"
)

// MessageHandler handles outbound message endpoints.
type MessageHandler struct {
	chats      repo.ChatRepo
	dispatcher *dispatch.Dispatcher
	log        *logrus.Logger
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(chats repo.ChatRepo, dispatcher *dispatch.Dispatcher, log *logrus.Logger) *MessageHandler {
	return &MessageHandler{chats: chats, dispatcher: dispatcher, log: log}
}

// sendMessageRequest is the request body for POST /chats/{id}/messages
type sendMessageRequest struct {
	Text     string `json:"text,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	Caption  string `json:"caption,omitempty"`
	ReplyTo  int64  `json:"reply_to,omitempty"`
}

// sendMessageResponse is the JSON response for a delivered message.
type sendMessageResponse struct {
	TelegramID int64  `json:"telegram_id"`
	ChatID     int64  `json:"chat_id"`
	Text       string `json:"text"`
	Status     string `json:"status"`
}

// HandleSend handles POST /chats/{id}/messages. The chat row decides which
// account the message goes out through.
func (h *MessageHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	chatID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || chatID <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid chat id")
		return
	}

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Text = strings.TrimSpace(req.Text)

	chat, err := h.chats.GetByID(r.Context(), chatID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	rec, err := h.dispatcher.Send(r.Context(), dispatch.Request{
		AccountID: chat.AccountID,
		ChatID:    chat.ID,
		Text:      req.Text,
		FilePath:  req.FilePath,
		Caption:   req.Caption,
		ReplyTo:   req.ReplyTo,
	})
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"chat_id":    chatID,
			"account_id": chat.AccountID,
		}).Warn("send failed")
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, sendMessageResponse{
		TelegramID: rec.TelegramID,
		ChatID:     rec.ChatID,
		Text:       rec.Text,
		Status:     string(rec.Status),
	})
}
