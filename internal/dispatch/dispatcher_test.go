package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/notify"
	"github.com/gramcrm/server/internal/protocol"
	"github.com/gramcrm/server/internal/protocol/prototest"
	"github.com/gramcrm/server/internal/repo"
	"github.com/gramcrm/server/internal/repo/repotest"
	"github.com/gramcrm/server/internal/session"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

type notifyRecorder struct {
	mu   sync.Mutex
	sent []notify.EventKind
}

func (r *notifyRecorder) Notify(subscriberKey string, kind notify.EventKind, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, kind)
}

type binderStub struct{}

func (binderStub) Bind(int64, protocol.Client) {}

// testHarness wires a running account session and a chat row for send tests.
type testHarness struct {
	dispatcher *Dispatcher
	controller *session.Controller
	messages   *repotest.Messages
	chats      *repotest.Chats
	recorder   *notifyRecorder
	chatID     int64
}

func newHarness(t *testing.T, client *prototest.Client) *testHarness {
	t.Helper()

	accounts := repotest.NewAccounts(model.Account{
		ID:            1,
		Name:          "support-line",
		PhoneNumber:   "+79991234567",
		APIID:         12345,
		APIHash:       "abcdef",
		SessionString: "stored-session",
		Status:        model.StatusActive,
	})
	messages := repotest.NewMessages()
	chats := repotest.NewChats(messages)
	registry := session.NewRegistry()
	catchup := session.NewCatchup(chats, messages, testLogger())
	controller := session.NewController(registry, &prototest.Dialer{Client: client}, accounts, catchup, binderStub{}, testLogger())
	recorder := &notifyRecorder{}
	dispatcher := NewDispatcher(registry, chats, messages, recorder, testLogger())

	require.NoError(t, controller.Start(context.Background(), 1))
	t.Cleanup(func() { _ = controller.Stop(context.Background(), 1) })

	chat, err := chats.GetOrCreate(context.Background(), 1, 100, repo.ChatInfo{
		ChatType:  model.ChatPrivate,
		FirstName: "Ada",
	})
	require.NoError(t, err)

	return &testHarness{
		dispatcher: dispatcher,
		controller: controller,
		messages:   messages,
		chats:      chats,
		recorder:   recorder,
		chatID:     chat.ID,
	}
}

func TestSend_emptyRequest(t *testing.T) {
	h := newHarness(t, &prototest.Client{})

	_, err := h.dispatcher.Send(context.Background(), Request{AccountID: 1, ChatID: h.chatID})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSend_accountNotRunning(t *testing.T) {
	messages := repotest.NewMessages()
	chats := repotest.NewChats(messages)
	registry := session.NewRegistry()
	dispatcher := NewDispatcher(registry, chats, messages, &notifyRecorder{}, testLogger())

	_, err := dispatcher.Send(context.Background(), Request{AccountID: 1, ChatID: 1, Text: "hi"})
	assert.ErrorIs(t, err, session.ErrNotRunning)
}

func TestSend_deliversAndPersists(t *testing.T) {
	client := &prototest.Client{
		SendMessageFunc: func(ctx context.Context, peerID int64, text string, replyTo int64) (int64, error) {
			assert.Equal(t, int64(100), peerID)
			assert.Equal(t, "hello", text)
			return 555, nil
		},
	}
	h := newHarness(t, client)

	rec, err := h.dispatcher.Send(context.Background(), Request{AccountID: 1, ChatID: h.chatID, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, int64(555), rec.TelegramID)
	assert.Equal(t, model.MessageSent, rec.Status)
	assert.True(t, rec.IsOutgoing)

	stored, err := h.messages.GetByTelegramID(context.Background(), h.chatID, 555)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Text)

	chat, _ := h.chats.GetByID(context.Background(), h.chatID)
	assert.Equal(t, 1, chat.MessageCount)
	assert.Equal(t, 0, chat.UnreadCount, "own messages are not unread")
}

func TestSend_fileUsesDocumentKind(t *testing.T) {
	client := &prototest.Client{
		SendFileFunc: func(ctx context.Context, peerID int64, path, caption string, replyTo int64) (int64, error) {
			assert.Equal(t, "/tmp/report.pdf", path)
			return 556, nil
		},
	}
	h := newHarness(t, client)

	rec, err := h.dispatcher.Send(context.Background(), Request{
		AccountID: 1, ChatID: h.chatID, FilePath: "/tmp/report.pdf", Caption: "monthly report",
	})
	require.NoError(t, err)
	assert.Equal(t, model.MessageDocument, rec.Type)
	assert.Equal(t, "monthly report", rec.Text)
}

func TestSend_waitsOutFloodAndRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	client := &prototest.Client{
		SendMessageFunc: func(ctx context.Context, peerID int64, text string, replyTo int64) (int64, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return 0, &protocol.FloodWaitError{Wait: 10 * time.Millisecond}
			}
			return 555, nil
		},
	}
	h := newHarness(t, client)

	rec, err := h.dispatcher.Send(context.Background(), Request{AccountID: 1, ChatID: h.chatID, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, int64(555), rec.TelegramID)
	assert.Equal(t, 2, attempts)
}

func TestSend_retriesTransientFailures(t *testing.T) {
	attempts := 0
	client := &prototest.Client{
		SendMessageFunc: func(ctx context.Context, peerID int64, text string, replyTo int64) (int64, error) {
			attempts++
			if attempts == 1 {
				return 0, protocol.Transient(errors.New("gateway hiccup"))
			}
			return 555, nil
		},
	}
	h := newHarness(t, client)

	_, err := h.dispatcher.Send(context.Background(), Request{AccountID: 1, ChatID: h.chatID, Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestSend_terminalErrorIsNotRetried(t *testing.T) {
	attempts := 0
	client := &prototest.Client{
		SendMessageFunc: func(ctx context.Context, peerID int64, text string, replyTo int64) (int64, error) {
			attempts++
			return 0, protocol.ErrWriteForbidden
		},
	}
	h := newHarness(t, client)

	_, err := h.dispatcher.Send(context.Background(), Request{AccountID: 1, ChatID: h.chatID, Text: "hello"})
	assert.ErrorIs(t, err, protocol.ErrWriteForbidden)
	assert.Equal(t, 1, attempts)

	n, _ := h.messages.Count(context.Background())
	assert.Zero(t, n, "failed sends must not be stored as sent")
}

func TestSend_unknownChat(t *testing.T) {
	h := newHarness(t, &prototest.Client{})

	_, err := h.dispatcher.Send(context.Background(), Request{AccountID: 1, ChatID: 999, Text: "hello"})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}
