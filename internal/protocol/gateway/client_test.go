package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gramcrm/server/internal/protocol"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func writeError(w http.ResponseWriter, status int, code, message string, waitSeconds int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":         code,
			"message":      message,
			"wait_seconds": waitSeconds,
		},
	})
}

// fakeGateway is a minimal in-process gateway for client tests. Per-path
// overrides let a test inject failures.
type fakeGateway struct {
	mu        sync.Mutex
	overrides map[string]http.HandlerFunc
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{overrides: make(map[string]http.HandlerFunc)}
}

func (g *fakeGateway) override(pathSuffix string, h http.HandlerFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.overrides[pathSuffix] = h
}

func (g *fakeGateway) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		for suffix, h := range g.overrides {
			if strings.HasSuffix(r.URL.Path, suffix) {
				g.mu.Unlock()
				h(w, r)
				return
			}
		}
		g.mu.Unlock()

		switch {
		case r.URL.Path == "/v1/connections":
			_ = json.NewEncoder(w).Encode(map[string]string{"connection_id": "conn-1"})
		case strings.HasSuffix(r.URL.Path, "/connect"), strings.HasSuffix(r.URL.Path, "/disconnect"),
			strings.HasSuffix(r.URL.Path, "/sign_out"):
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		case strings.HasSuffix(r.URL.Path, "/send_code"), strings.HasSuffix(r.URL.Path, "/resend_code"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"phone_code_hash": "hash-1",
				"channel":         "app",
				"next_channel":    "sms",
				"timeout_seconds": 60,
			})
		case strings.HasSuffix(r.URL.Path, "/sign_in"), strings.HasSuffix(r.URL.Path, "/check_password"),
			strings.HasSuffix(r.URL.Path, "/me"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"user_id":    777,
				"first_name": "Ada",
				"username":   "ada",
			})
		case strings.HasSuffix(r.URL.Path, "/session"):
			_ = json.NewEncoder(w).Encode(map[string]string{"session": "exported-session"})
		case strings.HasSuffix(r.URL.Path, "/events"):
			// Default feed: no events, tiny delay to keep the pump calm.
			time.Sleep(10 * time.Millisecond)
			_ = json.NewEncoder(w).Encode(map[string]any{"cursor": 0, "events": []any{}})
		default:
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint", 0)
		}
	})
}

func dialTestClient(t *testing.T, g *fakeGateway) protocol.Client {
	t.Helper()
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)

	dialer := NewDialer(srv.URL, testLogger())
	client, err := dialer.Dial(context.Background(), protocol.Credentials{
		APIID: 12345, APIHash: "abcdef", Phone: "+79991234567",
	}, "")
	require.NoError(t, err)
	return client
}

func TestDial_registersConnection(t *testing.T) {
	client := dialTestClient(t, newFakeGateway())
	assert.False(t, client.IsConnected())

	require.NoError(t, client.Connect(context.Background()))
	assert.True(t, client.IsConnected())

	require.NoError(t, client.Disconnect(context.Background()))
	assert.False(t, client.IsConnected())
}

func TestRequestCode_parsesChallenge(t *testing.T) {
	client := dialTestClient(t, newFakeGateway())

	sent, err := client.RequestCode(context.Background(), "+79991234567")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", sent.PhoneCodeHash)
	assert.Equal(t, protocol.ChannelApp, sent.Channel)
	assert.Equal(t, protocol.ChannelSMS, sent.NextChannel)
	assert.Equal(t, time.Minute, sent.Timeout)
}

func TestSignIn_mapsErrorCodes(t *testing.T) {
	cases := []struct {
		code string
		want error
	}{
		{"PHONE_CODE_INVALID", protocol.ErrCodeInvalid},
		{"PHONE_CODE_EMPTY", protocol.ErrCodeInvalid},
		{"PHONE_CODE_EXPIRED", protocol.ErrCodeExpired},
		{"SESSION_PASSWORD_NEEDED", protocol.ErrPasswordRequired},
		{"PASSWORD_HASH_INVALID", protocol.ErrPasswordInvalid},
		{"AUTH_KEY_UNREGISTERED", protocol.ErrSessionInvalid},
		{"SESSION_REVOKED", protocol.ErrSessionInvalid},
		{"USER_DEACTIVATED", protocol.ErrAccountDeactivated},
	}
	for _, tc := range cases {
		t.Run(tc.code, func(t *testing.T) {
			g := newFakeGateway()
			g.override("/sign_in", func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusBadRequest, tc.code, "rejected", 0)
			})
			client := dialTestClient(t, g)

			_, err := client.SignIn(context.Background(), "+79991234567", "hash-1", "11111")
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestFloodWait_carriesDuration(t *testing.T) {
	g := newFakeGateway()
	g.override("/send_code", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusTooManyRequests, "FLOOD_WAIT", "slow down", 42)
	})
	client := dialTestClient(t, g)

	_, err := client.RequestCode(context.Background(), "+79991234567")
	wait, ok := protocol.AsFloodWait(err)
	require.True(t, ok)
	assert.Equal(t, 42*time.Second, wait)
}

func TestServerErrors_areTransient(t *testing.T) {
	g := newFakeGateway()
	g.override("/messages", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadGateway, "UPSTREAM_DOWN", "mtproto session restarting", 0)
	})
	client := dialTestClient(t, g)

	_, err := client.SendMessage(context.Background(), 100, "hi", 0)
	assert.True(t, protocol.IsTransient(err))
}

func TestSendMessage_terminalErrors(t *testing.T) {
	g := newFakeGateway()
	g.override("/messages", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusForbidden, "CHAT_WRITE_FORBIDDEN", "not allowed", 0)
	})
	client := dialTestClient(t, g)

	_, err := client.SendMessage(context.Background(), 100, "hi", 0)
	assert.ErrorIs(t, err, protocol.ErrWriteForbidden)
	assert.False(t, protocol.IsTransient(err))
}

func TestExportSession_returnsCredential(t *testing.T) {
	client := dialTestClient(t, newFakeGateway())

	session, err := client.ExportSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "exported-session", session)
}

func TestHistory_decodesMedia(t *testing.T) {
	g := newFakeGateway()
	g.override("/history", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]any{
				{
					"id":      10,
					"peer_id": 100,
					"caption": "look",
					"media":   map[string]any{"kind": "photo", "file_id": "file-1"},
				},
			},
		})
	})
	client := dialTestClient(t, g)

	msgs, err := client.History(context.Background(), 100, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NotNil(t, msgs[0].Media)
	assert.Equal(t, protocol.MediaPhoto, msgs[0].Media.Kind)
	assert.Equal(t, "file-1", msgs[0].Media.FileID)
}

func TestEventPump_deliversToHandlers(t *testing.T) {
	g := newFakeGateway()
	var once sync.Once
	g.override("/events", func(w http.ResponseWriter, r *http.Request) {
		first := false
		once.Do(func() { first = true })
		if first {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"cursor": 1,
				"events": []map[string]any{
					{
						"kind": "new_message",
						"message": map[string]any{
							"id": 10, "peer_id": 100, "text": "hello",
						},
					},
				},
			})
			return
		}
		time.Sleep(10 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"cursor": 1, "events": []any{}})
	})

	client := dialTestClient(t, g)

	received := make(chan protocol.Message, 1)
	client.Subscribe(protocol.EventNewMessage, func(ctx context.Context, ev protocol.Event) {
		select {
		case received <- ev.Message:
		default:
		}
	})

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	select {
	case m := <-received:
		assert.Equal(t, int64(10), m.ID)
		assert.Equal(t, "hello", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestEventPump_terminalErrorMarksDisconnected(t *testing.T) {
	g := newFakeGateway()
	g.override("/events", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusUnauthorized, "SESSION_REVOKED", "revoked", 0)
	})
	client := dialTestClient(t, g)

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	assert.Eventually(t, func() bool {
		return !client.IsConnected()
	}, 2*time.Second, 10*time.Millisecond, "a revoked session must mark the transport down")
}

func TestConnectDisconnect_rapidCycles(t *testing.T) {
	client := dialTestClient(t, newFakeGateway())

	// Disconnect races the pump goroutine that the matching Connect just
	// spawned; cycling quickly must never panic or deadlock.
	for i := 0; i < 25; i++ {
		require.NoError(t, client.Connect(context.Background()))
		require.NoError(t, client.Disconnect(context.Background()))
	}
	assert.False(t, client.IsConnected())
}

func TestEventPump_restartsAfterReconnect(t *testing.T) {
	g := newFakeGateway()
	var revoked atomic.Bool
	revoked.Store(true)
	var once sync.Once
	g.override("/events", func(w http.ResponseWriter, r *http.Request) {
		if revoked.Load() {
			writeError(w, http.StatusUnauthorized, "SESSION_REVOKED", "revoked", 0)
			return
		}
		first := false
		once.Do(func() { first = true })
		if first {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"cursor": 1,
				"events": []map[string]any{
					{
						"kind": "new_message",
						"message": map[string]any{
							"id": 11, "peer_id": 100, "text": "back online",
						},
					},
				},
			})
			return
		}
		time.Sleep(10 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]any{"cursor": 1, "events": []any{}})
	})
	client := dialTestClient(t, g)

	received := make(chan protocol.Message, 1)
	client.Subscribe(protocol.EventNewMessage, func(ctx context.Context, ev protocol.Event) {
		select {
		case received <- ev.Message:
		default:
		}
	})

	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })

	require.Eventually(t, func() bool {
		return !client.IsConnected()
	}, 2*time.Second, 10*time.Millisecond, "the revoked feed must take the transport down")

	// The gateway recovers; a fresh Connect must bring the event feed back.
	revoked.Store(false)
	require.NoError(t, client.Connect(context.Background()))

	select {
	case m := <-received:
		assert.Equal(t, int64(11), m.ID)
		assert.Equal(t, "back online", m.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("no events were delivered after reconnecting")
	}
}

func TestDial_surfacesGatewayFailure(t *testing.T) {
	g := newFakeGateway()
	g.override("/v1/connections", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusInternalServerError, "", "boom", 0)
	})
	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)

	dialer := NewDialer(srv.URL, testLogger())
	_, err := dialer.Dial(context.Background(), protocol.Credentials{APIID: 1, APIHash: "x"}, "")
	require.Error(t, err)
	assert.True(t, protocol.IsTransient(err), fmt.Sprintf("got %v", err))
}
