package tests

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gramcrm/server/internal/auth"
	"github.com/gramcrm/server/internal/config"
	"github.com/gramcrm/server/internal/db"
	"github.com/gramcrm/server/internal/dispatch"
	httprouter "github.com/gramcrm/server/internal/http"
	"github.com/gramcrm/server/internal/http/handlers"
	"github.com/gramcrm/server/internal/ingest"
	"github.com/gramcrm/server/internal/notify"
	"github.com/gramcrm/server/internal/protocol/gateway"
	"github.com/gramcrm/server/internal/repo"
	"github.com/gramcrm/server/internal/session"
	"github.com/gramcrm/server/internal/status"
)

func TestMain(m *testing.M) {
	// Set env if unset. Do NOT set DATABASE_URL; integration tests skip if missing.
	if os.Getenv("JWT_SECRET") == "" {
		os.Setenv("JWT_SECRET", "test-jwt-secret-at-least-32-characters-long")
	}

	code := m.Run()
	os.Exit(code)
}

// testServer holds the API server, the DB, and the session controller for
// integration tests.
type testServer struct {
	Server     *httptest.Server
	DB         *sql.DB
	Controller *session.Controller
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	gw := NewFakeGateway()
	t.Cleanup(gw.Close)
	os.Setenv("GATEWAY_URL", gw.URL)

	cfg, err := config.Load()
	require.NoError(t, err, "config load must succeed for integration test")

	log := logrus.New()
	log.SetOutput(io.Discard)

	ctx := context.Background()
	database, err := db.Open(ctx, cfg.DatabaseURL, log)
	require.NoError(t, err, "database open must succeed; check DATABASE_URL and that test DB exists")
	t.Cleanup(func() { database.Close() })

	require.NoError(t, RunMigrations(database), "migrations must run successfully")

	accountRepo := repo.NewAccountRepo(database)
	chatRepo := repo.NewChatRepo(database)
	messageRepo := repo.NewMessageRepo(database)
	operatorRepo := repo.NewOperatorRepo(database)

	notifier := &notify.LogNotifier{Log: log}
	dialer := gateway.NewDialer(cfg.GatewayURL, log)

	registry := session.NewRegistry()
	pipeline := ingest.NewPipeline(chatRepo, messageRepo, notifier, log)
	catchup := session.NewCatchup(chatRepo, messageRepo, log)
	controller := session.NewController(registry, dialer, accountRepo, catchup, pipeline, log)
	dispatcher := dispatch.NewDispatcher(registry, chatRepo, messageRepo, notifier, log)
	flow := auth.NewFlow(dialer, accountRepo, log)
	jwtService := auth.NewJWTService(cfg.JWTSecret)
	statusService := status.NewService(accountRepo, chatRepo, messageRepo, registry)

	operatorHandler := handlers.NewOperatorHandler(operatorRepo, jwtService)
	accountHandler := handlers.NewAccountHandler(accountRepo, controller, flow, log)
	messageHandler := handlers.NewMessageHandler(chatRepo, dispatcher, log)
	statusHandler := handlers.NewStatusHandler(statusService)

	router := httprouter.NewRouter(operatorHandler, accountHandler, messageHandler, statusHandler, jwtService, operatorRepo)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	t.Cleanup(func() { _ = controller.StopAll(context.Background()) })

	return &testServer{Server: server, DB: database, Controller: controller}
}

func (s *testServer) BaseURL() string { return s.Server.URL }

func (s *testServer) Truncate(t *testing.T) {
	t.Helper()
	require.NoError(t, TruncateAll(context.Background(), s.DB), "truncate tables")
}

// loginResponse matches POST /auth/login response
type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Operator    struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"operator"`
}

// accountResponse matches the account object in API responses
type accountResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	Status      string `json:"status"`
	Username    string `json:"username"`
}

// flowResponse matches a login flow step response
type flowResponse struct {
	Status      string `json:"status"`
	Channel     string `json:"channel"`
	NextChannel string `json:"next_channel"`
	Message     string `json:"message"`
}

// sendResponse matches POST /chats/{id}/messages response
type sendResponse struct {
	TelegramID int64  `json:"telegram_id"`
	ChatID     int64  `json:"chat_id"`
	Text       string `json:"text"`
	Status     string `json:"status"`
}

// statusResponse matches GET /status response
type statusResponse struct {
	Accounts struct {
		Total   int `json:"total"`
		Active  int `json:"active"`
		Running int `json:"running"`
	} `json:"accounts"`
	Chats struct {
		Total int `json:"total"`
	} `json:"chats"`
}

// errorResponse matches error JSON body
type errorResponse struct {
	Error string `json:"error"`
}

func TestAPIIntegration(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ts := newTestServer(t)
	baseURL := ts.BaseURL()
	client := ts.Server.Client()
	ctx := context.Background()

	ts.Truncate(t)
	require.NoError(t, SeedOperator(ctx, ts.DB, "dispatcher", "correct-horse"))

	var token string
	var accountID int64

	authedReq := func(t *testing.T, method, path string, body any) *http.Request {
		t.Helper()
		var reader io.Reader
		if body != nil {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewReader(b)
		}
		req, err := http.NewRequest(method, baseURL+path, reader)
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		return req
	}

	t.Run("A_HealthCheck", func(t *testing.T) {
		resp, err := client.Get(baseURL + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, "GET /health must return 200")
	})

	t.Run("B_OperatorLogin", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"username": "dispatcher", "password": "correct-horse"})
		resp, err := client.Post(baseURL+"/auth/login", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		respBody := readBody(resp)
		require.Equal(t, http.StatusOK, resp.StatusCode, "login must return 200; body: %s", respBody)

		var res loginResponse
		require.NoError(t, json.Unmarshal([]byte(respBody), &res))
		assert.NotEmpty(t, res.AccessToken)
		assert.Equal(t, "bearer", res.TokenType)
		assert.Equal(t, "dispatcher", res.Operator.Username)
		token = res.AccessToken
	})

	t.Run("B2_OperatorLogin_WrongPassword", func(t *testing.T) {
		body, _ := json.Marshal(map[string]string{"username": "dispatcher", "password": "wrong"})
		resp, err := client.Post(baseURL+"/auth/login", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("B3_ProtectedWithoutToken", func(t *testing.T) {
		resp, err := client.Get(baseURL + "/accounts")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, "protected routes must reject missing tokens")
	})

	t.Run("C_AuthenticatedMe", func(t *testing.T) {
		require.NotEmpty(t, token, "login must have run first")
		resp, err := client.Do(authedReq(t, http.MethodGet, "/me", nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		respBody := readBody(resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "GET /me must return 200; body: %s", respBody)
		assert.Contains(t, respBody, "dispatcher")
	})

	t.Run("D_CreateAccount", func(t *testing.T) {
		resp, err := client.Do(authedReq(t, http.MethodPost, "/accounts", map[string]any{
			"name":         "support-line",
			"phone_number": "+79991234567",
			"api_id":       12345,
			"api_hash":     "abcdef0123456789",
		}))
		require.NoError(t, err)
		defer resp.Body.Close()
		respBody := readBody(resp)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "POST /accounts must return 201; body: %s", respBody)

		var res accountResponse
		require.NoError(t, json.Unmarshal([]byte(respBody), &res))
		assert.NotZero(t, res.ID)
		assert.Equal(t, "inactive", res.Status)
		assert.NotContains(t, res.PhoneNumber, "1234567", "phone numbers must be masked in responses")
		accountID = res.ID
	})

	t.Run("D2_ListAccounts", func(t *testing.T) {
		resp, err := client.Do(authedReq(t, http.MethodGet, "/accounts", nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		respBody := readBody(resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var res struct {
			Accounts []accountResponse `json:"accounts"`
		}
		require.NoError(t, json.Unmarshal([]byte(respBody), &res))
		require.Len(t, res.Accounts, 1)
		assert.Equal(t, "support-line", res.Accounts[0].Name)
	})

	t.Run("E_LoginFlow", func(t *testing.T) {
		require.NotZero(t, accountID)
		path := fmt.Sprintf("/accounts/%d/login", accountID)
		resp, err := client.Do(authedReq(t, http.MethodPost, path, nil))
		require.NoError(t, err)
		respBody := readBody(resp)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "begin login must return 200; body: %s", respBody)

		var begin flowResponse
		require.NoError(t, json.Unmarshal([]byte(respBody), &begin))
		assert.Equal(t, string(auth.StatusCodeSent), begin.Status)
		assert.Equal(t, "app", begin.Channel)

		path = fmt.Sprintf("/accounts/%d/verify_code", accountID)
		resp, err = client.Do(authedReq(t, http.MethodPost, path, map[string]string{"code": "11111"}))
		require.NoError(t, err)
		respBody = readBody(resp)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, "verify_code must return 200; body: %s", respBody)

		var verify flowResponse
		require.NoError(t, json.Unmarshal([]byte(respBody), &verify))
		assert.Equal(t, string(auth.StatusAuthenticated), verify.Status)

		// The account now carries a credential and the remote identity.
		getResp, err := client.Do(authedReq(t, http.MethodGet, fmt.Sprintf("/accounts/%d", accountID), nil))
		require.NoError(t, err)
		defer getResp.Body.Close()
		var acct accountResponse
		require.NoError(t, json.NewDecoder(getResp.Body).Decode(&acct))
		assert.Equal(t, "active", acct.Status)
		assert.Equal(t, "ada_support", acct.Username)
	})

	t.Run("E2_VerifyCodeWithoutPendingLogin", func(t *testing.T) {
		// The flow was consumed by the successful sign-in above.
		path := fmt.Sprintf("/accounts/%d/verify_code", accountID)
		resp, err := client.Do(authedReq(t, http.MethodPost, path, map[string]string{"code": "11111"}))
		require.NoError(t, err)
		defer resp.Body.Close()
		respBody := readBody(resp)
		assert.Equal(t, http.StatusConflict, resp.StatusCode, "verify without pending login must return 409; body: %s", respBody)
		var errRes errorResponse
		_ = json.Unmarshal([]byte(respBody), &errRes)
		assert.NotEmpty(t, errRes.Error)
	})

	t.Run("F_StartSession", func(t *testing.T) {
		path := fmt.Sprintf("/accounts/%d/start", accountID)
		resp, err := client.Do(authedReq(t, http.MethodPost, path, nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		respBody := readBody(resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "start must return 200; body: %s", respBody)
	})

	t.Run("F2_Status", func(t *testing.T) {
		resp, err := client.Do(authedReq(t, http.MethodGet, "/status", nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		respBody := readBody(resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var snap statusResponse
		require.NoError(t, json.Unmarshal([]byte(respBody), &snap))
		assert.Equal(t, 1, snap.Accounts.Total)
		assert.Equal(t, 1, snap.Accounts.Running, "the started session must show as running")
	})

	t.Run("G_SendMessage", func(t *testing.T) {
		var chatID int64
		err := ts.DB.QueryRowContext(ctx, `
			INSERT INTO chats (telegram_id, account_id, chat_type, first_name)
			VALUES (100, $1, 'private', 'Ada') RETURNING id
		`, accountID).Scan(&chatID)
		require.NoError(t, err)

		path := fmt.Sprintf("/chats/%d/messages", chatID)
		resp, err := client.Do(authedReq(t, http.MethodPost, path, map[string]string{"text": "hello from the desk"}))
		require.NoError(t, err)
		defer resp.Body.Close()
		respBody := readBody(resp)
		require.Equal(t, http.StatusCreated, resp.StatusCode, "send must return 201; body: %s", respBody)

		var res sendResponse
		require.NoError(t, json.Unmarshal([]byte(respBody), &res))
		assert.NotZero(t, res.TelegramID)
		assert.Equal(t, chatID, res.ChatID)
		assert.Equal(t, "sent", res.Status)

		var stored int
		require.NoError(t, ts.DB.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM messages WHERE chat_id = $1 AND is_outgoing", chatID).Scan(&stored))
		assert.Equal(t, 1, stored, "the sent message must be persisted")
	})

	t.Run("G2_SendEmptyMessage", func(t *testing.T) {
		var chatID int64
		require.NoError(t, ts.DB.QueryRowContext(ctx,
			"SELECT id FROM chats WHERE account_id = $1 LIMIT 1", accountID).Scan(&chatID))

		path := fmt.Sprintf("/chats/%d/messages", chatID)
		resp, err := client.Do(authedReq(t, http.MethodPost, path, map[string]string{"text": "  "}))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("H_StopSession", func(t *testing.T) {
		path := fmt.Sprintf("/accounts/%d/stop", accountID)
		resp, err := client.Do(authedReq(t, http.MethodPost, path, nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		getResp, err := client.Do(authedReq(t, http.MethodGet, fmt.Sprintf("/accounts/%d", accountID), nil))
		require.NoError(t, err)
		defer getResp.Body.Close()
		var acct accountResponse
		require.NoError(t, json.NewDecoder(getResp.Body).Decode(&acct))
		assert.Equal(t, "inactive", acct.Status)
	})

	t.Run("H2_SendAfterStop", func(t *testing.T) {
		var chatID int64
		require.NoError(t, ts.DB.QueryRowContext(ctx,
			"SELECT id FROM chats WHERE account_id = $1 LIMIT 1", accountID).Scan(&chatID))

		path := fmt.Sprintf("/chats/%d/messages", chatID)
		resp, err := client.Do(authedReq(t, http.MethodPost, path, map[string]string{"text": "hello"}))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusConflict, resp.StatusCode, "sending through a stopped account must return 409")
	})

	t.Run("I_Logout", func(t *testing.T) {
		path := fmt.Sprintf("/accounts/%d/logout", accountID)
		resp, err := client.Do(authedReq(t, http.MethodPost, path, nil))
		require.NoError(t, err)
		defer resp.Body.Close()
		respBody := readBody(resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode, "logout must return 200; body: %s", respBody)

		var sessionString string
		require.NoError(t, ts.DB.QueryRowContext(ctx,
			"SELECT session_string FROM accounts WHERE id = $1", accountID).Scan(&sessionString))
		assert.Empty(t, sessionString, "logout must drop the stored credential")
	})
}

// readBody reads and returns the response body (consumes it). Use for error messages only.
func readBody(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}
