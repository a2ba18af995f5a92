package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/gramcrm/server/internal/auth"
	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/protocol/prototest"
	"github.com/gramcrm/server/internal/repo/repotest"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func loginAccount(id int64) model.Account {
	return model.Account{
		ID:          id,
		Name:        "support-line-" + strconv.FormatInt(id, 10),
		PhoneNumber: "+7999123456" + strconv.FormatInt(id, 10),
		APIID:       12345,
		APIHash:     "abcdef",
		Status:      model.StatusInactive,
	}
}

func newLoginRequest(id int64) *http.Request {
	raw := strconv.FormatInt(id, 10)
	req := httptest.NewRequest(http.MethodPost, "/accounts/"+raw+"/login", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("id", raw)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestBeginLogin_rateLimitIsPerAccount(t *testing.T) {
	accounts := repotest.NewAccounts(loginAccount(1), loginAccount(2))
	dialer := &prototest.Dialer{Client: &prototest.Client{}}
	flow := auth.NewFlow(dialer, accounts, testLogger())
	h := NewAccountHandler(accounts, nil, flow, testLogger())

	// Exhaust account 1's budget. Step outcomes vary; only the limiter's
	// verdict matters here.
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.HandleBeginLogin(rec, newLoginRequest(1))
		assert.NotEqual(t, http.StatusTooManyRequests, rec.Code, "step %d must pass the limiter", i+1)
	}

	rec := httptest.NewRecorder()
	h.HandleBeginLogin(rec, newLoginRequest(1))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "the 11th step must be limited")
	assert.Contains(t, rec.Body.String(), "rate limit exceeded")

	// A different account keeps its own budget.
	rec = httptest.NewRecorder()
	h.HandleBeginLogin(rec, newLoginRequest(2))
	assert.NotEqual(t, http.StatusTooManyRequests, rec.Code)
}
