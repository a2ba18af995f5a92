package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/gramcrm/server/internal/auth"
	"github.com/gramcrm/server/internal/middleware"
	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/repo"
	"github.com/gramcrm/server/internal/session"
)

// AccountHandler handles managed-account endpoints: CRUD, lifecycle, and the
// interactive login flow.
type AccountHandler struct {
	accounts   repo.AccountRepo
	controller *session.Controller
	flow       *auth.Flow
	log        *logrus.Logger

	loginLimiter *middleware.RateLimiter
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(accounts repo.AccountRepo, controller *session.Controller, flow *auth.Flow, log *logrus.Logger) *AccountHandler {
	// Login steps trigger real code deliveries; 10 per 10min per account.
	return &AccountHandler{
		accounts:     accounts,
		controller:   controller,
		flow:         flow,
		log:          log,
		loginLimiter: middleware.NewRateLimiter(10*time.Minute, 10),
	}
}

// accountResponse is the account object in API responses. Credentials never
// leave the server.
type accountResponse struct {
	ID             int64      `json:"id"`
	Name           string     `json:"name"`
	PhoneNumber    string     `json:"phone_number"`
	TelegramUserID int64      `json:"telegram_user_id,omitempty"`
	FirstName      string     `json:"first_name,omitempty"`
	LastName       string     `json:"last_name,omitempty"`
	Username       string     `json:"username,omitempty"`
	Status         string     `json:"status"`
	LastError      string     `json:"last_error,omitempty"`
	ErrorCount     int        `json:"error_count,omitempty"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toAccountResponse(a model.Account) accountResponse {
	return accountResponse{
		ID:             a.ID,
		Name:           a.Name,
		PhoneNumber:    maskPhone(a.PhoneNumber),
		TelegramUserID: a.TelegramUserID,
		FirstName:      a.FirstName,
		LastName:       a.LastName,
		Username:       a.Username,
		Status:         string(a.Status),
		LastError:      a.LastError,
		ErrorCount:     a.ErrorCount,
		LastActivity:   a.LastActivity,
		CreatedAt:      a.CreatedAt,
	}
}

// flowResponse is the JSON shape of a login step outcome.
type flowResponse struct {
	Status      string `json:"status"`
	Channel     string `json:"channel,omitempty"`
	NextChannel string `json:"next_channel,omitempty"`
	QRURL       string `json:"qr_url,omitempty"`
	Message     string `json:"message,omitempty"`
}

func toFlowResponse(res *auth.Result) flowResponse {
	return flowResponse{
		Status:      string(res.Status),
		Channel:     string(res.Channel),
		NextChannel: string(res.NextChannel),
		QRURL:       res.QRURL,
		Message:     res.Message,
	}
}

func accountID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// createAccountRequest is the request body for POST /accounts
type createAccountRequest struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	APIID       int64  `json:"api_id"`
	APIHash     string `json:"api_hash"`
}

// HandleCreate handles POST /accounts
func (h *AccountHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	if req.Name == "" {
		respondWithError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.APIID == 0 || req.APIHash == "" {
		respondWithError(w, http.StatusBadRequest, "api_id and api_hash are required")
		return
	}

	acct := model.Account{
		Name:        req.Name,
		PhoneNumber: req.PhoneNumber,
		APIID:       req.APIID,
		APIHash:     req.APIHash,
		Status:      model.StatusInactive,
	}
	if err := h.accounts.Create(r.Context(), &acct); err != nil {
		respondDomainError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, toAccountResponse(acct))
}

// HandleList handles GET /accounts with an optional ?status= filter.
func (h *AccountHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	statuses := []model.AccountStatus{
		model.StatusInactive, model.StatusActive,
		model.StatusAuthenticating, model.StatusError,
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = []model.AccountStatus{model.AccountStatus(raw)}
	}

	accounts, err := h.accounts.ListByStatus(r.Context(), statuses...)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, toAccountResponse(a))
	}
	respondJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

// HandleGet handles GET /accounts/{id}
func (h *AccountHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	acct, err := h.accounts.GetByID(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAccountResponse(acct))
}

// HandleStart handles POST /accounts/{id}/start
func (h *AccountHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "started", h.controller.Start)
}

// HandleStop handles POST /accounts/{id}/stop
func (h *AccountHandler) HandleStop(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "stopped", h.controller.Stop)
}

// HandleRestart handles POST /accounts/{id}/restart
func (h *AccountHandler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	h.lifecycle(w, r, "restarted", h.controller.Restart)
}

func (h *AccountHandler) lifecycle(w http.ResponseWriter, r *http.Request, verb string, op func(ctx context.Context, id int64) error) {
	id, ok := accountID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	if err := op(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": verb})
}

// HandleCatchUp handles POST /accounts/{id}/catchup. ?force=true resyncs
// every dialog even when local state looks current.
func (h *AccountHandler) HandleCatchUp(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid account id")
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := h.controller.CatchUp(r.Context(), id, force); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "catch-up completed"})
}

// submitCodeRequest is the request body for POST /accounts/{id}/verify_code
type submitCodeRequest struct {
	Code     string `json:"code"`
	Password string `json:"password,omitempty"`
}

// qrPollRequest is the request body for POST /accounts/{id}/qr/poll
type qrPollRequest struct {
	Password string `json:"password,omitempty"`
}

// HandleBeginLogin handles POST /accounts/{id}/login
func (h *AccountHandler) HandleBeginLogin(w http.ResponseWriter, r *http.Request) {
	h.flowStep(w, r, func(id int64) (*auth.Result, error) {
		return h.flow.BeginLogin(r.Context(), id)
	})
}

// HandleSubmitCode handles POST /accounts/{id}/verify_code
func (h *AccountHandler) HandleSubmitCode(w http.ResponseWriter, r *http.Request) {
	var req submitCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "code is required")
		return
	}

	h.flowStep(w, r, func(id int64) (*auth.Result, error) {
		return h.flow.SubmitCode(r.Context(), id, req.Code, req.Password)
	})
}

// HandleResendCode handles POST /accounts/{id}/resend_code
func (h *AccountHandler) HandleResendCode(w http.ResponseWriter, r *http.Request) {
	h.flowStep(w, r, func(id int64) (*auth.Result, error) {
		return h.flow.ResendCode(r.Context(), id)
	})
}

// HandleBeginQR handles POST /accounts/{id}/qr
func (h *AccountHandler) HandleBeginQR(w http.ResponseWriter, r *http.Request) {
	h.flowStep(w, r, func(id int64) (*auth.Result, error) {
		return h.flow.BeginQRLogin(r.Context(), id)
	})
}

// HandlePollQR handles POST /accounts/{id}/qr/poll
func (h *AccountHandler) HandlePollQR(w http.ResponseWriter, r *http.Request) {
	var req qrPollRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	h.flowStep(w, r, func(id int64) (*auth.Result, error) {
		return h.flow.PollQRLogin(r.Context(), id, req.Password)
	})
}

// HandleLogout handles POST /accounts/{id}/logout. It revokes the upstream
// session and drops the stored credential; the connection is stopped first.
func (h *AccountHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	if err := h.controller.Stop(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	if err := h.flow.Terminate(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

func (h *AccountHandler) flowStep(w http.ResponseWriter, r *http.Request, step func(id int64) (*auth.Result, error)) {
	id, ok := accountID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "invalid account id")
		return
	}

	if !h.loginLimiter.Allow(middleware.AccountKey(id)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	res, err := step(id)
	if err != nil {
		h.log.WithError(err).WithField("account_id", id).Warn("login step failed")
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toFlowResponse(res))
}
