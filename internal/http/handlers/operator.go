package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/gramcrm/server/internal/auth"
	"github.com/gramcrm/server/internal/middleware"
	"github.com/gramcrm/server/internal/repo"
)

// OperatorHandler handles operator authentication endpoints.
type OperatorHandler struct {
	operators  repo.OperatorRepo
	jwtService *auth.JWTService
	ipLimiter  *middleware.RateLimiter
}

// NewOperatorHandler creates a new operator handler
func NewOperatorHandler(operators repo.OperatorRepo, jwtService *auth.JWTService) *OperatorHandler {
	// 10 login attempts per 10min per IP
	return &OperatorHandler{
		operators:  operators,
		jwtService: jwtService,
		ipLimiter:  middleware.NewRateLimiter(10*time.Minute, 10),
	}
}

// loginRequest is the request body for POST /auth/login
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// loginResponse is the JSON response for login
type loginResponse struct {
	AccessToken string           `json:"access_token"`
	TokenType   string           `json:"token_type"`
	Operator    operatorResponse `json:"operator"`
}

// operatorResponse is the operator object in API responses
type operatorResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// HandleLogin handles POST /auth/login
func (h *OperatorHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		respondWithError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	operator, err := h.operators.GetByUsername(r.Context(), req.Username)
	if err != nil {
		respondWithError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !operator.IsActive {
		respondWithError(w, http.StatusForbidden, "operator is deactivated")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(operator.PasswordHash), []byte(req.Password)); err != nil {
		respondWithError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := h.jwtService.SignAccessToken(operator.ID, operator.Username)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	respondJSON(w, http.StatusOK, loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		Operator: operatorResponse{
			ID:       operator.ID.String(),
			Username: operator.Username,
		},
	})
}

// HandleMe handles GET /me (protected). Returns the authenticated operator.
func (h *OperatorHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	operator, ok := middleware.GetOperator(r.Context())
	if !ok || operator == nil {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	respondJSON(w, http.StatusOK, operatorResponse{
		ID:       operator.ID.String(),
		Username: operator.Username,
	})
}
