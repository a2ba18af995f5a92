package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/gramcrm/server/internal/auth"
	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/repo"
)

type contextKey string

const (
	operatorKey   contextKey = "operator"
	operatorIDKey contextKey = "operator_id"
)

// AuthMiddleware validates the bearer token, loads the operator from the
// database, and attaches it to the request context.
func AuthMiddleware(jwtService *auth.JWTService, operators repo.OperatorRepo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			tokenString := strings.TrimSpace(parts[1])
			if tokenString == "" {
				respondWithError(w, http.StatusUnauthorized, "missing token")
				return
			}

			claims, err := jwtService.VerifyToken(tokenString)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			operator, err := operators.GetByID(r.Context(), claims.OperatorID)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "operator not found")
				return
			}
			if !operator.IsActive {
				respondWithError(w, http.StatusForbidden, "operator is deactivated")
				return
			}

			ctx := context.WithValue(r.Context(), operatorKey, &operator)
			ctx = context.WithValue(ctx, operatorIDKey, operator.ID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOperator returns the operator attached to the request context.
func GetOperator(ctx context.Context) (*model.Operator, bool) {
	o, ok := ctx.Value(operatorKey).(*model.Operator)
	return o, ok
}

// GetOperatorID extracts the operator id from context.
func GetOperatorID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(operatorIDKey).(uuid.UUID)
	return id, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
