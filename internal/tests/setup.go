package tests

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pressly/goose/v3"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MigrationDir is the path to migrations relative to the module root.
	MigrationDir = "internal/db/migrations"
	// MigrationDirFromInternalTests is used when go test ./... runs tests from internal/tests.
	MigrationDirFromInternalTests = "../../internal/db/migrations"
)

// ResolveMigrationDir returns the first existing migration directory of:
//   - internal/db/migrations (CWD=module root)
//   - ../../internal/db/migrations (CWD=internal/tests, e.g. go test ./...)
// Returns empty string if none exists.
func ResolveMigrationDir() string {
	for _, dir := range []string{MigrationDir, MigrationDirFromInternalTests} {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			abs, _ := filepath.Abs(dir)
			return abs
		}
	}
	return ""
}

// RunMigrations runs goose Up using the resolved migration directory.
func RunMigrations(db *sql.DB) error {
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	dir := ResolveMigrationDir()
	if dir == "" {
		return fmt.Errorf("migrations directory not found (tried %q, %q); run tests from the module root", MigrationDir, MigrationDirFromInternalTests)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// TruncateAll truncates every domain table for a clean test state.
func TruncateAll(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, "TRUNCATE TABLE messages, chats, accounts, operators RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}
	return nil
}

// SeedOperator inserts an active operator with a bcrypt-hashed password.
func SeedOperator(ctx context.Context, db *sql.DB, username, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO operators (username, password_hash, is_active) VALUES ($1, $2, TRUE)
	`, username, string(hash))
	if err != nil {
		return fmt.Errorf("insert operator: %w", err)
	}
	return nil
}

// NewFakeGateway starts an in-process stand-in for the protocol gateway. It
// accepts every login and returns a fixed identity, an empty dialog list, and
// an idle event feed.
func NewFakeGateway() *httptest.Server {
	var nextMessageID int64 = 1000

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/connections":
			_ = json.NewEncoder(w).Encode(map[string]string{"connection_id": "it-conn"})
		case strings.HasSuffix(r.URL.Path, "/send_code"), strings.HasSuffix(r.URL.Path, "/resend_code"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"phone_code_hash": "it-hash",
				"channel":         "app",
				"next_channel":    "sms",
				"timeout_seconds": 60,
			})
		case strings.HasSuffix(r.URL.Path, "/sign_in"),
			strings.HasSuffix(r.URL.Path, "/check_password"),
			strings.HasSuffix(r.URL.Path, "/me"):
			_ = json.NewEncoder(w).Encode(map[string]any{
				"user_id":    424242,
				"first_name": "Ada",
				"username":   "ada_support",
			})
		case strings.HasSuffix(r.URL.Path, "/session"):
			_ = json.NewEncoder(w).Encode(map[string]string{"session": "it-session"})
		case strings.HasSuffix(r.URL.Path, "/dialogs"):
			_ = json.NewEncoder(w).Encode(map[string]any{"dialogs": []any{}})
		case strings.HasSuffix(r.URL.Path, "/history"):
			_ = json.NewEncoder(w).Encode(map[string]any{"messages": []any{}})
		case strings.HasSuffix(r.URL.Path, "/messages"), strings.HasSuffix(r.URL.Path, "/files"):
			id := atomic.AddInt64(&nextMessageID, 1)
			_ = json.NewEncoder(w).Encode(map[string]int64{"message_id": id})
		case strings.HasSuffix(r.URL.Path, "/events"):
			time.Sleep(20 * time.Millisecond)
			_ = json.NewEncoder(w).Encode(map[string]any{"cursor": 0, "events": []any{}})
		default:
			// connect, disconnect, sign_out
			_, _ = w.Write([]byte(`{}`))
		}
	}))
}
