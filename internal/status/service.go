// Package status assembles the system snapshot exposed for monitoring.
package status

import (
	"context"
	"fmt"

	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/repo"
	"github.com/gramcrm/server/internal/session"
)

// Snapshot is a point-in-time view of the fleet and the stored data.
type Snapshot struct {
	Accounts struct {
		Total          int `json:"total"`
		Active         int `json:"active"`
		Authenticating int `json:"authenticating"`
		Error          int `json:"error"`
		Running        int `json:"running"`
	} `json:"accounts"`
	Chats struct {
		Total int `json:"total"`
	} `json:"chats"`
	Messages struct {
		Total  int `json:"total"`
		Failed int `json:"failed"`
	} `json:"messages"`
}

// Service computes snapshots from the repositories and the live registry.
type Service struct {
	accounts repo.AccountRepo
	chats    repo.ChatRepo
	messages repo.MessageRepo
	registry *session.Registry
}

// NewService creates the status service.
func NewService(accounts repo.AccountRepo, chats repo.ChatRepo, messages repo.MessageRepo, registry *session.Registry) *Service {
	return &Service{accounts: accounts, chats: chats, messages: messages, registry: registry}
}

// Snapshot gathers current counts. Counts are read independently, not in one
// transaction; momentary skew between them is acceptable for monitoring.
func (s *Service) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	var err error

	if snap.Accounts.Total, err = s.accounts.Count(ctx); err != nil {
		return snap, fmt.Errorf("count accounts: %w", err)
	}
	if snap.Accounts.Active, err = s.accounts.CountByStatus(ctx, model.StatusActive); err != nil {
		return snap, fmt.Errorf("count active accounts: %w", err)
	}
	if snap.Accounts.Authenticating, err = s.accounts.CountByStatus(ctx, model.StatusAuthenticating); err != nil {
		return snap, fmt.Errorf("count authenticating accounts: %w", err)
	}
	if snap.Accounts.Error, err = s.accounts.CountByStatus(ctx, model.StatusError); err != nil {
		return snap, fmt.Errorf("count failed accounts: %w", err)
	}
	snap.Accounts.Running = s.registry.Len()

	if snap.Chats.Total, err = s.chats.Count(ctx); err != nil {
		return snap, fmt.Errorf("count chats: %w", err)
	}
	if snap.Messages.Total, err = s.messages.Count(ctx); err != nil {
		return snap, fmt.Errorf("count messages: %w", err)
	}
	if snap.Messages.Failed, err = s.messages.CountByStatus(ctx, model.MessageFailed); err != nil {
		return snap, fmt.Errorf("count failed messages: %w", err)
	}
	return snap, nil
}
