package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/gramcrm/server/internal/ingest"
	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/protocol"
	"github.com/gramcrm/server/internal/repo"
)

const (
	dialogPageSize = 100
	historyWindow  = 20
	maxFloodPause  = 2 * time.Minute
)

// Catchup pulls recent history after a connection comes up, filling whatever
// gap the account missed while offline. Running it repeatedly over unchanged
// history stores nothing new.
type Catchup struct {
	chats    repo.ChatRepo
	messages repo.MessageRepo
	log      *logrus.Logger
}

// NewCatchup creates the history catch-up engine.
func NewCatchup(chats repo.ChatRepo, messages repo.MessageRepo, log *logrus.Logger) *Catchup {
	return &Catchup{chats: chats, messages: messages, log: log}
}

// Run enumerates the account's dialogs and stores any recent messages not
// yet known locally. A dialog whose newest protocol message id matches the
// local pointer is skipped entirely unless force is set. Per-dialog failures
// are collected; the sweep always visits every dialog.
func (c *Catchup) Run(ctx context.Context, client protocol.Client, acct *model.Account, force bool) error {
	started := time.Now()

	dialogs, err := client.Dialogs(ctx, dialogPageSize)
	if err != nil {
		if wait, ok := protocol.AsFloodWait(err); ok {
			if err := c.floodPause(ctx, acct.ID, wait); err != nil {
				return err
			}
			dialogs, err = client.Dialogs(ctx, dialogPageSize)
		}
		if err != nil {
			return fmt.Errorf("list dialogs: %w", err)
		}
	}

	var (
		merr     error
		synced   int
		imported int
	)
	for _, d := range dialogs {
		if ctx.Err() != nil {
			return multierr.Append(merr, ctx.Err())
		}
		n, err := c.syncDialog(ctx, client, acct.ID, d, force)
		if err != nil {
			merr = multierr.Append(merr, fmt.Errorf("dialog %d: %w", d.PeerID, err))
			continue
		}
		synced++
		imported += n
	}

	c.log.WithFields(logrus.Fields{
		"account_id": acct.ID,
		"dialogs":    synced,
		"imported":   imported,
		"elapsed":    time.Since(started).Round(time.Millisecond),
	}).Info("history catch-up finished")
	return merr
}

// syncDialog reconciles one conversation and returns how many messages were
// newly stored.
func (c *Catchup) syncDialog(ctx context.Context, client protocol.Client, accountID int64, d protocol.Dialog, force bool) (int, error) {
	chat, err := c.chats.GetOrCreate(ctx, accountID, d.PeerID, repo.ChatInfo{
		ChatType:  model.ChatType(d.Kind),
		Title:     d.Title,
		Username:  d.Username,
		FirstName: d.FirstName,
		LastName:  d.LastName,
	})
	if err != nil {
		return 0, fmt.Errorf("resolve chat: %w", err)
	}

	latest, err := c.chats.LatestMessageID(ctx, chat.ID)
	if err != nil {
		return 0, err
	}
	if !force && d.TopMessageID != 0 && d.TopMessageID == latest {
		return 0, nil
	}

	history, err := client.History(ctx, d.PeerID, historyWindow)
	if err != nil {
		if wait, ok := protocol.AsFloodWait(err); ok {
			if err := c.floodPause(ctx, accountID, wait); err != nil {
				return 0, err
			}
			history, err = client.History(ctx, d.PeerID, historyWindow)
		}
		if err != nil {
			return 0, fmt.Errorf("fetch history: %w", err)
		}
	}

	imported := 0
	for _, m := range history {
		if !force && m.ID <= latest {
			continue
		}
		rec := ingest.Normalize(chat.ID, m)
		inserted, err := c.messages.Upsert(ctx, &rec)
		if err != nil {
			return imported, fmt.Errorf("store message %d: %w", m.ID, err)
		}
		if !inserted {
			continue
		}
		if err := c.chats.BumpCounters(ctx, chat.ID, !m.Outgoing, m.Date); err != nil {
			return imported, fmt.Errorf("update chat counters: %w", err)
		}
		imported++
	}
	return imported, nil
}

// floodPause waits out a rate-limit penalty, bounded so a pathological wait
// cannot pin the task for the rest of the day.
func (c *Catchup) floodPause(ctx context.Context, accountID int64, wait time.Duration) error {
	if wait > maxFloodPause {
		return fmt.Errorf("rate limited for %s, giving up this sweep", wait)
	}
	c.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"wait":       wait,
	}).Warn("rate limited during catch-up, pausing")
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
