package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/protocol"
	"github.com/gramcrm/server/internal/repo"
)

const (
	defaultHealthInterval = 60 * time.Second
	defaultStopTimeout    = 15 * time.Second
	startAllConcurrency   = 4
)

// EventBinder attaches live-event handlers to a freshly connected client.
// Implemented by the ingestion pipeline.
type EventBinder interface {
	Bind(accountID int64, client protocol.Client)
}

// Controller runs start/stop/restart for managed accounts and supervises
// their connections.
type Controller struct {
	registry *Registry
	dialer   protocol.Dialer
	accounts repo.AccountRepo
	catchup  *Catchup
	binder   EventBinder
	log      *logrus.Logger

	sf             singleflight.Group
	healthInterval time.Duration
	stopTimeout    time.Duration
}

// NewController creates the lifecycle controller.
func NewController(registry *Registry, dialer protocol.Dialer, accounts repo.AccountRepo, catchup *Catchup, binder EventBinder, log *logrus.Logger) *Controller {
	return &Controller{
		registry:       registry,
		dialer:         dialer,
		accounts:       accounts,
		catchup:        catchup,
		binder:         binder,
		log:            log,
		healthInterval: defaultHealthInterval,
		stopTimeout:    defaultStopTimeout,
	}
}

// Start brings the account's connection up. Calling it for an account that
// is already running is a no-op success; concurrent callers converge on a
// single connection attempt.
func (c *Controller) Start(ctx context.Context, accountID int64) error {
	_, err, _ := c.sf.Do(fmt.Sprintf("start:%d", accountID), func() (any, error) {
		return nil, c.start(ctx, accountID)
	})
	return err
}

func (c *Controller) start(ctx context.Context, accountID int64) error {
	if c.registry.Running(accountID) {
		return nil
	}

	acct, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	if acct.SessionString == "" {
		if acct.Status == model.StatusAuthenticating {
			return ErrAuthInProgress
		}
		acct.Status = model.StatusError
		acct.LastError = ErrNoCredential.Error()
		if saveErr := c.accounts.Save(ctx, &acct); saveErr != nil {
			c.log.WithError(saveErr).WithField("account_id", accountID).Error("persist account state")
		}
		return ErrNoCredential
	}

	client, err := c.dialer.Dial(ctx, protocol.Credentials{
		APIID:   acct.APIID,
		APIHash: acct.APIHash,
		Phone:   acct.PhoneNumber,
	}, acct.SessionString)
	if err != nil {
		return c.failAccount(ctx, &acct, fmt.Errorf("dial: %w", err))
	}
	if err := client.Connect(ctx); err != nil {
		return c.failAccount(ctx, &acct, fmt.Errorf("connect: %w", err))
	}

	// Verify the stored credential is still accepted before registering.
	ident, err := client.Identity(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)
		if errors.Is(err, protocol.ErrSessionInvalid) {
			// A rejected credential must never be silently reused.
			acct.SessionString = ""
			acct.Status = model.StatusError
			acct.LastError = "session credential rejected; authentication required"
			acct.ErrorCount++
			if saveErr := c.accounts.Save(ctx, &acct); saveErr != nil {
				c.log.WithError(saveErr).WithField("account_id", accountID).Error("persist account state")
			}
			return fmt.Errorf("account %d: %w", accountID, protocol.ErrSessionInvalid)
		}
		if errors.Is(err, protocol.ErrAccountDeactivated) {
			return c.failAccount(ctx, &acct, protocol.ErrAccountDeactivated)
		}
		return c.failAccount(ctx, &acct, fmt.Errorf("verify session: %w", err))
	}

	acct.TelegramUserID = ident.UserID
	acct.FirstName = ident.FirstName
	acct.LastName = ident.LastName
	acct.Username = ident.Username
	acct.Status = model.StatusActive
	acct.LastError = ""
	acct.ErrorCount = 0
	now := time.Now()
	acct.LastActivity = &now
	if err := c.accounts.Save(ctx, &acct); err != nil {
		_ = client.Disconnect(ctx)
		return err
	}

	c.binder.Bind(accountID, client)

	superCtx, cancel := context.WithCancel(context.Background())
	e := &entry{
		client: client,
		ctx:    superCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if !c.registry.register(accountID, e) {
		// Lost a race with another registration; ours is redundant.
		cancel()
		close(e.done)
		_ = client.Disconnect(ctx)
		return nil
	}

	go c.supervise(superCtx, accountID, e)

	// Initial catch-up fills the gap missed while disconnected.
	go func() {
		if err := c.CatchUp(context.Background(), accountID, false); err != nil && !errors.Is(err, ErrNotRunning) {
			c.log.WithError(err).WithField("account_id", accountID).Warn("initial catch-up failed")
		}
	}()

	c.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"user_id":    ident.UserID,
	}).Info("account session started")
	return nil
}

// Stop cancels the supervising and catch-up tasks, waits for their exit,
// disconnects the transport, and removes the registry entry. Stopping an
// account with no entry is a no-op success.
func (c *Controller) Stop(ctx context.Context, accountID int64) error {
	e := c.registry.remove(accountID)
	if e == nil {
		return nil
	}

	e.cancel()

	deadline := time.NewTimer(c.stopTimeout)
	defer deadline.Stop()
	select {
	case <-e.done:
	case <-deadline.C:
		c.log.WithField("account_id", accountID).Warn("supervisor did not exit before timeout")
	}

	e.mu.Lock()
	run := e.catchup
	e.mu.Unlock()
	if run != nil {
		select {
		case <-run.done:
		case <-time.After(c.stopTimeout):
			c.log.WithField("account_id", accountID).Warn("catch-up task did not exit before timeout")
		}
	}

	if err := e.client.Disconnect(ctx); err != nil {
		c.log.WithError(err).WithField("account_id", accountID).Warn("disconnect failed during stop")
	}

	acct, err := c.accounts.GetByID(ctx, accountID)
	if err == nil {
		acct.Status = model.StatusInactive
		if saveErr := c.accounts.Save(ctx, &acct); saveErr != nil {
			c.log.WithError(saveErr).WithField("account_id", accountID).Error("persist inactive status")
		}
	}

	c.log.WithField("account_id", accountID).Info("account session stopped")
	return nil
}

// Restart stops and starts the account as one logical operation. Start is
// attempted even if the teardown was incomplete.
func (c *Controller) Restart(ctx context.Context, accountID int64) error {
	stopErr := c.Stop(ctx, accountID)
	startErr := c.Start(ctx, accountID)
	return multierr.Combine(stopErr, startErr)
}

// StartAll starts every account whose status matches one of the filters.
// Individual failures are collected; the batch always runs to completion.
func (c *Controller) StartAll(ctx context.Context, statuses ...model.AccountStatus) error {
	accounts, err := c.accounts.ListByStatus(ctx, statuses...)
	if err != nil {
		return err
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		merr error
	)
	g.SetLimit(startAllConcurrency)
	for _, acct := range accounts {
		acct := acct
		g.Go(func() error {
			if err := c.Start(ctx, acct.ID); err != nil {
				mu.Lock()
				merr = multierr.Append(merr, fmt.Errorf("account %d: %w", acct.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return merr
}

// StopAll stops every running account, collecting partial failures.
func (c *Controller) StopAll(ctx context.Context) error {
	var merr error
	for _, id := range c.registry.IDs() {
		if err := c.Stop(ctx, id); err != nil {
			merr = multierr.Append(merr, fmt.Errorf("account %d: %w", id, err))
		}
	}
	return merr
}

// supervise is the health loop for one registry entry. It probes liveness
// at a fixed interval and attempts a single reconnect when the transport is
// down. A failed reconnect marks the account unhealthy but leaves the entry
// in place; an external health pass decides whether to restart.
func (c *Controller) supervise(ctx context.Context, accountID int64, e *entry) {
	defer close(e.done)
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("account_id", accountID).Errorf("supervisor panic: %v", r)
			c.markError(accountID, fmt.Sprintf("supervisor panic: %v", r))
		}
	}()

	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if e.client.IsConnected() {
			if err := c.accounts.TouchActivity(ctx, accountID, time.Now()); err != nil && ctx.Err() == nil {
				c.log.WithError(err).WithField("account_id", accountID).Debug("touch activity")
			}
			continue
		}

		c.log.WithField("account_id", accountID).Warn("connection lost, reconnecting")
		if err := e.client.Connect(ctx); err != nil || !e.client.IsConnected() {
			if ctx.Err() != nil {
				return
			}
			cause := "connection lost and reconnect failed"
			if err != nil {
				cause = fmt.Sprintf("%s: %v", cause, err)
			}
			c.markError(accountID, cause)
			continue
		}

		c.log.WithField("account_id", accountID).Info("reconnected")
		go func() {
			if err := c.CatchUp(context.Background(), accountID, false); err != nil && !errors.Is(err, ErrNotRunning) {
				c.log.WithError(err).WithField("account_id", accountID).Warn("post-reconnect catch-up failed")
			}
		}()
	}
}

// CatchUp runs history catch-up for a running account. At most one task per
// account is in flight; a concurrent trigger awaits the existing run and
// returns its result.
func (c *Controller) CatchUp(ctx context.Context, accountID int64, force bool) error {
	e, ok := c.registry.get(accountID)
	if !ok {
		return ErrNotRunning
	}

	e.mu.Lock()
	if existing := e.catchup; existing != nil {
		e.mu.Unlock()
		select {
		case <-existing.done:
			return existing.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	run := &catchupRun{done: make(chan struct{})}
	e.catchup = run
	e.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			run.err = fmt.Errorf("catch-up panic: %v", r)
			c.markError(accountID, run.err.Error())
		}
		e.mu.Lock()
		e.catchup = nil
		e.mu.Unlock()
		close(run.done)
	}()

	acct, err := c.accounts.GetByID(e.ctx, accountID)
	if err != nil {
		run.err = err
		return run.err
	}

	// Runs under the entry's lifetime so Stop cancels it.
	run.err = c.catchup.Run(e.ctx, e.client, &acct, force)
	return run.err
}

func (c *Controller) failAccount(ctx context.Context, acct *model.Account, err error) error {
	acct.Status = model.StatusError
	acct.LastError = err.Error()
	acct.ErrorCount++
	if saveErr := c.accounts.Save(ctx, acct); saveErr != nil {
		c.log.WithError(saveErr).WithField("account_id", acct.ID).Error("persist account failure state")
	}
	return err
}

// markError records an error status outside a request context.
func (c *Controller) markError(accountID int64, cause string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	acct, err := c.accounts.GetByID(ctx, accountID)
	if err != nil {
		c.log.WithError(err).WithField("account_id", accountID).Error("load account for error state")
		return
	}
	acct.Status = model.StatusError
	acct.LastError = cause
	acct.ErrorCount++
	if err := c.accounts.Save(ctx, &acct); err != nil {
		c.log.WithError(err).WithField("account_id", accountID).Error("persist account error state")
	}
}
