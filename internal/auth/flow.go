// Package auth drives the multi-step login protocol for managed accounts:
// code request, code verification, optional two-factor password, and the
// QR-code alternative. On success the temporary session credential is
// promoted to the account's permanent one.
package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gramcrm/server/internal/model"
	"github.com/gramcrm/server/internal/protocol"
	"github.com/gramcrm/server/internal/repo"
)

// codeTTL is the observed validity window of a server-issued code challenge.
// Submitting past it triggers automatic re-issuance, not a dead end.
const codeTTL = 5 * time.Minute

var phoneRE = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// Status is the outcome kind of a login step.
type Status string

const (
	StatusCodeSent         Status = "code_sent"
	StatusNewCodeIssued    Status = "new_code_issued"
	StatusPasswordRequired Status = "password_required"
	StatusAuthenticated    Status = "authenticated"
	StatusQRPending        Status = "qr_pending"
)

// Result reports the outcome of a login step to the caller.
type Result struct {
	Status      Status
	Channel     protocol.CodeChannel
	NextChannel protocol.CodeChannel
	QRURL       string
	Message     string
}

// pending is the ephemeral state of one in-flight login. The temporary
// client holds the pre-authentication session; it is consumed on success
// or torn down on cancellation.
type pending struct {
	client          protocol.Client
	codeHash        string
	channel         protocol.CodeChannel
	nextChannel     protocol.CodeChannel
	issuedAt        time.Time
	qr              *protocol.QRToken
	passwordPending bool
}

// Flow is the authentication state machine for all managed accounts.
type Flow struct {
	dialer   protocol.Dialer
	accounts repo.AccountRepo
	log      *logrus.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[int64]*pending
	locks   map[int64]*sync.Mutex
}

// NewFlow creates the auth flow engine.
func NewFlow(dialer protocol.Dialer, accounts repo.AccountRepo, log *logrus.Logger) *Flow {
	return &Flow{
		dialer:   dialer,
		accounts: accounts,
		log:      log,
		now:      time.Now,
		pending:  make(map[int64]*pending),
		locks:    make(map[int64]*sync.Mutex),
	}
}

// lockFor serializes login steps per account without blocking other accounts.
func (f *Flow) lockFor(accountID int64) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		f.locks[accountID] = l
	}
	return l
}

func (f *Flow) getPending(accountID int64) *pending {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending[accountID]
}

func (f *Flow) setPending(accountID int64, p *pending) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[accountID] = p
}

// clearPending removes and tears down any in-flight login for the account.
func (f *Flow) clearPending(ctx context.Context, accountID int64) {
	f.mu.Lock()
	p := f.pending[accountID]
	delete(f.pending, accountID)
	f.mu.Unlock()
	if p != nil && p.client != nil {
		if err := p.client.Disconnect(ctx); err != nil {
			f.log.WithError(err).WithField("account_id", accountID).Debug("disconnect pending auth client")
		}
	}
}

func validateForLogin(a *model.Account, needPhone bool) error {
	if needPhone && !phoneRE.MatchString(a.PhoneNumber) {
		return &ValidationError{Field: "phone_number", Reason: "must be in international format, e.g. +79991234567"}
	}
	if a.APIID <= 0 {
		return &ValidationError{Field: "api_id", Reason: "must be set"}
	}
	if a.APIHash == "" {
		return &ValidationError{Field: "api_hash", Reason: "must be set"}
	}
	return nil
}

func (f *Flow) creds(a *model.Account) protocol.Credentials {
	return protocol.Credentials{APIID: a.APIID, APIHash: a.APIHash, Phone: a.PhoneNumber}
}

// BeginLogin validates the account's credential fields, opens a fresh
// transport, and requests a login code. The account enters the
// authenticating state; the caller receives the delivery channel used.
func (f *Flow) BeginLogin(ctx context.Context, accountID int64) (*Result, error) {
	l := f.lockFor(accountID)
	l.Lock()
	defer l.Unlock()
	return f.beginLoginLocked(ctx, accountID)
}

func (f *Flow) beginLoginLocked(ctx context.Context, accountID int64) (*Result, error) {
	acct, err := f.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := validateForLogin(&acct, true); err != nil {
		return nil, err
	}

	// A new attempt invalidates any previous temporary session.
	f.clearPending(ctx, accountID)

	client, err := f.dialer.Dial(ctx, f.creds(&acct), "")
	if err != nil {
		return nil, f.failAccount(ctx, &acct, fmt.Errorf("dial: %w", err))
	}
	if err := client.Connect(ctx); err != nil {
		return nil, f.failAccount(ctx, &acct, fmt.Errorf("connect: %w", err))
	}

	sent, err := client.RequestCode(ctx, acct.PhoneNumber)
	if err != nil {
		_ = client.Disconnect(ctx)
		if wait, ok := protocol.AsFloodWait(err); ok {
			err = fmt.Errorf("code request rate-limited, retry in %s: %w", wait, err)
		}
		return nil, f.failAccount(ctx, &acct, err)
	}

	f.setPending(accountID, &pending{
		client:      client,
		codeHash:    sent.PhoneCodeHash,
		channel:     sent.Channel,
		nextChannel: sent.NextChannel,
		issuedAt:    f.now(),
	})

	acct.Status = model.StatusAuthenticating
	acct.LastError = ""
	if err := f.accounts.Save(ctx, &acct); err != nil {
		return nil, err
	}

	f.log.WithFields(logrus.Fields{
		"account_id": accountID,
		"channel":    sent.Channel,
	}).Info("login code requested")

	return &Result{
		Status:      StatusCodeSent,
		Channel:     sent.Channel,
		NextChannel: sent.NextChannel,
		Message:     codeSentMessage(sent.Channel),
	}, nil
}

func codeSentMessage(ch protocol.CodeChannel) string {
	switch ch {
	case protocol.ChannelSMS:
		return "confirmation code sent by SMS"
	case protocol.ChannelApp:
		return "confirmation code sent to the messaging app"
	case protocol.ChannelCall:
		return "you will receive a call with the code"
	case protocol.ChannelFlashCall:
		return "you will receive a flash call; the code is in the caller number"
	default:
		return "confirmation code sent"
	}
}

// SubmitCode verifies the code against the stored temporary session. An
// expired challenge re-issues a fresh code instead of failing. A missing
// second factor yields StatusPasswordRequired, not an error.
func (f *Flow) SubmitCode(ctx context.Context, accountID int64, code, password string) (*Result, error) {
	l := f.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	acct, err := f.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	p := f.getPending(accountID)
	if p == nil || p.qr != nil {
		return nil, ErrNoPendingLogin
	}

	if f.now().Sub(p.issuedAt) > codeTTL {
		return f.reissueCode(ctx, accountID)
	}

	var ident *protocol.Identity
	if p.passwordPending {
		// The code was already accepted; only the second factor is open.
		if password == "" {
			return &Result{Status: StatusPasswordRequired, Message: "two-factor password required"}, nil
		}
		ident, err = p.client.CheckPassword(ctx, password)
	} else {
		ident, err = p.client.SignIn(ctx, acct.PhoneNumber, p.codeHash, code)
		if errors.Is(err, protocol.ErrPasswordRequired) {
			p.passwordPending = true
			if password == "" {
				return &Result{Status: StatusPasswordRequired, Message: "two-factor password required"}, nil
			}
			ident, err = p.client.CheckPassword(ctx, password)
		}
	}

	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrCodeExpired):
			return f.reissueCode(ctx, accountID)
		case errors.Is(err, protocol.ErrCodeInvalid):
			// The flow stays open; the caller may retry with a fresh code.
			return nil, &AuthError{Err: err, Message: "invalid confirmation code, check it and try again"}
		case errors.Is(err, protocol.ErrPasswordInvalid):
			return nil, &AuthError{Err: err, Message: "invalid two-factor password"}
		default:
			return nil, f.failAccount(ctx, &acct, fmt.Errorf("sign in: %w", err))
		}
	}

	if err := f.promote(ctx, &acct, p, ident); err != nil {
		return nil, err
	}
	return &Result{Status: StatusAuthenticated, Message: "account authenticated"}, nil
}

// reissueCode restarts the code flow after expiry and reports the
// non-terminal "new code issued" outcome.
func (f *Flow) reissueCode(ctx context.Context, accountID int64) (*Result, error) {
	f.log.WithField("account_id", accountID).Warn("code challenge expired, requesting a new one")
	res, err := f.beginLoginLocked(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("code expired and re-issue failed: %w", err)
	}
	res.Status = StatusNewCodeIssued
	res.Message = "code expired; a new code was issued (" + string(res.Channel) + ")"
	return res, nil
}

// ResendCode asks for the code again, preferring the protocol's alternate
// delivery channel. A fresh challenge replaces the previous one either way.
func (f *Flow) ResendCode(ctx context.Context, accountID int64) (*Result, error) {
	l := f.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	acct, err := f.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	p := f.getPending(accountID)
	if p == nil || p.qr != nil {
		return nil, ErrNoPendingLogin
	}

	sent, err := p.client.ResendCode(ctx, acct.PhoneNumber, p.codeHash)
	if err != nil {
		if wait, ok := protocol.AsFloodWait(err); ok {
			return nil, fmt.Errorf("resend rate-limited, retry in %s: %w", wait, err)
		}
		// Resend unsupported for this challenge: fall back to a full restart.
		f.log.WithError(err).WithField("account_id", accountID).Debug("resend unsupported, restarting login")
		return f.beginLoginLocked(ctx, accountID)
	}

	p.codeHash = sent.PhoneCodeHash
	p.channel = sent.Channel
	p.nextChannel = sent.NextChannel
	p.issuedAt = f.now()
	p.passwordPending = false

	return &Result{
		Status:      StatusCodeSent,
		Channel:     sent.Channel,
		NextChannel: sent.NextChannel,
		Message:     codeSentMessage(sent.Channel),
	}, nil
}

// BeginQRLogin opens a fresh transport and requests a scannable login
// payload in lieu of a texted code.
func (f *Flow) BeginQRLogin(ctx context.Context, accountID int64) (*Result, error) {
	l := f.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	acct, err := f.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := validateForLogin(&acct, false); err != nil {
		return nil, err
	}

	f.clearPending(ctx, accountID)

	client, err := f.dialer.Dial(ctx, f.creds(&acct), "")
	if err != nil {
		return nil, f.failAccount(ctx, &acct, fmt.Errorf("dial: %w", err))
	}
	if err := client.Connect(ctx); err != nil {
		return nil, f.failAccount(ctx, &acct, fmt.Errorf("connect: %w", err))
	}

	token, err := client.RequestQR(ctx)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, f.failAccount(ctx, &acct, fmt.Errorf("request qr: %w", err))
	}

	f.setPending(accountID, &pending{
		client:   client,
		qr:       token,
		issuedAt: f.now(),
	})

	acct.Status = model.StatusAuthenticating
	acct.LastError = ""
	if err := f.accounts.Save(ctx, &acct); err != nil {
		return nil, err
	}

	return &Result{Status: StatusQRPending, QRURL: token.URL, Message: "scan the QR code with the mobile app"}, nil
}

// PollQRLogin checks whether the QR payload has been scanned. Expired
// payloads are replaced with fresh ones; a 2FA challenge surfaces as
// StatusPasswordRequired until the password is supplied.
func (f *Flow) PollQRLogin(ctx context.Context, accountID int64, password string) (*Result, error) {
	l := f.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	acct, err := f.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	p := f.getPending(accountID)
	if p == nil || p.qr == nil {
		return nil, ErrNoPendingLogin
	}

	if p.passwordPending {
		if password == "" {
			return &Result{Status: StatusPasswordRequired, Message: "two-factor password required"}, nil
		}
		ident, err := p.client.CheckPassword(ctx, password)
		if err != nil {
			if errors.Is(err, protocol.ErrPasswordInvalid) {
				return nil, &AuthError{Err: err, Message: "invalid two-factor password"}
			}
			return nil, f.failAccount(ctx, &acct, fmt.Errorf("check password: %w", err))
		}
		if err := f.promote(ctx, &acct, p, ident); err != nil {
			return nil, err
		}
		return &Result{Status: StatusAuthenticated, Message: "account authenticated"}, nil
	}

	poll, err := p.client.PollQR(ctx)
	if errors.Is(err, protocol.ErrPasswordRequired) {
		p.passwordPending = true
		if password == "" {
			return &Result{Status: StatusPasswordRequired, Message: "two-factor password required"}, nil
		}
		ident, pwErr := p.client.CheckPassword(ctx, password)
		if pwErr != nil {
			if errors.Is(pwErr, protocol.ErrPasswordInvalid) {
				return nil, &AuthError{Err: pwErr, Message: "invalid two-factor password"}
			}
			return nil, f.failAccount(ctx, &acct, fmt.Errorf("check password: %w", pwErr))
		}
		if err := f.promote(ctx, &acct, p, ident); err != nil {
			return nil, err
		}
		return &Result{Status: StatusAuthenticated, Message: "account authenticated"}, nil
	}
	if err != nil {
		return nil, f.failAccount(ctx, &acct, fmt.Errorf("poll qr: %w", err))
	}

	expired := poll.State == protocol.QRExpired ||
		(!p.qr.ExpiresAt.IsZero() && f.now().After(p.qr.ExpiresAt))

	switch {
	case poll.State == protocol.QRAccepted:
		if err := f.promote(ctx, &acct, p, poll.Identity); err != nil {
			return nil, err
		}
		return &Result{Status: StatusAuthenticated, Message: "account authenticated"}, nil
	case expired:
		// Expired payload: issue a fresh one on the same transport.
		token, qrErr := p.client.RequestQR(ctx)
		if qrErr != nil {
			return nil, f.failAccount(ctx, &acct, fmt.Errorf("refresh qr: %w", qrErr))
		}
		p.qr = token
		p.issuedAt = f.now()
		return &Result{Status: StatusQRPending, QRURL: token.URL, Message: "QR code expired; a new one was issued"}, nil
	default:
		return &Result{Status: StatusQRPending, QRURL: p.qr.URL, Message: "waiting for scan"}, nil
	}
}

// Terminate logs the account out server-side (best effort) and clears all
// local session state. The account ends up inactive regardless of remote
// failures.
func (f *Flow) Terminate(ctx context.Context, accountID int64) error {
	l := f.lockFor(accountID)
	l.Lock()
	defer l.Unlock()

	acct, err := f.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	// Invalidate the pending temporary session, if any.
	f.mu.Lock()
	p := f.pending[accountID]
	delete(f.pending, accountID)
	f.mu.Unlock()
	if p != nil && p.client != nil {
		if err := p.client.SignOut(ctx); err != nil {
			f.log.WithError(err).WithField("account_id", accountID).Debug("sign out pending session")
		}
		_ = p.client.Disconnect(ctx)
	}

	// Invalidate the permanent session server-side, best effort.
	if acct.SessionString != "" {
		client, err := f.dialer.Dial(ctx, f.creds(&acct), acct.SessionString)
		if err == nil {
			if err := client.Connect(ctx); err == nil {
				if err := client.SignOut(ctx); err != nil {
					f.log.WithError(err).WithField("account_id", accountID).Debug("sign out permanent session")
				}
				_ = client.Disconnect(ctx)
			}
		}
	}

	acct.SessionString = ""
	acct.Status = model.StatusInactive
	acct.LastError = ""
	if err := f.accounts.Save(ctx, &acct); err != nil {
		return err
	}
	f.log.WithField("account_id", accountID).Info("account logged out")
	return nil
}

// promote consumes the pending context: the temporary session credential
// becomes the account's permanent one and the account goes active.
func (f *Flow) promote(ctx context.Context, acct *model.Account, p *pending, ident *protocol.Identity) error {
	session, err := p.client.ExportSession(ctx)
	if err != nil {
		return fmt.Errorf("export session: %w", err)
	}
	if session == "" {
		return fmt.Errorf("protocol returned an empty session credential")
	}

	f.mu.Lock()
	delete(f.pending, acct.ID)
	f.mu.Unlock()
	_ = p.client.Disconnect(ctx)

	acct.SessionString = session
	if ident != nil {
		acct.TelegramUserID = ident.UserID
		acct.FirstName = ident.FirstName
		acct.LastName = ident.LastName
		acct.Username = ident.Username
	}
	acct.Status = model.StatusActive
	acct.LastError = ""
	acct.ErrorCount = 0
	now := f.now()
	acct.LastActivity = &now
	if err := f.accounts.Save(ctx, acct); err != nil {
		return err
	}

	f.log.WithFields(logrus.Fields{
		"account_id": acct.ID,
		"user_id":    acct.TelegramUserID,
	}).Info("account authenticated")
	return nil
}

// failAccount records the failure on the account and returns err unchanged
// for the caller.
func (f *Flow) failAccount(ctx context.Context, acct *model.Account, err error) error {
	acct.Status = model.StatusError
	acct.LastError = err.Error()
	acct.ErrorCount++
	if saveErr := f.accounts.Save(ctx, acct); saveErr != nil {
		f.log.WithError(saveErr).WithField("account_id", acct.ID).Error("persist account failure state")
	}
	return err
}
