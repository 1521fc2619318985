// Package services contains the server-side business logic. This file
// implements SessionService, the session and token lifecycle manager: it
// issues and validates tokens, enforces revocation and replay rules, drives
// the token cache and the sync client, and enforces account lockout.
package services

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"sessiond/internal/common"
	"sessiond/internal/dbx"
	"sessiond/internal/logging"
	"sessiond/internal/server/auth"
	"sessiond/internal/server/config"
	"sessiond/internal/server/models"
	"sessiond/internal/server/repositories/repomanager"
	"sessiond/internal/server/syncclient"
	"sessiond/internal/server/tokencache"
)

// Claims is the validated identity attached to a request.
type Claims struct {
	AccountID string
	SessionID string
	TokenType string
	ExpiresAt time.Time
}

// Syncer is the slice of the sync client the lifecycle manager drives.
type Syncer interface {
	Notify(ctx context.Context, event models.SyncEvent) error
	ValidateRemote(ctx context.Context, token string) (*syncclient.RemoteValidation, error)
}

// SessionService orchestrates the session and token lifecycle. The
// authoritative store is the only writer of truth; the token cache and the
// sync client are accelerants and best-effort propagation.
type SessionService struct {
	db     *sql.DB
	repos  repomanager.RepositoryManager
	cache  *tokencache.Cache
	sync   Syncer
	logger logging.Logger

	secretKey            []byte
	accessTTL            time.Duration
	refreshTTL           time.Duration
	lockoutThreshold     int
	lockoutDuration      time.Duration
	peerValidateFallback bool
	notifyTimeout        time.Duration

	now func() time.Time
}

// NewSessionService constructs a SessionService from repositories, the
// process-local cache, the sync client, and server config.
func NewSessionService(db *sql.DB, repos repomanager.RepositoryManager, cache *tokencache.Cache, sync Syncer, cfg *config.Config, logger logging.Logger) *SessionService {
	return &SessionService{
		db:                   db,
		repos:                repos,
		cache:                cache,
		sync:                 sync,
		logger:               logger.With("component", "sessions"),
		secretKey:            []byte(cfg.SecretKey),
		accessTTL:            cfg.AccessTokenValidityDuration,
		refreshTTL:           cfg.RefreshTokenValidityDuration,
		lockoutThreshold:     cfg.LockoutThreshold,
		lockoutDuration:      cfg.LockoutDuration,
		peerValidateFallback: cfg.PeerValidateFallback,
		notifyTimeout:        2 * time.Minute,
		now:                  time.Now,
	}
}

// Register creates a new account and issues its first session.
func (s *SessionService) Register(ctx context.Context, email, password string, device models.DeviceInfo) (*models.IssuedTokens, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	pw := []byte(password)
	defer common.WipeByteArray(pw)
	hash, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	hashStr := string(hash)

	account, err := s.repos.Accounts(s.db).Create(ctx, &models.Account{Email: email, PasswordHash: &hashStr})
	if err != nil {
		if errors.Is(err, common.ErrAlreadyExists) {
			return nil, common.ErrAlreadyExists
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	issued, err := s.Issue(ctx, account, device)
	if err != nil {
		return nil, err
	}
	s.notifyAsync(models.SyncEvent{
		Kind: models.EventUserDataChanged, AccountID: account.ID, OccurredAt: s.now().UTC(),
	})
	return issued, nil
}

// Login verifies credentials and issues a session. Unknown emails burn a
// bcrypt comparison so they are not distinguishable by timing.
func (s *SessionService) Login(ctx context.Context, email, password string, device models.DeviceInfo) (*models.IssuedTokens, error) {
	email = strings.TrimSpace(strings.ToLower(email))

	account, err := s.repos.Accounts(s.db).GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
			return nil, common.ErrAuthentication
		}
		return nil, fmt.Errorf("load account: %w", err)
	}

	ok, err := s.CheckPassword(ctx, account, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, common.ErrAuthentication
	}

	return s.Issue(ctx, account, device)
}

// dummyHash keeps the not-found path as expensive as a real comparison.
var dummyHash = func() []byte {
	h, _ := bcrypt.GenerateFromPassword([]byte("sessiond-timing-pad"), bcrypt.DefaultCost)
	return h
}()

// CheckPassword verifies password against the account. A locked account
// rejects the check regardless of correctness. Failures increment the
// consecutive-failure counter; reaching the threshold locks the account and
// records an audit entry. Success resets the counter.
func (s *SessionService) CheckPassword(ctx context.Context, account *models.Account, password string) (bool, error) {
	now := s.now()
	if account.Locked(now) {
		return false, &common.AccountLockedError{Until: *account.LockedUntil}
	}

	pw := []byte(password)
	defer common.WipeByteArray(pw)
	matches := false
	if account.PasswordHash != nil {
		matches = bcrypt.CompareHashAndPassword([]byte(*account.PasswordHash), pw) == nil
	}

	if !matches {
		deadline, err := s.repos.Accounts(s.db).RegisterFailedLogin(ctx, account.ID, s.lockoutThreshold, s.lockoutDuration, now)
		if err != nil {
			return false, fmt.Errorf("register failed login: %w", err)
		}
		if deadline != nil {
			account.LockedUntil = deadline
			s.recordAudit(ctx, account.ID, "account_locked",
				fmt.Sprintf("locked until %s after %d consecutive failures", deadline.Format(time.RFC3339), s.lockoutThreshold))
			return false, &common.AccountLockedError{Until: *deadline}
		}
		return false, nil
	}

	if err := s.repos.Accounts(s.db).ResetFailedLogins(ctx, account.ID); err != nil {
		return false, fmt.Errorf("reset failed logins: %w", err)
	}
	return true, nil
}

// Issue mints an access/refresh token pair and persists the session. Locked
// accounts cannot be issued sessions.
func (s *SessionService) Issue(ctx context.Context, account *models.Account, device models.DeviceInfo) (*models.IssuedTokens, error) {
	now := s.now()
	if account.Locked(now) {
		return nil, &common.AccountLockedError{Until: *account.LockedUntil}
	}

	issued, err := s.createSession(ctx, s.db, account.ID, device)
	if err != nil {
		return nil, err
	}

	s.notifyAsync(models.SyncEvent{
		Kind: models.EventSessionCreated, AccountID: account.ID,
		SessionID: issued.Session.ID, OccurredAt: now.UTC(),
	})
	return issued, nil
}

// Validate checks an access token: signature first, then the cache, then the
// authoritative session row; optionally the peer as a fallback when the
// local store cannot answer. A signature alone is never sufficient.
func (s *SessionService) Validate(ctx context.Context, token string) (*Claims, error) {
	tokenHash := hashToken(token)
	if v, ok := s.cache.Get(tokenHash); ok {
		return &Claims{AccountID: v.AccountID, SessionID: v.SessionID, TokenType: v.TokenType, ExpiresAt: v.ExpiresAt}, nil
	}

	parsed, err := auth.ParseToken(token, s.secretKey)
	if err != nil {
		return nil, common.ErrAuthentication
	}
	if parsed.TokenType != auth.TokenTypeAccess {
		return nil, common.ErrAuthentication
	}

	now := s.now()
	session, err := s.repos.Sessions(s.db).FindByAccessHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.ErrAuthentication
		}
		// Local storage is ambiguous; fall back to the peer if configured.
		if s.peerValidateFallback {
			return s.validateRemote(ctx, token, tokenHash)
		}
		return nil, fmt.Errorf("load session: %w", err)
	}

	if session.Revoked || now.After(session.AccessExpiresAt) {
		return nil, common.ErrAuthentication
	}

	if err := s.repos.Sessions(s.db).TouchLastUsed(ctx, session.ID, now); err != nil {
		s.logger.Warn(ctx, "touch last used failed", "session_id", session.ID, "error", err.Error())
	}

	claims := &Claims{
		AccountID: session.AccountID,
		SessionID: session.ID,
		TokenType: auth.TokenTypeAccess,
		ExpiresAt: session.AccessExpiresAt,
	}
	s.cache.Put(tokenHash, tokencache.Validation{
		AccountID: claims.AccountID, SessionID: claims.SessionID,
		TokenType: claims.TokenType, ExpiresAt: claims.ExpiresAt,
	})
	return claims, nil
}

func (s *SessionService) validateRemote(ctx context.Context, token, tokenHash string) (*Claims, error) {
	remote, err := s.sync.ValidateRemote(ctx, token)
	if err != nil {
		if errors.Is(err, common.ErrAuthentication) {
			return nil, common.ErrAuthentication
		}
		return nil, common.ErrDependencyUnavailable
	}

	claims := &Claims{
		AccountID: remote.AccountID,
		SessionID: remote.SessionID,
		TokenType: remote.TokenType,
		ExpiresAt: s.now().Add(s.accessTTL),
	}
	s.cache.Put(tokenHash, tokencache.Validation{
		AccountID: claims.AccountID, SessionID: claims.SessionID,
		TokenType: claims.TokenType, ExpiresAt: claims.ExpiresAt,
	})
	return claims, nil
}

// Refresh rotates a single-use refresh token: the old session is revoked and
// its successor created in one transaction, so concurrent refreshes of the
// same token produce exactly one winner. Reuse of a consumed token fails
// with common.ErrReplay.
func (s *SessionService) Refresh(ctx context.Context, refreshToken string, device models.DeviceInfo) (*models.IssuedTokens, error) {
	parsed, err := auth.ParseToken(refreshToken, s.secretKey)
	if err != nil {
		return nil, common.ErrAuthentication
	}
	if parsed.TokenType != auth.TokenTypeRefresh {
		return nil, common.ErrAuthentication
	}

	tokenHash := hashToken(refreshToken)
	now := s.now()

	var issued *models.IssuedTokens
	var accountID string
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repos.Sessions(tx)

		old, err := repo.FindByRefreshHashForUpdate(ctx, tokenHash)
		if err != nil {
			if errors.Is(err, common.ErrNotFound) {
				return common.ErrAuthentication
			}
			return fmt.Errorf("load session for refresh: %w", err)
		}
		accountID = old.AccountID

		if old.Revoked {
			if old.RevokedReason != nil && *old.RevokedReason == models.RevokeReasonRefreshed {
				return common.ErrReplay
			}
			return common.ErrAuthentication
		}
		if old.RefreshExpiresAt == nil || now.After(*old.RefreshExpiresAt) {
			return common.ErrAuthentication
		}

		successor, err := s.createSession(ctx, tx, old.AccountID, device)
		if err != nil {
			return err
		}
		if err := repo.MarkReplaced(ctx, old.ID, successor.Session.ID, now); err != nil {
			return fmt.Errorf("retire refreshed session: %w", err)
		}
		issued = successor
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrReplay) && accountID != "" {
			s.recordAudit(ctx, accountID, "refresh_replay_detected", "consumed refresh token presented again")
		}
		return nil, err
	}

	// The predecessor's access token must stop validating immediately.
	s.cache.InvalidateAccount(accountID)

	s.notifyAsync(models.SyncEvent{
		Kind: models.EventSessionRefreshed, AccountID: accountID,
		SessionID: issued.Session.ID, OccurredAt: now.UTC(),
	})
	return issued, nil
}

// Revoke marks a session terminal. Idempotent: revoking twice converges to
// the same state. The cache is invalidated synchronously before returning,
// so no same-process caller can validate a just-revoked token.
func (s *SessionService) Revoke(ctx context.Context, sessionID, reason string) error {
	session, err := s.repos.Sessions(s.db).GetByID(ctx, sessionID)
	if err != nil {
		return err
	}

	revoked, err := s.repos.Sessions(s.db).Revoke(ctx, sessionID, reason, s.now())
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}

	s.cache.InvalidateAccount(session.AccountID)

	if revoked {
		s.notifyAsync(models.SyncEvent{
			Kind: models.EventSessionRevoked, AccountID: session.AccountID,
			SessionID: sessionID, Reason: reason, OccurredAt: s.now().UTC(),
		})
	}
	return nil
}

// RevokeOwned revokes a session only if it belongs to accountID, backing the
// user-facing per-session revoke endpoint.
func (s *SessionService) RevokeOwned(ctx context.Context, accountID, sessionID, reason string) error {
	session, err := s.repos.Sessions(s.db).GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return common.ErrNotFound
		}
		return err
	}
	if session.AccountID != accountID {
		return common.ErrAuthorization
	}
	return s.Revoke(ctx, sessionID, reason)
}

// RevokeAll terminates every live session of an account.
func (s *SessionService) RevokeAll(ctx context.Context, accountID, reason string) (int64, error) {
	n, err := s.repos.Sessions(s.db).RevokeAllForAccount(ctx, accountID, reason, s.now())
	if err != nil {
		return 0, fmt.Errorf("revoke all sessions: %w", err)
	}

	s.cache.InvalidateAccount(accountID)

	if n > 0 {
		s.recordAudit(ctx, accountID, "sessions_revoked_all", fmt.Sprintf("%d sessions revoked: %s", n, reason))
		s.notifyAsync(models.SyncEvent{
			Kind: models.EventSessionRevoked, AccountID: accountID,
			Reason: reason, OccurredAt: s.now().UTC(),
		})
	}
	return n, nil
}

// ChangePassword verifies the current password, stores the new hash, and
// revokes every session of the account, including the caller's own; the new
// credentials must be used to log in again.
func (s *SessionService) ChangePassword(ctx context.Context, accountID, currentPassword, newPassword string) error {
	account, err := s.repos.Accounts(s.db).GetByID(ctx, accountID)
	if err != nil {
		return err
	}

	ok, err := s.CheckPassword(ctx, account, currentPassword)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrAuthentication
	}

	pw := []byte(newPassword)
	defer common.WipeByteArray(pw)
	hash, err := bcrypt.GenerateFromPassword(pw, bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.repos.Accounts(s.db).UpdatePassword(ctx, accountID, string(hash), s.now()); err != nil {
		return err
	}

	if _, err := s.RevokeAll(ctx, accountID, models.RevokeReasonPasswordChanged); err != nil {
		return err
	}
	s.notifyAsync(models.SyncEvent{
		Kind: models.EventUserDataChanged, AccountID: accountID, OccurredAt: s.now().UTC(),
	})
	return nil
}

// ListSessions returns the account's live sessions.
func (s *SessionService) ListSessions(ctx context.Context, accountID string) ([]*models.Session, error) {
	return s.repos.Sessions(s.db).ListForAccount(ctx, accountID)
}

// HandlePeerSessionEvent applies a session event received from the peer: the
// local cache can no longer be trusted for that account.
func (s *SessionService) HandlePeerSessionEvent(ctx context.Context, event models.SyncEvent) error {
	if event.AccountID == "" {
		return common.ErrAuthentication
	}
	s.cache.InvalidateAccount(event.AccountID)
	s.logger.Info(ctx, "peer session event applied", "kind", event.Kind, "account_id", event.AccountID)
	return nil
}

// HandlePeerUserSync applies a user-data-changed notification from the peer.
func (s *SessionService) HandlePeerUserSync(ctx context.Context, accountID string) error {
	if accountID == "" {
		return common.ErrAuthentication
	}
	s.cache.InvalidateAccount(accountID)
	s.logger.Info(ctx, "peer user sync applied", "account_id", accountID)
	return nil
}

// SweepExpiredSessions revokes overdue sessions in bounded batches. Sessions
// get a grace period past expiry so the sweep never races a refresh that is
// in flight at the expiry instant.
func (s *SessionService) SweepExpiredSessions(ctx context.Context, grace time.Duration, batchSize int) (int64, error) {
	cutoff := s.now().Add(-grace)
	return s.repos.Sessions(s.db).SweepExpired(ctx, cutoff, batchSize)
}

func (s *SessionService) createSession(ctx context.Context, db dbx.DBTX, accountID string, device models.DeviceInfo) (*models.IssuedTokens, error) {
	now := s.now()

	accessToken, err := auth.GenerateToken(accountID, auth.TokenTypeAccess, s.secretKey, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("mint access token: %w", err)
	}
	refreshToken, err := auth.GenerateToken(accountID, auth.TokenTypeRefresh, s.secretKey, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("mint refresh token: %w", err)
	}

	refreshHash := hashToken(refreshToken)
	refreshExpires := now.Add(s.refreshTTL).UTC()

	session := &models.Session{
		AccountID:        accountID,
		AccessTokenHash:  hashToken(accessToken),
		RefreshTokenHash: &refreshHash,
		AccessExpiresAt:  now.Add(s.accessTTL).UTC(),
		RefreshExpiresAt: &refreshExpires,
		DeviceName:       device.Name,
		DeviceIP:         device.IP,
		UserAgent:        device.UserAgent,
		LastUsedAt:       now.UTC(),
	}
	session, err = s.repos.Sessions(db).Create(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	return &models.IssuedTokens{Session: session, AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

// notifyAsync ships an event to the peer without ever blocking the caller.
func (s *SessionService) notifyAsync(event models.SyncEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.notifyTimeout)
		defer cancel()
		if err := s.sync.Notify(ctx, event); err != nil {
			s.logger.Warn(ctx, "sync notify failed", "kind", event.Kind, "error", err.Error())
		}
	}()
}

func (s *SessionService) recordAudit(ctx context.Context, accountID, event, detail string) {
	entry := &models.AuditEntry{AccountID: accountID, Event: event, Detail: detail}
	if err := s.repos.Audit(s.db).Record(ctx, entry); err != nil {
		s.logger.Error(ctx, "audit record failed", "event", event, "error", err.Error())
	}
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
