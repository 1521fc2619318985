package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/common"
	"sessiond/internal/dbx"
	"sessiond/internal/logging"
	"sessiond/internal/server/config"
	"sessiond/internal/server/models"
	"sessiond/internal/server/ratelimit"
	"sessiond/internal/server/repositories/accounts"
	"sessiond/internal/server/repositories/audit"
	counters "sessiond/internal/server/repositories/ratelimit"
	"sessiond/internal/server/repositories/sessions"
	"sessiond/internal/server/services"
	"sessiond/internal/server/syncclient"
	"sessiond/internal/server/tokencache"
)

const testServiceKey = "svc-key-for-tests"

// memStore is the in-memory backing state shared by the per-interface repo
// views below.
type memStore struct {
	mu           sync.Mutex
	nextID       int
	accountsByID map[string]*models.Account
	sessionsByID map[string]*models.Session
	auditEntries []*models.AuditEntry
	counters     map[string]int
}

func newMemStore() *memStore {
	return &memStore{
		accountsByID: make(map[string]*models.Account),
		sessionsByID: make(map[string]*models.Session),
		counters:     make(map[string]int),
	}
}

func (m *memStore) id(prefix string) string {
	m.nextID++
	return fmt.Sprintf("%s-%d", prefix, m.nextID)
}

func (m *memStore) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *memStore) Accounts(dbx.DBTX) accounts.Repository        { return &memAccounts{m} }
func (m *memStore) Sessions(dbx.DBTX) sessions.Repository        { return &memSessions{m} }
func (m *memStore) RateCounters(dbx.DBTX) counters.CounterStore  { return &memCounters{m} }
func (m *memStore) Audit(dbx.DBTX) audit.Repository              { return &memAudit{m} }

type memAccounts struct{ s *memStore }

func (r *memAccounts) Create(_ context.Context, account *models.Account) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accountsByID {
		if a.Email == account.Email {
			return nil, common.ErrAlreadyExists
		}
	}
	cp := *account
	cp.ID = r.s.id("acct")
	r.s.accountsByID[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memAccounts) GetByEmail(_ context.Context, email string) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.accountsByID {
		if a.Email == email {
			cp := *a
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *memAccounts) GetByID(_ context.Context, id string) (*models.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accountsByID[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memAccounts) RegisterFailedLogin(_ context.Context, accountID string, threshold int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accountsByID[accountID]
	if !ok {
		return nil, common.ErrNotFound
	}
	a.FailedLogins++
	if a.FailedLogins >= threshold {
		deadline := now.Add(lockDuration)
		a.LockedUntil = &deadline
		a.FailedLogins = 0
		d := deadline
		return &d, nil
	}
	return nil, nil
}

func (r *memAccounts) ResetFailedLogins(_ context.Context, accountID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if a, ok := r.s.accountsByID[accountID]; ok {
		a.FailedLogins = 0
		a.LockedUntil = nil
	}
	return nil
}

func (r *memAccounts) UpdatePassword(_ context.Context, accountID, passwordHash string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.accountsByID[accountID]
	if !ok {
		return common.ErrNotFound
	}
	a.PasswordHash = &passwordHash
	a.PasswordChangedAt = &now
	return nil
}

type memSessions struct{ s *memStore }

func (r *memSessions) Create(_ context.Context, session *models.Session) (*models.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := *session
	cp.ID = r.s.id("sess")
	r.s.sessionsByID[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (r *memSessions) GetByID(_ context.Context, id string) (*models.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sessionsByID[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *memSessions) FindByAccessHash(_ context.Context, accessHash string) (*models.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, s := range r.s.sessionsByID {
		if s.AccessTokenHash == accessHash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *memSessions) FindByRefreshHashForUpdate(_ context.Context, refreshHash string) (*models.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, s := range r.s.sessionsByID {
		if s.RefreshTokenHash != nil && *s.RefreshTokenHash == refreshHash {
			cp := *s
			return &cp, nil
		}
	}
	return nil, common.ErrNotFound
}

func (r *memSessions) Revoke(_ context.Context, id, reason string, now time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sessionsByID[id]
	if !ok {
		return false, common.ErrNotFound
	}
	if s.Revoked {
		return false, nil
	}
	s.Revoked = true
	s.RevokedReason = &reason
	s.RevokedAt = &now
	return true, nil
}

func (r *memSessions) MarkReplaced(_ context.Context, id, successorID string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	s, ok := r.s.sessionsByID[id]
	if !ok || s.Revoked {
		return common.ErrNotFound
	}
	reason := models.RevokeReasonRefreshed
	s.Revoked = true
	s.RevokedReason = &reason
	s.RevokedAt = &now
	s.ReplacedBy = &successorID
	return nil
}

func (r *memSessions) RevokeAllForAccount(_ context.Context, accountID, reason string, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, s := range r.s.sessionsByID {
		if s.AccountID == accountID && !s.Revoked {
			s.Revoked = true
			rs := reason
			s.RevokedReason = &rs
			s.RevokedAt = &now
			n++
		}
	}
	return n, nil
}

func (r *memSessions) TouchLastUsed(_ context.Context, id string, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if s, ok := r.s.sessionsByID[id]; ok {
		s.LastUsedAt = now
	}
	return nil
}

func (r *memSessions) ListForAccount(_ context.Context, accountID string) ([]*models.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.Session
	for _, s := range r.s.sessionsByID {
		if s.AccountID == accountID && !s.Revoked {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memSessions) SweepExpired(_ context.Context, cutoff time.Time, batchSize int) (int64, error) {
	return 0, nil
}

type memCounters struct{ s *memStore }

func (r *memCounters) Increment(_ context.Context, key string, windowStart time.Time, _ time.Duration) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	k := fmt.Sprintf("%s@%d", key, windowStart.Unix())
	r.s.counters[k]++
	return r.s.counters[k], nil
}

func (r *memCounters) DeleteExpired(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

type memAudit struct{ s *memStore }

func (r *memAudit) Record(_ context.Context, entry *models.AuditEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.auditEntries = append(r.s.auditEntries, entry)
	return nil
}

func (r *memAudit) ListForAccount(_ context.Context, accountID string, limit int) ([]*models.AuditEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*models.AuditEntry
	for _, e := range r.s.auditEntries {
		if e.AccountID == accountID && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

type noopSyncer struct{}

func (noopSyncer) Notify(context.Context, models.SyncEvent) error { return nil }
func (noopSyncer) ValidateRemote(context.Context, string) (*syncclient.RemoteValidation, error) {
	return nil, common.ErrDependencyUnavailable
}

type apiFixture struct {
	handler http.Handler
	store   *memStore
	mock    sqlmock.Sqlmock
}

func newAPIFixture(t *testing.T, rateLimit int) *apiFixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := newMemStore()
	logger := logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
	cfg := &config.Config{
		SecretKey:                    "test-secret",
		AccessTokenValidityDuration:  30 * time.Minute,
		RefreshTokenValidityDuration: 168 * time.Hour,
		LockoutThreshold:             5,
		LockoutDuration:              15 * time.Minute,
	}

	cache := tokencache.New(5 * time.Minute)
	svc := services.NewSessionService(db, store, cache, noopSyncer{}, cfg, logger)
	limiter := ratelimit.NewLimiter(&memCounters{store}, time.Minute, rateLimit, logger)

	srv := NewServer(":0", svc, limiter, testServiceKey, logger)
	return &apiFixture{handler: srv.Handler(), store: store, mock: mock}
}

func (fx *apiFixture) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:54321"
	req.Header.Set("User-Agent", "sessiond-test/1.0")
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, req)
	return w
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func serviceKey() http.Header {
	return http.Header{"X-Service-Key": []string{testServiceKey}}
}

type tokenPairBody struct {
	SessionID    string `json:"session_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func (fx *apiFixture) registerUser(t *testing.T, email, password string) tokenPairBody {
	t.Helper()
	w := fx.do(t, http.MethodPost, "/register", map[string]string{"email": email, "password": password}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var pair tokenPairBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	return pair
}

func TestAPI_RegisterAndLogin(t *testing.T) {
	fx := newAPIFixture(t, 100)
	fx.registerUser(t, "alice@example.com", "s3cret")

	// Duplicate registration conflicts.
	w := fx.do(t, http.MethodPost, "/register", map[string]string{"email": "alice@example.com", "password": "x"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = fx.do(t, http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "s3cret"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var pair tokenPairBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pair))
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
}

func TestAPI_LoginFailures(t *testing.T) {
	fx := newAPIFixture(t, 100)
	fx.registerUser(t, "alice@example.com", "s3cret")

	w := fx.do(t, http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = fx.do(t, http.MethodPost, "/login", map[string]string{"email": "ghost@example.com", "password": "x"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_LockoutReturns423(t *testing.T) {
	fx := newAPIFixture(t, 100)
	fx.registerUser(t, "alice@example.com", "s3cret")

	for i := 0; i < 4; i++ {
		w := fx.do(t, http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "wrong"}, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}
	w := fx.do(t, http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusLocked, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// Even correct credentials are rejected while locked.
	w = fx.do(t, http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "s3cret"}, nil)
	assert.Equal(t, http.StatusLocked, w.Code)
}

func TestAPI_BearerRequired(t *testing.T) {
	fx := newAPIFixture(t, 100)

	w := fx.do(t, http.MethodGet, "/sessions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = fx.do(t, http.MethodGet, "/sessions", nil, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_ListSessions(t *testing.T) {
	fx := newAPIFixture(t, 100)
	pair := fx.registerUser(t, "alice@example.com", "s3cret")

	w := fx.do(t, http.MethodGet, "/sessions", nil, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Sessions []struct {
			ID string `json:"id"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Sessions, 1)
	assert.Equal(t, pair.SessionID, body.Sessions[0].ID)
}

func TestAPI_LogoutInvalidatesToken(t *testing.T) {
	fx := newAPIFixture(t, 100)
	pair := fx.registerUser(t, "alice@example.com", "s3cret")

	w := fx.do(t, http.MethodPost, "/logout", nil, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = fx.do(t, http.MethodGet, "/sessions", nil, bearer(pair.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_RefreshFlow(t *testing.T) {
	fx := newAPIFixture(t, 100)
	pair := fx.registerUser(t, "alice@example.com", "s3cret")

	fx.mock.ExpectBegin()
	fx.mock.ExpectCommit()
	w := fx.do(t, http.MethodPost, "/refresh-token", map[string]string{"refresh_token": pair.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var next tokenPairBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &next))
	assert.NotEqual(t, pair.AccessToken, next.AccessToken)

	// The rotated-out access token stops working; the new one works.
	w = fx.do(t, http.MethodGet, "/sessions", nil, bearer(pair.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = fx.do(t, http.MethodGet, "/sessions", nil, bearer(next.AccessToken))
	assert.Equal(t, http.StatusOK, w.Code)

	// Replaying the consumed refresh token is called out distinctly.
	fx.mock.ExpectBegin()
	fx.mock.ExpectRollback()
	w = fx.do(t, http.MethodPost, "/refresh-token", map[string]string{"refresh_token": pair.RefreshToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var errBody struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errBody))
	assert.Equal(t, "refresh_token_reused", errBody.Code)
}

func TestAPI_RevokeSessionOwnership(t *testing.T) {
	fx := newAPIFixture(t, 100)
	alice := fx.registerUser(t, "alice@example.com", "s3cret")
	bob := fx.registerUser(t, "bob@example.com", "hunter2")

	// Bob cannot revoke Alice's session.
	w := fx.do(t, http.MethodPost, "/sessions/"+alice.SessionID+"/revoke", nil, bearer(bob.AccessToken))
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Alice can.
	w = fx.do(t, http.MethodPost, "/sessions/"+alice.SessionID+"/revoke", nil, bearer(alice.AccessToken))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestAPI_RevokeAll(t *testing.T) {
	fx := newAPIFixture(t, 100)
	pair := fx.registerUser(t, "alice@example.com", "s3cret")

	w := fx.do(t, http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "s3cret"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.do(t, http.MethodPost, "/sessions/revoke-all", nil, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)

	w = fx.do(t, http.MethodGet, "/sessions", nil, bearer(pair.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_ChangePassword(t *testing.T) {
	fx := newAPIFixture(t, 100)
	pair := fx.registerUser(t, "alice@example.com", "oldpass")

	w := fx.do(t, http.MethodPost, "/change-password",
		map[string]string{"current_password": "oldpass", "new_password": "newpass"}, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Old sessions are revoked, old password refused, new one accepted.
	w = fx.do(t, http.MethodGet, "/sessions", nil, bearer(pair.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = fx.do(t, http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "oldpass"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = fx.do(t, http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "newpass"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_ServiceKeyRequired(t *testing.T) {
	fx := newAPIFixture(t, 100)

	for _, path := range []string{"/validate-token", "/sync-session", "/sync-user", "/revoke-user-sessions"} {
		w := fx.do(t, http.MethodPost, path, map[string]string{}, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, path)

		wrong := http.Header{"X-Service-Key": []string{"nope"}}
		w = fx.do(t, http.MethodPost, path, map[string]string{}, wrong)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
}

func TestAPI_ValidateToken(t *testing.T) {
	fx := newAPIFixture(t, 100)
	pair := fx.registerUser(t, "alice@example.com", "s3cret")

	w := fx.do(t, http.MethodPost, "/validate-token", map[string]string{"token": pair.AccessToken}, serviceKey())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		Valid     bool   `json:"valid"`
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Valid)
	assert.Equal(t, pair.SessionID, body.SessionID)

	w = fx.do(t, http.MethodPost, "/validate-token", map[string]string{"token": "garbage"}, serviceKey())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_RevokeUserSessionsFromPeer(t *testing.T) {
	fx := newAPIFixture(t, 100)
	pair := fx.registerUser(t, "alice@example.com", "s3cret")

	accountID := fx.store.sessionsByID[pair.SessionID].AccountID
	w := fx.do(t, http.MethodPost, "/revoke-user-sessions", map[string]string{"account_id": accountID}, serviceKey())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = fx.do(t, http.MethodGet, "/sessions", nil, bearer(pair.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_SyncUserInvalidatesCache(t *testing.T) {
	fx := newAPIFixture(t, 100)
	pair := fx.registerUser(t, "alice@example.com", "s3cret")

	// Warm the validation cache, then revoke behind the cache's back.
	w := fx.do(t, http.MethodGet, "/sessions", nil, bearer(pair.AccessToken))
	require.Equal(t, http.StatusOK, w.Code)

	accountID := fx.store.sessionsByID[pair.SessionID].AccountID
	fx.store.mu.Lock()
	fx.store.sessionsByID[pair.SessionID].Revoked = true
	fx.store.mu.Unlock()

	w = fx.do(t, http.MethodPost, "/sync-user", map[string]string{"account_id": accountID}, serviceKey())
	require.Equal(t, http.StatusOK, w.Code)

	w = fx.do(t, http.MethodGet, "/sessions", nil, bearer(pair.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_RateLimit(t *testing.T) {
	fx := newAPIFixture(t, 3)

	for i := 0; i < 3; i++ {
		w := fx.do(t, http.MethodPost, "/login", map[string]string{"email": "x@example.com", "password": "y"}, nil)
		require.Equal(t, http.StatusUnauthorized, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-RateLimit-Remaining"))
	}

	w := fx.do(t, http.MethodPost, "/login", map[string]string{"email": "x@example.com", "password": "y"}, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	// A different endpoint has its own budget.
	w = fx.do(t, http.MethodPost, "/register", map[string]string{"email": "a@example.com", "password": "pw"}, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestAPI_MalformedBody(t *testing.T) {
	fx := newAPIFixture(t, 100)

	req := httptest.NewRequest(http.MethodPost, "/login", bytes.NewBufferString(`{"email": "a@b.c", "unexpected": 1}`))
	req.RemoteAddr = "192.0.2.10:54321"
	w := httptest.NewRecorder()
	fx.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_Healthz(t *testing.T) {
	fx := newAPIFixture(t, 100)
	w := fx.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// The full credential lifecycle through the public surface: login, refresh,
// old token dies, revoke, new token dies, replayed refresh is flagged.
func TestAPI_EndToEndLifecycle(t *testing.T) {
	fx := newAPIFixture(t, 100)
	fx.registerUser(t, "alice@example.com", "s3cret")

	w := fx.do(t, http.MethodPost, "/login", map[string]string{"email": "alice@example.com", "password": "s3cret"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var first tokenPairBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))

	fx.mock.ExpectBegin()
	fx.mock.ExpectCommit()
	w = fx.do(t, http.MethodPost, "/refresh-token", map[string]string{"refresh_token": first.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second tokenPairBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))

	w = fx.do(t, http.MethodGet, "/sessions", nil, bearer(first.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = fx.do(t, http.MethodPost, "/sessions/"+second.SessionID+"/revoke", nil, bearer(second.AccessToken))
	require.Equal(t, http.StatusOK, w.Code)
	w = fx.do(t, http.MethodGet, "/sessions", nil, bearer(second.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	fx.mock.ExpectBegin()
	fx.mock.ExpectRollback()
	w = fx.do(t, http.MethodPost, "/refresh-token", map[string]string{"refresh_token": first.RefreshToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var errBody struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errBody))
	assert.Equal(t, "refresh_token_reused", errBody.Code)
}
