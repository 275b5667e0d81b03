// Package sessions issues and validates the opaque bearer tokens that
// authenticate API requests. Tokens are random, prefixed for
// identification, and stored only as sha256 hashes.
package sessions

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/domain"
	"github.com/depot-registry/depot/pkg/observability"
)

const (
	// TokenPrefix identifies depot session tokens.
	TokenPrefix = "depot_"
	// tokenBytes is the entropy of each token (256 bits).
	tokenBytes = 32
)

const (
	insertSessionQuery = `INSERT INTO sessions (id, user_id, token_hash, created_at, expires_at) VALUES ($1, $2, $3, NOW(), $4)`

	// Joins the user row so a deactivated user's sessions stop working
	// immediately without an explicit revocation pass.
	validateSessionQuery = `SELECT s.id, s.user_id, s.expires_at, s.revoked_at, u.is_operator, u.deleted_at FROM sessions s JOIN users u ON u.id = s.user_id WHERE s.token_hash = $1`

	revokeSessionQuery      = `UPDATE sessions SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`
	revokeUserSessionsQuery = `UPDATE sessions SET revoked_at = NOW() WHERE user_id = $1 AND revoked_at IS NULL`

	deleteExpiredSessionsQuery = `DELETE FROM sessions WHERE expires_at < NOW() OR revoked_at < NOW() - INTERVAL '7 days'`
)

// Session is the stored record of an issued token. The token itself is
// returned once at issue time and never persisted.
type Session struct {
	ID        uuid.UUID  `json:"id"`
	UserID    int64      `json:"userId"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
}

// Manager owns the session table.
type Manager struct {
	db     *sql.DB
	ttl    time.Duration
	logger *observability.Logger
}

func NewManager(db *sql.DB, ttl time.Duration, logger *observability.Logger) *Manager {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &Manager{db: db, ttl: ttl, logger: logger}
}

// Issue creates a session for the user and returns the bearer token. The
// token format is "depot_" + base64url(32 random bytes).
func (m *Manager) Issue(ctx context.Context, userID int64) (*Session, string, error) {
	random := make([]byte, tokenBytes)
	if _, err := rand.Read(random); err != nil {
		return nil, "", domain.Unknownf(err, "generating session token")
	}
	token := TokenPrefix + base64.RawURLEncoding.EncodeToString(random)

	session := &Session{
		ID:        uuid.New(),
		UserID:    userID,
		ExpiresAt: time.Now().Add(m.ttl),
	}
	_, err := m.db.ExecContext(ctx, insertSessionQuery, session.ID, userID, HashToken(token), session.ExpiresAt)
	if err != nil {
		return nil, "", domain.Unknownf(err, "storing session for user %d", userID)
	}

	m.logger.WithFields(map[string]interface{}{
		"session_id": session.ID.String(),
		"user_id":    userID,
	}).Info("session issued")
	return session, token, nil
}

// Validate resolves a bearer token to its caller. Expired, revoked and
// malformed tokens, and tokens of deactivated users, all yield an
// unauthenticated error without distinguishing the cause to the client.
func (m *Manager) Validate(ctx context.Context, token string) (authz.Caller, error) {
	if err := checkTokenFormat(token); err != nil {
		return authz.Caller{}, domain.Unauthenticated("invalid session token")
	}

	var (
		sessionID   uuid.UUID
		userID      int64
		expiresAt   time.Time
		revokedAt   sql.NullTime
		isOperator  bool
		userDeleted sql.NullTime
	)
	err := m.db.QueryRowContext(ctx, validateSessionQuery, HashToken(token)).
		Scan(&sessionID, &userID, &expiresAt, &revokedAt, &isOperator, &userDeleted)
	if errors.Is(err, sql.ErrNoRows) {
		return authz.Caller{}, domain.Unauthenticated("invalid session token")
	}
	if err != nil {
		return authz.Caller{}, domain.Unknownf(err, "validating session token")
	}

	if revokedAt.Valid || time.Now().After(expiresAt) || userDeleted.Valid {
		return authz.Caller{}, domain.Unauthenticated("invalid session token")
	}

	return authz.Caller{UserID: userID, Operator: isOperator}, nil
}

// Revoke invalidates one session. Revoking an already revoked session is a
// no-op.
func (m *Manager) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	if _, err := m.db.ExecContext(ctx, revokeSessionQuery, sessionID); err != nil {
		return domain.Unknownf(err, "revoking session %s", sessionID)
	}
	return nil
}

// RevokeUser invalidates every live session of a user.
func (m *Manager) RevokeUser(ctx context.Context, userID int64) error {
	if _, err := m.db.ExecContext(ctx, revokeUserSessionsQuery, userID); err != nil {
		return domain.Unknownf(err, "revoking sessions of user %d", userID)
	}
	return nil
}

// Cleanup deletes expired sessions and long-revoked ones. Run periodically.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	result, err := m.db.ExecContext(ctx, deleteExpiredSessionsQuery)
	if err != nil {
		return 0, domain.Unknownf(err, "cleaning up sessions")
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// HashToken computes the stored lookup hash of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func checkTokenFormat(token string) error {
	if !strings.HasPrefix(token, TokenPrefix) {
		return errors.New("missing token prefix")
	}
	encoded := strings.TrimPrefix(token, TokenPrefix)
	if encoded == "" {
		return errors.New("token too short")
	}
	if _, err := base64.RawURLEncoding.DecodeString(encoded); err != nil {
		return err
	}
	return nil
}
