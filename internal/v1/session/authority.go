// Package session implements the session authority: short-lived anonymous
// identities, bearer-token issuance and verification, and the session hash
// that every other component reads through.
package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/devroulette/backend/internal/v1/errs"
	"github.com/devroulette/backend/internal/v1/store"
)

const (
	// TTL bounds both the session record and its tokens.
	TTL = 24 * time.Hour

	// LivenessWindow is how recently a session must have been seen to be
	// considered alive for queue purposes.
	LivenessWindow = 30 * time.Second

	// SocketTTL bounds the socket→session reverse mapping.
	SocketTTL = time.Hour
)

// Session hash field names (key layout: session:<sessionId>).
const (
	FieldCreatedAt      = "createdAt"
	FieldLastSeen       = "lastSeen"
	FieldSocketID       = "socketId"
	FieldSelectedMode   = "selectedMode"
	FieldConnectionType = "connectionType"
	FieldMatchID        = "matchId"
	FieldPeerID         = "peerId"
	FieldInQueue        = "inQueue"
	FieldReportCount    = "reportCount"
)

// Identity is the result of issuing a new anonymous session.
type Identity struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expiresIn"` // seconds
}

// Claims are the registered JWT claims carried by a session token.
// Subject is the session identifier.
type Claims struct {
	jwt.RegisteredClaims
}

// Authority issues and verifies anonymous session identities.
type Authority struct {
	store  *store.Store
	secret []byte
	now    func() time.Time // injectable clock for tests
}

// NewAuthority creates an Authority signing tokens with the given secret.
func NewAuthority(st *store.Store, secret string) *Authority {
	return &Authority{
		store:  st,
		secret: []byte(secret),
		now:    time.Now,
	}
}

func sessionKey(id string) string { return "session:" + id }

func socketKey(id string) string { return "socket:" + id }

// Issue creates a new session record and returns its identity and signed
// bearer token. Per-address rate limiting is enforced by the HTTP layer.
func (a *Authority) Issue(ctx context.Context) (Identity, error) {
	id := uuid.NewString()
	now := a.now()
	expiry := now.Add(TTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return Identity{}, errs.Wrap(errs.KindFatal, "failed to sign session token", err)
	}

	err = a.store.HSet(ctx, sessionKey(id), map[string]any{
		FieldCreatedAt:   strconv.FormatInt(now.UnixMilli(), 10),
		FieldLastSeen:    strconv.FormatInt(now.UnixMilli(), 10),
		FieldReportCount: "0",
	}, TTL)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		SessionID: id,
		Token:     token,
		ExpiresIn: int64(TTL.Seconds()),
	}, nil
}

// VerifyOffline checks the token signature and expiry without touching the
// store, and returns the embedded session identifier.
func (a *Authority) VerifyOffline(tokenString string) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errs.New(errs.KindAuthFailure, "token expired")
	case err != nil:
		return "", errs.Wrap(errs.KindAuthFailure, "invalid token", err)
	case !token.Valid, claims.Subject == "":
		return "", errs.New(errs.KindAuthFailure, "invalid token")
	}

	return claims.Subject, nil
}

// Verify validates the token and confirms the session record still exists.
func (a *Authority) Verify(ctx context.Context, tokenString string) (string, error) {
	id, err := a.VerifyOffline(tokenString)
	if err != nil {
		return "", err
	}

	exists, err := a.store.Exists(ctx, sessionKey(id))
	if err != nil {
		return "", err
	}
	if !exists {
		return "", errs.New(errs.KindAuthFailure, "unknown session")
	}

	return id, nil
}

// Touch updates last-seen and extends the session TTL.
func (a *Authority) Touch(ctx context.Context, sessionID string) error {
	return a.store.HSet(ctx, sessionKey(sessionID), map[string]any{
		FieldLastSeen: strconv.FormatInt(a.now().UnixMilli(), 10),
	}, TTL)
}

// BumpReportCount atomically increments the session's accumulated report
// count and returns the new value.
func (a *Authority) BumpReportCount(ctx context.Context, sessionID string) (int64, error) {
	return a.store.HIncrBy(ctx, sessionKey(sessionID), FieldReportCount, 1)
}

// Exists reports whether the session record is present.
func (a *Authority) Exists(ctx context.Context, sessionID string) (bool, error) {
	return a.store.Exists(ctx, sessionKey(sessionID))
}

// Record returns the raw session hash; empty map means the session expired.
func (a *Authority) Record(ctx context.Context, sessionID string) (map[string]string, error) {
	return a.store.HGetAll(ctx, sessionKey(sessionID))
}

// LastSeen returns the session's last-seen time. ok is false when the
// session or field is missing.
func (a *Authority) LastSeen(ctx context.Context, sessionID string) (time.Time, bool, error) {
	val, ok, err := a.store.HGet(ctx, sessionKey(sessionID), FieldLastSeen)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	ms, parseErr := strconv.ParseInt(val, 10, 64)
	if parseErr != nil {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

// IsLive reports whether the session exists and was seen within the
// liveness window.
func (a *Authority) IsLive(ctx context.Context, sessionID string) (bool, error) {
	seen, ok, err := a.LastSeen(ctx, sessionID)
	if err != nil || !ok {
		return false, err
	}
	return a.now().Sub(seen) <= LivenessWindow, nil
}

// CurrentRoom returns the session's current room identifier, if any.
func (a *Authority) CurrentRoom(ctx context.Context, sessionID string) (string, bool, error) {
	val, ok, err := a.store.HGet(ctx, sessionKey(sessionID), FieldMatchID)
	if err != nil || !ok {
		return "", false, err
	}
	return val, val != "", nil
}

// SetFields writes arbitrary session hash fields, refreshing the TTL.
func (a *Authority) SetFields(ctx context.Context, sessionID string, fields map[string]any) error {
	return a.store.HSet(ctx, sessionKey(sessionID), fields, TTL)
}

// ClearFields removes session hash fields.
func (a *Authority) ClearFields(ctx context.Context, sessionID string, fields ...string) error {
	return a.store.HDel(ctx, sessionKey(sessionID), fields...)
}

// BindSocket records the session's current connection identifier and the
// socket→session reverse mapping.
func (a *Authority) BindSocket(ctx context.Context, sessionID, socketID string) error {
	if err := a.SetFields(ctx, sessionID, map[string]any{FieldSocketID: socketID}); err != nil {
		return err
	}
	return a.store.Set(ctx, socketKey(socketID), sessionID, SocketTTL)
}

// SocketID returns the session's currently bound connection identifier.
func (a *Authority) SocketID(ctx context.Context, sessionID string) (string, bool, error) {
	val, ok, err := a.store.HGet(ctx, sessionKey(sessionID), FieldSocketID)
	if err != nil || !ok {
		return "", false, err
	}
	return val, val != "", nil
}

// ReleaseSocket clears the socket binding, but only if the session's bound
// socket still matches. A detach from a superseded transport is a no-op.
func (a *Authority) ReleaseSocket(ctx context.Context, sessionID, socketID string) (bool, error) {
	current, ok, err := a.SocketID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if !ok || current != socketID {
		return false, a.store.Del(ctx, socketKey(socketID))
	}
	if err := a.ClearFields(ctx, sessionID, FieldSocketID); err != nil {
		return false, err
	}
	return true, a.store.Del(ctx, socketKey(socketID))
}
