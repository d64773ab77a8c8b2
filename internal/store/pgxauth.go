// Package store provides the collaborator implementations (C10) that back
// the smtp package's AuthBackend and MessageSink interfaces against Postgres
// and S3: credential verification, message persistence, and raw-body offload.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/home-lang/esmtpd/internal/smtp"
)

// PgxAuthBackend implements smtp.AuthBackend against a "principals" table
// (username, password_hash) verified with bcrypt. On success it issues a
// short-lived JWT as the returned principal, from which ParsePrincipal
// recovers the username without a second database round-trip. Grounded on
// the teacher's internal/auth/token_service.go
// and internal/auth/password_validator.go, adapted from a webapp login flow
// to SASL PLAIN/LOGIN verification.
type PgxAuthBackend struct {
	pool       *pgxpool.Pool
	jwtSecret  string
	issuer     string
	tokenTTL   time.Duration
}

// NewPgxAuthBackend constructs a PgxAuthBackend. jwtSecret signs the issued
// principal tokens with HS256; tokenTTL bounds their validity.
func NewPgxAuthBackend(pool *pgxpool.Pool, jwtSecret, issuer string, tokenTTL time.Duration) *PgxAuthBackend {
	if tokenTTL <= 0 {
		tokenTTL = time.Hour
	}
	return &PgxAuthBackend{pool: pool, jwtSecret: jwtSecret, issuer: issuer, tokenTTL: tokenTTL}
}

// Verify checks user/pass against the principals table and, on success,
// returns a signed JWT identifying the user as the session's principal.
func (a *PgxAuthBackend) Verify(ctx context.Context, user, pass string) (string, error) {
	var (
		userID       string
		passwordHash string
		active       bool
	)
	err := a.pool.QueryRow(ctx,
		`SELECT id, password_hash, active FROM principals WHERE username = $1`,
		user,
	).Scan(&userID, &passwordHash, &active)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", smtp.ErrInvalidCredentials
	}
	if err != nil {
		return "", smtp.ErrTemporaryAuthFailure
	}
	if !active {
		return "", smtp.ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) != nil {
		return "", smtp.ErrInvalidCredentials
	}

	claims := principalClaims{
		Username: user,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(a.jwtSecret))
	if err != nil {
		return "", smtp.ErrTemporaryAuthFailure
	}
	return signed, nil
}

type principalClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// ParsePrincipal validates a token previously issued by Verify and returns
// the username it was issued for, for code that holds a Session's principal
// and needs the underlying identity rather than the token.
func ParsePrincipal(tokenString, jwtSecret string) (string, error) {
	claims := &principalClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(jwtSecret), nil
	})
	if err != nil || !token.Valid {
		return "", errors.New("invalid principal token")
	}
	return claims.Username, nil
}
