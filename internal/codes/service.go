// Package codes manages the opaque entry codes handed to student groups. A
// code is minted by staff, validated once when a mediation session starts,
// and carries the human-readable session label shown at setup.
package codes

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"hwahaego/internal/models"
	"hwahaego/internal/redis"
)

const (
	DefaultTTL   = 7 * 24 * time.Hour
	cacheTTL     = 5 * time.Minute
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789" // no easily confused glyphs
	codeLength   = 6
	mintAttempts = 5
)

var (
	ErrInvalidCode = errors.New("unknown session code")
	ErrExpiredCode = errors.New("session code expired")
)

// Service validates and mints session codes against the database, with an
// optional redis cache in front of lookups.
type Service struct {
	db    *sql.DB
	cache *redis.Client // nil disables caching
	ttl   time.Duration
}

// NewService constructs a code service with the supplied code lifetime.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{db: db, cache: cache, ttl: ttl}
}

// Issue mints a new code for the given session label and persists it.
func (s *Service) Issue(ctx context.Context, label string) (models.SessionCode, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return models.SessionCode{}, errors.New("label is required")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.ttl)
	for i := 0; i < mintAttempts; i++ {
		code, err := newCode()
		if err != nil {
			return models.SessionCode{}, err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO session_codes (code, label, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			code, label, now, expiresAt,
		)
		if err == nil {
			return models.SessionCode{Code: code, Label: label, CreatedAt: now, ExpiresAt: expiresAt}, nil
		}
	}
	return models.SessionCode{}, errors.New("could not mint a unique code")
}

// Validate resolves a code to its session metadata, rejecting unknown and
// expired codes. Hits are cached; the cache is only a shortcut, the database
// stays authoritative.
func (s *Service) Validate(ctx context.Context, code string) (models.SessionCode, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return models.SessionCode{}, ErrInvalidCode
	}

	if s.cache != nil {
		var cached models.SessionCode
		if err := s.cache.GetJSON(ctx, cacheKey(code), &cached); err == nil {
			if cached.Expired(time.Now().UTC()) {
				return models.SessionCode{}, ErrExpiredCode
			}
			return cached, nil
		}
	}

	var sc models.SessionCode
	err := s.db.QueryRowContext(ctx,
		`SELECT code, label, created_at, expires_at FROM session_codes WHERE code = ?`, code,
	).Scan(&sc.Code, &sc.Label, &sc.CreatedAt, &sc.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.SessionCode{}, ErrInvalidCode
		}
		return models.SessionCode{}, fmt.Errorf("lookup code: %w", err)
	}
	if sc.Expired(time.Now().UTC()) {
		return models.SessionCode{}, ErrExpiredCode
	}

	if s.cache != nil {
		// cache failures never block validation
		_ = s.cache.SetJSON(ctx, cacheKey(code), sc, cacheTTL)
	}
	return sc, nil
}

// Revoke removes a code so it can no longer open sessions.
func (s *Service) Revoke(ctx context.Context, code string) error {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_codes WHERE code = ?`, code); err != nil {
		return fmt.Errorf("revoke code: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, cacheKey(code))
	}
	return nil
}

func cacheKey(code string) string {
	return "code:" + code
}

func newCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("mint code: %w", err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
