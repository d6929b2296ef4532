package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"regexp"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{3,64}$`)

// Service implements the account use cases: registration, deployment-time
// admin provisioning and API key authentication.
type Service struct {
	accounts Repository
	pepper   []byte
	now      func() time.Time
	newKey   func() (string, error)
}

// NewService creates a Service that hashes API keys with HMAC-SHA256 keyed by pepper.
func NewService(accounts Repository, pepper []byte) *Service {
	return &Service{
		accounts: accounts,
		pepper:   pepper,
		now:      time.Now,
		newKey:   generateKey,
	}
}

// HashKey returns the hex HMAC-SHA256 of an API key.
func (s *Service) HashKey(apiKey string) string {
	mac := hmac.New(sha256.New, s.pepper)
	mac.Write([]byte(apiKey))
	return hex.EncodeToString(mac.Sum(nil))
}

// Register creates a buyer or seller account together with its API key in a
// single write and returns the plaintext key. The key is not recoverable
// afterwards.
func (s *Service) Register(ctx context.Context, username string, role Role) (*Account, string, error) {
	if !usernamePattern.MatchString(username) {
		return nil, "", ErrInvalidUsername
	}
	if role != RoleBuyer && role != RoleSeller {
		return nil, "", errors.Wrapf(ErrRoleNotAllowed, "cannot self-register as %s", role)
	}

	key, err := s.newKey()
	if err != nil {
		return nil, "", errors.Wrap(err, "generate api key")
	}

	acc := &Account{
		ID:        uuid.New().String(),
		Username:  username,
		Role:      role,
		KeyHash:   s.HashKey(key),
		CreatedAt: s.now(),
	}
	if err := s.accounts.Create(ctx, acc); err != nil {
		return nil, "", errors.Wrap(err, "create account")
	}
	return acc, key, nil
}

// EnsureAdmin makes sure an admin account named username exists and
// authenticates with apiKey. It is meant to run at deployment time and is
// idempotent: re-running with the same inputs changes nothing.
func (s *Service) EnsureAdmin(ctx context.Context, username, apiKey string) (*Account, error) {
	if !usernamePattern.MatchString(username) {
		return nil, ErrInvalidUsername
	}
	if apiKey == "" {
		return nil, errors.New("admin api key is required")
	}
	hash := s.HashKey(apiKey)

	acc, err := s.accounts.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrNotFound):
		acc = &Account{
			ID:        uuid.New().String(),
			Username:  username,
			Role:      RoleAdmin,
			KeyHash:   hash,
			CreatedAt: s.now(),
		}
		if err := s.accounts.Create(ctx, acc); err != nil {
			return nil, errors.Wrap(err, "create admin")
		}
		return acc, nil
	case err != nil:
		return nil, errors.Wrap(err, "find admin")
	}

	if acc.Role != RoleAdmin {
		return nil, errors.Wrapf(ErrRoleNotAllowed, "account %q exists with role %s", username, acc.Role)
	}
	if acc.KeyHash != hash {
		if err := s.accounts.SetKeyHash(ctx, acc.ID, hash); err != nil {
			return nil, errors.Wrap(err, "rotate admin key")
		}
		acc.KeyHash = hash
	}
	return acc, nil
}

// Authenticate resolves an API key to the actor it belongs to. Every failure
// is reported as ErrUnauthorized.
func (s *Service) Authenticate(ctx context.Context, apiKey string) (Actor, error) {
	if apiKey == "" {
		return Actor{}, ErrUnauthorized
	}
	hash := s.HashKey(apiKey)

	acc, err := s.accounts.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Actor{}, ErrUnauthorized
		}
		return Actor{}, errors.Wrap(err, "find account")
	}

	stored, err := hex.DecodeString(acc.KeyHash)
	if err != nil {
		return Actor{}, ErrUnauthorized
	}
	computed, _ := hex.DecodeString(hash)
	if subtle.ConstantTimeCompare(computed, stored) != 1 {
		return Actor{}, ErrUnauthorized
	}
	return acc.Actor(), nil
}

func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
