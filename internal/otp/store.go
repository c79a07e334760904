// Package otp issues and verifies the one-time access codes that let a
// guest reach their dashboard without ever setting a password.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

const (
	codeLength = 6
	codeTTL    = 10 * time.Minute
)

var (
	ErrCodeInvalid = errors.New("otp: code invalid or expired")
)

// Store keeps bcrypt hashes of outstanding codes in Redis. The plain code
// exists only in the out-of-band message; a database or cache dump never
// reveals a usable code.
type Store struct {
	redis *redis.Client
}

func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func codeKey(identityID uuid.UUID) string {
	return "otp:" + identityID.String()
}

// Issue generates a fresh code for the identity, replacing any outstanding
// one, and returns the plain code for out-of-band delivery.
func (s *Store) Issue(ctx context.Context, identityID uuid.UUID) (string, error) {
	code, err := GenerateCode()
	if err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash access code: %w", err)
	}

	if err := s.redis.Set(ctx, codeKey(identityID), hash, codeTTL).Err(); err != nil {
		return "", fmt.Errorf("failed to store access code: %w", err)
	}
	return code, nil
}

// Verify consumes the code: a correct code verifies exactly once.
func (s *Store) Verify(ctx context.Context, identityID uuid.UUID, code string) error {
	key := codeKey(identityID)

	hash, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrCodeInvalid
	}
	if err != nil {
		return fmt.Errorf("failed to load access code: %w", err)
	}

	if bcrypt.CompareHashAndPassword(hash, []byte(code)) != nil {
		return ErrCodeInvalid
	}

	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to consume access code: %w", err)
	}
	return nil
}

// GenerateCode returns a crypto-random numeric code of fixed length.
func GenerateCode() (string, error) {
	digits := make([]byte, codeLength)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("failed to generate access code: %w", err)
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
