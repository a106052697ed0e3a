// Package otp generates, hashes, and verifies the one-time codes used for
// multi-factor verification of signers, and enforces attempt lockout.
package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/signet-io/signet/model"
)

// Record is the stored state for one (document, recipient) challenge.
type Record struct {
	HashedCode  []byte    `json:"hashed_code"`
	ExpiresAt   time.Time `json:"expires_at"`
	Attempts    int       `json:"attempts"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
}

// Store persists OTP records. Implementations must make IncrementAttempts
// atomic so the lockout threshold is exact under concurrent verification.
type Store interface {
	// Save stores a fresh challenge, resetting the attempt counter.
	Save(ctx context.Context, key string, rec Record, ttl time.Duration) error

	// Get returns the record for a key, or ok=false if none exists.
	Get(ctx context.Context, key string) (Record, bool, error)

	// IncrementAttempts atomically increments and returns the attempt count.
	IncrementAttempts(ctx context.Context, key string) (int, error)

	// Lock sets the lock-until timestamp for a key.
	Lock(ctx context.Context, key string, until time.Time) error

	// Delete removes the record and its counters. Consumed and expired
	// records are inert.
	Delete(ctx context.Context, key string) error
}

// Key builds the standard OTP record key.
func Key(docID, recipientID string) string {
	return fmt.Sprintf("otp:%s:%s", docID, recipientID)
}

// Service implements OTP generation and verification with lockout.
type Service struct {
	store        Store
	ttl          time.Duration
	maxAttempts  int
	lockDuration time.Duration
}

// NewService creates an OTP service.
func NewService(store Store, ttl time.Duration, maxAttempts int, lockDuration time.Duration) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if lockDuration <= 0 {
		lockDuration = 30 * time.Minute
	}
	return &Service{
		store:        store,
		ttl:          ttl,
		maxAttempts:  maxAttempts,
		lockDuration: lockDuration,
	}
}

// Generate creates a 6-digit code for the recipient, stores its hash, and
// returns the plain code for delivery. Any previous challenge is replaced
// and the attempt counter reset.
func (s *Service) Generate(ctx context.Context, docID, recipientID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}

	code, err := randomCode()
	if err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("otp: hash code: %w", err)
	}

	rec := Record{
		HashedCode: hashed,
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}
	if err := s.store.Save(ctx, Key(docID, recipientID), rec, ttl); err != nil {
		return "", fmt.Errorf("otp: save record: %w", err)
	}
	return code, nil
}

// Verify compares a submitted code against the stored hash. Each wrong
// attempt increments the counter; reaching the threshold locks the recipient
// for the lock duration, and attempts during the lock are rejected without
// consuming an attempt. A correct verification consumes the record.
func (s *Service) Verify(ctx context.Context, docID, recipientID, code string) error {
	key := Key(docID, recipientID)
	now := time.Now().UTC()

	rec, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("otp: load record: %w", err)
	}

	if ok && now.Before(rec.LockedUntil) {
		return model.NewLockedOutError(int(rec.LockedUntil.Sub(now).Seconds()) + 1)
	}

	if !ok || now.After(rec.ExpiresAt) {
		return model.NewSignerError(model.ErrOTPIncorrect)
	}

	if bcrypt.CompareHashAndPassword(rec.HashedCode, []byte(code)) != nil {
		attempts, err := s.store.IncrementAttempts(ctx, key)
		if err != nil {
			return fmt.Errorf("otp: count attempt: %w", err)
		}
		if attempts >= s.maxAttempts {
			until := now.Add(s.lockDuration)
			if err := s.store.Lock(ctx, key, until); err != nil {
				return fmt.Errorf("otp: set lock: %w", err)
			}
			return model.NewLockedOutError(int(s.lockDuration.Seconds()))
		}
		return model.NewSignerError(model.ErrOTPIncorrect)
	}

	// Success consumes the record and resets the counter.
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("otp: consume record: %w", err)
	}
	return nil
}

// randomCode draws a uniform 6-digit code from crypto/rand.
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("otp: generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
