// Package token issues and verifies the signed capability tokens that grant
// one recipient access to one document.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/signet-io/signet/model"
)

const issuer = "signet"

// Claims are the verified contents of a signing token. Expiry is returned
// rather than enforced here because the grace-period window depends on the
// document, which only the caller has loaded.
type Claims struct {
	DocumentID  string
	RecipientID string
	MemberEmail string
	TokenID     string
	ExpiresAt   time.Time
}

// Service signs and verifies capability tokens with an HMAC secret.
type Service struct {
	secret []byte
}

// NewService creates a token service. The secret must be non-empty.
func NewService(secret []byte) (*Service, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("token: secret must not be empty")
	}
	return &Service{secret: secret}, nil
}

type signingClaims struct {
	jwt.RegisteredClaims
	DocumentID  string `json:"doc"`
	RecipientID string `json:"rcp"`
	MemberEmail string `json:"mem,omitempty"`
	Nonce       string `json:"nonce"`
}

// Issue mints a signed token bound to (document, recipient, member). The
// returned tokenID is the jti used as the revocation identifier: validation
// compares it against the recipient's current identifier, so rotating the
// identifier revokes every outstanding token at once.
func (s *Service) Issue(docID, recipientID, memberEmail string, expiresAt time.Time) (string, string, error) {
	jti := uuid.New().String()
	signed, err := s.IssueShared(docID, recipientID, memberEmail, jti, expiresAt)
	if err != nil {
		return "", "", err
	}
	return signed, jti, nil
}

// IssueShared mints a token under a caller-chosen jti. Group slots use this
// to give every member a token carrying the same revocation identifier.
func (s *Service) IssueShared(docID, recipientID, memberEmail, tokenID string, expiresAt time.Time) (string, error) {
	if tokenID == "" {
		return "", fmt.Errorf("token: tokenID must not be empty")
	}
	nonce, err := randomNonce()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	claims := signingClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		DocumentID:  docID,
		RecipientID: recipientID,
		MemberEmail: memberEmail,
		Nonce:       nonce,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify checks the token signature and issuer and returns the claims.
// Expiry is deliberately not enforced here: the caller compares ExpiresAt
// against the document's grace window. An invalid signature, wrong issuer,
// or malformed token yields TOKEN_INVALID.
func (s *Service) Verify(signed string) (Claims, error) {
	var claims signingClaims
	_, err := jwt.ParseWithClaims(signed, &claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, model.NewSignerError(model.ErrTokenInvalid)
	}
	if claims.Issuer != issuer || claims.DocumentID == "" || claims.RecipientID == "" || claims.ID == "" {
		return Claims{}, model.NewSignerError(model.ErrTokenInvalid)
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Claims{
		DocumentID:  claims.DocumentID,
		RecipientID: claims.RecipientID,
		MemberEmail: claims.MemberEmail,
		TokenID:     claims.ID,
		ExpiresAt:   expiresAt,
	}, nil
}

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
