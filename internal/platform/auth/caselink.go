package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const caseLinkIssuer = "labcase"

// ErrInvalidCaseLink is returned for tokens that fail signature, expiry or
// claim checks.
var ErrInvalidCaseLink = errors.New("invalid case link token")

// CaseLinkClaims bind a portal link to one case and its manager.
type CaseLinkClaims struct {
	jwt.RegisteredClaims
	CaseID        string `json:"case_id"`
	CaseManagerID int64  `json:"case_manager_id"`
}

// CaseLinkSigner issues and verifies HS256 tokens embedded in notification
// links.
type CaseLinkSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewCaseLinkSigner returns an error for an empty key. A zero ttl issues
// tokens without expiry.
func NewCaseLinkSigner(key []byte, ttl time.Duration) (*CaseLinkSigner, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("case link signing key is required")
	}
	return &CaseLinkSigner{key: key, ttl: ttl, now: time.Now}, nil
}

func (s *CaseLinkSigner) Sign(caseID uuid.UUID, managerID int64) (string, error) {
	now := s.now()
	claims := CaseLinkClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   caseLinkIssuer,
			Subject:  caseID.String(),
			IssuedAt: jwt.NewNumericDate(now),
		},
		CaseID:        caseID.String(),
		CaseManagerID: managerID,
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign case link: %w", err)
	}
	return signed, nil
}

// Verify returns the case and manager a token was issued for.
func (s *CaseLinkSigner) Verify(tokenStr string) (uuid.UUID, int64, error) {
	claims := &CaseLinkClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(caseLinkIssuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || !token.Valid {
		return uuid.Nil, 0, ErrInvalidCaseLink
	}
	caseID, err := uuid.Parse(claims.CaseID)
	if err != nil || claims.CaseManagerID <= 0 {
		return uuid.Nil, 0, ErrInvalidCaseLink
	}
	return caseID, claims.CaseManagerID, nil
}
