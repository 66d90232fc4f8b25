package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ehr/assistant/internal/domain/access"
)

// DevSigningKey signs development tokens when AUTH_SIGNING_KEY is unset.
const DevSigningKey = "assistant-development-signing-key"

// IssueToken mints an HS256 token for claim. It exists for development
// servers, the ask command and tests; production tokens come from the
// identity provider.
func IssueToken(key []byte, issuer string, claim access.Claim, ttl time.Duration) (string, error) {
	if err := claim.Validate(); err != nil {
		return "", err
	}
	now := time.Now()
	c := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   claim.SubjectID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: claim.TenantID,
		Role:     claim.Role.String(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return s, nil
}
