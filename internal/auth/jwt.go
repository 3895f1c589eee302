// Package auth mints and verifies the HS256 tokens agents, mayors, and
// town-scoped callers present to the core. A SecretResolver hides
// whether the signing key is a plain in-process string or a handle
// into an external secret store (spec.md §5).
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when a token fails signature or claim
// validation.
var ErrInvalidToken = errors.New("invalid token")

// SecretResolver returns the signing secret for a town. Implementations
// may read a plain config value or call out to an external secret
// store; callers of this package never see the distinction.
type SecretResolver func(townID string) ([]byte, error)

// Claims is the payload minted into every town-core token.
type Claims struct {
	AgentID string `json:"agentId,omitempty"`
	RigID   string `json:"rigId,omitempty"`
	TownID  string `json:"townId"`
	UserID  string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// AgentTokenTTL is how long an agent-scoped token remains valid.
const AgentTokenTTL = 8 * time.Hour

// MayorTokenTTL is how long a mayor-scoped token remains valid.
const MayorTokenTTL = 24 * time.Hour

// Minter mints and verifies tokens for one town.
type Minter struct {
	resolve SecretResolver
}

// NewMinter creates a Minter using resolve to look up signing secrets.
func NewMinter(resolve SecretResolver) *Minter {
	return &Minter{resolve: resolve}
}

// MintAgentToken mints an agent-scoped token for townID/rigID/agentID
// with an 8h TTL.
func (m *Minter) MintAgentToken(townID, rigID, agentID string) (string, error) {
	return m.mint(townID, Claims{
		AgentID: agentID,
		RigID:   rigID,
		TownID:  townID,
	}, AgentTokenTTL)
}

// MintMayorToken mints a mayor-scoped token for townID with a 24h TTL.
func (m *Minter) MintMayorToken(townID, userID string) (string, error) {
	return m.mint(townID, Claims{
		TownID: townID,
		UserID: userID,
	}, MayorTokenTTL)
}

func (m *Minter) mint(townID string, claims Claims, ttl time.Duration) (string, error) {
	secret, err := m.resolve(townID)
	if err != nil {
		return "", fmt.Errorf("resolving signing secret: %w", err)
	}
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates tokenStr against townID's signing secret.
func (m *Minter) Verify(townID, tokenStr string) (*Claims, error) {
	secret, err := m.resolve(townID)
	if err != nil {
		return nil, fmt.Errorf("resolving signing secret: %w", err)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TownID != townID {
		return nil, fmt.Errorf("%w: town mismatch", ErrInvalidToken)
	}
	return claims, nil
}
