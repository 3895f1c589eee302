package auth_test

import (
	"errors"
	"testing"

	"github.com/steveyegge/gastown-townd/internal/auth"
)

func testResolver(secret string) auth.SecretResolver {
	return func(townID string) ([]byte, error) {
		return []byte(secret), nil
	}
}

func TestMintAndVerifyAgentToken(t *testing.T) {
	minter := auth.NewMinter(testResolver("shh"))

	token, err := minter.MintAgentToken("town-1", "rig-1", "agent-1")
	if err != nil {
		t.Fatalf("MintAgentToken: %v", err)
	}

	claims, err := minter.Verify("town-1", token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.AgentID != "agent-1" || claims.RigID != "rig-1" || claims.TownID != "town-1" {
		t.Errorf("claims = %+v, want agent-1/rig-1/town-1", claims)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	minted := auth.NewMinter(testResolver("secret-a"))
	token, err := minted.MintAgentToken("town-1", "rig-1", "agent-1")
	if err != nil {
		t.Fatalf("MintAgentToken: %v", err)
	}

	verifier := auth.NewMinter(testResolver("secret-b"))
	if _, err := verifier.Verify("town-1", token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("Verify with wrong secret: got %v, want ErrInvalidToken", err)
	}
}

func TestVerifyRejectsTownMismatch(t *testing.T) {
	minter := auth.NewMinter(testResolver("shh"))
	token, err := minter.MintAgentToken("town-1", "rig-1", "agent-1")
	if err != nil {
		t.Fatalf("MintAgentToken: %v", err)
	}
	if _, err := minter.Verify("town-2", token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Errorf("Verify with mismatched town: got %v, want ErrInvalidToken", err)
	}
}

func TestMayorTokenHasLongerTTL(t *testing.T) {
	if auth.MayorTokenTTL <= auth.AgentTokenTTL {
		t.Errorf("MayorTokenTTL (%v) should exceed AgentTokenTTL (%v)", auth.MayorTokenTTL, auth.AgentTokenTTL)
	}
}
