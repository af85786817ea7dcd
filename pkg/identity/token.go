// Package identity implements the Identity Port: minting and verifying
// actor credentials. Every binding record in the log names a HUMAN
// actor; this package is where that claim is checked against a real
// credential rather than taken on faith.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Loopgate-Labs/loopgate/pkg/contracts"
)

// ErrNotHuman reports a credential whose verified kind is not HUMAN
// where a human is required.
var ErrNotHuman = errors.New("credential does not belong to a human actor")

// ErrNoProvider reports a credential-accepting entry point called on
// a service that was built without an identity provider.
var ErrNoProvider = errors.New("no identity provider configured")

// ActorClaims extends standard JWT claims with the actor kind and, for
// agent credentials, the human the agent acts on behalf of.
type ActorClaims struct {
	jwt.RegisteredClaims
	Kind        contracts.ActorKind `json:"kind"`
	DelegatorID string              `json:"delegator_id,omitempty"`
	Scopes      []string            `json:"scopes,omitempty"`
}

// Provider verifies credentials into actor identities.
type Provider interface {
	// Verify validates a credential and returns the actor it names.
	Verify(ctx context.Context, credential string) (contracts.ActorID, error)
	// RequireHuman is Verify plus a kind check. Binding records
	// (approvals, decisions, exception approvals) go through this.
	RequireHuman(ctx context.Context, credential string) (contracts.ActorID, error)
}

// TokenManager issues and verifies signed actor tokens.
type TokenManager struct {
	keySet KeySet
	issuer string
}

func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks, issuer: "loopgate/identity"}
}

// Issue creates a signed credential for an actor.
func (tm *TokenManager) Issue(ctx context.Context, actor contracts.ActorID, ttl time.Duration, scopes ...string) (string, error) {
	if err := actor.Validate(); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	claims := ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        contracts.NewEventID(),
			Subject:   actor.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    tm.issuer,
		},
		Kind:   actor.Kind,
		Scopes: scopes,
	}
	return tm.keySet.Sign(ctx, claims)
}

func (tm *TokenManager) Verify(ctx context.Context, credential string) (contracts.ActorID, error) {
	token, err := jwt.ParseWithClaims(credential, &ActorClaims{}, tm.keySet.KeyFunc(),
		jwt.WithIssuer(tm.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return contracts.ActorID{}, fmt.Errorf("verify credential: %w", err)
	}
	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return contracts.ActorID{}, jwt.ErrTokenSignatureInvalid
	}
	actor := contracts.ActorID{Kind: claims.Kind, ID: claims.Subject}
	if err := actor.Validate(); err != nil {
		return contracts.ActorID{}, err
	}
	return actor, nil
}

func (tm *TokenManager) RequireHuman(ctx context.Context, credential string) (contracts.ActorID, error) {
	actor, err := tm.Verify(ctx, credential)
	if err != nil {
		return contracts.ActorID{}, err
	}
	if !actor.IsHuman() {
		return contracts.ActorID{}, fmt.Errorf("actor %s is %s: %w", actor.ID, actor.Kind, ErrNotHuman)
	}
	return actor, nil
}
