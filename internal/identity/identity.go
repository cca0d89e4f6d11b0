// Package identity defines the engine's view of the portal's
// authentication collaborator. The engine never authenticates anyone
// itself; it receives an already-authenticated actor or an
// unauthenticated error.
package identity

import (
	"context"
	"errors"
)

// ErrUnauthenticated means the presented credential resolved to no
// actor.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Actor is the authenticated caller as the collaborator reports it.
type Actor struct {
	ID        uint   `yaml:"id"`
	Name      string `yaml:"name"`
	RankOrder int    `yaml:"rank_order"`
	Sovereign bool   `yaml:"sovereign"`
}

// Resolver turns an opaque bearer token into an actor.
type Resolver interface {
	ResolveToken(ctx context.Context, token string) (*Actor, error)
}

// Directory lists every known member, used to refresh the local
// member cache.
type Directory interface {
	Members(ctx context.Context) ([]Actor, error)
}

// Static is a config-backed Resolver and Directory for development
// and test deployments. Production portals plug in their own session
// lookup instead.
type Static struct {
	byToken map[string]Actor
}

// NewStatic builds a Static resolver from a token→actor map.
func NewStatic(tokens map[string]Actor) *Static {
	byToken := make(map[string]Actor, len(tokens))
	for token, actor := range tokens {
		byToken[token] = actor
	}
	return &Static{byToken: byToken}
}

// ResolveToken implements Resolver.
func (s *Static) ResolveToken(_ context.Context, token string) (*Actor, error) {
	actor, ok := s.byToken[token]
	if !ok {
		return nil, ErrUnauthenticated
	}
	return &actor, nil
}

// Members implements Directory.
func (s *Static) Members(context.Context) ([]Actor, error) {
	members := make([]Actor, 0, len(s.byToken))
	seen := make(map[uint]bool)
	for _, actor := range s.byToken {
		if seen[actor.ID] {
			continue
		}
		seen[actor.ID] = true
		members = append(members, actor)
	}
	return members, nil
}
