package auth

import (
	"context"
	"errors"
	"sort"

	"github.com/sakif/user-api/internal/model"
)

// ErrProfileNotFound is returned by FetchProfile for every failure: transport
// errors, timeouts, non-200 answers, malformed bodies and id mismatches.
var ErrProfileNotFound = errors.New("auth: external profile not found")

// Provider is a social identity provider.
//
// FAIL-CLOSED CONTRACT:
// Neither method surfaces a retryable error. Anything other than a clean,
// matching answer from the provider means "not found" / "invalid".
type Provider interface {
	// Name is the provider identifier used in requests, e.g. "weibo".
	Name() string

	// FetchProfile resolves externalID to a profile using accessToken.
	FetchProfile(ctx context.Context, accessToken, externalID string) (*model.ExternalProfile, error)

	// VerifyToken reports whether accessToken belongs to claimedExternalID.
	VerifyToken(ctx context.Context, accessToken, claimedExternalID string) bool
}

// ProviderRegistry maps provider names to implementations. Adding a provider
// means registering one more Provider here.
type ProviderRegistry struct {
	providers map[string]Provider
}

// NewProviderRegistry registers the given providers by Name.
func NewProviderRegistry(providers ...Provider) *ProviderRegistry {
	r := &ProviderRegistry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider registered under name.
func (r *ProviderRegistry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names returns the registered provider names in sorted order.
func (r *ProviderRegistry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
