package testutil

import (
	"context"
	"net/http"

	gateway "github.com/eugener/llmgateway/internal"
)

// FakeAuth always authenticates successfully as a fixed key identity.
type FakeAuth struct{}

// Authenticate returns a test identity with no budget restriction.
func (FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*gateway.KeyIdentity, error) {
	return &gateway.KeyIdentity{KeyID: "test-key", KeyHash: "test-hash"}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrUnauthorized.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.KeyIdentity, error) {
	return nil, gateway.NewUnauthorized("invalid api key")
}
