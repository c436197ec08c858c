// Package contracts (this file) defines the pluggable auth boundary for
// the Control Surface: one strategy (API key) ships by default, but
// handlers and middleware only ever see an AuthProviderChain.
package contracts

import (
	"context"
	"net/http"
)

// ── Identity ────────────────────────────────────────────────

// Identity represents the caller behind an authenticated Control
// Surface request. Producing it is the job of an AuthProvider; the
// auth middleware stores it in the request context, and no handler
// reads it back — the engine has no per-route RBAC.
type Identity struct {
	Subject  string `json:"subject"`
	Provider string `json:"provider"`
	Role     string `json:"role,omitempty"`
}

// ── AuthProvider ────────────────────────────────────────────

// AuthProvider authenticates an HTTP request and returns an Identity.
//
// The chain pattern:
//   - Return (*Identity, nil) → authenticated, stop the chain
//   - Return (nil, nil) → this provider doesn't handle this request, try next
//   - Return (nil, error) → authentication was attempted but failed, reject
type AuthProvider interface {
	Name() string
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	Enabled() bool
}

// ── AuthProviderChain ───────────────────────────────────────

// AuthProviderChain tries registered providers in order until one
// returns an Identity.
type AuthProviderChain interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
	RegisterProvider(provider AuthProvider)
}
