// Package secrets resolves SASL credential pairs for memcached's
// List/Auth/Step handshake (spec.md §6, "SASL frames" — transported
// opaquely, never parsed by this client). A CredentialSource maps a
// SASL mechanism name to the username/password pair of an Auth request.
// This package only resolves the pair; no code in this repository sends
// SASL frames.
//
// Two implementations are provided: a local file-backed source
// (grounded on the teacher's internal/secrets AES-GCM cipher, adapted
// to a narrower mechanism->credential envelope instead of the
// teacher's arbitrary-env-var envelope) and an AWS-backed source for
// deployments authenticating a managed memcached endpoint (e.g.
// ElastiCache/MemoryDB IAM auth) via the AWS credential chain.
package secrets

import (
	"context"
	"errors"
)

// Credential is one SASL mechanism's username/password pair.
type Credential struct {
	Username string
	Password string
}

// ErrMechanismNotFound is returned when a CredentialSource has no
// credential registered for the requested mechanism.
var ErrMechanismNotFound = errors.New("secrets: mechanism not found")

// CredentialSource resolves a SASL mechanism name to its credential
// pair.
type CredentialSource interface {
	Resolve(ctx context.Context, mechanism string) (Credential, error)
}
