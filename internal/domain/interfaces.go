package domain

import (
	"context"
)

// Credential is a bearer token plus the identity it belongs to. Username is
// used only to scrub log and error output.
type Credential struct {
	Token    string
	Username string
}

// CredentialSource supplies bearer tokens for non-BYOK endpoints.
type CredentialSource interface {
	// Token returns the current credential. It returns ErrMissingCredential
	// when none is available.
	Token(ctx context.Context) (Credential, error)

	// Reset is invoked after the upstream rejected the credential with the
	// given HTTP status (401, 403 or 402) so the next Token call refreshes it.
	Reset(status int)
}

// TokenCounter provides token counting capabilities.
type TokenCounter interface {
	// CountTokens counts the tokens in the given request.
	// Returns the count and whether it's an estimate.
	CountTokens(ctx context.Context, req *TokenCountRequest) (*TokenCountResponse, error)

	// SupportsModel returns true if this counter supports the given model.
	SupportsModel(model string) bool
}
