package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
)

// bearerAuthenticator wraps a user-provided validation function.
type bearerAuthenticator struct {
	validateFunc func(token string) (identity string, err error)
}

// BearerAuth creates an Authenticator from a validation function.
//
// Example:
//
//	auth := BearerAuth(func(token string) (string, error) {
//	    user, err := validateWithMyBackend(token)
//	    if err != nil {
//	        return "", resultflight.ErrUnauthorized
//	    }
//	    return user.ID, nil
//	})
func BearerAuth(validateFunc func(token string) (identity string, err error)) Authenticator {
	return &bearerAuthenticator{
		validateFunc: validateFunc,
	}
}

// Authenticate calls the user-provided validation function with the token.
func (b *bearerAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	return b.validateFunc(token)
}

// StaticTokens returns an Authenticator accepting a fixed set of tokens,
// each mapped to the identity it authenticates. resultd uses it for tokens
// listed in its configuration.
func StaticTokens(tokens map[string]string) Authenticator {
	copied := make(map[string]string, len(tokens))
	for token, identity := range tokens {
		copied[token] = identity
	}
	return BearerAuth(func(token string) (string, error) {
		for known, identity := range copied {
			if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
				return identity, nil
			}
		}
		return "", fmt.Errorf("%w: unknown token", ErrUnauthenticated)
	})
}
