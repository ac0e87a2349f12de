package resultflight

import (
	"context"

	"github.com/hugr-lab/resultflight/auth"
)

// Authenticator validates bearer tokens and returns user identity.
// This is re-exported from the auth package for convenience.
type Authenticator = auth.Authenticator

// BearerAuth creates an Authenticator from a validation function.
//
// Example:
//
//	auth := resultflight.BearerAuth(func(token string) (string, error) {
//	    user, err := validateWithMyBackend(token)
//	    if err != nil {
//	        return "", resultflight.ErrUnauthorized
//	    }
//	    return user.ID, nil
//	})
//
//	config := resultflight.HostConfig{
//	    Port: resultflight.DefaultPort,
//	    Auth: auth,
//	}
func BearerAuth(validateFunc func(token string) (identity string, err error)) Authenticator {
	return auth.BearerAuth(validateFunc)
}

// StaticTokens creates an Authenticator accepting a fixed token to
// identity mapping.
func StaticTokens(tokens map[string]string) Authenticator {
	return auth.StaticTokens(tokens)
}

// NoAuth returns an Authenticator that allows all requests without validation.
// Useful for development and testing. DO NOT use in production.
func NoAuth() Authenticator {
	return auth.NoAuth()
}

// IdentityFromContext retrieves the authenticated user identity from context.
// Returns empty string if no identity is set (unauthenticated request).
// Interceptors set it before handlers run.
func IdentityFromContext(ctx context.Context) string {
	return auth.IdentityFromContext(ctx)
}
