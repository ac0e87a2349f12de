package flight

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/hugr-lab/resultflight/auth"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey int

const (
	requestMetaKey contextKey = iota
)

// Metadata header keys understood by the host.
const (
	// HeaderAuthorization is the gRPC metadata header for the bearer token.
	HeaderAuthorization = "authorization"
	// HeaderTraceID is the gRPC metadata header for a distributed trace identifier.
	HeaderTraceID = "resultflight-trace-id"
	// HeaderUser is the gRPC metadata header naming the session user.
	HeaderUser = "resultflight-user"
	// HeaderSource is the gRPC metadata header naming the client application.
	HeaderSource = "resultflight-source"
)

// RequestMeta holds request metadata extracted from gRPC headers.
type RequestMeta struct {
	Authorization string
	TraceID       string
	User          string
	Source        string
}

func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey, &meta)
}

func MetaFromContext(ctx context.Context) *RequestMeta {
	meta, ok := ctx.Value(requestMetaKey).(*RequestMeta)
	if !ok {
		return nil
	}
	return meta
}

// AuthorizationFromContext retrieves the authorization header from context.
// Returns empty string if not set.
func AuthorizationFromContext(ctx context.Context) string {
	if meta := MetaFromContext(ctx); meta != nil {
		return meta.Authorization
	}
	return ""
}

// TraceIDFromContext returns the trace ID from context, or empty string if not set.
func TraceIDFromContext(ctx context.Context) string {
	if meta := MetaFromContext(ctx); meta != nil {
		return meta.TraceID
	}
	return ""
}

// UserFromContext returns the session user from context, or empty string if not set.
func UserFromContext(ctx context.Context) string {
	if meta := MetaFromContext(ctx); meta != nil {
		return meta.User
	}
	return ""
}

// callerIdentity returns the authenticated identity of the caller, or empty
// when the host runs without authentication or with NoAuth.
func callerIdentity(ctx context.Context) string {
	if identity := auth.IdentityFromContext(ctx); identity != auth.Anonymous {
		return identity
	}
	return ""
}

// EnrichContextMetadata extracts metadata from gRPC context and
// returns a new context with the metadata stored.
// If the context is already enriched, it is returned unchanged.
func EnrichContextMetadata(ctx context.Context) context.Context {
	if MetaFromContext(ctx) != nil {
		return ctx
	}
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}

	first := func(key string) string {
		if values := md.Get(key); len(values) > 0 {
			return values[0]
		}
		return ""
	}

	return WithRequestMeta(ctx, RequestMeta{
		Authorization: first(HeaderAuthorization),
		TraceID:       first(HeaderTraceID),
		User:          first(HeaderUser),
		Source:        first(HeaderSource),
	})
}
