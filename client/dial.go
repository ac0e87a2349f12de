package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/hugr-lab/resultflight/auth"
	"github.com/hugr-lab/resultflight/mtls"
)

// DialOptions configures DialFlight.
type DialOptions struct {
	// TLS secures the channel, see mtls.ClientCredentials.
	// OPTIONAL: nil dials without TLS unless the address uses grpc+tls.
	TLS credentials.TransportCredentials

	// AccessToken is attached to every call as a bearer token.
	AccessToken string

	// MaxMessageSize raises the gRPC receive limit. OPTIONAL.
	MaxMessageSize int
}

type bearerMiddleware struct {
	token string
}

func (b *bearerMiddleware) StartCall(ctx context.Context) context.Context {
	if b.token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", auth.AuthorizationHeader(b.token))
}

// DialFlight connects to a Flight result host. addr is either host:port or
// a location URI such as grpc+tcp://host:port or grpc+tls://host:port.
func DialFlight(ctx context.Context, addr string, opts DialOptions) (flight.Client, error) {
	target, useTLS, err := parseTarget(addr)
	if err != nil {
		return nil, err
	}

	creds := opts.TLS
	if creds == nil {
		if useTLS {
			if creds, err = mtls.ClientCredentials(mtls.ClientOptions{}); err != nil {
				return nil, err
			}
		} else {
			creds = insecure.NewCredentials()
		}
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	if opts.MaxMessageSize > 0 {
		dialOpts = append(dialOpts, grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(opts.MaxMessageSize)))
	}

	var middleware []flight.ClientMiddleware
	if opts.AccessToken != "" {
		middleware = append(middleware, flight.CreateClientMiddleware(&bearerMiddleware{token: opts.AccessToken}))
	}

	c, err := flight.NewClientWithMiddlewareCtx(ctx, target, nil, middleware, dialOpts...)
	if err != nil {
		return nil, &ConnectionError{Addr: target, Err: err}
	}
	return c, nil
}

func parseTarget(addr string) (target string, useTLS bool, err error) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		// Plain host:port.
		return addr, false, nil
	}
	switch u.Scheme {
	case "grpc", "grpc+tcp":
		return u.Host, false, nil
	case "grpc+tls":
		return u.Host, true, nil
	default:
		return "", false, fmt.Errorf("unsupported location scheme %q", u.Scheme)
	}
}
