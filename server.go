package resultflight

import (
	"log/slog"

	"google.golang.org/grpc"

	"github.com/hugr-lab/resultflight/flight"
	"github.com/hugr-lab/resultflight/internal/recovery"
)

// ServerOptions returns the gRPC server options a host is built with:
// panic recovery, authentication interceptors, message size limits and
// transport credentials.
//
// Example:
//
//	opts := resultflight.ServerOptions(resultflight.HostConfig{
//	    Auth: resultflight.BearerAuth(validateToken),
//	}, logger)
//	grpcServer := grpc.NewServer(opts...)
func ServerOptions(config HostConfig, logger *slog.Logger) []grpc.ServerOption {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			recovery.UnaryServerInterceptor(logger),
			flight.UnaryServerInterceptor(config.Auth),
		),
		grpc.ChainStreamInterceptor(
			recovery.StreamServerInterceptor(logger),
			flight.StreamServerInterceptor(config.Auth),
		),
	}

	// Add max message size if specified
	if config.MaxMessageSize > 0 {
		opts = append(opts,
			grpc.MaxRecvMsgSize(config.MaxMessageSize),
			grpc.MaxSendMsgSize(config.MaxMessageSize),
		)
	}

	if config.TLS != nil {
		opts = append(opts, grpc.Creds(config.TLS))
	}

	return opts
}
