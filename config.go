package resultflight

import (
	"errors"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/credentials"

	"github.com/hugr-lab/resultflight/auth"
	"github.com/hugr-lab/resultflight/client"
	"github.com/hugr-lab/resultflight/flight"
	"github.com/hugr-lab/resultflight/mtls"
	"github.com/hugr-lab/resultflight/resultset"
	"github.com/hugr-lab/resultflight/store"
	"github.com/hugr-lab/resultflight/ticket"
)

// DefaultPort is the well-known port of a Flight result host.
const DefaultPort = 47470

// DefaultShutdownTimeout bounds how long Close waits for in-flight streams.
const DefaultShutdownTimeout = 10 * time.Second

// HostConfig contains configuration for a Flight result host.
type HostConfig struct {
	// Host is the interface to bind.
	// OPTIONAL: empty binds all interfaces.
	Host string

	// Port to bind. 0 picks an ephemeral port.
	// Use DefaultHostConfig to start from DefaultPort.
	Port int

	// AdvertiseHost is the host name put into the advertised Location.
	// OPTIONAL: defaults to the canonical name of the local host.
	AdvertiseHost string

	// Allocator for Arrow memory management. The host owns it for its lifetime.
	// OPTIONAL: Uses memory.DefaultAllocator if nil.
	Allocator memory.Allocator

	// ArenaLimit bounds the bytes held by buffered results.
	// OPTIONAL: 0 means unbounded.
	ArenaLimit int64

	// IdleTimeout is how long a registered chunk waits for its consumer
	// before it expires. OPTIONAL: defaults to store.DefaultIdleTimeout.
	IdleTimeout time.Duration

	// SweepInterval is the period of the expiry sweep.
	// OPTIONAL: defaults to IdleTimeout/4.
	SweepInterval time.Duration

	// Executor runs submitted queries.
	// OPTIONAL: if nil, the host only serves tickets registered through Store().
	Executor flight.Executor

	// Auth provides authentication logic.
	// OPTIONAL: If nil, no authentication (all requests allowed).
	//
	// With Auth set, ListFlights only shows a caller the chunks registered for
	// its identity. A ticket itself is a capability: any authenticated caller
	// holding one can redeem it with DoGet, and its guard is a random UUID.
	Auth auth.Authenticator

	// TLS secures the endpoint, see mtls.ServerCredentials.
	// OPTIONAL: If nil, the endpoint is insecure.
	TLS credentials.TransportCredentials

	// MaxMessageSize sets maximum gRPC message size in bytes.
	// OPTIONAL: If 0, uses gRPC default (4MB).
	MaxMessageSize int

	// Logger for internal logging.
	// OPTIONAL: Uses slog.Default() if nil and LogLevel is nil.
	Logger *slog.Logger

	// LogLevel builds a stderr text logger at that level when Logger is nil.
	LogLevel *slog.Level

	// MetricsRegisterer receives the store metrics.
	// OPTIONAL: metrics are not exported if nil.
	MetricsRegisterer prometheus.Registerer

	// NodeID is the first element of ticket paths minted by this host.
	// OPTIONAL: defaults to the store instance id.
	NodeID string

	// QueryRetention is how long finished queries remain queryable.
	// OPTIONAL: defaults to flight.DefaultQueryRetention.
	QueryRetention time.Duration

	// ShutdownTimeout bounds the graceful part of Close.
	// OPTIONAL: defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

// DefaultHostConfig returns a config bound to DefaultPort on all interfaces.
func DefaultHostConfig() HostConfig {
	return HostConfig{Port: DefaultPort}
}

// Standard errors returned by resultflight packages.
var (
	// ErrUnauthorized indicates authentication failed.
	// Return this from Authenticator.Authenticate() for invalid tokens.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidConfig indicates HostConfig validation failed.
	ErrInvalidConfig = errors.New("invalid host config")

	// ErrBind indicates the host could not bind its port.
	ErrBind = errors.New("bind failed")

	// ErrHostClosed is returned by Start and Close on a closed host.
	ErrHostClosed = errors.New("host closed")

	ErrInvalidArgument         = ticket.ErrInvalidArgument
	ErrMalformedTicket         = ticket.ErrMalformedTicket
	ErrNotFound                = store.ErrNotFound
	ErrDuplicateTicket         = store.ErrDuplicateTicket
	ErrAlreadyConsumed         = store.ErrAlreadyConsumed
	ErrExpired                 = store.ErrExpired
	ErrArenaExhausted          = store.ErrArenaExhausted
	ErrUnsupportedResultFormat = resultset.ErrUnsupportedResultFormat
	ErrEncoding                = mtls.ErrEncoding
	ErrConnection              = client.ErrConnection
)
