package resultflight

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/hugr-lab/resultflight/flight"
	"github.com/hugr-lab/resultflight/internal/arena"
	"github.com/hugr-lab/resultflight/store"
)

// Location is the network address of a started host.
type Location struct {
	Host string
	Port int
	TLS  bool
}

// Addr returns host:port.
func (l Location) Addr() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// URI returns the Flight location URI, grpc+tcp:// or grpc+tls://.
func (l Location) URI() string {
	scheme := "grpc+tcp"
	if l.TLS {
		scheme = "grpc+tls"
	}
	return scheme + "://" + l.Addr()
}

func (l Location) String() string {
	return l.URI()
}

type hostState int

const (
	hostCreated hostState = iota
	hostStarted
	hostClosed
)

// Host binds a result store to a network endpoint. It owns the memory arena
// backing every buffered result and releases it on Close.
type Host struct {
	config  HostConfig
	logger  *slog.Logger
	arena   *arena.Arena
	store   *store.Store
	queries *flight.Registry
	server  *flight.Server
	grpc    *grpc.Server

	mu       sync.Mutex
	state    hostState
	location Location
	listener net.Listener
	group    *errgroup.Group
	done     chan struct{}
	serveErr error
}

// NewHost creates a host from config. The host does not bind its port until
// Start is called.
//
// Example:
//
//	host, err := resultflight.NewHost(resultflight.HostConfig{
//	    Port:     resultflight.DefaultPort,
//	    Executor: myExecutor,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := host.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer host.Close()
//	host.AwaitTermination()
func NewHost(config HostConfig) (*Host, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	if config.Allocator == nil {
		config.Allocator = memory.DefaultAllocator
	}
	if config.Logger == nil {
		if config.LogLevel != nil {
			config.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: *config.LogLevel,
			}))
		} else {
			config.Logger = slog.Default()
		}
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}

	a := arena.New(config.Allocator, config.ArenaLimit)
	st := store.New(a, store.Options{
		IdleTimeout:   config.IdleTimeout,
		SweepInterval: config.SweepInterval,
		Logger:        config.Logger,
		Metrics:       store.NewMetrics(config.MetricsRegisterer),
	})
	queries := flight.NewRegistry(st, config.Executor, config.Allocator, flight.RegistryOptions{
		NodeID:    config.NodeID,
		Retention: config.QueryRetention,
		Logger:    config.Logger,
	})

	return &Host{
		config:  config,
		logger:  config.Logger,
		arena:   a,
		store:   st,
		queries: queries,
		grpc:    grpc.NewServer(ServerOptions(config, config.Logger)...),
		done:    make(chan struct{}),
	}, nil
}

// validateConfig checks that HostConfig fields are valid.
func validateConfig(config HostConfig) error {
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d out of range", config.Port)
	}
	if config.ArenaLimit < 0 {
		return fmt.Errorf("arena limit must not be negative")
	}
	if config.MaxMessageSize < 0 {
		return fmt.Errorf("max message size must not be negative")
	}
	return nil
}

// Start binds the configured port and begins serving. It returns an error
// wrapping ErrBind if the port is unavailable; the host can then only be
// closed.
func (h *Host) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case hostStarted:
		return fmt.Errorf("host already started at %s", h.location)
	case hostClosed:
		return ErrHostClosed
	}

	addr := net.JoinHostPort(h.config.Host, strconv.Itoa(h.config.Port))
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}

	port := lis.Addr().(*net.TCPAddr).Port
	advertise := h.config.AdvertiseHost
	if advertise == "" {
		advertise = canonicalHostname()
	}
	h.location = Location{Host: advertise, Port: port, TLS: h.config.TLS != nil}

	h.server = flight.NewServer(h.store, h.queries, h.config.Allocator, h.logger, h.location.URI())
	flight.RegisterFlightServer(h.grpc, h.server)

	h.listener = lis
	h.state = hostStarted
	h.group = new(errgroup.Group)
	h.group.Go(func() error {
		defer close(h.done)
		err := h.grpc.Serve(lis)
		h.mu.Lock()
		h.serveErr = err
		h.mu.Unlock()
		return err
	})

	h.logger.Info("Flight host started",
		"address", lis.Addr().String(),
		"location", h.location.URI(),
		"has_auth", h.config.Auth != nil,
		"has_executor", h.config.Executor != nil,
		"arena_limit", h.config.ArenaLimit,
	)
	return nil
}

// AwaitTermination blocks until the host stops serving, either because
// Close was called or because serving failed. It returns the serve error,
// nil after an orderly Close.
func (h *Host) AwaitTermination() error {
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serveErr
}

// Close stops accepting connections, waits up to ShutdownTimeout for
// in-flight streams, then cancels the rest, releases every buffered result
// and finally the arena. A second Close returns ErrHostClosed.
func (h *Host) Close() error {
	h.mu.Lock()
	prev := h.state
	if prev == hostClosed {
		h.mu.Unlock()
		return ErrHostClosed
	}
	h.state = hostClosed
	group := h.group
	h.mu.Unlock()

	var errs []error
	if prev == hostStarted {
		stopped := make(chan struct{})
		go func() {
			h.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(h.config.ShutdownTimeout):
			h.logger.Warn("Graceful shutdown timed out, cancelling streams",
				"timeout", h.config.ShutdownTimeout,
			)
			h.grpc.Stop()
			<-stopped
		}
		if err := group.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errs = append(errs, err)
		}
	} else {
		h.grpc.Stop()
		close(h.done)
	}

	h.queries.Close()
	h.store.Close()
	if leaked := h.arena.Close(); leaked > 0 {
		h.logger.Warn("Released leaked result buffers", "count", leaked)
	}

	h.logger.Info("Flight host closed", "location", h.location.URI())
	return errors.Join(errs...)
}

// Location returns the advertised address. It is the zero Location before Start.
func (h *Host) Location() Location {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.location
}

// Addr returns the bound listener address, or nil before Start.
func (h *Host) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Store returns the result store for producers running in this process.
func (h *Host) Store() *store.Store {
	return h.store
}

// Queries returns the query registry.
func (h *Host) Queries() *flight.Registry {
	return h.queries
}

// canonicalHostname returns the lower-cased canonical name of the local host.
func canonicalHostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	if cname, err := net.LookupCNAME(name); err == nil && cname != "" {
		name = cname
	}
	return strings.ToLower(strings.TrimSuffix(name, "."))
}
