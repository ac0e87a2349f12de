// Package flight serves buffered query results over Arrow Flight.
//
// DoGet streams the batches registered under a ticket exactly once,
// GetFlightInfo and GetSchema describe a ticket without consuming it, and
// DoAction submits, polls and cancels queries on the compute layer.
// Producers in other processes upload chunks with DoPut under guards minted
// by the new_guard action; ListFlights shows what is still unclaimed.
package flight

import (
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"

	"github.com/hugr-lab/resultflight/store"
)

// Server implements the Flight service handlers.
// Embeds BaseFlightServer for forward compatibility with protocol changes.
type Server struct {
	flight.BaseFlightServer

	store     *store.Store
	queries   *Registry
	allocator memory.Allocator
	logger    *slog.Logger
	location  string // URI advertised in FlightEndpoint locations
}

// NewServer creates a Flight server over st. queries may be nil, in which
// case the query actions report ErrNoExecutor. location is the URI clients
// should use to fetch tickets; it may be empty.
func NewServer(st *store.Store, queries *Registry, allocator memory.Allocator, logger *slog.Logger, location string) *Server {
	if allocator == nil {
		allocator = memory.DefaultAllocator
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:     st,
		queries:   queries,
		allocator: allocator,
		logger:    logger,
		location:  location,
	}
}

// RegisterFlightServer registers the Flight service on the provided gRPC server.
func RegisterFlightServer(grpcServer *grpc.Server, flightServer *Server) {
	flight.RegisterFlightServiceServer(grpcServer, flightServer)
}
