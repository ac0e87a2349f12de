package flight

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hugr-lab/resultflight/store"
	"github.com/hugr-lab/resultflight/ticket"
)

// GetFlightInfo describes a ticket without consuming it.
//
// The descriptor must be of CMD type carrying the encoded ticket.
// Returns FlightInfo with:
//   - Schema: Arrow schema of the buffered batches
//   - TotalRecords / TotalBytes: row count and estimated size
//   - Endpoints: a single endpoint with the ticket and the host location
func (s *Server) GetFlightInfo(ctx context.Context, desc *flight.FlightDescriptor) (*flight.FlightInfo, error) {
	s.logger.Debug("GetFlightInfo called",
		"type", desc.GetType(),
		"cmd_size", len(desc.GetCmd()),
	)

	d, err := s.describe(desc)
	if err != nil {
		return nil, err
	}

	endpoint := &flight.FlightEndpoint{
		Ticket: &flight.Ticket{Ticket: d.Ticket.Bytes()},
	}
	if s.location != "" {
		endpoint.Location = []*flight.Location{{Uri: s.location}}
	}

	return &flight.FlightInfo{
		Schema:           flight.SerializeSchema(d.Schema, s.allocator),
		FlightDescriptor: desc,
		Endpoint:         []*flight.FlightEndpoint{endpoint},
		TotalRecords:     d.Rows,
		TotalBytes:       d.EstimatedSize,
		Ordered:          true,
	}, nil
}

// GetSchema returns the schema of a ticket without consuming it.
func (s *Server) GetSchema(ctx context.Context, desc *flight.FlightDescriptor) (*flight.SchemaResult, error) {
	d, err := s.describe(desc)
	if err != nil {
		return nil, err
	}
	return &flight.SchemaResult{Schema: flight.SerializeSchema(d.Schema, s.allocator)}, nil
}

func (s *Server) describe(desc *flight.FlightDescriptor) (store.Description, error) {
	if desc.GetType() != flight.DescriptorCMD {
		return store.Description{}, status.Error(codes.InvalidArgument, "descriptor must be CMD type carrying a ticket")
	}

	t, err := ticket.Decode(desc.GetCmd())
	if err != nil {
		return store.Description{}, ToStatus(err)
	}

	d, err := s.store.Describe(t)
	if err != nil {
		s.logger.Debug("Ticket not describable", "ticket", t.String(), "error", err)
		return store.Description{}, ToStatus(err)
	}
	return d, nil
}
