package flight

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hugr-lab/resultflight/internal/serialize"
)

// ListFlights lists result chunks that are registered and not yet claimed.
// This RPC allows operators and clients to discover outstanding tickets
// without consuming them.
//
// On an authenticated host a caller only sees the chunks registered for its
// own identity: results of queries it submitted and chunks it uploaded.
//
// An empty criteria expression lists everything; otherwise it is a
// serialized ListCriteria restricting the listing to a path prefix such as
// [node, query]. Each chunk is reported as a FlightInfo carrying its ticket
// in both the CMD descriptor and the single endpoint.
func (s *Server) ListFlights(criteria *flight.Criteria, stream flight.FlightService_ListFlightsServer) error {
	var filter ListCriteria
	if expr := criteria.GetExpression(); len(expr) > 0 {
		if err := serialize.Unmarshal(expr, &filter); err != nil {
			return status.Errorf(codes.InvalidArgument, "invalid criteria: %v", err)
		}
	}

	identity := callerIdentity(stream.Context())
	s.logger.Debug("ListFlights called", "prefix", filter.Path, "identity", identity)

	listed := 0
	for _, d := range s.store.List(filter.Path) {
		if identity != "" && d.Owner != identity {
			continue
		}
		raw := d.Ticket.Bytes()
		endpoint := &flight.FlightEndpoint{Ticket: &flight.Ticket{Ticket: raw}}
		if s.location != "" {
			endpoint.Location = []*flight.Location{{Uri: s.location}}
		}
		info := &flight.FlightInfo{
			Schema:           flight.SerializeSchema(d.Schema, s.allocator),
			FlightDescriptor: &flight.FlightDescriptor{Type: flight.DescriptorCMD, Cmd: raw},
			Endpoint:         []*flight.FlightEndpoint{endpoint},
			TotalRecords:     d.Rows,
			TotalBytes:       d.EstimatedSize,
			Ordered:          true,
		}
		if err := stream.Send(info); err != nil {
			s.logger.Error("Failed to send FlightInfo", "error", err)
			return status.Errorf(codes.Internal, "failed to send flight info: %v", err)
		}
		listed++
	}

	s.logger.Debug("ListFlights completed", "chunks", listed)
	return nil
}
