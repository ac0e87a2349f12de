package flight

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hugr-lab/resultflight/ticket"
)

// DoGet streams the batches registered under a ticket in ordinal order.
//
// The handler:
//  1. Decodes the ticket (InvalidArgument if malformed)
//  2. Claims it in the store; a ticket can be claimed once
//  3. Streams its batches using Arrow IPC format
//  4. Releases the claimed memory whether or not the client read everything
func (s *Server) DoGet(tkt *flight.Ticket, stream flight.FlightService_DoGetServer) error {
	ctx := EnrichContextMetadata(stream.Context())

	s.logger.Debug("DoGet called", "ticket_size", len(tkt.GetTicket()))

	t, err := ticket.Decode(tkt.GetTicket())
	if err != nil {
		s.logger.Error("Failed to decode ticket", "error", err)
		return ToStatus(err)
	}

	delivery, err := s.store.Stream(t)
	if err != nil {
		s.logger.Debug("Ticket not streamable", "ticket", t.String(), "error", err)
		return ToStatus(err)
	}
	defer delivery.Release()

	writer := flight.NewRecordWriter(stream,
		ipc.WithSchema(delivery.Schema()),
		ipc.WithAllocator(s.allocator),
	)
	defer writer.Close()

	batchCount := 0
	totalRows := int64(0)

	for delivery.Next() {
		select {
		case <-ctx.Done():
			s.logger.Debug("DoGet cancelled by client",
				"ticket", t.String(),
				"batches_sent", batchCount,
				"rows_sent", totalRows,
			)
			return status.Error(codes.Canceled, "request cancelled")
		default:
		}

		record := delivery.Record()
		if err := writer.Write(record); err != nil {
			s.logger.Error("Failed to write record batch",
				"ticket", t.String(),
				"batch", batchCount,
				"error", err,
			)
			return status.Errorf(codes.Internal, "failed to write batch %d: %v", batchCount, err)
		}
		batchCount++
		totalRows += record.NumRows()
	}

	if err := writer.Close(); err != nil {
		return status.Errorf(codes.Internal, "failed to finish stream: %v", err)
	}

	s.logger.Debug("DoGet completed",
		"ticket", t.String(),
		"user", UserFromContext(ctx),
		"batches", batchCount,
		"rows", totalRows,
	)
	return nil
}
