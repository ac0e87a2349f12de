package flight

import (
	"errors"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hugr-lab/resultflight/internal/arena"
	"github.com/hugr-lab/resultflight/internal/serialize"
	"github.com/hugr-lab/resultflight/store"
	"github.com/hugr-lab/resultflight/ticket"
)

// DoPut registers the uploaded batches as one result chunk.
// This RPC lets producers running in other processes publish results: they
// obtain a guard with the new_guard action, build a ticket from it and
// upload the chunk with the encoded ticket as a CMD descriptor.
//
// The response is a single PutResult whose AppMetadata is a serialized
// PutResponse.
func (s *Server) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx := EnrichContextMetadata(stream.Context())

	s.logger.Debug("DoPut called")

	// Receive first message to get descriptor and schema
	msg, err := stream.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.logger.Warn("DoPut stream closed before receiving descriptor")
			return status.Error(codes.InvalidArgument, "no descriptor received")
		}
		s.logger.Error("Failed to receive DoPut message", "error", err)
		return status.Errorf(codes.Internal, "failed to receive message: %v", err)
	}

	descriptor := msg.GetFlightDescriptor()
	if descriptor == nil {
		return status.Error(codes.InvalidArgument, "missing flight descriptor")
	}
	if descriptor.GetType() != flight.DescriptorCMD {
		return status.Errorf(codes.InvalidArgument, "unsupported descriptor type: %v", descriptor.GetType())
	}

	t, err := ticket.Decode(descriptor.GetCmd())
	if err != nil {
		return ToStatus(err)
	}

	reader, err := flight.NewRecordReader(newFlightDataReader(msg, stream), ipc.WithAllocator(s.allocator))
	if err != nil {
		s.logger.Error("Failed to create record reader", "error", err)
		return status.Errorf(codes.InvalidArgument, "failed to read schema: %v", err)
	}
	defer reader.Release()

	var records []arrow.Record
	defer func() {
		for _, rec := range records {
			rec.Release()
		}
	}()
	var rows, size int64
	available := s.store.Available()
	for reader.Next() {
		rec := reader.Record()
		size += arena.RecordSize(rec)
		if available >= 0 && size > available {
			s.logger.Debug("Upload exceeds arena capacity", "ticket", t.String(), "bytes", size, "available", available)
			return ToStatus(fmt.Errorf("upload %s: %w: %d bytes exceed the %d available", t, store.ErrArenaExhausted, size, available))
		}
		rec.Retain()
		records = append(records, rec)
		rows += rec.NumRows()
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Error("Error reading records", "ticket", t.String(), "error", err)
		return status.Errorf(codes.Internal, "error reading records: %v", err)
	}

	if err := s.store.RegisterOwned(callerIdentity(ctx), t, reader.Schema(), records...); err != nil {
		s.logger.Debug("Uploaded chunk rejected", "ticket", t.String(), "error", err)
		return ToStatus(err)
	}

	d, err := s.store.Describe(t)
	if err != nil {
		// Already claimed by a fast consumer.
		d.Batches, d.Rows = len(records), rows
	}
	meta, err := serialize.Marshal(PutResponse{Batches: d.Batches, Rows: d.Rows, Bytes: d.EstimatedSize})
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	if err := stream.Send(&flight.PutResult{AppMetadata: meta}); err != nil {
		s.logger.Error("Failed to send PutResult", "error", err)
		return status.Errorf(codes.Internal, "failed to send result: %v", err)
	}

	s.logger.Debug("DoPut completed",
		"ticket", t.String(),
		"user", UserFromContext(ctx),
		"batches", len(records),
		"rows", rows,
	)
	return nil
}

// doPutDataStream wraps a DoPut stream with a prepended first message.
// This allows using flight.NewRecordReader which expects to read from the stream directly.
type doPutDataStream struct {
	firstMsg  *flight.FlightData
	stream    flight.FlightService_DoPutServer
	firstSent bool
}

// newFlightDataReader creates a DataStreamReader that prepends the first message
// to the stream, allowing use with flight.NewRecordReader.
func newFlightDataReader(firstMsg *flight.FlightData, stream flight.FlightService_DoPutServer) flight.DataStreamReader {
	return &doPutDataStream{firstMsg: firstMsg, stream: stream}
}

// Recv implements the DataStreamReader interface for flight.NewRecordReader.
func (s *doPutDataStream) Recv() (*flight.FlightData, error) {
	if !s.firstSent {
		s.firstSent = true
		return s.firstMsg, nil
	}
	return s.stream.Recv()
}
