package flight

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hugr-lab/resultflight/store"
	"github.com/hugr-lab/resultflight/ticket"
)

var (
	// ErrQueryNotFound is returned when a query id is unknown to the registry.
	ErrQueryNotFound = errors.New("query not found")
	// ErrNoExecutor is returned by submit_query when the host has no compute layer.
	ErrNoExecutor = errors.New("no query executor configured")
	// ErrRegistryClosed is returned when a query is submitted during shutdown.
	ErrRegistryClosed = errors.New("query registry closed")
	// ErrQueryCanceled is the failure recorded for canceled queries.
	ErrQueryCanceled = errors.New("query canceled")
)

// errorCodes maps domain errors to gRPC status codes. Order matters for
// errors wrapping more than one sentinel.
var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{ticket.ErrMalformedTicket, codes.InvalidArgument},
	{ticket.ErrInvalidArgument, codes.InvalidArgument},
	{store.ErrNotFound, codes.NotFound},
	{store.ErrAlreadyConsumed, codes.FailedPrecondition},
	{store.ErrExpired, codes.DeadlineExceeded},
	{store.ErrDuplicateTicket, codes.AlreadyExists},
	{store.ErrArenaExhausted, codes.ResourceExhausted},
	{store.ErrForeignGuard, codes.InvalidArgument},
	{store.ErrClosed, codes.Unavailable},
	{ErrQueryNotFound, codes.NotFound},
	{ErrNoExecutor, codes.Unimplemented},
	{ErrRegistryClosed, codes.Unavailable},
	{context.Canceled, codes.Canceled},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
}

// ToStatus converts err into a gRPC status error. Errors that already carry
// a status are returned unchanged; unknown errors become codes.Internal.
func ToStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	for _, m := range errorCodes {
		if errors.Is(err, m.err) {
			return status.Error(m.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}

// FromStatus converts a gRPC status error received from a host back into the
// matching domain sentinel, wrapped with the server message. Codes without a
// domain meaning are returned unchanged.
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK {
		return err
	}

	var sentinel error
	switch st.Code() {
	case codes.InvalidArgument:
		sentinel = ticket.ErrMalformedTicket
	case codes.NotFound:
		sentinel = store.ErrNotFound
	case codes.FailedPrecondition:
		sentinel = store.ErrAlreadyConsumed
	case codes.DeadlineExceeded:
		sentinel = store.ErrExpired
	case codes.AlreadyExists:
		sentinel = store.ErrDuplicateTicket
	case codes.ResourceExhausted:
		sentinel = store.ErrArenaExhausted
	default:
		return err
	}
	return fmt.Errorf("%w: %s", sentinel, st.Message())
}
