package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRecoverToError(t *testing.T) {
	err := RecoverToError(discard, "Execute", func() error {
		panic("boom")
	})
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("RecoverToError() error = %v, want ErrPanic", err)
	}

	want := errors.New("plain")
	if err := RecoverToError(discard, "Execute", func() error { return want }); err != want {
		t.Errorf("RecoverToError() error = %v, want %v", err, want)
	}
}

func TestRecover(t *testing.T) {
	ran := false
	Recover(discard, "cleanup", func() {
		ran = true
		panic("cleanup failed")
	})
	if !ran {
		t.Error("Recover() did not run fn")
	}
}

func TestUnaryServerInterceptor(t *testing.T) {
	interceptor := UnaryServerInterceptor(discard)
	info := &grpc.UnaryServerInfo{FullMethod: "/arrow.flight.protocol.FlightService/GetFlightInfo"}

	_, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		panic("handler bug")
	})
	if status.Code(err) != codes.Internal {
		t.Errorf("panic code = %v, want Internal", status.Code(err))
	}

	resp, err := interceptor(context.Background(), nil, info, func(ctx context.Context, req any) (any, error) {
		return "ok", status.Error(codes.NotFound, "missing")
	})
	if resp != "ok" || status.Code(err) != codes.NotFound {
		t.Errorf("interceptor() = %v, %v; want ok, NotFound", resp, err)
	}
}
