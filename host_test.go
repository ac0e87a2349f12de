package resultflight

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hugr-lab/resultflight/client"
	rflight "github.com/hugr-lab/resultflight/flight"
	"github.com/hugr-lab/resultflight/mtls"
	"github.com/hugr-lab/resultflight/resultset"
	"github.com/hugr-lab/resultflight/ticket"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var testSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.PrimitiveTypes.Int64},
}, nil)

func buildBatch(alloc memory.Allocator, ids ...int64) arrow.Record {
	b := array.NewRecordBuilder(alloc, testSchema)
	defer b.Release()
	b.Field(0).(*array.Int64Builder).AppendValues(ids, nil)
	return b.NewRecord()
}

// startHost starts a host on an ephemeral loopback port and closes it when
// the test ends, asserting that every buffer went back to the allocator.
func startHost(t *testing.T, config HostConfig) (*Host, *memory.CheckedAllocator) {
	t.Helper()

	alloc := memory.NewCheckedAllocator(memory.NewGoAllocator())
	config.Host = "127.0.0.1"
	config.AdvertiseHost = "127.0.0.1"
	config.Allocator = alloc
	config.Logger = testLogger
	config.SweepInterval = -1

	h, err := NewHost(config)
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil && !errors.Is(err, ErrHostClosed) {
			t.Errorf("Close() error = %v", err)
		}
		alloc.AssertSize(t, 0)
	})
	return h, alloc
}

func dialHost(t *testing.T, h *Host, opts client.DialOptions) flight.Client {
	t.Helper()
	fc, err := client.DialFlight(context.Background(), h.Location().URI(), opts)
	if err != nil {
		t.Fatalf("DialFlight() error = %v", err)
	}
	t.Cleanup(func() { fc.Close() })
	return fc
}

// readTicket redeems raw and returns the ids it carried.
func readTicket(ctx context.Context, fc flight.Client, raw []byte) ([]int64, error) {
	stream, err := fc.DoGet(ctx, &flight.Ticket{Ticket: raw})
	if err != nil {
		return nil, err
	}
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var ids []int64
	for reader.Next() {
		ids = append(ids, reader.Record().Column(0).(*array.Int64).Int64Values()...)
	}
	return ids, reader.Err()
}

func TestNewHostValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		config HostConfig
	}{
		{"negative port", HostConfig{Port: -1}},
		{"port too large", HostConfig{Port: 70000}},
		{"negative arena limit", HostConfig{ArenaLimit: -1}},
		{"negative message size", HostConfig{MaxMessageSize: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewHost(tt.config)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("NewHost() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestHostBindError(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer lis.Close()

	h, err := NewHost(HostConfig{
		Host:   "127.0.0.1",
		Port:   lis.Addr().(*net.TCPAddr).Port,
		Logger: testLogger,
	})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	if err := h.Start(); !errors.Is(err, ErrBind) {
		t.Errorf("Start() error = %v, want ErrBind", err)
	}
	if err := h.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestHostLifecycle(t *testing.T) {
	h, err := NewHost(HostConfig{Logger: testLogger})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	if h.Addr() != nil {
		t.Errorf("Addr() before Start = %v, want nil", h.Addr())
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() before Start error = %v", err)
	}
	if err := h.Start(); !errors.Is(err, ErrHostClosed) {
		t.Errorf("Start() after Close error = %v, want ErrHostClosed", err)
	}
	if err := h.Close(); !errors.Is(err, ErrHostClosed) {
		t.Errorf("second Close() error = %v, want ErrHostClosed", err)
	}
	if err := h.AwaitTermination(); err != nil {
		t.Errorf("AwaitTermination() = %v", err)
	}
}

func TestHostLocation(t *testing.T) {
	h, _ := startHost(t, HostConfig{})

	loc := h.Location()
	port := h.Addr().(*net.TCPAddr).Port
	if loc.Host != "127.0.0.1" || loc.Port != port || loc.TLS {
		t.Errorf("Location() = %+v, want 127.0.0.1:%d without TLS", loc, port)
	}
	if want := "grpc+tcp://127.0.0.1:" + strconv.Itoa(port); loc.URI() != want {
		t.Errorf("URI() = %q, want %q", loc.URI(), want)
	}
	if err := h.Start(); err == nil {
		t.Error("second Start() succeeded")
	}
}

func TestHostAwaitTermination(t *testing.T) {
	h, _ := startHost(t, HostConfig{})

	done := make(chan error, 1)
	go func() { done <- h.AwaitTermination() }()

	select {
	case err := <-done:
		t.Fatalf("AwaitTermination() returned %v before Close", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("AwaitTermination() = %v, want nil after Close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitTermination() did not return after Close")
	}
}

func TestHostServesRegisteredTickets(t *testing.T) {
	h, alloc := startHost(t, HostConfig{})
	fc := dialHost(t, h, client.DialOptions{})
	ctx := context.Background()

	guard := h.Store().NewGuard()
	tk, err := ticket.New([]string{"node1", "q1", "p0"}, 0, guard)
	if err != nil {
		t.Fatalf("ticket.New() error = %v", err)
	}
	rec := buildBatch(alloc, 1, 2, 3)
	if err := h.Store().Register(tk, testSchema, rec); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	rec.Release()

	raw := tk.Bytes()
	ids, err := readTicket(ctx, fc, raw)
	if err != nil {
		t.Fatalf("DoGet() error = %v", err)
	}
	if len(ids) != 3 || ids[0] != 1 || ids[2] != 3 {
		t.Errorf("ids = %v, want [1 2 3]", ids)
	}

	// A ticket is redeemable once.
	if _, err := readTicket(ctx, fc, raw); status.Code(err) != codes.NotFound && status.Code(err) != codes.FailedPrecondition {
		t.Errorf("second DoGet() error = %v, want NotFound or FailedPrecondition", err)
	}

	// Tickets minted by another store are refused.
	foreign, _ := ticket.Encode([]string{"node1", "q1", "p0"}, 1, "not-this-store")
	if _, err := readTicket(ctx, fc, foreign); err == nil {
		t.Error("DoGet() with a foreign guard succeeded")
	}
}

func TestHostCloseReleasesBufferedResults(t *testing.T) {
	h, alloc := startHost(t, HostConfig{})

	guard := h.Store().NewGuard()
	for i := int64(0); i < 4; i++ {
		tk, _ := ticket.New([]string{"node1", "q1", "p0"}, i, guard)
		rec := buildBatch(alloc, i)
		if err := h.Store().Register(tk, testSchema, rec); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		rec.Release()
	}
	if h.Store().Len() != 4 {
		t.Fatalf("Len() = %d, want 4", h.Store().Len())
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	alloc.AssertSize(t, 0)
}

func TestHostQueryEndToEnd(t *testing.T) {
	reg := prometheus.NewRegistry()
	executor := rflight.ExecutorFunc(func(ctx context.Context, req rflight.QueryRequest, w *rflight.ResultWriter) error {
		if req.User != "alice" {
			return errors.New("unexpected user " + req.User)
		}
		s := w.Stream("0")
		for _, ids := range [][]int64{{1, 2}, {3}} {
			rec := buildBatch(w.Allocator(), ids...)
			_, err := s.Write(testSchema, rec)
			rec.Release()
			if err != nil {
				return err
			}
		}
		w.SetSessionProperty(resultset.PropertyResultFormat, string(resultset.FormatArrow))
		return nil
	})
	h, alloc := startHost(t, HostConfig{
		Executor:          executor,
		Auth:              StaticTokens(map[string]string{"secret": "alice"}),
		MetricsRegisterer: reg,
	})
	fc := dialHost(t, h, client.DialOptions{AccessToken: "secret"})
	ctx := context.Background()

	session := client.Session{User: "mallory", PollInterval: 50 * time.Millisecond, Allocator: alloc}
	c := client.NewStatementClient(nil, fc, session, "SELECT id")
	if err := c.Submit(ctx); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	rs, err := resultset.GetResultSet(ctx, c, 0, nil, nil)
	if err != nil {
		t.Fatalf("GetResultSet() error = %v", err)
	}
	var ids []int64
	for rs.Next() {
		ids = append(ids, rs.Row()[0].(int64))
	}
	if err := rs.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if err := rs.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if len(ids) != 3 || ids[2] != 3 {
		t.Errorf("ids = %v, want [1 2 3]", ids)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	found := false
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "resultflight_") {
			found = true
		}
	}
	if !found {
		t.Error("no store metrics registered")
	}

	// Without a token the host refuses the call.
	anon := dialHost(t, h, client.DialOptions{})
	c2 := client.NewStatementClient(nil, anon, session, "SELECT id")
	defer c2.Close()
	if err := c2.Submit(ctx); err == nil {
		t.Error("Submit() without a token succeeded")
	}
}

func TestHostTLS(t *testing.T) {
	ca, err := mtls.NewCertificate("test-ca", nil, nil)
	if err != nil {
		t.Fatalf("NewCertificate(ca) error = %v", err)
	}
	serverCert, err := mtls.NewCertificate("localhost", []string{"127.0.0.1", "localhost"}, &ca)
	if err != nil {
		t.Fatalf("NewCertificate(server) error = %v", err)
	}
	clientCert, err := mtls.NewCertificate("client", nil, &ca)
	if err != nil {
		t.Fatalf("NewCertificate(client) error = %v", err)
	}
	_, caPEM, err := ca.PEM()
	if err != nil {
		t.Fatalf("PEM() error = %v", err)
	}
	serverKey, serverPEM, _ := serverCert.PEM()
	clientKey, clientPEM, _ := clientCert.PEM()

	serverCreds, err := mtls.ServerCredentials(serverPEM, serverKey, caPEM)
	if err != nil {
		t.Fatalf("ServerCredentials() error = %v", err)
	}
	h, alloc := startHost(t, HostConfig{TLS: serverCreds})
	if !h.Location().TLS || !strings.HasPrefix(h.Location().URI(), "grpc+tls://") {
		t.Fatalf("Location() = %v, want a grpc+tls location", h.Location())
	}

	guard := h.Store().NewGuard()
	tk, _ := ticket.New([]string{"node1", "q1", "p0"}, 0, guard)
	rec := buildBatch(alloc, 7)
	if err := h.Store().Register(tk, testSchema, rec); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	rec.Release()
	raw := tk.Bytes()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// No client certificate: the handshake fails.
	anonCreds, _ := mtls.ClientCredentials(mtls.ClientOptions{RootCAPEM: caPEM, ServerName: "localhost"})
	anon := dialHost(t, h, client.DialOptions{TLS: anonCreds})
	if _, err := readTicket(ctx, anon, raw); err == nil {
		t.Fatal("DoGet() without a client certificate succeeded")
	}

	creds, err := mtls.ClientCredentials(mtls.ClientOptions{
		CertPEM:    clientPEM,
		KeyPEM:     clientKey,
		RootCAPEM:  caPEM,
		ServerName: "localhost",
	})
	if err != nil {
		t.Fatalf("ClientCredentials() error = %v", err)
	}
	fc := dialHost(t, h, client.DialOptions{TLS: creds})
	ids, err := readTicket(ctx, fc, raw)
	if err != nil {
		t.Fatalf("DoGet() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != 7 {
		t.Errorf("ids = %v, want [7]", ids)
	}
}
