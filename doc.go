// Package resultflight distributes query results over Apache Arrow Flight.
//
// A compute layer registers result batches under tickets; clients redeem
// each ticket exactly once and receive the batches as a Flight stream. The
// package is the host side of that exchange:
//   - Host binds a result store to a network endpoint and owns the memory
//     arena every buffered batch lives in
//   - the store hands out each ticket's batches once, expires idle entries
//     and returns their memory to the arena
//   - queries submitted through DoAction run on a pluggable Executor whose
//     output is published as tickets
//
// Client-side packages live next to it: client selects between the
// row-oriented polling protocol and the columnar streaming protocol, and
// resultset wraps a client in a row cursor.
//
// # Quick Start
//
//	package main
//
//	import (
//	    "log"
//
//	    "github.com/hugr-lab/resultflight"
//	    "github.com/hugr-lab/resultflight/executor/duckdb"
//	)
//
//	func main() {
//	    exec, err := duckdb.Open("", duckdb.Options{})
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer exec.Close()
//
//	    config := resultflight.DefaultHostConfig()
//	    config.Executor = exec
//
//	    host, err := resultflight.NewHost(config)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer host.Close()
//
//	    if err := host.Start(); err != nil {
//	        log.Fatal(err)
//	    }
//	    log.Printf("serving results at %s", host.Location())
//	    host.AwaitTermination()
//	}
//
// # Tickets
//
// A ticket is {path, ordinal, guard}. The path names the partition
// (node, query, partition), the ordinal orders chunks within it, and the
// guard ties the ticket to one store instance. Producers in the same
// process obtain guards from Host.Store().NewGuard(); tickets carrying a
// guard minted elsewhere are rejected.
//
// # Lifecycle
//
// Start binds the port and serves in the background; AwaitTermination
// blocks until the host stops. Close stops accepting connections, waits up
// to ShutdownTimeout for running streams, then releases every buffered
// batch and finally the arena. A second Close returns ErrHostClosed.
//
// # Authentication
//
// Bearer token authentication is supported via the BearerAuth helper:
//
//	auth := resultflight.BearerAuth(func(token string) (string, error) {
//	    if token == "secret-api-key" {
//	        return "user1", nil
//	    }
//	    return "", resultflight.ErrUnauthorized
//	})
//
// mTLS credentials are built from PEM material with the mtls package and
// passed as HostConfig.TLS.
//
// # Logging
//
// HostConfig.Logger receives all internal logging; without one the host
// logs to slog.Default(), or to stderr at HostConfig.LogLevel when set.
//
// # Memory Management
//
// Arrow uses manual reference counting. The store retains the records it
// registers, so producers release their own references after Register or
// StreamWriter.Write returns.
package resultflight
