package client

import (
	"maps"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Session carries the per-connection settings a query is submitted with.
type Session struct {
	// Server is the base URL of the coordinator, e.g. http://localhost:8080.
	// REQUIRED by the polling protocol; ignored when streaming.
	Server string

	User    string
	Source  string
	Catalog string
	Schema  string

	// Properties are session properties sent with the query.
	Properties map[string]string

	// AccessToken is sent as a bearer token when set.
	AccessToken string

	// TraceID is forwarded to the server for request correlation.
	TraceID string

	// PollInterval is the long-poll wait per status request when streaming.
	// OPTIONAL: defaults to DefaultPollInterval.
	PollInterval time.Duration

	// MaxRetries bounds retries of 502/503/504 responses when polling.
	// OPTIONAL: defaults to DefaultMaxRetries.
	MaxRetries int

	// RetryDelay is the pause between retries.
	// OPTIONAL: defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// Allocator for Arrow batches received from the server.
	// OPTIONAL: uses memory.DefaultAllocator if nil.
	Allocator memory.Allocator
}

const (
	DefaultPollInterval = time.Second
	DefaultMaxRetries   = 5
	DefaultRetryDelay   = 100 * time.Millisecond
)

func (s Session) withDefaults() Session {
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = DefaultRetryDelay
	}
	if s.Allocator == nil {
		s.Allocator = memory.DefaultAllocator
	}
	s.Properties = maps.Clone(s.Properties)
	return s
}

// WithProperties returns a copy of s with props applied on top of its
// properties. Empty values remove the property.
func (s Session) WithProperties(props map[string]string) Session {
	merged := make(map[string]string, len(s.Properties)+len(props))
	maps.Copy(merged, s.Properties)
	for k, v := range props {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	s.Properties = merged
	return s
}
