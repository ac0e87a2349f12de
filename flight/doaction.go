package flight

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/hugr-lab/resultflight/internal/serialize"
)

// maxStatusWait caps the long-poll window of query_status.
const maxStatusWait = 30 * time.Second

var actionTypes = []*flight.ActionType{
	{Type: ActionSubmitQuery, Description: "Submit a query; returns its id."},
	{Type: ActionQueryStatus, Description: "Report query state, statistics and new result tickets."},
	{Type: ActionCancelQuery, Description: "Cancel a query and evict its undelivered tickets."},
	{Type: ActionNewGuard, Description: "Mint a stream guard for uploading results with DoPut."},
}

// ListActions lists the DoAction types served by the host.
func (s *Server) ListActions(_ *flight.Empty, stream flight.FlightService_ListActionsServer) error {
	for _, at := range actionTypes {
		if err := stream.Send(at); err != nil {
			return err
		}
	}
	return nil
}

// DoAction executes query actions.
//
// Request and response bodies are serialize payloads (MessagePack,
// ZStandard-compressed when large):
//   - submit_query: SubmitRequest -> SubmitResponse
//   - query_status: StatusRequest -> QueryStatus
//   - cancel_query: CancelRequest -> QueryStatus
//   - new_guard: empty -> GuardResponse
func (s *Server) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	ctx := EnrichContextMetadata(stream.Context())

	s.logger.Debug("DoAction called",
		"type", action.GetType(),
		"body_size", len(action.GetBody()),
	)

	if s.queries == nil && action.GetType() != ActionNewGuard {
		return ToStatus(ErrNoExecutor)
	}

	var (
		resp any
		err  error
	)
	switch action.GetType() {
	case ActionNewGuard:
		resp = GuardResponse{Guard: s.store.NewGuard()}
	case ActionSubmitQuery:
		resp, err = s.submitQuery(ctx, action)
	case ActionQueryStatus:
		resp, err = s.queryStatus(ctx, action)
	case ActionCancelQuery:
		resp, err = s.cancelQuery(action)
	default:
		return status.Errorf(codes.Unimplemented, "unknown action type: %s", action.GetType())
	}
	if err != nil {
		return err
	}

	body, err := serialize.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode action response", "type", action.GetType(), "error", err)
		return status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return stream.Send(&flight.Result{Body: body})
}

func (s *Server) submitQuery(ctx context.Context, action *flight.Action) (any, error) {
	var req SubmitRequest
	if err := serialize.Unmarshal(action.GetBody(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid parameters: %v", err)
	}
	if req.Query == "" {
		return nil, status.Error(codes.InvalidArgument, "query is required")
	}

	user := req.User
	if identity := callerIdentity(ctx); identity != "" {
		user = identity
	} else if user == "" {
		user = UserFromContext(ctx)
	}

	id, err := s.queries.Submit(QueryRequest{
		Query:      req.Query,
		User:       user,
		Source:     req.Source,
		Catalog:    req.Catalog,
		Schema:     req.Schema,
		Properties: req.Properties,
	})
	if err != nil {
		return nil, ToStatus(err)
	}

	s.logger.Debug("Query accepted",
		"query_id", id,
		"user", user,
		"trace_id", TraceIDFromContext(ctx),
	)
	return SubmitResponse{QueryID: id, State: QueryQueued}, nil
}

func (s *Server) queryStatus(ctx context.Context, action *flight.Action) (any, error) {
	var req StatusRequest
	if err := serialize.Unmarshal(action.GetBody(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid parameters: %v", err)
	}

	wait := time.Duration(req.MaxWaitMillis) * time.Millisecond
	if wait > maxStatusWait {
		wait = maxStatusWait
	}

	st, err := s.queries.Status(ctx, req.QueryID, req.From, wait)
	if err != nil {
		return nil, ToStatus(err)
	}
	return st, nil
}

func (s *Server) cancelQuery(action *flight.Action) (any, error) {
	var req CancelRequest
	if err := serialize.Unmarshal(action.GetBody(), &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid parameters: %v", err)
	}

	st, err := s.queries.Cancel(req.QueryID)
	if err != nil {
		return nil, ToStatus(err)
	}
	return st, nil
}
