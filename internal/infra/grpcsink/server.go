// internal/infra/grpcsink/server.go
package grpcsink

import (
	"context"
	"log/slog"

	"chatbot-execlog/internal/domain"
	"chatbot-execlog/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// Server accepts log writes from remote ingestors and applies them to the local store.
type Server struct {
	writer domain.LogWriter
	logger *slog.Logger
	tracer trace.Tracer
}

var _ LogIngestServer = (*Server)(nil)

// NewServer creates an ingest server writing into writer.
func NewServer(writer domain.LogWriter, logger *slog.Logger) *Server {
	return &Server{
		writer: writer,
		logger: logger.With("component", "grpc-ingest-server"),
		tracer: otel.Tracer("execlog-grpc-ingest"),
	}
}

func (s *Server) Insert(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.grpc.Insert")
	defer span.End()

	var event domain.LogEvent
	if err := fromStruct(req, &event); err != nil {
		return nil, s.reject(span, "Insert", err)
	}
	if err := event.Validate(); err != nil {
		return nil, s.reject(span, "Insert", err)
	}
	span.SetAttributes(
		attribute.String("execution.id", event.ExecutionID),
		attribute.String("node.name", event.NodeName),
	)

	if err := s.writer.Insert(ctx, event); err != nil {
		return nil, s.fail(span, "Insert", err, "execution_id", event.ExecutionID)
	}
	metrics.IngestRequestsTotal.WithLabelValues("Insert", "ok").Inc()
	return &emptypb.Empty{}, nil
}

func (s *Server) CloseRunning(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.grpc.CloseRunning")
	defer span.End()

	var closure domain.NodeClosure
	if err := fromStruct(req, &closure); err != nil {
		return nil, s.reject(span, "CloseRunning", err)
	}
	if err := closure.Validate(); err != nil {
		return nil, s.reject(span, "CloseRunning", err)
	}
	span.SetAttributes(
		attribute.String("execution.id", closure.ExecutionID),
		attribute.String("node.name", closure.NodeName),
	)

	if err := s.writer.CloseRunning(ctx, closure); err != nil {
		return nil, s.fail(span, "CloseRunning", err, "execution_id", closure.ExecutionID)
	}
	metrics.IngestRequestsTotal.WithLabelValues("CloseRunning", "ok").Inc()
	return &emptypb.Empty{}, nil
}

func (s *Server) reject(span trace.Span, method string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "invalid ingest request")
	metrics.IngestRequestsTotal.WithLabelValues(method, "invalid").Inc()
	s.logger.Warn("rejected ingest request", "method", method, "error", err)
	return status.Error(grpccodes.InvalidArgument, err.Error())
}

func (s *Server) fail(span trace.Span, method string, err error, attrs ...any) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, "log store write failed")
	metrics.IngestRequestsTotal.WithLabelValues(method, "failed").Inc()
	s.logger.Error("log store write failed", append([]any{"method", method, "error", err}, attrs...)...)
	return status.Error(grpccodes.Internal, err.Error())
}
