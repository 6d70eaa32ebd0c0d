// internal/api/http/execution_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"chatbot-execlog/internal/auth"
	"chatbot-execlog/internal/domain"
	"chatbot-execlog/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionHandler serves the execution dashboard endpoints.
type ExecutionHandler struct {
	service  *usecase.ExecutionService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
	now      func() time.Time
}

// NewExecutionHandler creates a new ExecutionHandler and initializes the validator.
func NewExecutionHandler(service *usecase.ExecutionService, logger *slog.Logger) *ExecutionHandler {
	validate := validator.New()

	_ = validate.RegisterValidation("rfc3339", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(time.RFC3339, fl.Field().String())
		return err == nil
	})

	return &ExecutionHandler{
		service:  service,
		logger:   logger.With("component", "execution-handler"),
		validate: validate,
		tracer:   otel.Tracer("execlog-api"),
		now:      time.Now,
	}
}

// handleStream returns the caller's recent executions (GET /api/backend/stream).
func (h *ExecutionHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.Stream")
	defer span.End()

	caller, _ := auth.CallerFromContext(ctx)

	req := parseStreamRequest(r.URL.Query())
	if err := h.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: validationDetails(err)})
		return
	}

	q := req.ToQuery(caller.TenantID)
	span.SetAttributes(
		attribute.Bool("tenant.scoped", q.TenantID != ""),
		attribute.Int("limit", q.Limit),
	)

	result, err := h.service.Stream(ctx, q)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to fetch execution logs")
		span.RecordError(err)
		if errors.Is(err, domain.ErrInvalidQuery) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: []string{err.Error()}})
			return
		}
		h.logger.Error("error fetching execution logs", "client_id", caller.TenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error:   "Failed to fetch execution logs",
			Details: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, StreamResponse{
		Success:    true,
		Executions: result.Executions,
		Total:      len(result.Executions),
		Rejected:   result.Rejected,
		Timestamp:  h.now().UTC(),
	})
}

// handleDebugLogs explains why the caller may see no executions
// (GET /api/backend/debug-logs). It reads the store without tenant scoping.
func (h *ExecutionHandler) handleDebugLogs(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "handler.DebugLogs")
	defer span.End()

	caller, _ := auth.CallerFromContext(ctx)

	diagnosis, err := h.service.Diagnose(ctx, caller.TenantID)
	if err != nil {
		span.SetStatus(codes.Error, "Failed to diagnose execution logs")
		span.RecordError(err)
		h.logger.Error("error diagnosing execution logs", "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, toDebugResponse(diagnosis, caller.Subject, h.now().UTC()))
}

func validationDetails(err error) []string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return []string{err.Error()}
	}
	details := make([]string, 0, len(validationErrors))
	for _, fe := range validationErrors {
		details = append(details, "Field '"+fe.Field()+"' failed on the '"+fe.Tag()+"' tag.")
	}
	return details
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
