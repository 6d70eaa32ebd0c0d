package ingest

import (
	"fmt"

	"chatbot-execlog/internal/domain"

	"github.com/pkg/errors"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// describeError captures message, root error type and a stack trace. Errors that
// already carry a pkg/errors stack keep it; others get the stack of the caller.
func describeError(err error) *domain.ErrorDetail {
	if err == nil {
		return &domain.ErrorDetail{Message: "unknown error"}
	}

	var st stackTracer
	if !errors.As(err, &st) {
		st = errors.WithStack(err).(stackTracer)
	}

	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}

	return &domain.ErrorDetail{
		Message: err.Error(),
		Stack:   fmt.Sprintf("%+v", st.StackTrace()),
		Name:    fmt.Sprintf("%T", root),
	}
}
