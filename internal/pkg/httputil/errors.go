package httputil

import (
	"context"
	"errors"
	"net/http"

	"github.com/bissquit/alarm-relay/internal/pkg/ctxlog"
)

// ErrorMapping maps an error, matched with errors.Is, to a response.
type ErrorMapping struct {
	Error   error
	Status  int
	Message string // empty means err.Error()
}

// HandleError answers with the first matching mapping. A storage call that
// ran out of time is a 503 so ingest clients retry; anything else is a 500.
func HandleError(ctx context.Context, w http.ResponseWriter, err error, mappings []ErrorMapping) {
	for _, m := range mappings {
		if errors.Is(err, m.Error) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			Error(w, m.Status, msg)
			return
		}
	}

	logger := ctxlog.FromContext(ctx)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		logger.Warn("request aborted by storage timeout", "error", err)
		Error(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, "internal error")
}
