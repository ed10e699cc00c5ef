package httputil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/alarm-relay/internal/pkg/ctxlog"
)

var errEntryMissing = errors.New("entry not found")

func TestSuccess_WrapsData(t *testing.T) {
	rec := httptest.NewRecorder()

	Success(rec, http.StatusAccepted, map[string]string{"queueId": "q-1"})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"data":{"queueId":"q-1"}}`, rec.Body.String())
}

func TestValidationError_ListsFields(t *testing.T) {
	type request struct {
		Event map[string]any `validate:"required"`
	}
	err := validator.New().Struct(request{})
	require.Error(t, err)

	rec := httptest.NewRecorder()
	ValidationError(rec, err)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t,
		`{"error":{"message":"validation error","details":[{"field":"Event","rule":"required"}]}}`,
		rec.Body.String())
}

func TestValidationError_PlainError(t *testing.T) {
	rec := httptest.NewRecorder()
	ValidationError(rec, errors.New("bad event"))

	assert.JSONEq(t, `{"error":{"message":"validation error","details":"bad event"}}`, rec.Body.String())
}

func TestHandleError(t *testing.T) {
	mappings := []ErrorMapping{
		{Error: errEntryMissing, Status: http.StatusNotFound, Message: "queue entry not found"},
	}

	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
	}{
		{name: "mapped", err: fmt.Errorf("get q-1: %w", errEntryMissing), wantStatus: http.StatusNotFound, wantMessage: "queue entry not found"},
		{name: "storage timeout", err: fmt.Errorf("save: %w", context.DeadlineExceeded), wantStatus: http.StatusServiceUnavailable, wantMessage: "storage unavailable"},
		{name: "unknown", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantMessage: "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			HandleError(context.Background(), rec, tt.err, mappings)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body struct {
				Error struct {
					Message string `json:"message"`
				} `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantMessage, body.Error.Message)
		})
	}
}

func TestRequestLoggerMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	r := chi.NewRouter()
	r.Use(RequestLoggerMiddleware(logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { Text(w, http.StatusOK, "OK") })
	r.Get("/api/v1/entries/{id}", func(w http.ResponseWriter, r *http.Request) {
		ctxlog.FromContext(r.Context()).Info("looking up entry")
		Error(w, http.StatusNotFound, "queue entry not found")
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Empty(t, buf.String(), "probe requests log below info")

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/entries/q-1", nil))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var access map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &access))
	assert.Equal(t, "WARN", access["level"])
	assert.Equal(t, "/api/v1/entries/{id}", access["route"])
	assert.EqualValues(t, http.StatusNotFound, access["status"])
}

func TestRequestLevel(t *testing.T) {
	assert.Equal(t, slog.LevelError, requestLevel("/readyz", http.StatusServiceUnavailable))
	assert.Equal(t, slog.LevelDebug, requestLevel("/metrics", http.StatusOK))
	assert.Equal(t, slog.LevelInfo, requestLevel("/api/v1/events", http.StatusAccepted))
}
