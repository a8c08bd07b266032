package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWithLevel(t *testing.T) {
	tests := []struct {
		name          string
		statusCode    int
		expectedBody  string
		expectedLevel zapcore.Level
	}{
		{
			name:          "2xx success",
			statusCode:    http.StatusOK,
			expectedBody:  "success",
			expectedLevel: zapcore.DebugLevel,
		},
		{
			name:          "4xx client error",
			statusCode:    http.StatusBadRequest,
			expectedBody:  "client error",
			expectedLevel: zapcore.WarnLevel,
		},
		{
			name:          "5xx server error",
			statusCode:    http.StatusInternalServerError,
			expectedBody:  "server error",
			expectedLevel: zapcore.ErrorLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.DebugLevel)
			middleware := LoggerWithLevel(zap.New(core))

			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
				w.Write([]byte(tt.expectedBody))
			})

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			w := httptest.NewRecorder()

			chimiddleware.RequestID(middleware(handler)).ServeHTTP(w, req)

			if w.Code != tt.statusCode {
				t.Errorf("expected status %v, got %v", tt.statusCode, w.Code)
			}
			if body := w.Body.String(); body != tt.expectedBody {
				t.Errorf("expected body %q, got %q", tt.expectedBody, body)
			}

			if logs.Len() != 1 {
				t.Fatalf("expected 1 log entry, got %d", logs.Len())
			}
			entry := logs.All()[0]
			if entry.Level != tt.expectedLevel {
				t.Errorf("expected level %v, got %v", tt.expectedLevel, entry.Level)
			}
			fields := entry.ContextMap()
			if fields["status"] != int64(tt.statusCode) {
				t.Errorf("expected status field %d, got %v", tt.statusCode, fields["status"])
			}
			if fields["bytes"] != int64(len(tt.expectedBody)) {
				t.Errorf("expected bytes field %d, got %v", len(tt.expectedBody), fields["bytes"])
			}
			if fields["request_id"] == nil || fields["request_id"] == "" {
				t.Error("expected request_id field")
			}
		})
	}
}

func TestLoggerWithLevel_ImplicitOK(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := LoggerWithLevel(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	if logs.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.Len())
	}
	if status := logs.All()[0].ContextMap()["status"]; status != int64(http.StatusOK) {
		t.Errorf("expected status 200 without explicit WriteHeader, got %v", status)
	}
}
