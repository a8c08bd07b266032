package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestRecovery(t *testing.T) {
	tests := []struct {
		name           string
		handler        http.HandlerFunc
		expectedStatus int
		expectLog      bool
	}{
		{
			name: "no panic",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte("success"))
			},
			expectedStatus: http.StatusOK,
		},
		{
			name: "panic with string",
			handler: func(w http.ResponseWriter, r *http.Request) {
				panic("test panic")
			},
			expectedStatus: http.StatusInternalServerError,
			expectLog:      true,
		},
		{
			name: "panic with nil map",
			handler: func(w http.ResponseWriter, r *http.Request) {
				var m map[string]int
				m["x"] = 1
			},
			expectedStatus: http.StatusInternalServerError,
			expectLog:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zapcore.ErrorLevel)
			middleware := Recovery(zap.New(core))

			req := httptest.NewRequest(http.MethodPost, "/graphql", nil)
			w := httptest.NewRecorder()

			middleware(tt.handler).ServeHTTP(w, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("expected status %v, got %v", tt.expectedStatus, w.Code)
			}
			if tt.expectLog {
				if logs.Len() != 1 {
					t.Fatalf("expected 1 log entry, got %d", logs.Len())
				}
				entry := logs.All()[0]
				if entry.Message != "panic recovered" {
					t.Errorf("unexpected log message %q", entry.Message)
				}
				if _, ok := entry.ContextMap()["stack"]; !ok {
					t.Error("panic log should carry the stack")
				}
				if !strings.Contains(w.Body.String(), `"errors"`) {
					t.Errorf("expected a GraphQL error body, got %s", w.Body.String())
				}
				if ct := w.Header().Get("Content-Type"); ct != "application/json" {
					t.Errorf("expected json content type, got %q", ct)
				}
			} else if logs.Len() != 0 {
				t.Errorf("expected no log entries, got %d", logs.Len())
			}
		})
	}
}

func TestRecoveryRepanicsAbortHandler(t *testing.T) {
	middleware := Recovery(zap.NewNop())
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	defer func() {
		if err := recover(); err != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to propagate, got %v", err)
		}
	}()

	middleware(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}
