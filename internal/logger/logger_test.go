package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		encoding string
		wantErr  bool
	}{
		{"json info", "info", "json", false},
		{"console debug", "debug", "console", false},
		{"defaults", "", "", false},
		{"bad level", "loud", "json", true},
		{"bad encoding", "info", "xml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, tt.encoding)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && logger == nil {
				t.Fatal("New() returned nil logger")
			}
		})
	}
}

func TestNewWithConfigNil(t *testing.T) {
	if _, err := NewWithConfig(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewWithConfigLevel(t *testing.T) {
	logger, err := NewWithConfig(&Config{Level: "warn"})
	if err != nil {
		t.Fatalf("NewWithConfig() error = %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !logger.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("error should be enabled at warn level")
	}
}

func TestContextRoundTrip(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	ctx := WithLogger(context.Background(), logger)
	FromContext(ctx).Info("from context")

	if logs.Len() != 1 {
		t.Fatalf("expected 1 log entry, got %d", logs.Len())
	}
}

func TestFromContextFallback(t *testing.T) {
	//nolint:staticcheck
	if FromContext(nil) == nil {
		t.Fatal("FromContext(nil) returned nil")
	}
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext(empty) returned nil")
	}
}

func TestWithContract(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := WithContract(WithComponent(zap.New(core), "indexer"), "Azimuth", "0xabc")
	logger.Info("tagged")

	entry := logs.All()[0]
	fields := entry.ContextMap()
	if fields["component"] != "indexer" || fields["kind"] != "Azimuth" || fields["contract"] != "0xabc" {
		t.Errorf("unexpected fields: %v", fields)
	}
}
