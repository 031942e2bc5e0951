// Package logging includes tests for the zap logger helpers.
package logging

import (
	"testing"

	"go.uber.org/zap"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	if err != nil {
		t.Fatalf("New(true) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("development logger ready")
}

// TestNewProductionLogger ensures the production logger configuration succeeds.
func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false, zap.String("service", "ingestion"))
	if err != nil {
		t.Fatalf("New(false) error = %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger to be non-nil")
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush
	logger.Info("production logger ready")
}

// TestLevels checks that debug output is only enabled in development.
func TestLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		development bool
		debug       bool
	}{
		{development: true, debug: true},
		{development: false, debug: false},
	}
	for _, tt := range tests {
		logger, err := New(tt.development)
		if err != nil {
			t.Fatalf("New(%v) error = %v", tt.development, err)
		}
		if got := logger.Core().Enabled(zap.DebugLevel); got != tt.debug {
			t.Errorf("New(%v) debug enabled = %v, want %v", tt.development, got, tt.debug)
		}
		if !logger.Core().Enabled(zap.InfoLevel) {
			t.Errorf("New(%v) info disabled", tt.development)
		}
	}
}
