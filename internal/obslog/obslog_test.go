package obslog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetupLoggerConsoleOnly(t *testing.T) {
	logger, cleanup := SetupLogger(Options{LogLevel: "info"})
	defer cleanup()
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	logger.Info("hello")
}

func TestSetupLoggerWithAuditLog(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit.jsonl")

	logger, cleanup := SetupLogger(Options{LogLevel: "debug", AuditLogPath: auditPath})
	defer cleanup()

	logger.Info("truck resolved", "truck", "fleet1")
	cleanup()

	data, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected audit log to contain the logged record")
	}
}

func TestSetupLoggerBadAuditPathFallsBackToConsole(t *testing.T) {
	logger, cleanup := SetupLogger(Options{LogLevel: "info", AuditLogPath: "/nonexistent-dir/audit.jsonl"})
	defer cleanup()
	if logger == nil {
		t.Fatal("expected non-nil logger even when audit log can't be opened")
	}
	logger.Info("still works")
}
