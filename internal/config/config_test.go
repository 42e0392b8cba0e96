package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.DataRoot != "./data" {
		t.Fatalf("unexpected default DataRoot: %s", cfg.DataRoot)
	}
	if cfg.MaxActiveTrucks != 50 {
		t.Fatalf("unexpected default MaxActiveTrucks: %d", cfg.MaxActiveTrucks)
	}
	if cfg.GlobalLRUCapacity != 50000 {
		t.Fatalf("unexpected default GlobalLRUCapacity: %d", cfg.GlobalLRUCapacity)
	}
	if cfg.WorkerRequestTimeout.Seconds() != 30 {
		t.Fatalf("unexpected default WorkerRequestTimeout: %v", cfg.WorkerRequestTimeout)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("TRUCKDB_DATA_ROOT", "/tmp/truckdb-test")
	t.Setenv("TRUCKDB_MAX_ACTIVE_TRUCKS", "7")
	t.Setenv("TRUCKDB_FLUSH_TIME_THRESHOLD_MS", "250")
	t.Setenv("TRUCKDB_LOG_LEVEL", "debug")

	cfg := Load()
	if cfg.DataRoot != "/tmp/truckdb-test" {
		t.Fatalf("expected DataRoot override, got %s", cfg.DataRoot)
	}
	if cfg.MaxActiveTrucks != 7 {
		t.Fatalf("expected MaxActiveTrucks override, got %d", cfg.MaxActiveTrucks)
	}
	if cfg.FlushTimeThreshold.Milliseconds() != 250 {
		t.Fatalf("expected FlushTimeThreshold override, got %v", cfg.FlushTimeThreshold)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected LogLevel override, got %s", cfg.LogLevel)
	}
}

func TestLoadIgnoresMalformedInt(t *testing.T) {
	t.Setenv("TRUCKDB_MAX_ACTIVE_TRUCKS", "not-a-number")
	cfg := Load()
	if cfg.MaxActiveTrucks != 50 {
		t.Fatalf("expected fallback to default on malformed int, got %d", cfg.MaxActiveTrucks)
	}
}
