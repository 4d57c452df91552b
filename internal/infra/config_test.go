package infra

import (
	"testing"
	"time"
)

func TestLoadConfigDefaultStorageBaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "http://localhost:8080/static"
	if cfg.StorageBaseURL != expected {
		t.Fatalf("StorageBaseURL mismatch: got %q want %q", cfg.StorageBaseURL, expected)
	}
}

func TestLoadConfigInheritsPortInStorageBaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("PORT", "1919")
	t.Setenv("STORAGE_BASE_URL", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := "http://localhost:1919/static"
	if cfg.StorageBaseURL != expected {
		t.Fatalf("StorageBaseURL mismatch: got %q want %q", cfg.StorageBaseURL, expected)
	}
}

func TestLoadConfigRequiresDatabaseURLForPostgres(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected error when DATABASE_URL is missing")
	}
}

func TestLoadConfigSQLiteDoesNotNeedDatabaseURL(t *testing.T) {
	t.Setenv("STORE_DRIVER", "SQLite")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", "/tmp/jobs.db")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.StoreDriver != StoreDriverSQLite {
		t.Fatalf("StoreDriver = %q, want %q", cfg.StoreDriver, StoreDriverSQLite)
	}
}

func TestLoadConfigResilienceDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialDelay != time.Second || cfg.Retry.Multiplier != 2 {
		t.Fatalf("retry defaults = %+v", cfg.Retry)
	}
	if cfg.Breaker.Threshold != 5 || cfg.Breaker.OpenTimeout != time.Minute {
		t.Fatalf("breaker defaults = %+v", cfg.Breaker)
	}
	if cfg.Poll.Attempts != 30 || cfg.Poll.Interval != 4*time.Second || cfg.Poll.GraceAttempts != 3 || cfg.Poll.SyncEvery != 3 {
		t.Fatalf("poll defaults = %+v", cfg.Poll)
	}
	if cfg.Sweep.StuckAfter != 10*time.Minute || cfg.Sweep.DeadLetterAfter != 15*time.Minute || cfg.Sweep.BatchLimit != 20 {
		t.Fatalf("sweep defaults = %+v", cfg.Sweep)
	}
	if len(cfg.Suno.GenerateURLs) != 1 || cfg.Suno.GenerateURLs[0] != "https://api.sunoapi.org/api/v1/generate" {
		t.Fatalf("GenerateURLs = %#v", cfg.Suno.GenerateURLs)
	}
}

func TestLoadConfigEndpointListsAreDeduplicated(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("SUNO_GENERATE_URLS", " https://a.example/gen/ , https://b.example/gen,https://a.example/gen ,")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	expected := []string{"https://a.example/gen", "https://b.example/gen"}
	if len(cfg.Suno.GenerateURLs) != len(expected) {
		t.Fatalf("GenerateURLs mismatch: got %#v want %#v", cfg.Suno.GenerateURLs, expected)
	}
	for i, u := range expected {
		if cfg.Suno.GenerateURLs[i] != u {
			t.Fatalf("GenerateURLs[%d] = %q, want %q", i, cfg.Suno.GenerateURLs[i], u)
		}
	}
}

func TestLoadConfigDurationAcceptsMilliseconds(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("POLL_INTERVAL", "250")
	t.Setenv("RETRY_MAX_DELAY", "3s")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.Poll.Interval != 250*time.Millisecond {
		t.Fatalf("Poll.Interval = %v, want 250ms", cfg.Poll.Interval)
	}
	if cfg.Retry.MaxDelay != 3*time.Second {
		t.Fatalf("Retry.MaxDelay = %v, want 3s", cfg.Retry.MaxDelay)
	}
}

func TestLoadConfigRejectsDeadLetterBeforeStuck(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://example")
	t.Setenv("SWEEP_STUCK_AFTER", "20m")
	t.Setenv("SWEEP_DEAD_LETTER_AFTER", "5m")

	if _, err := LoadConfig(); err == nil {
		t.Fatalf("expected validation error")
	}
}
