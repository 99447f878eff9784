package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Pools["ingest"].Workers != 8 {
		t.Errorf("Expected 8 ingest workers, got %d", cfg.Pools["ingest"].Workers)
	}
	if cfg.Pools["generate"].Workers != 12 {
		t.Errorf("Expected 12 generate workers, got %d", cfg.Pools["generate"].Workers)
	}
	if cfg.Limits["generate"].Max != 20 {
		t.Errorf("Expected generate limit 20, got %d", cfg.Limits["generate"].Max)
	}
	if cfg.Breaker.FailureRatio != 0.5 {
		t.Errorf("Expected failure ratio 0.5, got %f", cfg.Breaker.FailureRatio)
	}
	if !cfg.Shedding.Optional["audio"] {
		t.Error("Audio should be optional by default")
	}
	if cfg.Concurrency.MaxStreams != 3 {
		t.Errorf("Expected 3 streams per caller, got %d", cfg.Concurrency.MaxStreams)
	}
	if cfg.Concurrency.MaxActive["ingest"] != 2 {
		t.Errorf("Expected 2 active ingests per caller, got %d", cfg.Concurrency.MaxActive["ingest"])
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		"server": {"port": ":9100"},
		"pools": {"ingest": {"workers": 2, "queue_depth": 10}}
	}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != ":9100" {
		t.Errorf("Expected :9100, got %s", cfg.Server.Port)
	}
	if cfg.Pools["ingest"].Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", cfg.Pools["ingest"].Workers)
	}
	// Untouched fields keep defaults.
	if cfg.Cache.Capacity != 2048 {
		t.Errorf("Expected default cache capacity, got %d", cfg.Cache.Capacity)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("REPOLM_PORT", ":9200")
	t.Setenv("INGEST_WORKERS", "3")
	t.Setenv("GENERATE_WORKERS", "bogus")
	t.Setenv("MAX_SSE_STREAMS", "5")

	cfg := Default()
	if err := cfg.ApplyEnv(); err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Port != ":9200" {
		t.Errorf("Expected :9200, got %s", cfg.Server.Port)
	}
	if cfg.Pools["ingest"].Workers != 3 {
		t.Errorf("Expected 3 ingest workers, got %d", cfg.Pools["ingest"].Workers)
	}
	if cfg.Pools["generate"].Workers != 12 {
		t.Errorf("Invalid override should be ignored, got %d", cfg.Pools["generate"].Workers)
	}
	if cfg.Concurrency.MaxStreams != 5 {
		t.Errorf("Expected 5 streams per caller, got %d", cfg.Concurrency.MaxStreams)
	}
}

func TestDuration(t *testing.T) {
	if d := Duration("90s", time.Minute); d != 90*time.Second {
		t.Errorf("Got %s", d)
	}
	if d := Duration("", time.Minute); d != time.Minute {
		t.Errorf("Empty should fall back, got %s", d)
	}
	if d := Duration("junk", time.Minute); d != time.Minute {
		t.Errorf("Invalid should fall back, got %s", d)
	}
}
