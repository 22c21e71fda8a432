package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadKeepsDefaultsForMissingKeys(t *testing.T) {
	path := writeConfig(t, "# short run\nepochs: 2\nbatch_size: 16\ndata_dir: /tmp/cifar\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Epochs != 2 || cfg.BatchSize != 16 || cfg.DataDir != "/tmp/cifar" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	def := Default()
	if cfg.MaxLR != def.MaxLR || cfg.Momentum != def.Momentum || cfg.Schedule != ScheduleOneCycle {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadEmptyFileAndPath(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load empty file: %v", err)
	}
	if *cfg != *Default() {
		t.Fatalf("empty file should yield defaults, got %+v", cfg)
	}
	if _, err := Load(""); err != nil {
		t.Fatalf("Load without path: %v", err)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	_, err := Load(writeConfig(t, "epochs: 2\nlearning_rate: 0.1\n"))
	if err == nil || !strings.Contains(err.Error(), "learning_rate") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []string{
		"epochs: 0\n",
		"batch_size: -1\n",
		"pct_start: 1.5\n",
		"schedule: step\n",
		"momentum: 1\n",
		"head_dropout: 1\n",
		"grad_clip: 0\n",
		"data_dir: \"\"\n",
		"schedule: constant\nbase_lr: 0\n",
	}
	for _, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("expected validation error for %q", body)
		}
	}
}

func TestApplyOverrides(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{Epochs: 3, MaxLR: 0.05, Archive: "c.tar.gz", Schedule: ScheduleConstant})
	if cfg.Epochs != 3 || cfg.MaxLR != 0.05 || cfg.Archive != "c.tar.gz" || cfg.Schedule != ScheduleConstant {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.BatchSize != 100 || cfg.Seed != 42 {
		t.Fatalf("zero overrides changed values: %+v", cfg)
	}
}

func TestApplyOverridesSeed(t *testing.T) {
	cfg := Default()
	cfg.ApplyOverrides(Overrides{})
	if cfg.Seed != 42 {
		t.Fatalf("unset seed changed value: %d", cfg.Seed)
	}
	zero := int64(0)
	cfg.ApplyOverrides(Overrides{Seed: &zero})
	if cfg.Seed != 0 {
		t.Fatalf("explicit zero seed not applied: %d", cfg.Seed)
	}
}

func TestLoadFillsLoggingDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_every: 0\nprefetch: 0\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogEvery != 50 || cfg.Prefetch != 1 {
		t.Fatalf("got log_every=%d prefetch=%d", cfg.LogEvery, cfg.Prefetch)
	}
}

func TestValidateDoesNotModifyConfig(t *testing.T) {
	cfg := Default()
	cfg.LogEvery = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for log_every 0")
	}
	if cfg.LogEvery != 0 {
		t.Fatalf("Validate rewrote log_every to %d", cfg.LogEvery)
	}

	cfg = Default()
	cfg.Prefetch = -1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for prefetch -1")
	}
	if cfg.Prefetch != -1 {
		t.Fatalf("Validate rewrote prefetch to %d", cfg.Prefetch)
	}
}
