package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv(ConfigEnv, filepath.Join(t.TempDir(), "missing.json"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Regions.Border != 50 {
		t.Fatalf("expected default border 50, got %v", cfg.Regions.Border)
	}
	if cfg.Photometry.AnnulusInner != 15 || cfg.Photometry.AnnulusOuter != 20 {
		t.Fatalf("unexpected annulus defaults: %+v", cfg.Photometry)
	}
	if cfg.Reduction.SkySigma != 3 || cfg.Reduction.SkyTolerance != 1e-6 {
		t.Fatalf("unexpected sky defaults: %+v", cfg.Reduction)
	}
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"processing":{"parallel_jobs":2},"regions":{"colour":"red"},"server":{"addr":":9000"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigEnv, path)
	t.Setenv("OPENCLUSTERS_ADDR", ":9100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Processing.ParallelJobs != 2 {
		t.Fatalf("expected parallel jobs from file, got %d", cfg.Processing.ParallelJobs)
	}
	if cfg.Regions.Colour != "red" {
		t.Fatalf("expected colour from file, got %q", cfg.Regions.Colour)
	}
	if cfg.Server.Addr != ":9100" {
		t.Fatalf("expected env override for addr, got %q", cfg.Server.Addr)
	}
	if cfg.Regions.Border != 50 {
		t.Fatalf("expected untouched default border, got %v", cfg.Regions.Border)
	}
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv(ConfigEnv, path)

	if _, err := Load(); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestExpandUser(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := expandUser("~/data/x.db")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if got != filepath.Join(home, "data/x.db") {
		t.Fatalf("unexpected expansion %q", got)
	}
	if got, _ := expandUser("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path changed: %q", got)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	cfg.Photometry.AnnulusOuter = 10
	cfg.Regions.Radius = 0
	cfg.Reduction.Extensions = []string{"fit"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"annulus", "regions.radius", "reduction.extensions"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}
