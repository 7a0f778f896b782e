package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	tests := []struct {
		name  string
		check func(*Config) bool
	}{
		{"default host is 0.0.0.0", func(c *Config) bool { return c.Host == "0.0.0.0" }},
		{"default port is 8080", func(c *Config) bool { return c.Port == 8080 }},
		{"default log level is info", func(c *Config) bool { return c.LogLevel == "info" }},
		{"default log format is json", func(c *Config) bool { return c.LogFormat == "json" }},
		{"default authentication is munge", func(c *Config) bool { return c.Authentication == "munge" }},
		{"default pull update timeout is 300s", func(c *Config) bool { return c.PullUpdateTimeout() == 300*time.Second }},
		{"default metrics enabled", func(c *Config) bool { return c.Metrics }},
		{"listen addr format", func(c *Config) bool { return c.ListenAddr() == "0.0.0.0:8080" }},
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(cfg) {
				t.Errorf("unexpected default for %s", tt.name)
			}
		})
	}
}

func TestLoadRejectsLegacyPullUpdateTimeKey(t *testing.T) {
	t.Setenv("IMAGEGW_PULL_UPDATE_TIME", "600")
	if _, err := Load(); err == nil {
		t.Fatal("expected Load to reject legacy IMAGEGW_PULL_UPDATE_TIME key")
	}
}

func TestParseImageExpirationTimeout(t *testing.T) {
	got, err := ParseImageExpirationTimeout("1:02:03:04")
	if err != nil {
		t.Fatalf("ParseImageExpirationTimeout: %v", err)
	}
	want := 24*time.Hour + 2*time.Hour + 3*time.Minute + 4*time.Second
	if got != want {
		t.Errorf("ParseImageExpirationTimeout() = %v, want %v", got, want)
	}

	if _, err := ParseImageExpirationTimeout("not-a-duration"); err == nil {
		t.Error("expected error parsing malformed ImageExpirationTimeout")
	}
}

func TestLoadPlatforms(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "platforms.yaml")
	yaml := `
platforms:
  systema:
    admins: [1001, 1002]
    accesstype: remote
  systemb:
    admins: []
    accesstype: local
    imageDir: /images/systemb
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing platforms file: %v", err)
	}

	platforms, err := LoadPlatforms(path)
	if err != nil {
		t.Fatalf("LoadPlatforms: %v", err)
	}
	if len(platforms) != 2 {
		t.Fatalf("expected 2 platforms, got %d", len(platforms))
	}
	systema := platforms["systema"]
	if len(systema.Admins) != 2 || systema.AccessType != "remote" {
		t.Errorf("unexpected systema config: %+v", systema)
	}
}

func TestLoadPlatformsRequiresAtLeastOne(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(path, []byte("platforms: {}\n"), 0o644); err != nil {
		t.Fatalf("writing platforms file: %v", err)
	}
	if _, err := LoadPlatforms(path); err == nil {
		t.Error("expected error for empty Platforms map")
	}
}
