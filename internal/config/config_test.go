// internal/config/config_test.go
package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_LoadFrom(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".cet")
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	for _, d := range []string{cfg.Dir, cfg.EnvsDir, cfg.BackupsDir, cfg.LogDir} {
		if _, err := os.Stat(d); os.IsNotExist(err) {
			t.Errorf("%s should be created", d)
		}
	}
	if cfg.DatabasePath != filepath.Join(dir, "cet.db") {
		t.Errorf("Unexpected database path %s", cfg.DatabasePath)
	}
	if got := cfg.EnvDir("myenv"); got != filepath.Join(dir, "envs", "myenv") {
		t.Errorf("Unexpected env dir %s", got)
	}
}

func TestConfig_LoadHonorsHomeEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dir != dir {
		t.Errorf("Expected %s, got %s", dir, cfg.Dir)
	}
}

func TestSettings(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom failed: %v", err)
	}

	settings, err := cfg.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if settings.ConflictPolicy != "prompt" || settings.Backups.Max != 20 {
		t.Errorf("Expected defaults, got %+v", settings)
	}

	data := "yes: true\nconflict-policy: local-wins\npip-index-urls:\n  - https://pypi.org/simple\n"
	if err := os.WriteFile(cfg.SettingsPath, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	settings, err = cfg.LoadSettings()
	if err != nil {
		t.Fatalf("LoadSettings failed: %v", err)
	}
	if !settings.Yes || settings.ConflictPolicy != "local-wins" {
		t.Errorf("Settings not read: %+v", settings)
	}
	if len(settings.PipIndexURLs) != 1 {
		t.Errorf("Expected one index url, got %v", settings.PipIndexURLs)
	}
	if !settings.StrictChannelPriority || settings.Backups.CompressionLevel != 3 {
		t.Errorf("Missing keys should keep defaults: %+v", settings)
	}

	settings.LogLevel = "debug"
	if err := cfg.SaveSettings(settings); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}
	reread, err := cfg.LoadSettings()
	if err != nil {
		t.Fatal(err)
	}
	if reread.LogLevel != "debug" {
		t.Errorf("Expected debug, got %s", reread.LogLevel)
	}
}

func TestSettings_Malformed(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.SettingsPath, []byte("yes: [\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := cfg.LoadSettings(); err == nil {
		t.Error("Expected an error for malformed settings")
	}
}

func TestSettings_Set(t *testing.T) {
	settings := DefaultSettings()
	for key, value := range map[string]string{
		"yes":                       "true",
		"strict-channel-priority":   "false",
		"pip-index-urls":            "https://pypi.org/simple, https://example.com/simple",
		"conflict-policy":           "local-wins",
		"backups.max":               "5",
		"backups.compression-level": "9",
	} {
		if err := settings.Set(key, value); err != nil {
			t.Fatalf("Set(%s) failed: %v", key, err)
		}
	}
	if !settings.Yes || settings.StrictChannelPriority || settings.ConflictPolicy != "local-wins" {
		t.Errorf("Unexpected settings %+v", settings)
	}
	if len(settings.PipIndexURLs) != 2 || settings.PipIndexURLs[1] != "https://example.com/simple" {
		t.Errorf("Unexpected index urls %v", settings.PipIndexURLs)
	}
	if settings.Backups.Max != 5 || settings.Backups.CompressionLevel != 9 {
		t.Errorf("Unexpected backups %+v", settings.Backups)
	}

	if err := settings.Set("backups.max", "many"); err == nil {
		t.Error("Expected an error for a non-numeric value")
	}
	if err := settings.Set("theme", "dark"); err == nil {
		t.Error("Expected an error for an unknown key")
	}
}

func TestToolVersions_LookupOnce(t *testing.T) {
	calls := 0
	v := NewToolVersions(func(context.Context) (string, error) {
		calls++
		return "4.10.3", nil
	})
	for i := 0; i < 3; i++ {
		got, err := v.CondaVersion(context.Background())
		if err != nil || got != "4.10.3" {
			t.Fatalf("Unexpected result %q, %v", got, err)
		}
	}
	if calls != 1 {
		t.Errorf("Expected one lookup, got %d", calls)
	}

	failing := NewToolVersions(func(context.Context) (string, error) {
		return "", errors.New("conda not found")
	})
	if _, err := failing.CondaVersion(context.Background()); err == nil {
		t.Error("Expected the lookup error")
	}
}
