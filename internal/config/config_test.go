package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty display name", func(c *Config) { c.Identity.DisplayName = " " }},
		{"heartbeat >= liveness", func(c *Config) { c.Presence.HeartbeatSec = 40 }},
		{"zero connect timeout", func(c *Config) { c.Mesh.ConnectTimeoutSec = 0 }},
		{"unknown backend", func(c *Config) { c.Transport.Backend = "carrier-pigeon" }},
		{"blank mdns tag", func(c *Config) { c.Transport.MdnsTag = " " }},
		{"relay without url", func(c *Config) { c.Transport.Backend = "relay" }},
		{"relay with http url", func(c *Config) {
			c.Transport.Backend = "relay"
			c.Transport.RelayURL = "http://relay.example.org"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orbit.json")
	// Partial file: unset fields must keep their defaults.
	body := `{"identity":{"display_name":"Pat"},"transport":{"backend":"relay","relay_url":"wss://relay.example.org"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.DisplayName != "Pat" {
		t.Fatalf("display name not loaded: %q", cfg.Identity.DisplayName)
	}
	if cfg.Transport.Backend != "relay" || cfg.Transport.RelayURL != "wss://relay.example.org" {
		t.Fatalf("transport not loaded: %+v", cfg.Transport)
	}
	if cfg.Presence.HeartbeatSec != 4 || cfg.Presence.LivenessSec != 40 {
		t.Fatalf("defaults lost on partial load: %+v", cfg.Presence)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orbit.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"display_name":"Pat"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("BOM broke the load: %v", err)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orbit.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected a fresh file")
	}
	if cfg.Transport.Backend != "pubsub" {
		t.Fatalf("unexpected default backend: %s", cfg.Transport.Backend)
	}

	// Second call loads the existing file.
	_, created, err = Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("Ensure rewrote an existing file")
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Presence.HeartbeatSec = 0
	if err := Save(filepath.Join(dir, "orbit.json"), cfg); err == nil {
		t.Fatal("invalid config saved")
	}
}
