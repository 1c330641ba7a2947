package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "link-server.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
database:
  dsn: postgres://hoodlink:pw@localhost/hoodlink?sslmode=disable
cloud:
  base_url: https://px1.tuyaeu.com
  client_id: client-123
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pairing.ScanTimeout != 120*time.Second {
		t.Errorf("scan timeout = %v", cfg.Pairing.ScanTimeout)
	}
	if cfg.Pairing.PollInterval != 2*time.Second {
		t.Errorf("poll interval = %v", cfg.Pairing.PollInterval)
	}
	if cfg.Token.RefreshMargin != 300*time.Second {
		t.Errorf("refresh margin = %v", cfg.Token.RefreshMargin)
	}
	if cfg.Local.ConnectTimeout != 5*time.Second {
		t.Errorf("connect timeout = %v", cfg.Local.ConnectTimeout)
	}
	if cfg.Cloud.SchemaVariantA != "haauthorize" || cfg.Cloud.SchemaVariantB != "smartlifeweb" {
		t.Errorf("schemas = %q / %q", cfg.Cloud.SchemaVariantA, cfg.Cloud.SchemaVariantB)
	}
}

func TestLoadExplicitValuesWin(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
pairing:
  scan_timeout: 90s
  poll_interval: 5s
token:
  refresh_margin: 600s
api:
  host: 0.0.0.0
  port: 8080
  operator: admin
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Pairing.ScanTimeout != 90*time.Second {
		t.Errorf("scan timeout = %v", cfg.Pairing.ScanTimeout)
	}
	if cfg.Token.RefreshMargin != 600*time.Second {
		t.Errorf("refresh margin = %v", cfg.Token.RefreshMargin)
	}
	if cfg.API.Port != 8080 || cfg.API.Operator != "admin" {
		t.Errorf("api config = %+v", cfg.API)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env@localhost/env")
	t.Setenv("CLOUD_CLIENT_ID", "client-env")
	t.Setenv("STORAGE_ENCRYPTION_KEY", "0123456789abcdef")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Database.DSN != "postgres://env@localhost/env" {
		t.Errorf("dsn = %q", cfg.Database.DSN)
	}
	if cfg.Cloud.ClientID != "client-env" {
		t.Errorf("client id = %q", cfg.Cloud.ClientID)
	}
	if cfg.Storage.EncryptionKey != "0123456789abcdef" {
		t.Errorf("encryption key = %q", cfg.Storage.EncryptionKey)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing client id", "database:\n  dsn: postgres://x\n"},
		{"missing dsn", "cloud:\n  client_id: client-123\n"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.body)); err == nil {
				t.Fatal("invalid config accepted")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
