package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
)

func newTestFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	return fs
}

func TestLoadAppliesDefaultsWithNoOverrides(t *testing.T) {
	fs := newTestFlagSet()
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("parse error: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.SMTP.Port != 25 {
		t.Errorf("SMTP.Port = %d, want 25", cfg.SMTP.Port)
	}
	if cfg.SMTP.Hostname != "mx.example" {
		t.Errorf("SMTP.Hostname = %q, want mx.example", cfg.SMTP.Hostname)
	}
	if cfg.Database.DBName != "esmtpd" {
		t.Errorf("Database.DBName = %q, want esmtpd", cfg.Database.DBName)
	}
}

func TestLoadFlagsOverrideDefaults(t *testing.T) {
	fs := newTestFlagSet()
	if err := fs.Parse([]string{"--smtp.port=2525", "--smtp.hostname=mail.internal"}); err != nil {
		t.Fatalf("parse error: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.SMTP.Port != 2525 {
		t.Errorf("SMTP.Port = %d, want 2525", cfg.SMTP.Port)
	}
	if cfg.SMTP.Hostname != "mail.internal" {
		t.Errorf("SMTP.Hostname = %q, want mail.internal", cfg.SMTP.Hostname)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	fs := newTestFlagSet()
	if err := fs.Parse([]string{"--smtp.port=70000"}); err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if _, err := Load(fs); err == nil {
		t.Error("Load should reject a port outside [1,65535]")
	}
}

func TestLoadReadsYAMLConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "esmtpd.yaml")
	yaml := "smtp:\n  hostname: from-file.example\n  port: 587\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	fs := newTestFlagSet()
	if err := fs.Parse([]string{"--config=" + path}); err != nil {
		t.Fatalf("parse error: %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.SMTP.Hostname != "from-file.example" {
		t.Errorf("SMTP.Hostname = %q, want from-file.example", cfg.SMTP.Hostname)
	}
	if cfg.SMTP.Port != 587 {
		t.Errorf("SMTP.Port = %d, want 587", cfg.SMTP.Port)
	}
}

func TestDatabaseConfigDSNFormat(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: "5432", User: "u", Password: "p", DBName: "n", SSLMode: "disable"}
	want := "host=db port=5432 user=u password=p dbname=n sslmode=disable"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
