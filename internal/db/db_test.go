package db

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/config"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.DatabaseConfig
		wantPrefix string
	}{
		{
			name:       "default local",
			cfg:        config.DatabaseConfig{Host: "127.0.0.1", Port: 3306, User: "root", Database: "switchboard"},
			wantPrefix: "root@tcp(127.0.0.1:3306)/switchboard?",
		},
		{
			name:       "with password",
			cfg:        config.DatabaseConfig{Host: "db.internal", Port: 3307, User: "sb", Password: "secret", Database: "sb_prod"},
			wantPrefix: "sb:secret@tcp(db.internal:3307)/sb_prod?",
		},
		{
			name:       "ipv6 host",
			cfg:        config.DatabaseConfig{Host: "::1", Port: 3306, User: "root", Database: "switchboard"},
			wantPrefix: "root@tcp([::1]:3306)/switchboard?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.cfg)
			if !strings.HasPrefix(got, tt.wantPrefix) {
				t.Errorf("DSN() = %q, want prefix %q", got, tt.wantPrefix)
			}
		})
	}
}

func TestDSN_ParseTimeFlag(t *testing.T) {
	dsn := DSN(config.DatabaseConfig{Host: "localhost", Port: 3306, User: "root", Database: "test"})
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", dsn)
	}
}

func TestOpen_NoDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{})
	if err == nil || !strings.Contains(err.Error(), "no database driver") {
		t.Errorf("err = %v, want no database driver", err)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Driver: "postgres"})
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Errorf("err = %v, want unsupported driver", err)
	}
}

func TestOpen_MySQLError(t *testing.T) {
	// Port 1 is unlikely to have a MySQL server; expect connection error.
	_, err := Open(config.DatabaseConfig{Driver: "mysql", Host: "127.0.0.1", Port: 1, User: "root", Database: "nonexistent"})
	if err == nil {
		t.Fatal("expected error connecting to invalid port")
	}
	if !strings.Contains(err.Error(), "db: connect to") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "db: connect to")
	}
}

func TestOpen_SQLiteAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.db")
	gdb, err := Open(config.DatabaseConfig{Driver: "sqlite", Path: path})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer Close(gdb)

	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	// Migrating twice is a no-op.
	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("second AutoMigrate: %v", err)
	}

	for _, table := range []string{"archived_messages", "run_records", "admission_counters"} {
		if !gdb.Migrator().HasTable(table) {
			t.Errorf("table %s missing after migrate", table)
		}
	}
}

func TestAllModels_Count(t *testing.T) {
	models := AllModels()
	if len(models) != 3 {
		t.Errorf("AllModels() returned %d models, want 3", len(models))
	}
}
