// Package db tests for database migration management.
package db

import (
	"database/sql"
	"strings"
	"testing"
)

func openMemory(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	// every pooled connection would get its own in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

var testMigrations = []Migration{
	{Version: 2, Description: "second", Up: "CREATE TABLE b (id INTEGER);", Down: "DROP TABLE b;"},
	{Version: 1, Description: "first", Up: "CREATE TABLE a (id INTEGER);", Down: "DROP TABLE a;"},
}

// TestNewMigrator verifies migrations are ordered by version.
func TestNewMigrator(t *testing.T) {
	db := openMemory(t)

	m := NewMigrator(db, testMigrations)
	if m == nil {
		t.Fatal("NewMigrator() returned nil")
	}
	if m.db != db {
		t.Error("Migrator.db not set correctly")
	}
	if m.migrations[0].Version != 1 || m.migrations[1].Version != 2 {
		t.Errorf("migrations not sorted: %v, %v", m.migrations[0].Version, m.migrations[1].Version)
	}
	if testMigrations[0].Version != 2 {
		t.Error("NewMigrator() must not reorder the caller's slice")
	}
}

// TestInitialize verifies schema_migrations table creation.
func TestInitialize(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations)

	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	// Idempotent
	if err := m.Initialize(); err != nil {
		t.Fatalf("second Initialize() failed: %v", err)
	}

	_, err := db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		9, 123456, "probe", strings.Repeat("a", 64))
	if err != nil {
		t.Errorf("Failed to insert into schema_migrations: %v", err)
	}

	// Checksum length is constrained
	_, err = db.Exec("INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
		10, 123456, "probe", "short")
	if err == nil {
		t.Error("short checksum should violate CHECK constraint")
	}
}

// TestUp_appliesInOrder verifies pending migrations are applied and recorded.
func TestUp_appliesInOrder(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations() failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("applied = %d, want 2", len(applied))
	}
	if applied[0].Description != "first" || applied[1].Description != "second" {
		t.Errorf("unexpected order: %+v", applied)
	}
	if applied[0].Checksum != testMigrations[1].Checksum() {
		t.Error("checksum not recorded")
	}

	// Running again is a no-op
	if err := m.Up(); err != nil {
		t.Errorf("second Up() failed: %v", err)
	}
}

// TestUp_checksumMismatch verifies an edited migration is rejected.
func TestUp_checksumMismatch(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations[1:])
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	edited := []Migration{{Version: 1, Description: "first", Up: "CREATE TABLE a (id INTEGER, x TEXT);"}}
	err := NewMigrator(db, edited).Up()
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Errorf("Up() error = %v, want checksum mismatch", err)
	}
}

// TestUp_failedMigrationRollsBack verifies a broken script leaves no record.
func TestUp_failedMigrationRollsBack(t *testing.T) {
	db := openMemory(t)
	broken := []Migration{{Version: 1, Description: "broken", Up: "CREATE TABLE (;"}}
	m := NewMigrator(db, broken)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Up(); err == nil {
		t.Fatal("Up() with invalid SQL should fail")
	}
	version, _ := m.CurrentVersion()
	if version != 0 {
		t.Errorf("CurrentVersion() = %d, want 0", version)
	}
}

// TestDown verifies the last migration is rolled back.
func TestDown(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}
	if err := m.Up(); err != nil {
		t.Fatalf("Up() failed: %v", err)
	}

	if err := m.Down(); err != nil {
		t.Fatalf("Down() failed: %v", err)
	}
	version, _ := m.CurrentVersion()
	if version != 1 {
		t.Errorf("CurrentVersion() = %d, want 1", version)
	}

	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='b'").Scan(&name)
	if err != sql.ErrNoRows {
		t.Errorf("table b should be dropped, got err=%v", err)
	}
}

// TestDown_nothingApplied verifies Down errors on an empty schema.
func TestDown_nothingApplied(t *testing.T) {
	db := openMemory(t)
	m := NewMigrator(db, testMigrations)
	if err := m.Initialize(); err != nil {
		t.Fatalf("Initialize() failed: %v", err)
	}

	if err := m.Down(); err == nil {
		t.Error("Down() with nothing applied should fail")
	}
}
