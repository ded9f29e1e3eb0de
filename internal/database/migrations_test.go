package database

import (
	"path/filepath"
	"testing"

	"github.com/relaymail/backend/internal/mail"
	"github.com/relaymail/backend/internal/revision"
	"gorm.io/gorm"
)

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaymail.db")
	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func TestOpenSQLiteCreatesSchema(t *testing.T) {
	db := openTestDatabase(t)

	for _, table := range []string{"namespaces", "threads", "messages", "contacts", "message_contacts", "transactions", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected error for empty database path")
	}
}

func TestBackfillObjectPublicIDs(t *testing.T) {
	db := openTestDatabase(t)

	namespace := mail.Namespace{PublicID: "ns-1", Name: "acct"}
	if err := db.Create(&namespace).Error; err != nil {
		t.Fatalf("failed to seed namespace: %v", err)
	}

	legacy := revision.Transaction{
		PublicID:     "cur-1",
		NamespaceID:  namespace.ID,
		RecordTable:  "messages",
		RecordID:     1,
		Command:      revision.CommandInsert,
		SnapshotJSON: `{"id":"msg-public","object":"message"}`,
	}
	removal := revision.Transaction{
		PublicID:    "cur-2",
		NamespaceID: namespace.ID,
		RecordTable: "messages",
		RecordID:    1,
		Command:     revision.CommandDelete,
	}
	if err := db.Create(&legacy).Error; err != nil {
		t.Fatalf("failed to seed legacy entry: %v", err)
	}
	if err := db.Create(&removal).Error; err != nil {
		t.Fatalf("failed to seed delete entry: %v", err)
	}

	if err := backfillObjectPublicIDs(db); err != nil {
		t.Fatalf("unexpected backfill error: %v", err)
	}

	var reloaded revision.Transaction
	if err := db.Take(&reloaded, "public_id = ?", "cur-1").Error; err != nil {
		t.Fatalf("failed to reload entry: %v", err)
	}
	if reloaded.ObjectPublicID != "msg-public" {
		t.Fatalf("expected backfilled object id, got %q", reloaded.ObjectPublicID)
	}

	var deleted revision.Transaction
	if err := db.Take(&deleted, "public_id = ?", "cur-2").Error; err != nil {
		t.Fatalf("failed to reload delete entry: %v", err)
	}
	if deleted.ObjectPublicID != "" {
		t.Fatalf("delete entries have no snapshot to backfill from, got %q", deleted.ObjectPublicID)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	db := openTestDatabase(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected migration error: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migration records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single migration record, got %d", count)
	}
}
