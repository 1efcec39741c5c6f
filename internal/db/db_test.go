package db

import (
	"path/filepath"
	"testing"

	"github.com/kanzaki/switchboard/internal/models"
)

func TestOpenAndMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "test.db")

	gdb, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	// Schema is usable after migration.
	conv := models.Conversation{ID: "c-1", SourceKey: "private:42", Status: models.StatusActive}
	if err := gdb.Create(&conv).Error; err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	var got models.Conversation
	if err := gdb.First(&got, "id = ?", "c-1").Error; err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got.SourceKey != "private:42" {
		t.Errorf("SourceKey = %q, want private:42", got.SourceKey)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not populated by gorm")
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	gdb, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := Migrate(gdb); err != nil {
			t.Fatalf("migrate pass %d: %v", i+1, err)
		}
	}
}
