package snapshot

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/miyaichi/adfit-checker/internal/protocol"
)

func TestDeleteLogsImageCleanupFailureWhenImageMissing(t *testing.T) {
	t.Helper()

	dir := t.TempDir()
	store := &Store{dir: dir}
	id := "123e4567-e89b-12d3-a456-426614174000"
	jsonPath := filepath.Join(dir, id+".json")

	meta := Meta{
		ID:     id,
		Format: "png",
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("json.Marshal() failed: %v", err)
	}
	if err := os.WriteFile(jsonPath, metaBytes, 0o644); err != nil {
		t.Fatalf("os.WriteFile() failed: %v", err)
	}

	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	if err := store.Delete(id); err != nil {
		t.Fatalf("Delete() = %v; want nil", err)
	}

	if !strings.Contains(buf.String(), "snapshot image cleanup failed") {
		t.Fatalf("expected image cleanup debug log, got %q", buf.String())
	}
	if _, err := os.Stat(jsonPath); !os.IsNotExist(err) {
		t.Fatalf("meta sidecar still present: %v", err)
	}
}

func TestSaveListReadNewestFirst(t *testing.T) {
	store, err := NewStore(filepath.Join(t.TempDir(), "snaps"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	base := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	older := Meta{ID: NewID(), Endpoint: protocol.TabEndpoint(2), TabID: 2, Width: 800, Height: 2500, Slices: 3, CreatedAt: base}
	newer := Meta{ID: NewID(), Endpoint: protocol.TabEndpoint(3), TabID: 3, CreatedAt: base.Add(time.Minute), Notes: "after deploy"}
	if err := store.Save(older, []byte("older-png")); err != nil {
		t.Fatalf("Save(older) error = %v", err)
	}
	if err := store.Save(newer, []byte("newer-png")); err != nil {
		t.Fatalf("Save(newer) error = %v", err)
	}

	list, err := store.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Fatalf("List() order = %+v; want newer then older", list)
	}
	if list[0].Format != "png" {
		t.Fatalf("default format = %q; want png", list[0].Format)
	}

	data, format, err := store.ReadImage(older.ID)
	if err != nil {
		t.Fatalf("ReadImage() error = %v", err)
	}
	if string(data) != "older-png" || format != "png" {
		t.Fatalf("ReadImage() = %q, %q", data, format)
	}
}

func TestStoreErrorsCarryCodes(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	if _, err := store.Get("../../etc/passwd"); !protocol.HasCode(err, protocol.CodeValidation) {
		t.Fatalf("Get(bad id) = %v; want VALIDATION", err)
	}
	if _, err := store.Get(NewID()); !protocol.HasCode(err, protocol.CodeNotFound) {
		t.Fatalf("Get(missing) = %v; want NOT_FOUND", err)
	}
	if err := store.Delete(NewID()); !protocol.HasCode(err, protocol.CodeNotFound) {
		t.Fatalf("Delete(missing) = %v; want NOT_FOUND", err)
	}
}
