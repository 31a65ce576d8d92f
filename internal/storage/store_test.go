package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/circle-sync/circlesync/internal/snapshot"
	"github.com/circle-sync/circlesync/internal/storage"
)

func persistedSnapshot() snapshot.Snapshot {
	current := snapshot.New()
	circleData := snapshot.NewCircleData("Family")
	circleData.AIDs["alice@example.com"] = struct{}{}
	circleData.MIDs["member-1"] = struct{}{}
	current.Circles["circle-a"] = circleData
	current.MemberDetails["member-1"] = snapshot.MemberDetails{Name: "Ada", EntityPicture: "https://example.com/ada.png"}
	return current
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := storage.NewFileStore(path, nil)

	if saveErr := store.Save(context.Background(), persistedSnapshot()); saveErr != nil {
		t.Fatalf("save: %v", saveErr)
	}

	loaded, loadErr := store.Load(context.Background())
	if loadErr != nil {
		t.Fatalf("load: %v", loadErr)
	}
	if !persistedSnapshot().Equal(loaded) {
		t.Errorf("round trip lost data: %+v", loaded)
	}
}

func TestFileStoreLoadMissingFile(t *testing.T) {
	store := storage.NewFileStore(filepath.Join(t.TempDir(), "absent.json"), nil)

	loaded, loadErr := store.Load(context.Background())
	if loadErr == nil {
		t.Fatal("expected an error for a missing snapshot file")
	}
	if len(loaded.Circles) != 0 || len(loaded.MemberDetails) != 0 {
		t.Errorf("expected an empty fallback snapshot, got %+v", loaded)
	}
}

func TestFileStoreLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	if writeErr := os.WriteFile(path, []byte("{not json"), 0o600); writeErr != nil {
		t.Fatalf("write: %v", writeErr)
	}

	store := storage.NewFileStore(path, nil)
	if _, loadErr := store.Load(context.Background()); loadErr == nil {
		t.Fatal("expected an error for a corrupt snapshot file")
	}
}

func TestFileStoreSaveOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.json")
	store := storage.NewFileStore(path, nil)

	if saveErr := store.Save(context.Background(), persistedSnapshot()); saveErr != nil {
		t.Fatalf("first save: %v", saveErr)
	}
	if saveErr := store.Save(context.Background(), snapshot.New()); saveErr != nil {
		t.Fatalf("second save: %v", saveErr)
	}

	loaded, loadErr := store.Load(context.Background())
	if loadErr != nil {
		t.Fatalf("load: %v", loadErr)
	}
	if len(loaded.Circles) != 0 {
		t.Errorf("expected the second save to win, got %+v", loaded)
	}
}
