package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/circle-sync/circlesync/internal/snapshot"
)

const (
	snapshotFileMode        = 0o600
	snapshotTempFilePattern = ".snapshot-*.tmp"
	errMessageEncode        = "encode snapshot"
	errMessageWrite         = "write snapshot"
	errMessageRename        = "rename snapshot"
	errMessageRead          = "read snapshot"
	errMessageDecode        = "decode snapshot"
	logMessageSaved         = "persisted snapshot"
	logFieldPath            = "path"
	logFieldBytes           = "bytes"
)

// Store is the durable snapshot capability. The canonical snapshot is
// written through it after every successful reconciliation pass.
type Store interface {
	// Load reads the last persisted snapshot. A load failure is non-fatal;
	// callers fall back to fetching fresh data from the network.
	Load(ctx context.Context) (snapshot.Snapshot, error)

	// Save persists the snapshot. Saves must be atomic so a cancelled caller
	// never leaves the storage partially written.
	Save(ctx context.Context, current snapshot.Snapshot) error
}

// FileStore implements Store on a single JSON file.
type FileStore struct {
	path   string
	logger *zap.Logger
	mutex  sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore constructs a FileStore persisting to the given path.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}
}

// Load implements Store. A missing file is reported as an error so the
// caller can log the fallback; it carries no snapshot data.
func (store *FileStore) Load(_ context.Context) (snapshot.Snapshot, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	body, readErr := os.ReadFile(store.path)
	if readErr != nil {
		return snapshot.New(), fmt.Errorf("%s: %w", errMessageRead, readErr)
	}
	decoded, decodeErr := snapshot.Unmarshal(body)
	if decodeErr != nil {
		return snapshot.New(), fmt.Errorf("%s: %w", errMessageDecode, decodeErr)
	}
	return decoded, nil
}

// Save implements Store with an atomic temp-file-and-rename write.
func (store *FileStore) Save(_ context.Context, current snapshot.Snapshot) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	body, encodeErr := snapshot.Marshal(current)
	if encodeErr != nil {
		return fmt.Errorf("%s: %w", errMessageEncode, encodeErr)
	}
	directory := filepath.Dir(store.path)
	tempFile, tempErr := os.CreateTemp(directory, snapshotTempFilePattern)
	if tempErr != nil {
		return fmt.Errorf("%s: %w", errMessageWrite, tempErr)
	}
	tempPath := tempFile.Name()
	if _, writeErr := tempFile.Write(body); writeErr != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWrite, writeErr)
	}
	if closeErr := tempFile.Close(); closeErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWrite, closeErr)
	}
	if chmodErr := os.Chmod(tempPath, snapshotFileMode); chmodErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWrite, chmodErr)
	}
	if renameErr := os.Rename(tempPath, store.path); renameErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageRename, renameErr)
	}
	store.logger.Debug(logMessageSaved, zap.String(logFieldPath, store.path), zap.Int(logFieldBytes, len(body)))
	return nil
}
