package conf

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/circle-sync/circlesync/internal/life360"
)

const (
	configFileMode           = 0o600
	configTempFilePattern    = ".config-*.tmp"
	errMessageEncodeConfig   = "encode config document"
	errMessageWriteConfig    = "write config document"
	errMessageRenameConfig   = "rename config document"
	errMessageReadConfig     = "read config document"
	errMessageDecodeConfig   = "decode config document"
	logMessageConfigNotified = "notifying config update listeners"
	logFieldListeners        = "listeners"
)

// UpdateListener is invoked with a copy of the options after every successful
// save. Listeners run synchronously on the saving goroutine.
type UpdateListener func(Options)

// Store is a file-backed persisted configuration document with update
// notification, standing in for the host platform's config entry.
type Store struct {
	path   string
	logger *zap.Logger

	mutex     sync.Mutex
	options   Options
	listeners []UpdateListener
}

// NewStore constructs a Store persisting to the given path.
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:    path,
		logger:  logger,
		options: Options{Accounts: map[life360.AccountID]Account{}},
	}
}

// AddListener registers an update listener and returns a function that
// removes it again.
func (store *Store) AddListener(listener UpdateListener) func() {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.listeners = append(store.listeners, listener)
	index := len(store.listeners) - 1
	return func() {
		store.mutex.Lock()
		defer store.mutex.Unlock()
		store.listeners[index] = nil
	}
}

// Options returns a copy of the current options.
func (store *Store) Options() Options {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.options.Clone()
}

// Load reads the document from disk. A missing file is not an error; the
// store simply starts with empty options.
func (store *Store) Load() error {
	body, readErr := os.ReadFile(store.path)
	if readErr != nil {
		if os.IsNotExist(readErr) {
			return nil
		}
		return fmt.Errorf("%s: %w", errMessageReadConfig, readErr)
	}
	options := Options{}
	if decodeErr := json.Unmarshal(body, &options); decodeErr != nil {
		return fmt.Errorf("%s: %w", errMessageDecodeConfig, decodeErr)
	}
	if options.Accounts == nil {
		options.Accounts = map[life360.AccountID]Account{}
	}
	store.mutex.Lock()
	store.options = options
	store.mutex.Unlock()
	return nil
}

// Save replaces the document contents and notifies listeners.
func (store *Store) Save(options Options) error {
	store.mutex.Lock()
	store.options = options.Clone()
	listeners := make([]UpdateListener, 0, len(store.listeners))
	for _, listener := range store.listeners {
		if listener != nil {
			listeners = append(listeners, listener)
		}
	}
	saved := store.options.Clone()
	store.mutex.Unlock()

	if writeErr := store.writeFile(saved); writeErr != nil {
		return writeErr
	}

	store.logger.Debug(logMessageConfigNotified, zap.Int(logFieldListeners, len(listeners)))
	for _, listener := range listeners {
		listener(saved.Clone())
	}
	return nil
}

// Update applies the mutator to a copy of the current options and saves the
// result.
func (store *Store) Update(mutator func(*Options)) error {
	store.mutex.Lock()
	updated := store.options.Clone()
	store.mutex.Unlock()
	mutator(&updated)
	return store.Save(updated)
}

func (store *Store) writeFile(options Options) error {
	body, encodeErr := json.MarshalIndent(options, "", "  ")
	if encodeErr != nil {
		return fmt.Errorf("%s: %w", errMessageEncodeConfig, encodeErr)
	}
	directory := filepath.Dir(store.path)
	tempFile, tempErr := os.CreateTemp(directory, configTempFilePattern)
	if tempErr != nil {
		return fmt.Errorf("%s: %w", errMessageWriteConfig, tempErr)
	}
	tempPath := tempFile.Name()
	if _, writeErr := tempFile.Write(body); writeErr != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWriteConfig, writeErr)
	}
	if closeErr := tempFile.Close(); closeErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWriteConfig, closeErr)
	}
	if chmodErr := os.Chmod(tempPath, configFileMode); chmodErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageWriteConfig, chmodErr)
	}
	if renameErr := os.Rename(tempPath, store.path); renameErr != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("%s: %w", errMessageRenameConfig, renameErr)
	}
	return nil
}
