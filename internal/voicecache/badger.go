package voicecache

import (
	"errors"
	"fmt"

	"github.com/book-expert/logger"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/story-narrator/narration-service/internal/core"
	"github.com/vmihailenco/msgpack/v5"
)

// ErrStoreDirEmpty indicates that no directory was given for on-disk mode.
var ErrStoreDirEmpty = errors.New("badger store directory cannot be empty")

const embeddingKeyPrefix = "embedding:"

// BadgerStoreOptions configures the persistent embedding store.
type BadgerStoreOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	Dir string
	// InMemory runs BadgerDB without disk persistence. Used by tests to
	// exercise a real badger engine.
	InMemory bool
}

// BadgerStore persists voice embeddings across service restarts. Records are
// msgpack-encoded and keyed by the cache key under a fixed prefix.
type BadgerStore struct {
	db  *badger.DB
	log *logger.Logger
}

// OpenBadgerStore opens (or creates) the embedding store.
func OpenBadgerStore(opts BadgerStoreOptions, log *logger.Logger) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, ErrStoreDirEmpty
	}

	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}

	dbOpts = dbOpts.WithLogger(badgerLogger{log: log})

	database, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedding store: %w", err)
	}

	return &BadgerStore{db: database, log: log}, nil
}

// Get returns the stored embedding for key, with found=false on a clean miss.
func (s *BadgerStore) Get(key string) (*core.VoiceEmbedding, bool, error) {
	var raw []byte

	err := s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get([]byte(embeddingKeyPrefix + key))
		if getErr != nil {
			return getErr
		}

		raw, getErr = item.ValueCopy(nil)

		return getErr
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to read embedding '%s': %w", key, err)
	}

	var embedding core.VoiceEmbedding

	err = msgpack.Unmarshal(raw, &embedding)
	if err != nil {
		return nil, false, fmt.Errorf("failed to decode embedding '%s': %w", key, err)
	}

	return &embedding, true, nil
}

// Put stores the embedding under its key, overwriting any previous record.
func (s *BadgerStore) Put(embedding *core.VoiceEmbedding) error {
	raw, err := msgpack.Marshal(embedding)
	if err != nil {
		return fmt.Errorf("failed to encode embedding '%s': %w", embedding.Key, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(embeddingKeyPrefix+embedding.Key), raw)
	})
	if err != nil {
		return fmt.Errorf("failed to write embedding '%s': %w", embedding.Key, err)
	}

	return nil
}

// Delete removes the record for key. Deleting an absent key is not an error.
func (s *BadgerStore) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(embeddingKeyPrefix + key))
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete embedding '%s': %w", key, err)
	}

	return nil
}

// Close releases the underlying database.
func (s *BadgerStore) Close() error {
	err := s.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close embedding store: %w", err)
	}

	return nil
}

// badgerLogger adapts the service logger to badger's interface, dropping
// badger's verbose info and debug output.
type badgerLogger struct {
	log *logger.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error("badger: "+format, args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn("badger: "+format, args...)
}

func (l badgerLogger) Infof(string, ...interface{})  {}
func (l badgerLogger) Debugf(string, ...interface{}) {}
