package keyValStore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

var ErrKeyNotFound = errors.New("keyValStore: key not found")

type KeyValStore struct {
	config       StoreConfig
	log          *logrus.Logger
	badgerDB     *badger.DB
	readCounter  uint64
	writeCounter uint64
}

func NewKeyValStore(config StoreConfig) (*KeyValStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for KeyValStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger: %w", err)
	}

	k := &KeyValStore{
		config:   config,
		log:      config.Logger,
		badgerDB: db,
	}
	if !config.InMemory {
		k.logDiskUsage()
	}
	return k, nil
}

// StartOperationCounter logs read and write operations per interval until
// ctx is done.
func (k *KeyValStore) StartOperationCounter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				readOps := atomic.SwapUint64(&k.readCounter, 0)
				writeOps := atomic.SwapUint64(&k.writeCounter, 0)
				k.log.WithFields(logrus.Fields{
					"reads":    readOps,
					"writes":   writeOps,
					"interval": interval.String(),
				}).Debug("store operations")
			}
		}
	}()
}

// Txn is a read-write transaction handed to Update and View callbacks.
type Txn struct {
	txn *badger.Txn
	k   *KeyValStore
}

func (t *Txn) Get(key []byte) ([]byte, error) {
	atomic.AddUint64(&t.k.readCounter, 1)
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (t *Txn) Set(key, value []byte) error {
	atomic.AddUint64(&t.k.writeCounter, 1)
	return t.txn.Set(key, value)
}

func (t *Txn) Delete(key []byte) error {
	atomic.AddUint64(&t.k.writeCounter, 1)
	return t.txn.Delete(key)
}

// Update runs fn in one atomic read-write transaction. Nothing fn wrote is
// visible unless it returns nil.
func (k *KeyValStore) Update(fn func(txn *Txn) error) error {
	return k.badgerDB.Update(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn, k: k})
	})
}

func (k *KeyValStore) View(fn func(txn *Txn) error) error {
	return k.badgerDB.View(func(txn *badger.Txn) error {
		return fn(&Txn{txn: txn, k: k})
	})
}

func (k *KeyValStore) Write(key []byte, content []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)

	err := k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Set(key, content)
	})
	if err != nil {
		return fmt.Errorf("error writing key %q: %w", key, err)
	}
	return nil
}

// Sync flushes written data to disk. It is a no-op for in-memory stores.
func (k *KeyValStore) Sync() error {
	if k.config.InMemory {
		return nil
	}
	if err := k.badgerDB.Sync(); err != nil {
		return fmt.Errorf("error syncing store: %w", err)
	}
	return nil
}

// SyncWrites reports whether every commit is fsynced before it returns.
func (k *KeyValStore) SyncWrites() bool {
	return k.badgerDB.Opts().SyncWrites
}

func (k *KeyValStore) Read(key []byte) ([]byte, error) {
	atomic.AddUint64(&k.readCounter, 1)
	var value []byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("error reading key %q: %w", key, err)
	}
	return value, nil
}

func (k *KeyValStore) Exists(key []byte) (bool, error) {
	_, err := k.Read(key)
	if errors.Is(err, ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (k *KeyValStore) Delete(key []byte) error {
	atomic.AddUint64(&k.writeCounter, 1)
	return k.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

// GetItemsWithPrefix returns all keys and values with the given prefix in
// key order.
func (k *KeyValStore) GetItemsWithPrefix(prefix []byte) ([][2][]byte, error) {
	var keysAndValues [][2][]byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			atomic.AddUint64(&k.readCounter, 1)
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			keysAndValues = append(keysAndValues, [2][]byte{item.KeyCopy(nil), v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating prefix %q: %w", prefix, err)
	}
	return keysAndValues, nil
}

// GetKeysWithPrefix is GetItemsWithPrefix without fetching values.
func (k *KeyValStore) GetKeysWithPrefix(prefix []byte) ([][]byte, error) {
	var keys [][]byte
	err := k.badgerDB.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error iterating prefix %q: %w", prefix, err)
	}
	return keys, nil
}

func (k *KeyValStore) Close() error {
	if err := k.Clean(); err != nil {
		k.log.WithError(err).Warn("cleaning store before close failed")
	}
	return k.badgerDB.Close()
}

// Clean syncs, flattens the LSM tree and runs value log garbage collection.
func (k *KeyValStore) Clean() error {
	if !k.config.InMemory {
		if err := k.badgerDB.Sync(); err != nil {
			return fmt.Errorf("error syncing db: %w", err)
		}
	}

	err := k.badgerDB.Flatten(runtime.NumCPU()) // The parameter is the number of concurrent compactions
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}
	k.log.Debug("DB Flattened")

	if k.config.InMemory {
		return nil
	}
	err = k.badgerDB.RunValueLogGC(0.1)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}
	return nil
}
