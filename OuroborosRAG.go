/*
Package ouroboros wires the encrypted chunk store, its audit log and an
in-memory vector index into one handle.

!! The store is in an early stage of development and should not be used in production environments. !!
*/
package ouroboros

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rag/internal/keyValStore"
	"github.com/i5heu/ouroboros-rag/internal/workerPool"
	"github.com/i5heu/ouroboros-rag/pkg/audit"
	"github.com/i5heu/ouroboros-rag/pkg/chunkstore"
	"github.com/i5heu/ouroboros-rag/pkg/encryption"
	"github.com/i5heu/ouroboros-rag/pkg/index/memory"
	"github.com/i5heu/ouroboros-rag/pkg/keys"
	"github.com/i5heu/ouroboros-rag/pkg/rag"
)

var (
	ErrNotStarted = errors.New("ouroboros: not started")
	ErrClosed     = errors.New("ouroboros: closed")
)

// OuroborosRAG owns the KV store, the audit log, the index and the worker
// pool behind a chunkstore.Store, and the lifecycle of background jobs.
type OuroborosRAG struct {
	log    *logrus.Logger
	config Config

	mu    sync.RWMutex
	kv    *keyValStore.KeyValStore
	audit *audit.Logger
	index *memory.Index
	pool  *workerPool.WorkerPool
	store *chunkstore.Store

	rotateMu       sync.Mutex
	stopBackground context.CancelFunc
	background     sync.WaitGroup

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a handle. New does not touch the disk; call Start.
func New(conf Config) (*OuroborosRAG, error) {
	if len(conf.Paths) == 0 || conf.Paths[0] == "" {
		return nil, fmt.Errorf("at least one path must be provided in config")
	}
	conf.applyDefaults()
	return &OuroborosRAG{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Start opens the key, the KV store and the audit log, finishes a key
// rotation a previous process left behind, rebuilds the index and starts
// garbage collection. Only the first call has effect.
func (ou *OuroborosRAG) Start(ctx context.Context) error {
	var startErr error
	ou.startOnce.Do(func() {
		startErr = ou.start(ctx)
	})
	return startErr
}

func (ou *OuroborosRAG) start(ctx context.Context) error {
	dataRoot := ou.config.Paths[0]
	if err := os.MkdirAll(dataRoot, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dataRoot, err)
	}

	key, err := ou.loadKey()
	if err != nil {
		return fmt.Errorf("loading key: %w", err)
	}

	kv, err := keyValStore.NewKeyValStore(keyValStore.StoreConfig{
		Path:             ou.config.chunkPath(),
		MinimumFreeSpace: ou.config.MinimumFreeGB,
		SyncWrites:       true,
		Logger:           ou.log,
	})
	if err != nil {
		return fmt.Errorf("init kv: %w", err)
	}

	al, err := audit.Open(audit.Config{
		Dir:               ou.config.AuditDir,
		AnchorPath:        ou.config.AnchorPath,
		SegmentMaxEntries: ou.config.SegmentMaxEntries,
		SegmentMaxAge:     ou.config.SegmentMaxAge,
		Logger:            ou.log,
	})
	if err != nil {
		kv.Close()
		return fmt.Errorf("init audit log: %w", err)
	}

	ou.mu.Lock()
	ou.kv = kv
	ou.audit = al
	ou.index = memory.New(ou.config.Dimension)
	ou.pool = workerPool.NewWorkerPool(workerPool.Config{WorkerCount: ou.config.Workers})
	ou.mu.Unlock()

	store, err := ou.openStore(key)
	if err != nil {
		ou.closeComponents()
		return err
	}
	store, err = ou.resumeRotation(ctx, store)
	if err != nil {
		store.Close()
		ou.closeComponents()
		return fmt.Errorf("resuming key rotation: %w", err)
	}
	ou.mu.Lock()
	ou.store = store
	ou.mu.Unlock()

	if halted := store.Halted(); halted != nil {
		ou.log.WithError(halted).Error("store opened halted, operator intervention required")
	}

	n, err := store.Rebuild(ctx)
	if err != nil {
		ou.log.WithError(err).Warn("index rebuild failed")
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	ou.stopBackground = cancel
	if interval := ou.config.GarbageCollectionInterval; interval > 0 {
		kv.StartOperationCounter(bgCtx, interval)
		ou.background.Add(1)
		go ou.garbageCollection(bgCtx, interval)
	}

	ou.started.Store(true)
	ou.log.WithFields(logrus.Fields{
		"path":   dataRoot,
		"chunks": n,
		"key":    store.KeyFingerprint(),
	}).Info("OuroborosRAG started")
	return nil
}

func (ou *OuroborosRAG) openStore(key keys.Key) (*chunkstore.Store, error) {
	store, err := chunkstore.New(chunkstore.Config{
		KV:           ou.kv,
		Index:        ou.index,
		Audit:        ou.audit,
		Sealer:       encryption.NewEngine(encryption.Config{Compression: ou.config.Compression, Logger: ou.log}),
		Key:          key,
		Dimension:    ou.config.Dimension,
		IndexTimeout: ou.config.IndexTimeout,
		Pool:         ou.pool,
		Logger:       ou.log,
	})
	if err != nil {
		return nil, fmt.Errorf("init chunk store: %w", err)
	}
	return store, nil
}

func (ou *OuroborosRAG) loadKey() (keys.Key, error) {
	if ou.config.Passphrase != "" {
		salt, err := keys.LoadOrCreateSalt(ou.config.SaltPath)
		if err != nil {
			return keys.Key{}, err
		}
		return keys.Derive([]byte(ou.config.Passphrase), salt, ou.config.KDFIterations)
	}

	key, created, err := keys.LoadOrGenerate(ou.config.KeyPath)
	if err != nil {
		return keys.Key{}, err
	}
	if created {
		ou.log.WithFields(logrus.Fields{"path": ou.config.KeyPath, "key": key.Fingerprint()}).Info("generated new key")
	}
	return key, nil
}

// resumeRotation finishes what RotateKey left behind when the process died
// between saving <KeyPath>.next and installing it over KeyPath.
func (ou *OuroborosRAG) resumeRotation(ctx context.Context, store *chunkstore.Store) (*chunkstore.Store, error) {
	if ou.config.Passphrase != "" {
		return store, nil
	}
	next := ou.config.nextKeyPath()
	newKey, err := keys.Load(next)
	if errors.Is(err, keys.ErrKeyNotFound) {
		return store, nil
	}
	if err != nil {
		return store, err
	}
	log := ou.log.WithFields(logrus.Fields{"new_key": newKey.Fingerprint()})

	if _, newFP, ok := store.PendingRotation(); ok {
		if newFP != newKey.Fingerprint() {
			log.WithFields(logrus.Fields{"pending_key": newFP}).Error("pending rotation targets another key, leaving it for the operator")
			return store, nil
		}
		log.Warn("resuming interrupted key rotation")
		if _, err := store.RotateKey(ctx, newKey); err != nil {
			return store, err
		}
		return store, ou.installNextKey()
	}

	if errors.Is(store.Halted(), chunkstore.ErrKeyMismatch) {
		replacement, err := ou.openStore(newKey)
		if err != nil {
			return store, err
		}
		if replacement.Halted() == nil {
			log.Warn("rotation had finished, installing the new key")
			store.Close()
			return replacement, ou.installNextKey()
		}
		replacement.Close()
		return store, nil
	}

	log.Warn("discarding key of a rotation that never started")
	if err := os.Remove(next); err != nil {
		return store, fmt.Errorf("removing %s: %w", next, err)
	}
	return store, nil
}

// installNextKey renames <KeyPath>.next over KeyPath once the re-sealed
// chunks are on disk.
func (ou *OuroborosRAG) installNextKey() error {
	if err := ou.kv.Sync(); err != nil {
		return fmt.Errorf("installing new key: %w", err)
	}
	if err := os.Rename(ou.config.nextKeyPath(), ou.config.KeyPath); err != nil {
		return fmt.Errorf("installing new key: %w", err)
	}
	return nil
}

// RotateKey re-seals every chunk under newKey. With a key file the new key
// is saved to <KeyPath>.next first and renamed over KeyPath once every chunk
// is migrated, so an interrupted rotation is resumed by the next Start. A
// passphrase-derived key is not persisted; restart with the passphrase that
// derives newKey.
func (ou *OuroborosRAG) RotateKey(ctx context.Context, newKey keys.Key) (chunkstore.RotationReport, error) {
	ou.rotateMu.Lock()
	defer ou.rotateMu.Unlock()

	store, err := ou.Store()
	if err != nil {
		return chunkstore.RotationReport{}, err
	}
	if _, newFP, ok := store.PendingRotation(); ok && newFP != newKey.Fingerprint() {
		return chunkstore.RotationReport{}, fmt.Errorf("%w: pending rotation targets key %s", chunkstore.ErrRotationInProgress, newFP)
	}

	fileKey := ou.config.Passphrase == ""
	if fileKey && !newKey.IsZero() {
		if err := keys.Save(newKey, ou.config.nextKeyPath()); err != nil {
			return chunkstore.RotationReport{}, err
		}
	}

	report, err := store.RotateKey(ctx, newKey)
	if err != nil {
		return report, err
	}
	if fileKey {
		return report, ou.installNextKey()
	}
	ou.log.WithFields(logrus.Fields{"key": report.NewFingerprint}).Warn("key rotated, restart with the matching passphrase")
	return report, nil
}

func (ou *OuroborosRAG) garbageCollection(ctx context.Context, interval time.Duration) {
	defer ou.background.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ou.kv.Clean(); err != nil {
				ou.log.WithError(err).Error("garbage collection failed")
				continue
			}
			ou.log.Debug("garbage collection finished")
		}
	}
}

// Store returns the chunk store once Start succeeded.
func (ou *OuroborosRAG) Store() (*chunkstore.Store, error) {
	if !ou.started.Load() {
		return nil, ErrNotStarted
	}
	ou.mu.RLock()
	defer ou.mu.RUnlock()
	if ou.store == nil {
		return nil, ErrClosed
	}
	return ou.store, nil
}

func (ou *OuroborosRAG) Audit() (*audit.Logger, error) {
	if !ou.started.Load() {
		return nil, ErrNotStarted
	}
	ou.mu.RLock()
	defer ou.mu.RUnlock()
	if ou.audit == nil {
		return nil, ErrClosed
	}
	return ou.audit, nil
}

// Pipeline builds a rag.Pipeline over the store. Store and Logger of conf
// are filled in.
func (ou *OuroborosRAG) Pipeline(conf rag.Config) (*rag.Pipeline, error) {
	store, err := ou.Store()
	if err != nil {
		return nil, err
	}
	conf.Store = store
	if conf.Logger == nil {
		conf.Logger = ou.log
	}
	return rag.NewPipeline(conf)
}

// Run starts, blocks until ctx is canceled and then shuts down within ten
// seconds.
func (ou *OuroborosRAG) Run(ctx context.Context) error {
	if err := ou.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return ou.Close(shutdownCtx)
}

// Close stops background jobs and releases every component. Close is
// idempotent.
func (ou *OuroborosRAG) Close(ctx context.Context) error {
	var closeErr error
	ou.closeOnce.Do(func() {
		if ou.stopBackground != nil {
			ou.stopBackground()
		}
		done := make(chan struct{})
		go func() {
			ou.background.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			closeErr = fmt.Errorf("waiting for garbage collection: %w", ctx.Err())
		}

		closeErr = errors.Join(closeErr, ou.closeComponents())
		ou.log.Info("OuroborosRAG closed")
	})
	return closeErr
}

func (ou *OuroborosRAG) closeComponents() error {
	ou.mu.Lock()
	defer ou.mu.Unlock()

	var err error
	if ou.store != nil {
		if e := ou.store.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close store: %w", e))
		}
		ou.store = nil
	}
	if ou.pool != nil {
		ou.pool.Close()
		ou.pool = nil
	}
	if ou.audit != nil {
		if e := ou.audit.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close audit log: %w", e))
		}
		ou.audit = nil
	}
	if ou.kv != nil {
		if e := ou.kv.Close(); e != nil {
			err = errors.Join(err, fmt.Errorf("close kv: %w", e))
		}
		ou.kv = nil
	}
	return err
}
