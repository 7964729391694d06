package ouroboros

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-rag/internal/config"
	"github.com/i5heu/ouroboros-rag/pkg/keys"
)

// Config configures an OuroborosRAG instance. Only Paths[0] is used at the
// moment.
type Config struct {
	// Paths contains data directories. Chunks live in Paths[0]/chunks.
	Paths []string
	// MinimumFreeGB is the free-space threshold checked when the store opens.
	MinimumFreeGB int

	// KeyPath holds the raw 256 bit key. It is generated on first start
	// unless Passphrase is set.
	KeyPath string
	// Passphrase derives the key with PBKDF2 instead of reading KeyPath.
	Passphrase    string
	SaltPath      string
	KDFIterations int

	AuditDir string
	// AnchorPath should live on a different medium than AuditDir; it is how
	// truncation of the tail of the log is detected.
	AnchorPath        string
	SegmentMaxEntries uint64
	SegmentMaxAge     time.Duration

	Dimension   int
	Compression bool
	// Workers sizes the pool used for query decryption and key rotation.
	Workers      int
	IndexTimeout time.Duration

	GarbageCollectionInterval time.Duration
	Logger                    *logrus.Logger
}

const defaultIndexTimeout = 5 * time.Second

func (c *Config) applyDefaults() {
	root := c.Paths[0]
	if c.KeyPath == "" {
		c.KeyPath = filepath.Join(root, "ouroboros.key")
	}
	if c.SaltPath == "" {
		c.SaltPath = filepath.Join(root, "ouroboros.salt")
	}
	if c.KDFIterations == 0 {
		c.KDFIterations = keys.DefaultIterations
	}
	if c.AuditDir == "" {
		c.AuditDir = filepath.Join(root, "audit")
	}
	if c.IndexTimeout == 0 {
		c.IndexTimeout = defaultIndexTimeout
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
}

func (c Config) chunkPath() string {
	return filepath.Join(c.Paths[0], "chunks")
}

func (c Config) nextKeyPath() string {
	return c.KeyPath + ".next"
}

// defaultLogger writes text logs to stderr at Info level.
func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

// ConfigFromFile maps a loaded configuration file onto Config. The log level
// of the file is applied to logger; a nil logger gets a default one.
func ConfigFromFile(fc config.Config, logger *logrus.Logger) (Config, error) {
	if logger == nil {
		logger = defaultLogger()
	}
	level, err := logrus.ParseLevel(fc.LogLevel)
	if err != nil {
		return Config{}, err
	}
	logger.SetLevel(level)

	return Config{
		Paths:                     []string{fc.DataPath},
		MinimumFreeGB:             fc.MinimumFreeGB,
		KeyPath:                   fc.KeyPath,
		Passphrase:                fc.Passphrase,
		SaltPath:                  fc.SaltPath,
		KDFIterations:             fc.KDFIterations,
		AuditDir:                  fc.AuditDir,
		AnchorPath:                fc.AnchorPath,
		SegmentMaxEntries:         fc.SegmentMaxEntries,
		SegmentMaxAge:             fc.SegmentMaxAge,
		Dimension:                 fc.Dimension,
		Compression:               fc.Compression,
		Workers:                   fc.Workers,
		IndexTimeout:              fc.IndexTimeout,
		GarbageCollectionInterval: fc.GarbageCollectionInterval,
		Logger:                    logger,
	}, nil
}
