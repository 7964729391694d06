// Package config loads the YAML configuration file and the optional .env
// overlay used by the commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/i5heu/ouroboros-rag/pkg/rag"
)

const (
	EnvPassphrase = "OUROBOROS_RAG_PASSPHRASE"
	EnvConfigPath = "OUROBOROS_RAG_CONFIG"
)

type Config struct {
	DataPath      string `yaml:"dataPath"`
	MinimumFreeGB int    `yaml:"minimumFreeGB"`

	KeyPath       string `yaml:"keyPath"`
	SaltPath      string `yaml:"saltPath"`
	KDFIterations int    `yaml:"kdfIterations"`
	// Passphrase is only read from the environment.
	Passphrase string `yaml:"-"`

	AuditDir          string        `yaml:"auditDir"`
	AnchorPath        string        `yaml:"anchorPath"`
	SegmentMaxEntries uint64        `yaml:"segmentMaxEntries"`
	SegmentMaxAge     time.Duration `yaml:"segmentMaxAge"`

	Dimension    int           `yaml:"dimension"`
	Compression  bool          `yaml:"compression"`
	Workers      int           `yaml:"workers"`
	IndexTimeout time.Duration `yaml:"indexTimeout"`

	TopK            int           `yaml:"topK"`
	ScoreThreshold  float64       `yaml:"scoreThreshold"`
	EmbedTimeout    time.Duration `yaml:"embedTimeout"`
	GenerateTimeout time.Duration `yaml:"generateTimeout"`

	GarbageCollectionInterval time.Duration `yaml:"garbageCollectionInterval"`
	LogLevel                  string        `yaml:"logLevel"`
}

// LoadEnv loads .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// Load reads the YAML file at path, applies defaults for unset values and
// takes the passphrase from the environment. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	var config Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, &config); err != nil {
			return Config{}, fmt.Errorf("decoding config %s: %w", path, err)
		}
	}

	config.Passphrase = os.Getenv(EnvPassphrase)
	config.applyDefaults()
	return config, config.Validate()
}

func (c *Config) applyDefaults() {
	if c.DataPath == "" {
		c.DataPath = "./data"
	}
	if c.KeyPath == "" {
		c.KeyPath = filepath.Join(c.DataPath, "ouroboros.key")
	}
	if c.SaltPath == "" {
		c.SaltPath = filepath.Join(c.DataPath, "ouroboros.salt")
	}
	if c.KDFIterations == 0 {
		c.KDFIterations = 600_000
	}
	if c.AuditDir == "" {
		c.AuditDir = filepath.Join(c.DataPath, "audit")
	}
	if c.SegmentMaxEntries == 0 {
		c.SegmentMaxEntries = 100_000
	}
	if c.SegmentMaxAge == 0 {
		c.SegmentMaxAge = 24 * time.Hour
	}
	if c.IndexTimeout == 0 {
		c.IndexTimeout = 5 * time.Second
	}
	if c.TopK == 0 {
		c.TopK = 3
	}
	if c.ScoreThreshold == 0 {
		c.ScoreThreshold = 0.5
	}
	if c.EmbedTimeout == 0 {
		c.EmbedTimeout = 30 * time.Second
	}
	if c.GenerateTimeout == 0 {
		c.GenerateTimeout = 2 * time.Minute
	}
	if c.GarbageCollectionInterval == 0 {
		c.GarbageCollectionInterval = 10 * time.Minute
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c Config) Validate() error {
	switch {
	case c.MinimumFreeGB < 0:
		return errors.New("config: minimumFreeGB must not be negative")
	case c.Dimension < 0:
		return errors.New("config: dimension must not be negative")
	case c.Workers < 0:
		return errors.New("config: workers must not be negative")
	case c.TopK < 0:
		return errors.New("config: topK must not be negative")
	case c.ScoreThreshold < -1 || c.ScoreThreshold > 1:
		return errors.New("config: scoreThreshold must be within [-1, 1]")
	case c.KDFIterations < 100_000:
		return fmt.Errorf("config: kdfIterations must be at least 100000, got %d", c.KDFIterations)
	}
	return nil
}

// ChunkPath is the Badger directory below DataPath.
func (c Config) ChunkPath() string {
	return filepath.Join(c.DataPath, "chunks")
}

// RAG returns the retrieval settings as a rag.Config without collaborators.
func (c Config) RAG() rag.Config {
	return rag.Config{
		TopK:            c.TopK,
		ScoreThreshold:  c.ScoreThreshold,
		EmbedTimeout:    c.EmbedTimeout,
		GenerateTimeout: c.GenerateTimeout,
	}
}
