package keyValStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

type StoreConfig struct {
	Path             string
	MinimumFreeSpace int // in GB
	// InMemory keeps everything in RAM. Path and the free space check are ignored.
	InMemory   bool
	SyncWrites bool
	Logger     *logrus.Logger
}

func (sc *StoreConfig) checkConfig() error {
	if sc.InMemory {
		return nil
	}
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}

	if err := os.MkdirAll(sc.Path, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", sc.Path, err)
	}
	info, err := os.Stat(sc.Path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	usage, err := diskUsage(sc.Path)
	if err != nil {
		return err
	}
	if usage.FreeGB() < float64(sc.MinimumFreeSpace) {
		return fmt.Errorf("not enough space available on disk: %.2f GB free, %d GB required", usage.FreeGB(), sc.MinimumFreeSpace)
	}

	return nil
}
