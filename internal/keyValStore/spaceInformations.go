package keyValStore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

type DiskUsage struct {
	Path       string
	Fstype     string
	Total      uint64
	Free       uint64
	Used       uint64
	StoreBytes int64
}

func (d DiskUsage) FreeGB() float64 {
	return float64(d.Free) / (1024 * 1024 * 1024)
}

func diskUsage(path string) (DiskUsage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("retrieving disk usage for %s: %w", path, err)
	}
	return DiskUsage{
		Path:   path,
		Fstype: stat.Fstype,
		Total:  stat.Total,
		Free:   stat.Free,
		Used:   stat.Used,
	}, nil
}

// calculateDirectorySize calculates the total size of files within a directory
func calculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// DiskUsage reports the filesystem holding the store and the bytes the store
// itself occupies.
func (k *KeyValStore) DiskUsage() (DiskUsage, error) {
	if k.config.InMemory {
		return DiskUsage{}, nil
	}

	usage, err := diskUsage(k.config.Path)
	if err != nil {
		return DiskUsage{}, err
	}
	usage.StoreBytes, err = calculateDirectorySize(k.config.Path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("calculating store size: %w", err)
	}
	return usage, nil
}

func (k *KeyValStore) logDiskUsage() {
	usage, err := k.DiskUsage()
	if err != nil {
		k.log.WithFields(logrus.Fields{"path": k.config.Path}).Errorf("Error retrieving disk usage: %v", err)
		return
	}

	k.log.WithFields(logrus.Fields{
		"Path":        usage.Path,
		"Filesystem":  usage.Fstype,
		"Total (GB)":  fmt.Sprintf("%.2f", float64(usage.Total)/1e9),
		"Used (GB)":   fmt.Sprintf("%.2f", float64(usage.Used)/1e9),
		"Free (GB)":   fmt.Sprintf("%.2f", float64(usage.Free)/1e9),
		"Usage by DB": fmt.Sprintf("%.2f", float64(usage.StoreBytes)/1e9),
	}).Info("Disk Usage")
}
