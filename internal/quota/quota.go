// Package quota measures directory usage and enforces folder byte quotas.
package quota

import (
	"fmt"
	"io/fs"
	"path/filepath"
)

// ConfigFileName is the per-directory sidecar config file, excluded from
// usage accounting.
const ConfigFileName = ".folder-config.json"

// DirectorySize returns the recursive sum of file sizes under path,
// excluding sidecar config files.
func DirectorySize(path string) (uint64, error) {
	var total uint64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() == ConfigFileName {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += uint64(info.Size())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("directory size %s: %w", path, err)
	}
	return total, nil
}

// CheckCapacity reports whether a directory can accept requested additional
// bytes without exceeding its quota. Existing overage is reported, never
// truncated: a request of zero bytes against an already-overfull directory
// is still denied.
func CheckCapacity(path string, quota, requested uint64) (bool, error) {
	used, err := DirectorySize(path)
	if err != nil {
		return false, err
	}
	return used+requested <= quota, nil
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// FormatBytes renders a byte count in base-1024 units with two decimals,
// e.g. "12.34 MB". Pure presentation helper.
func FormatBytes(n uint64) string {
	if n == 0 {
		return "0 Bytes"
	}
	value := float64(n)
	unit := 0
	for value >= 1024 && unit < len(sizeUnits)-1 {
		value /= 1024
		unit++
	}
	if unit == 0 {
		return fmt.Sprintf("%d Bytes", n)
	}
	return fmt.Sprintf("%.2f %s", value, sizeUnits[unit])
}
