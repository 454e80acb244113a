package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// DiskPaths locates the stored components whose footprint is reported by status.
type DiskPaths struct {
	Database string
	Snapshot string
	Uploads  string
	Keyword  string
}

// DiskUsage is the on-disk size in bytes of each stored component.
type DiskUsage struct {
	Database int64
	Snapshot int64
	Uploads  int64
	Keyword  int64
}

// Total returns the combined size of all components.
func (u DiskUsage) Total() int64 {
	return u.Database + u.Snapshot + u.Uploads + u.Keyword
}

// Map returns the breakdown keyed by component, plus "total".
func (u DiskUsage) Map() map[string]interface{} {
	return map[string]interface{}{
		"database": u.Database,
		"snapshot": u.Snapshot,
		"uploads":  u.Uploads,
		"keyword":  u.Keyword,
		"total":    u.Total(),
	}
}

// MeasureDiskUsage sizes each component. The database includes its SQLite -wal and -shm
// files. Components that do not exist yet, or have no configured path, count as 0.
func MeasureDiskUsage(p DiskPaths) (DiskUsage, error) {
	var (
		u   DiskUsage
		err error
	)
	if p.Database != "" && p.Database != ":memory:" {
		for _, path := range []string{p.Database, p.Database + "-wal", p.Database + "-shm"} {
			n, sizeErr := pathSize(path)
			if sizeErr != nil {
				return DiskUsage{}, sizeErr
			}
			u.Database += n
		}
	}
	if u.Snapshot, err = pathSize(p.Snapshot); err != nil {
		return DiskUsage{}, err
	}
	if u.Uploads, err = pathSize(p.Uploads); err != nil {
		return DiskUsage{}, err
	}
	if u.Keyword, err = pathSize(p.Keyword); err != nil {
		return DiskUsage{}, err
	}
	return u, nil
}

// pathSize returns the size of a file, or the summed size of the regular files under a directory.
func pathSize(path string) (int64, error) {
	if path == "" {
		return 0, nil
	}
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
