package minfree

import (
	"log/slog"

	"github.com/jmgilman/go/errors"
	"github.com/shirou/gopsutil/v4/disk"
)

// Policy asks for eviction while the filesystem holding Path has less than
// MinFreeBytes available. It never asks for more than the store holds.
type Policy struct {
	Path         string
	MinFreeBytes int64
}

func (m *Policy) BytesToFree(currentSize int64) (int64, error) {
	usage, err := disk.Usage(m.Path)
	if err != nil {
		return 0, errors.Wrapf(err, errors.CodeUnavailable, "failed to check free space of %s", m.Path)
	}
	free := int64(usage.Free)

	slog.Debug("Free space check", "path", m.Path, "free_bytes", free, "min_free_bytes", m.MinFreeBytes)

	if free >= m.MinFreeBytes {
		return 0, nil
	}
	return min(m.MinFreeBytes-free, currentSize), nil
}
