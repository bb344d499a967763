//go:build linux

package worker

import (
	"os"

	"golang.org/x/sys/unix"
)

const meminfoPath = "/proc/meminfo"

// systemMemory reports available memory the way the kernel estimates it
// (MemAvailable, which counts reclaimable page cache). Kernels without that
// field fall back to free plus buffer memory.
func systemMemory() (free, total uint64, err error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total = uint64(info.Totalram) * unit
	free = (uint64(info.Freeram) + uint64(info.Bufferram)) * unit

	if f, err := os.Open(meminfoPath); err == nil {
		defer f.Close()
		if avail, ok := parseMemAvailable(f); ok {
			free = avail
		}
	}
	return free, total, nil
}
