package worker

import (
	"fmt"
	"math"
	"runtime"
	"strings"

	"github.com/docker/go-units"
)

const (
	minHeapMB      = 512
	reservedMB     = 1024
	reservedDarwin = 4096
	heapFraction   = 0.75
)

// JavaOptions returns opts with a maximum heap flag appended when opts does
// not already size the heap.
func JavaOptions(opts string) string {
	if strings.Contains(opts, "-Xm") {
		return opts
	}
	generated := fmt.Sprintf("-Xmx%dM", DefaultHeapMB())
	if opts == "" {
		return generated
	}
	return opts + " " + generated
}

// DefaultHeapMB sizes the worker heap from the host's memory. Platforms
// where memory cannot be read get the minimum.
func DefaultHeapMB() int {
	free, total, err := systemMemory()
	if err != nil {
		return minHeapMB
	}
	return heapMB(runtime.GOOS == "darwin", toMB(free), toMB(total))
}

// heapMB takes three quarters of free memory while keeping 1 GiB back for
// the host. On darwin, where free memory is not a useful figure, it uses
// total memory and keeps 4 GiB back. The result is never below 512 MiB.
func heapMB(darwin bool, freeMB, totalMB float64) int {
	var mb float64
	if darwin {
		mb = math.Min(totalMB-reservedDarwin, totalMB*heapFraction)
	} else {
		mb = math.Min(freeMB-reservedMB, freeMB*heapFraction)
	}
	return int(math.Floor(math.Max(mb, minHeapMB)))
}

// HeapBytes parses the -Xmx flag out of Java options. It returns 0 when no
// maximum heap is set.
func HeapBytes(opts string) int64 {
	for _, f := range strings.Fields(opts) {
		v, ok := strings.CutPrefix(f, "-Xmx")
		if !ok {
			continue
		}
		n, err := units.RAMInBytes(v)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func toMB(b uint64) float64 {
	return float64(b) / units.MiB
}
