//go:build !linux && !darwin

package worker

import "errors"

func systemMemory() (free, total uint64, err error) {
	return 0, 0, errors.New("system memory not available on this platform")
}
