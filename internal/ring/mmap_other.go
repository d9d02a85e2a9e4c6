//go:build !linux

package ring

import "errors"

// NewFile is only supported on Linux.
func NewFile(path string, capacity uint64, producers int) (*Buffer, error) {
	return nil, errors.New("file-backed ring storage requires linux")
}
