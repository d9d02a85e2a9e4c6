//go:build linux

package ring

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NewFile maps a shared file of the given capacity as ring storage so that
// readers in other processes can map the same bytes.
func NewFile(path string, capacity uint64, producers int) (*Buffer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open backing file: %w", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(capacity)); err != nil {
		return nil, fmt.Errorf("size backing file: %w", err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(capacity), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	b, err := NewFromMemory(data, producers, func() error {
		if err := unix.Munmap(data); err != nil {
			return fmt.Errorf("munmap failed: %w", err)
		}
		return nil
	})
	if err != nil {
		_ = unix.Munmap(data)
		return nil, err
	}
	b.path = path
	return b, nil
}
