//go:build linux || darwin || freebsd

package memory

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Mapping is an Arena over a MAP_SHARED file mapping. Every process that maps
// the same file at the same size sees the same words.
//
// Alloc is process-local: processes sharing a mapping must agree on addresses,
// for example by performing the same allocations in the same order.
type Mapping struct {
	*Arena
	file *os.File
	path string
}

// Map opens (creating if needed) the file at path, grows it to size bytes and
// maps it read-write.
func Map(path string, size int) (*Mapping, error) {
	if size < NullPage {
		size = NullPage
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open mapping file %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat mapping file: %w", err)
	}
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize mapping file: %w", err)
		}
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to mmap %s: %w", path, err)
	}
	return &Mapping{Arena: newArena(mem), file: f, path: path}, nil
}

// Path returns the backing file path.
func (m *Mapping) Path() string { return m.path }

// Sync flushes the mapping to its file.
func (m *Mapping) Sync() error { return unix.Msync(m.mem, unix.MS_SYNC) }

// Close unmaps the region and closes the file. The file is left in place.
func (m *Mapping) Close() error {
	if err := unix.Munmap(m.mem); err != nil {
		m.file.Close()
		return fmt.Errorf("failed to munmap %s: %w", m.path, err)
	}
	m.mem = nil
	return m.file.Close()
}
