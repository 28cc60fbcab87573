//go:build !(linux || darwin || freebsd)

package memory

import (
	"errors"
	"fmt"
)

// Mapping is unavailable on this platform.
type Mapping struct {
	*Arena
}

// Map always fails on this platform.
func Map(path string, size int) (*Mapping, error) {
	return nil, fmt.Errorf("map %s: %w", path, errors.ErrUnsupported)
}

// Path returns an empty string.
func (m *Mapping) Path() string { return "" }

// Sync is a no-op.
func (m *Mapping) Sync() error { return nil }

// Close is a no-op.
func (m *Mapping) Close() error { return nil }
