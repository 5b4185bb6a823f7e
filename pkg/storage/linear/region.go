package linear

import (
	"fmt"
	"os"
	"sync"
)

// BlockRegion is the raw medium both backends write into: a fixed-size,
// randomly addressable span of bytes. Flush makes prior writes durable; on
// media without a volatile cache it may be a no-op.
type BlockRegion interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Flush() error
}

// MemoryRegion is an in-RAM BlockRegion for tests and simulation.
type MemoryRegion struct {
	mu  sync.Mutex
	buf []byte
}

// NewMemoryRegion allocates a zeroed region of the given size.
func NewMemoryRegion(size int64) *MemoryRegion {
	return &MemoryRegion{buf: make([]byte, size)}
}

func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("linear: read [%d,%d) outside region of %d bytes", off, off+int64(len(p)), len(m.buf))
	}
	return copy(p, m.buf[off:]), nil
}

func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || off+int64(len(p)) > int64(len(m.buf)) {
		return 0, fmt.Errorf("linear: write [%d,%d) outside region of %d bytes", off, off+int64(len(p)), len(m.buf))
	}
	return copy(m.buf[off:], p), nil
}

func (m *MemoryRegion) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.buf))
}

func (m *MemoryRegion) Flush() error { return nil }

// Snapshot copies the current contents, for crash-simulation tests.
func (m *MemoryRegion) Snapshot() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]byte, len(m.buf))
	copy(out, m.buf)
	return out
}

// Restore overwrites the region with a snapshot taken earlier.
func (m *MemoryRegion) Restore(snap []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buf = make([]byte, len(snap))
	copy(m.buf, snap)
}

// FileRegion is a BlockRegion backed by a regular file, sized at open time.
type FileRegion struct {
	f    *os.File
	size int64
}

// OpenFileRegion opens (creating if needed) path and ensures it spans size
// bytes.
func OpenFileRegion(path string, size int64) (*FileRegion, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("linear: open region %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("linear: size region %s: %w", path, err)
	}
	return &FileRegion{f: f, size: size}, nil
}

func (r *FileRegion) ReadAt(p []byte, off int64) (int, error)  { return r.f.ReadAt(p, off) }
func (r *FileRegion) WriteAt(p []byte, off int64) (int, error) { return r.f.WriteAt(p, off) }
func (r *FileRegion) Size() int64                              { return r.size }
func (r *FileRegion) Flush() error                             { return r.f.Sync() }

// Close releases the underlying file.
func (r *FileRegion) Close() error { return r.f.Close() }
