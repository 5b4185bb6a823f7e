// Package linear implements the append-only, segment-oriented storage engine
// backing the command graph. It exposes a small writer/reader contract over a
// raw block region and ships two metadata strategies with different
// crash-safety trade-offs: a single rewritten-in-place header with write
// verification (flash partitions) and a dual alternating root scheme
// (file/SD-card volumes).
package linear

import (
	"errors"

	"github.com/embermesh/embermesh/pkg/graph"
)

// On-media framing constants. These are part of the external storage format
// and must not change.
var (
	headerMagic  = [4]byte{0x1C, 0x53, 0x4F, 0x00}
	segmentMagic = [4]byte{0x1E, 0x53, 0x4F, 0x00}
)

const (
	// page is the metadata spacing unit; it matches a common flash sector
	// and filesystem block size.
	page = 4096

	// DataOffset is where the data region begins for the flash-style
	// backend, directly after the single header block.
	DataOffset = page

	// rootA and rootB are the fixed offsets of the two alternating root
	// records in the file-style backend. Data begins after both.
	rootA          = page
	rootB          = 2 * page
	fileDataOffset = 3 * page

	recordHeaderSize = 4 + 4 // magic + u32 payload size

	// RecordOverhead is the framing cost of one appended record. Callers
	// scanning the data region advance by payload length plus this.
	RecordOverhead = recordHeaderSize
)

var (
	// ErrNoGraph indicates the storage holds no graph yet.
	ErrNoGraph = errors.New("linear: no graph in storage")
	// ErrGraphExists indicates Create was called on storage that already
	// holds a graph.
	ErrGraphExists = errors.New("linear: graph already exists")
	// ErrGraphMismatch indicates the stored graph id differs from the
	// requested one.
	ErrGraphMismatch = errors.New("linear: stored graph id mismatch")
	// ErrCorrupt indicates metadata corruption beyond recovery. Callers
	// must not retry; the owner decides whether to wipe and reinitialize.
	ErrCorrupt = errors.New("linear: storage corrupt beyond recovery")
	// ErrWriteVerify indicates a header write did not read back as
	// written.
	ErrWriteVerify = errors.New("linear: header write verification failed")
	// ErrFull indicates an append would exceed the storage region.
	ErrFull = errors.New("linear: storage region full")
	// ErrNoHead indicates no commit has ever happened.
	ErrNoHead = errors.New("linear: no head committed")
	// ErrBadRecord indicates a fetch hit a record with a bad magic tag or
	// an implausible size.
	ErrBadRecord = errors.New("linear: bad record")
)

// Writer is the mutable handle to one graph's storage. Append makes segment
// data durable; Commit is the sole externally visible durability boundary for
// the head.
type Writer interface {
	// Head returns the committed head location, or ErrNoHead if no
	// commit has ever happened.
	Head() (graph.Location, error)
	// Append calls build with the next free data offset, writes the
	// returned bytes as a framed record at that offset and durably
	// updates the stored-bytes accounting. It returns the record's
	// offset, which is also the Fetch key.
	Append(build func(offset uint64) ([]byte, error)) (uint64, error)
	// Commit durably records the new head.
	Commit(head graph.Location) error
	// Stored returns the durable byte count of the data region. Records
	// below it are complete; bytes at or past it are undefined.
	Stored() uint64
	// Readonly returns a read handle sharing the same medium.
	Readonly() Reader
}

// Reader fetches previously appended records by offset.
type Reader interface {
	// Fetch validates the record framing at offset and returns the
	// payload bytes.
	Fetch(offset uint64) ([]byte, error)
}

// Provider creates or opens graph storage. Implementations are selected at
// construction time; one provider instance manages one storage medium.
type Provider interface {
	// Create initializes storage for a new graph. It fails with
	// ErrGraphExists when the medium already holds one.
	Create(id graph.GraphID) (Writer, error)
	// Open returns a writer for an existing graph. It fails with
	// ErrNoGraph when the medium holds none and ErrGraphMismatch when it
	// holds a different graph.
	Open(id graph.GraphID) (Writer, error)
}
