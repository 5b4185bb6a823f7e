package linear

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/embermesh/embermesh/pkg/graph"

	"github.com/embermesh/embermesh/pkg/internal/logutil"
)

// FlashProvider manages graph storage on a raw flash-style partition: one
// header block at the region start, data from DataOffset. Every header
// rewrite is verified by reading it back, trading write latency for early
// detection of worn cells.
type FlashProvider struct {
	region BlockRegion
	logger *log.Logger
}

// NewFlashProvider wraps a block region. The logger may be nil.
func NewFlashProvider(region BlockRegion, logger *log.Logger) *FlashProvider {
	return &FlashProvider{region: region, logger: logger}
}

// Create initializes the region for a new graph. A missing or unreadable
// header counts as empty storage and is overwritten; a header holding a graph
// fails with ErrGraphExists.
func (p *FlashProvider) Create(id graph.GraphID) (Writer, error) {
	hdr, err := readFlashHeader(p.region)
	switch {
	case err == nil:
		if hdr.GraphID != nil {
			return nil, ErrGraphExists
		}
	case errors.Is(err, errNoHeader), errors.Is(err, ErrCorrupt):
		logutil.Warnf(p.logger, "flash header absent or invalid; initializing storage: %v", err)
		hdr = flashHeader{}
	default:
		return nil, err
	}
	gid := id
	hdr.Epoch++
	hdr.GraphID = &gid
	hdr.Head = nil
	hdr.Stored = 0
	if err := writeFlashHeader(p.region, &hdr); err != nil {
		return nil, err
	}
	logutil.Infof(p.logger, "flash storage initialized for graph %s", id)
	return &flashWriter{region: p.region, logger: p.logger, hdr: hdr}, nil
}

// Open returns a writer for the graph already on the region.
func (p *FlashProvider) Open(id graph.GraphID) (Writer, error) {
	hdr, err := readFlashHeader(p.region)
	if err != nil {
		if errors.Is(err, errNoHeader) {
			return nil, ErrNoGraph
		}
		return nil, err
	}
	if hdr.GraphID == nil {
		return nil, ErrNoGraph
	}
	if *hdr.GraphID != id {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrGraphMismatch, hdr.GraphID, id)
	}
	return &flashWriter{region: p.region, logger: p.logger, hdr: hdr}, nil
}

type flashWriter struct {
	mu     sync.Mutex
	region BlockRegion
	logger *log.Logger
	hdr    flashHeader
}

func (w *flashWriter) Head() (graph.Location, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.hdr.Head == nil {
		return graph.Location{}, ErrNoHead
	}
	return *w.hdr.Head, nil
}

func (w *flashWriter) Append(build func(offset uint64) ([]byte, error)) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	offset := w.hdr.Stored
	payload, err := build(offset)
	if err != nil {
		return 0, err
	}
	record := frameRecord(payload)
	pos := int64(DataOffset) + int64(offset)
	if pos+int64(len(record)) > w.region.Size() {
		return 0, fmt.Errorf("%w: need %d bytes at %d", ErrFull, len(record), pos)
	}
	if _, err := w.region.WriteAt(record, pos); err != nil {
		return 0, fmt.Errorf("linear: write record at %d: %w", offset, err)
	}
	if err := w.region.Flush(); err != nil {
		return 0, fmt.Errorf("linear: flush record at %d: %w", offset, err)
	}
	next := w.hdr
	next.Epoch++
	next.Stored += uint64(len(record))
	if err := writeFlashHeader(w.region, &next); err != nil {
		return 0, err
	}
	w.hdr = next
	return offset, nil
}

func (w *flashWriter) Commit(head graph.Location) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.hdr
	next.Epoch++
	h := head
	next.Head = &h
	if err := writeFlashHeader(w.region, &next); err != nil {
		return err
	}
	w.hdr = next
	return nil
}

func (w *flashWriter) Stored() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.hdr.Stored
}

func (w *flashWriter) Readonly() Reader {
	return &regionReader{region: w.region, base: DataOffset}
}
