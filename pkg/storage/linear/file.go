package linear

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/embermesh/embermesh/pkg/graph"
	"github.com/embermesh/embermesh/pkg/internal/logutil"
)

// FileProvider manages graph storage on a file or SD-card style volume using
// two alternating root records. A commit rewrites both roots one at a time
// with a flush between them, so a crash at any byte boundary leaves at least
// one valid root on the medium.
type FileProvider struct {
	region BlockRegion
	logger *log.Logger
}

// NewFileProvider wraps a block region. The logger may be nil.
func NewFileProvider(region BlockRegion, logger *log.Logger) *FileProvider {
	return &FileProvider{region: region, logger: logger}
}

// loadRoots reads both root records, returns the winner (higher valid
// generation) and resynchronizes the losing slot so a later crash during the
// next commit cannot strand the graph on a stale twin.
func loadRoots(region BlockRegion, logger *log.Logger) (rootRecord, error) {
	a, errA := readRoot(region, rootA)
	b, errB := readRoot(region, rootB)
	switch {
	case errA == nil && errB == nil:
		if a.Generation == b.Generation {
			return a, nil
		}
		win, off := a, int64(rootB)
		if b.Generation > a.Generation {
			win, off = b, rootA
		}
		logutil.Warnf(logger, "root generations diverged (%d vs %d); resyncing stale slot", a.Generation, b.Generation)
		if err := writeRoot(region, off, &win); err != nil {
			return rootRecord{}, err
		}
		return win, nil
	case errA == nil:
		logutil.Warnf(logger, "root B unusable (%v); resyncing from A", errB)
		if err := writeRoot(region, rootB, &a); err != nil {
			return rootRecord{}, err
		}
		return a, nil
	case errB == nil:
		logutil.Warnf(logger, "root A unusable (%v); resyncing from B", errA)
		if err := writeRoot(region, rootA, &b); err != nil {
			return rootRecord{}, err
		}
		return b, nil
	case errors.Is(errA, errNoRoot) && errors.Is(errB, errNoRoot):
		return rootRecord{}, ErrNoGraph
	case errors.Is(errA, errNoRoot) || errors.Is(errB, errNoRoot):
		// One slot torn, its twin never written: only a crash during
		// the very first create leaves this pair, so no committed data
		// ever existed. Report absence so Create can start over.
		logutil.Warnf(logger, "torn initial root (A: %v; B: %v); treating volume as empty", errA, errB)
		return rootRecord{}, ErrNoGraph
	default:
		return rootRecord{}, fmt.Errorf("%w: root A: %v; root B: %v", ErrCorrupt, errA, errB)
	}
}

// Create initializes the volume for a new graph.
func (p *FileProvider) Create(id graph.GraphID) (Writer, error) {
	if _, err := loadRoots(p.region, p.logger); err == nil {
		return nil, ErrGraphExists
	} else if !errors.Is(err, ErrNoGraph) {
		return nil, err
	}
	gid := id
	w := &fileWriter{region: p.region, logger: p.logger}
	w.root.GraphID = &gid
	if err := w.writeRoots(w.root.storageMeta); err != nil {
		return nil, err
	}
	logutil.Infof(p.logger, "file storage initialized for graph %s", id)
	return w, nil
}

// Open returns a writer for the graph already on the volume.
func (p *FileProvider) Open(id graph.GraphID) (Writer, error) {
	root, err := loadRoots(p.region, p.logger)
	if err != nil {
		return nil, err
	}
	if root.GraphID == nil {
		return nil, ErrNoGraph
	}
	if *root.GraphID != id {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrGraphMismatch, root.GraphID, id)
	}
	return &fileWriter{region: p.region, logger: p.logger, root: root}, nil
}

type fileWriter struct {
	mu     sync.Mutex
	region BlockRegion
	logger *log.Logger
	root   rootRecord
}

// writeRoots advances the generation and rewrites both root slots, flushing
// after each so the slots never share a failure window.
func (w *fileWriter) writeRoots(meta storageMeta) error {
	next := rootRecord{Generation: w.root.Generation + 1, storageMeta: meta}
	if err := writeRoot(w.region, rootA, &next); err != nil {
		return err
	}
	if err := writeRoot(w.region, rootB, &next); err != nil {
		return err
	}
	w.root = next
	return nil
}

func (w *fileWriter) Head() (graph.Location, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.root.Head == nil {
		return graph.Location{}, ErrNoHead
	}
	return *w.root.Head, nil
}

func (w *fileWriter) Append(build func(offset uint64) ([]byte, error)) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	offset := w.root.Stored
	payload, err := build(offset)
	if err != nil {
		return 0, err
	}
	record := frameRecord(payload)
	pos := int64(fileDataOffset) + int64(offset)
	if pos+int64(len(record)) > w.region.Size() {
		return 0, fmt.Errorf("%w: need %d bytes at %d", ErrFull, len(record), pos)
	}
	if _, err := w.region.WriteAt(record, pos); err != nil {
		return 0, fmt.Errorf("linear: write record at %d: %w", offset, err)
	}
	if err := w.region.Flush(); err != nil {
		return 0, fmt.Errorf("linear: flush record at %d: %w", offset, err)
	}
	meta := w.root.storageMeta
	meta.Stored += uint64(len(record))
	if err := w.writeRoots(meta); err != nil {
		return 0, err
	}
	return offset, nil
}

func (w *fileWriter) Commit(head graph.Location) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	meta := w.root.storageMeta
	h := head
	meta.Head = &h
	return w.writeRoots(meta)
}

func (w *fileWriter) Stored() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.root.Stored
}

func (w *fileWriter) Readonly() Reader {
	return &regionReader{region: w.region, base: fileDataOffset}
}
