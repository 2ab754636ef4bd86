// Package sortmerge implements the external-merge-sort grouper, the
// heart of the engine: key extraction over the grid, run generation
// with spill-to-disk once an in-memory budget is reached, a k-way merge
// of the spilled runs, and iteration of the merged stream into candidate
// groups of equal key. Peak resident memory is bounded by the
// configured budget plus O(number of runs), never by total input size.
package sortmerge

import (
	"bufio"
	"bytes"
	"container/heap"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"github.com/alitto/pond"
	"github.com/sirupsen/logrus"

	"github.com/openrec/openrec/internal/grid"
	"github.com/openrec/openrec/internal/xerrors"
)

// Locator pins one grid record for deferred, on-demand re-reading; only
// (key, file_id, row_ordinal) is kept resident.
type Locator struct {
	FileID grid.FileID
	Row    int
}

type keyedLocator struct {
	Key []byte
	Loc Locator
}

func less(a, b keyedLocator) bool {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c < 0
	}
	if a.Loc.FileID != b.Loc.FileID {
		return a.Loc.FileID < b.Loc.FileID
	}
	return a.Loc.Row < b.Loc.Row
}

// Group is one candidate group: every record sharing Key, in stable
// (file_id, row_ordinal) order.
type Group struct {
	Key      []byte
	Locators []Locator
}

// Grouper streams (key, locator) pairs from a grid, spilling sorted runs
// to spillDir once BufferSize entries accumulate, then performs a k-way
// merge over the runs and yields groups of equal key in ascending order.
type Grouper struct {
	logger         *logrus.Logger
	spillDir       string
	bufferSize     int
	groupSizeLimit int
}

// NewGrouper builds a Grouper. bufferSize is the number of (key, locator)
// entries held in memory before a run is spilled; groupSizeLimit enforces
// the GroupTooLarge safety net.
func NewGrouper(logger *logrus.Logger, spillDir string, bufferSize, groupSizeLimit int) *Grouper {
	if bufferSize <= 0 {
		bufferSize = 100_000
	}
	return &Grouper{logger: logger, spillDir: spillDir, bufferSize: bufferSize, groupSizeLimit: groupSizeLimit}
}

// Group runs the full key-extraction, run-generation, merge pipeline
// over g restricted to the given key columns, and invokes visit once per
// candidate group in ascending key order. Groups exceeding groupSizeLimit
// abort the job with GroupTooLarge (empty key columns collapse every
// record into one oversized group by design). A cancelled ctx is honoured
// at spill-file boundaries during run generation.
func (gr *Grouper) Group(ctx context.Context, g *grid.Grid, keyCols []string, visit func(Group) error) error {
	runs, cleanup, err := gr.generateRuns(ctx, g, keyCols)
	defer cleanup()
	if err != nil {
		return err
	}

	it, err := newMergeIterator(runs)
	if err != nil {
		return err
	}
	defer it.Close()

	var current *Group
	for {
		entry, ok, err := it.next()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if current == nil || !bytes.Equal(current.Key, entry.Key) {
			if current != nil {
				if err := gr.emit(*current, visit); err != nil {
					return err
				}
			}
			current = &Group{Key: append([]byte{}, entry.Key...)}
		}
		current.Locators = append(current.Locators, entry.Loc)
		if len(current.Locators) > gr.groupSizeLimit {
			return &xerrors.GroupTooLarge{Key: fmt.Sprintf("%x", current.Key), Size: len(current.Locators)}
		}
	}
	if current != nil {
		if err := gr.emit(*current, visit); err != nil {
			return err
		}
	}
	return nil
}

func (gr *Grouper) emit(group Group, visit func(Group) error) error {
	return visit(group)
}

// generateRuns key-extracts every live record and produces the sorted runs
// the merge phase will read. Each source file is scanned and spilled by
// its own pond worker, so large charters with many source files pay
// wall-clock proportional to the slowest file rather than the sum of all
// of them; the subsequent k-way merge stays single-threaded.
func (gr *Grouper) generateRuns(ctx context.Context, g *grid.Grid, keyCols []string) (runSource, func(), error) {
	files := make([]*grid.FileEntry, 0, len(g.Files()))
	for _, fe := range g.Files() {
		if !fe.Excluded {
			files = append(files, fe)
		}
	}

	poolSize := runtime.NumCPU()
	if poolSize > len(files) && len(files) > 0 {
		poolSize = len(files)
	}
	if poolSize < 1 {
		poolSize = 1
	}
	gr.logger.Debugf("generateRuns: %d files, %d workers, buffer %d", len(files), poolSize, gr.bufferSize)
	pool := pond.New(poolSize, 0, pond.MinWorkers(1))

	var mu sync.Mutex
	sources := make([]runSource, len(files))
	cleanups := make([]func(), len(files))
	var firstErr error

	for i, fe := range files {
		i, fe := i, fe
		pool.Submit(func() {
			src, cleanup, err := gr.generateFileRuns(ctx, g, fe, keyCols, i)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				if cleanup != nil {
					cleanup()
				}
				return
			}
			sources[i] = src
			cleanups[i] = cleanup
		})
	}
	pool.StopAndWait()

	cleanupAll := func() {
		for _, c := range cleanups {
			if c != nil {
				c()
			}
		}
	}
	if firstErr != nil {
		cleanupAll()
		return nil, func() {}, firstErr
	}
	return &multiRunSource{sources: sources}, cleanupAll, nil
}

// generateFileRuns runs the single-file buffering/spill loop: buffer
// (key, locator) pairs for fe alone, spilling a sorted run to disk each
// time the buffer fills, tagging spill filenames with fileIdx so
// concurrent workers never collide on a path.
func (gr *Grouper) generateFileRuns(ctx context.Context, g *grid.Grid, fe *grid.FileEntry, keyCols []string, fileIdx int) (runSource, func(), error) {
	var buffer []keyedLocator
	var spillPaths []string
	cleanup := func() {
		for _, p := range spillPaths {
			os.Remove(p)
		}
	}

	spill := func() error {
		if ctx.Err() != nil {
			return &xerrors.Cancelled{}
		}
		if len(buffer) == 0 {
			return nil
		}
		sort.Slice(buffer, func(i, j int) bool { return less(buffer[i], buffer[j]) })
		path := filepath.Join(gr.spillDir, fmt.Sprintf("index.sorted.%d.%d", fileIdx, len(spillPaths)))
		if err := writeRun(path, buffer); err != nil {
			return err
		}
		spillPaths = append(spillPaths, path)
		buffer = buffer[:0]
		return nil
	}

	for row := 0; row < fe.RowCount(); row++ {
		if g.IsReleased(fe.ID, row) {
			continue
		}
		rec, err := g.ReadRecord(fe.ID, row)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		v := grid.View{FE: fe, Rec: rec}
		key, err := EncodeKey(v, keyCols)
		if err != nil {
			cleanup()
			return nil, func() {}, err
		}
		buffer = append(buffer, keyedLocator{Key: key, Loc: Locator{FileID: rec.FileID, Row: rec.RowOrdinal}})
		if len(buffer) >= gr.bufferSize {
			if err := spill(); err != nil {
				cleanup()
				return nil, func() {}, err
			}
		}
	}

	// Fast path: everything fit in one buffer, no disk round-trip needed.
	if len(spillPaths) == 0 {
		sort.Slice(buffer, func(i, j int) bool { return less(buffer[i], buffer[j]) })
		return &memoryRun{entries: buffer}, func() {}, nil
	}

	if err := spill(); err != nil {
		cleanup()
		return nil, func() {}, err
	}
	src, err := newFileRunSource(spillPaths)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return src, cleanup, nil
}

// multiRunSource concatenates the independent runSources each file's
// worker produced into the single set the k-way merge iterates over.
type multiRunSource struct{ sources []runSource }

func (m *multiRunSource) runs() ([]runReader, error) {
	var out []runReader
	for _, s := range m.sources {
		if s == nil {
			continue
		}
		rs, err := s.runs()
		if err != nil {
			for _, r := range out {
				r.Close()
			}
			return nil, err
		}
		out = append(out, rs...)
	}
	return out, nil
}

// --- run storage ------------------------------------------------------

// runSource yields every spilled run as an independent sequential reader
// for the merge phase.
type runSource interface {
	runs() ([]runReader, error)
}

// runReader streams keyedLocator entries from one run in ascending order.
type runReader interface {
	next() (keyedLocator, bool, error)
	Close() error
}

type memoryRun struct{ entries []keyedLocator }

func (m *memoryRun) runs() ([]runReader, error) { return []runReader{&memoryRunReader{entries: m.entries}}, nil }

type memoryRunReader struct {
	entries []keyedLocator
	pos     int
}

func (r *memoryRunReader) next() (keyedLocator, bool, error) {
	if r.pos >= len(r.entries) {
		return keyedLocator{}, false, nil
	}
	e := r.entries[r.pos]
	r.pos++
	return e, true, nil
}
func (r *memoryRunReader) Close() error { return nil }

type fileRunSource struct{ paths []string }

func newFileRunSource(paths []string) (*fileRunSource, error) { return &fileRunSource{paths: paths}, nil }

func (s *fileRunSource) runs() ([]runReader, error) {
	out := make([]runReader, 0, len(s.paths))
	for _, p := range s.paths {
		f, err := os.Open(p)
		if err != nil {
			for _, r := range out {
				r.Close()
			}
			return nil, xerrors.Wrap("open", p, err)
		}
		out = append(out, &fileRunReader{f: f, r: bufio.NewReader(f)})
	}
	return out, nil
}

type fileRunReader struct {
	f *os.File
	r *bufio.Reader
}

func (r *fileRunReader) next() (keyedLocator, bool, error) {
	var klen uint32
	if err := binary.Read(r.r, binary.BigEndian, &klen); err != nil {
		if err == io.EOF {
			return keyedLocator{}, false, nil
		}
		return keyedLocator{}, false, xerrors.Wrap("read", r.f.Name(), err)
	}
	key := make([]byte, klen)
	if _, err := io.ReadFull(r.r, key); err != nil {
		return keyedLocator{}, false, xerrors.Wrap("read", r.f.Name(), err)
	}
	var fileID int32
	var row int32
	if err := binary.Read(r.r, binary.BigEndian, &fileID); err != nil {
		return keyedLocator{}, false, xerrors.Wrap("read", r.f.Name(), err)
	}
	if err := binary.Read(r.r, binary.BigEndian, &row); err != nil {
		return keyedLocator{}, false, xerrors.Wrap("read", r.f.Name(), err)
	}
	return keyedLocator{Key: key, Loc: Locator{FileID: grid.FileID(fileID), Row: int(row)}}, true, nil
}

func (r *fileRunReader) Close() error { return r.f.Close() }

// writeRun flushes a sorted buffer to one spill file: length-prefixed key,
// then file_id and row_ordinal, fsync'd on close.
func writeRun(path string, entries []keyedLocator) error {
	f, err := os.Create(path)
	if err != nil {
		return xerrors.Wrap("create", path, err)
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		if err := binary.Write(w, binary.BigEndian, uint32(len(e.Key))); err != nil {
			f.Close()
			return xerrors.Wrap("write", path, err)
		}
		if _, err := w.Write(e.Key); err != nil {
			f.Close()
			return xerrors.Wrap("write", path, err)
		}
		if err := binary.Write(w, binary.BigEndian, int32(e.Loc.FileID)); err != nil {
			f.Close()
			return xerrors.Wrap("write", path, err)
		}
		if err := binary.Write(w, binary.BigEndian, int32(e.Loc.Row)); err != nil {
			f.Close()
			return xerrors.Wrap("write", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return xerrors.Wrap("flush", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return xerrors.Wrap("fsync", path, err)
	}
	return f.Close()
}

// --- k-way merge --------------------------------------------------------

type heapItem struct {
	entry keyedLocator
	run   int
}

type mergeHeap []heapItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return less(h[i].entry, h[j].entry) }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(heapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeIterator performs the single-threaded k-way merge, using a
// min-heap keyed on (key, file_id, row_ordinal) as the
// loser-tree substitute: at most one buffered entry per run is resident at
// any time.
type mergeIterator struct {
	runs []runReader
	h    mergeHeap
}

func newMergeIterator(src runSource) (*mergeIterator, error) {
	runs, err := src.runs()
	if err != nil {
		return nil, err
	}
	it := &mergeIterator{runs: runs}
	heap.Init(&it.h)
	for i, r := range runs {
		e, ok, err := r.next()
		if err != nil {
			it.Close()
			return nil, err
		}
		if ok {
			heap.Push(&it.h, heapItem{entry: e, run: i})
		}
	}
	return it, nil
}

func (it *mergeIterator) next() (keyedLocator, bool, error) {
	if it.h.Len() == 0 {
		return keyedLocator{}, false, nil
	}
	top := heap.Pop(&it.h).(heapItem)
	next, ok, err := it.runs[top.run].next()
	if err != nil {
		return keyedLocator{}, false, err
	}
	if ok {
		heap.Push(&it.h, heapItem{entry: next, run: top.run})
	}
	return top.entry, true, nil
}

func (it *mergeIterator) Close() error {
	for _, r := range it.runs {
		r.Close()
	}
	return nil
}
