// Package grid implements the logical "virtual grid": a row-level view
// over one or more source files plus a per-source derived side-car, where
// only a compact (file, row-ordinal) locator plus the grouping-key bytes
// are kept resident during grouping and full records
// are re-read from disk on demand. Source/derived files are indexed once
// (byte offset per data row) and read back with csvio.ReadRowAt, so the
// grid never holds more than one row's worth of field data per access.
package grid

import (
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/openrec/openrec/internal/csvio"
	"github.com/openrec/openrec/internal/fsnames"
	"github.com/openrec/openrec/internal/value"
	"github.com/openrec/openrec/internal/xerrors"
)

// FileID identifies one source file (and its derived side-car) within a
// Grid, stable for the lifetime of a job.
type FileID int

// Meta carries the synthetic META.* fields injected into the script scope.
// The luar tags give the fields their script-side lowercase names.
type Meta struct {
	Prefix      string `luar:"prefix"`
	Filename    string `luar:"filename"`
	TimestampMs int64  `luar:"timestamp"`
}

// Record is one logical row: base fields + derived fields + Meta.
type Record struct {
	FileID     FileID
	RowOrdinal int
	Base       []string
	Derived    []string
	Meta       Meta
}

// FileEntry is one source file plus its (possibly absent) derived side-car.
type FileEntry struct {
	ID       FileID
	Prefix   string
	BasePath string
	Filename string
	Meta     Meta

	BaseHeader  csvio.Header
	baseOffsets []int64

	DerivedPath    string
	DerivedHeader  csvio.Header
	derivedOffsets []int64

	// Excluded marks a file suppressed in full by a changeset IgnoreFile /
	// DeleteFile action: its rows never enter iteration.
	Excluded bool
}

// RowCount is the number of data rows in the base file.
func (fe *FileEntry) RowCount() int { return len(fe.baseOffsets) }

type rowKey struct {
	FileID FileID
	Row    int
}

// Grid is the logical union of all source files participating in a job.
type Grid struct {
	logger   *logrus.Logger
	dialect  csvio.Dialect
	files    []*FileEntry
	released map[rowKey]bool
}

// New creates an empty Grid.
func New(logger *logrus.Logger, dialect csvio.Dialect) *Grid {
	return &Grid{logger: logger, dialect: dialect, released: make(map[rowKey]bool)}
}

// MarkReleased removes one record from further iteration: once a group
// stage matches it, it must never reappear in a later `group` stage or in
// the unmatched rewrite. Changeset releases do not go through here: they
// drop rows from the base file before the grid is built.
func (g *Grid) MarkReleased(fileID FileID, row int) {
	g.released[rowKey{fileID, row}] = true
}

// IsReleased reports whether (fileID, row) has already been matched by a
// group stage.
func (g *Grid) IsReleased(fileID FileID, row int) bool {
	return g.released[rowKey{fileID, row}]
}

// Files returns every participating file entry in load order.
func (g *Grid) Files() []*FileEntry { return g.files }

// File returns the entry for id.
func (g *Grid) File(id FileID) *FileEntry { return g.files[id] }

// AddSourceFile indexes a prepared CSV file and adds it to the grid. The
// returned FileID is stable for the remainder of the job.
func (g *Grid) AddSourceFile(path, prefix string) (FileID, error) {
	header, offsets, err := csvio.IndexDataRows(path, g.dialect)
	if err != nil {
		return 0, err
	}
	prefixStr, _, ok := fsnames.Split(filepath.Base(path))
	var tsMillis int64
	if ok {
		tsMillis, _ = fsnames.ParsePrefixMillis(prefixStr)
	}
	id := FileID(len(g.files))
	g.files = append(g.files, &FileEntry{
		ID:          id,
		Prefix:      prefix,
		BasePath:    path,
		Filename:    filepath.Base(path),
		Meta:        Meta{Prefix: prefix, Filename: filepath.Base(path), TimestampMs: tsMillis},
		BaseHeader:  header,
		baseOffsets: offsets,
	})
	return id, nil
}

// SetDerivedFile points fe at an existing derived side-car (e.g. one
// recovered from a prior instruction, or loaded fresh for a job that
// resumes against already-derived unmatched files).
func (g *Grid) SetDerivedFile(id FileID, path string) error {
	fe := g.files[id]
	header, offsets, err := csvio.IndexDataRows(path, g.dialect)
	if err != nil {
		return err
	}
	if len(offsets) != fe.RowCount() {
		return &xerrors.SchemaMismatch{Pattern: fe.BasePath, Detail: "derived file row count does not match base"}
	}
	fe.DerivedPath = path
	fe.DerivedHeader = header
	fe.derivedOffsets = offsets
	return nil
}

// ReadRecord re-reads one record on demand.
func (g *Grid) ReadRecord(id FileID, rowOrdinal int) (Record, error) {
	fe := g.files[id]
	base, err := csvio.ReadRowAt(fe.BasePath, fe.baseOffsets[rowOrdinal], g.dialect)
	if err != nil {
		return Record{}, err
	}
	var derived []string
	if fe.DerivedPath != "" {
		derived, err = csvio.ReadRowAt(fe.DerivedPath, fe.derivedOffsets[rowOrdinal], g.dialect)
		if err != nil {
			return Record{}, err
		}
	}
	return Record{FileID: id, RowOrdinal: rowOrdinal, Base: base, Derived: derived, Meta: fe.Meta}, nil
}

// Iterate visits every live (non-excluded) record across all files in
// (file_id, row_ordinal) order.
func (g *Grid) Iterate(fn func(fe *FileEntry, rec Record) error) error {
	for _, fe := range g.files {
		if fe.Excluded {
			continue
		}
		for row := 0; row < fe.RowCount(); row++ {
			if g.IsReleased(fe.ID, row) {
				continue
			}
			rec, err := g.ReadRecord(fe.ID, row)
			if err != nil {
				return err
			}
			if err := fn(fe, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// FieldIndex resolves a qualified "<PFX>.<name>" (or bare, single-source)
// column name to its position and whether it lives in the derived or base
// row, consulting the derived header first.
func (fe *FileEntry) FieldIndex(qualified string) (idx int, inDerived bool, typ value.Type, ok bool) {
	prefix, name := value.StripPrefix(qualified)
	if prefix != "" && prefix != fe.Prefix {
		// A qualified reference naming a different source's prefix never
		// resolves against this file, even if it happens to share a bare
		// column name (e.g. both INV and PAY declare "Ref").
		return 0, false, "", false
	}
	if fe.DerivedPath != "" {
		for i, c := range fe.DerivedHeader.Columns {
			if c == qualified || c == name {
				return i, true, fe.DerivedHeader.Types[i], true
			}
		}
	}
	for i, c := range fe.BaseHeader.Columns {
		if c == qualified || c == name {
			return i, false, fe.BaseHeader.Types[i], true
		}
	}
	return 0, false, "", false
}

// AppendDerivedColumns rewrites fe's derived side-car to add newCols,
// computing each new column's value per row from compute. Existing
// derived columns (from earlier instructions) are carried forward
// unchanged. This is how `project`/`merge` instructions persist their
// output.
func (g *Grid) AppendDerivedColumns(fe *FileEntry, newCols []string, newTypes []value.Type, compute func(rowOrdinal int, rec Record) ([]value.Value, error)) error {
	path := fe.DerivedPath
	if path == "" {
		path = fsnames.DerivedName(fe.BasePath)
	}

	header := csvio.Header{
		Columns: append(append([]string{}, fe.DerivedHeader.Columns...), newCols...),
		Types:   append(append([]value.Type{}, fe.DerivedHeader.Types...), newTypes...),
	}

	w, err := csvio.NewWriter(path, g.dialect)
	if err != nil {
		return err
	}
	if err := w.WriteHeader(header); err != nil {
		w.Abort()
		return err
	}
	for row := 0; row < fe.RowCount(); row++ {
		rec, err := g.ReadRecord(fe.ID, row)
		if err != nil {
			w.Abort()
			return err
		}
		newVals, err := compute(row, rec)
		if err != nil {
			w.Abort()
			return err
		}
		rowFields := append(append([]string{}, rec.Derived...), renderValues(newVals)...)
		if err := w.WriteRow(rowFields); err != nil {
			w.Abort()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	return g.SetDerivedFile(fe.ID, path)
}

func renderValues(vs []value.Value) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.String()
	}
	return out
}

// View pairs one FileEntry with one of its records so callers outside this
// package (the script host, the constraint evaluator) can resolve columns
// without reaching into grid internals.
type View struct {
	FE  *FileEntry
	Rec Record
}

// Field resolves a qualified column name against this view's record.
func (v View) Field(qualified string) (value.Value, error) { return v.FE.Field(v.Rec, qualified) }

// Meta returns the record's synthetic META.* fields.
func (v View) Meta() Meta { return v.Rec.Meta }

// Columns returns every column name visible on this view (derived first,
// as derived shadows base on conflicting names).
func (v View) Columns() []string {
	cols := append([]string{}, v.FE.DerivedHeader.Columns...)
	cols = append(cols, v.FE.BaseHeader.Columns...)
	return cols
}

// Field resolves and parses one column value for rec.
func (fe *FileEntry) Field(rec Record, qualified string) (value.Value, error) {
	idx, inDerived, typ, ok := fe.FieldIndex(qualified)
	if !ok {
		return value.Value{}, &xerrors.DataTypeError{Column: qualified, Value: "<missing column>"}
	}
	if typ == value.TypeUnknown {
		return value.Value{}, &xerrors.UnknownType{Column: qualified}
	}
	var raw string
	if inDerived {
		if idx >= len(rec.Derived) {
			return value.BlankOf(typ), nil
		}
		raw = rec.Derived[idx]
	} else {
		if idx >= len(rec.Base) {
			return value.BlankOf(typ), nil
		}
		raw = rec.Base[idx]
	}
	return value.Parse(typ, qualified, raw)
}
