// Package changeset implements the pre-match replayer: every
// `*_changeset.json` staged in inbox/ is applied, in filename-timestamp
// order, against the base CSV files about to enter the grid. Because
// replay happens before the grid is built, this package reuses the grid
// package's FileEntry/Record/View shapes directly against a single
// streamed row rather than requiring a fully indexed Grid.
package changeset

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openrec/openrec/internal/csvio"
	"github.com/openrec/openrec/internal/fsnames"
	"github.com/openrec/openrec/internal/grid"
	"github.com/openrec/openrec/internal/script"
	"github.com/openrec/openrec/internal/value"
	"github.com/openrec/openrec/internal/xerrors"
)

// Change kinds, as they appear in the changeset JSON schema.
const (
	TypeUpdateFields  = "UpdateFields"
	TypeIgnoreRecords = "IgnoreRecords"
	TypeIgnoreFile    = "IgnoreFile"
	TypeDeleteFile    = "DeleteFile"
)

// FieldUpdate is one `updates[]` entry of an UpdateFields change.
type FieldUpdate struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// ChangeBody is the discriminated `change` object of one changeset entry.
type ChangeBody struct {
	Type      string        `json:"type"`
	Updates   []FieldUpdate `json:"updates,omitempty"`
	LuaFilter string        `json:"lua_filter,omitempty"`
	Filename  string        `json:"filename,omitempty"`
}

// Change is one entry of a changeset JSON array.
type Change struct {
	ID        string     `json:"id"`
	Timestamp string     `json:"timestamp"`
	Change    ChangeBody `json:"change"`
}

// File is one loaded `*_changeset.json`, its entries in file order.
type File struct {
	Path     string
	Filename string
	Changes  []Change
}

// Release is one record suppressed by IgnoreRecords, reported in the
// matched report's `changeset_releases`.
type Release struct {
	ChangesetID string
	Filename    string
	Row         int
	OpenRecId   string
}

// SourceFile is one matching-stage base CSV the replayer may patch or
// exclude in place before the grid is built over it.
type SourceFile struct {
	Path   string
	Prefix string
}

// Result is the outcome of replaying every changeset against a set of
// source files: which files the job controller should archive without
// ever building a grid over them, and which individual records were
// released pre-match.
type Result struct {
	// Excluded holds every filename suppressed by IgnoreFile or
	// DeleteFile: neither participates in the grid.
	Excluded map[string]bool
	// DeletedFiles is the subset of Excluded suppressed by DeleteFile
	// specifically, which the job controller removes outright rather
	// than archiving.
	DeletedFiles map[string]bool
	Releases     []Release
}

// Replayer applies changesets using scripts to evaluate each lua_filter.
type Replayer struct {
	logger  *logrus.Logger
	scripts *script.Host
	dialect csvio.Dialect
}

// NewReplayer builds a Replayer. scripts is the same Host the instruction
// pipeline and constraint evaluator use, so `lookup`/`decimal`/etc behave
// identically in a changeset's lua_filter.
func NewReplayer(logger *logrus.Logger, scripts *script.Host, dialect csvio.Dialect) *Replayer {
	return &Replayer{logger: logger, scripts: scripts, dialect: dialect}
}

// LoadAll parses every `*_changeset.json` under dir, sorted by filename
// (the timestamp prefix makes lexical order equal chronological order).
func (r *Replayer) LoadAll(dir string) ([]File, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap("readdir", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), "_changeset.json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []File
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, xerrors.Wrap("read", path, err)
		}
		var changes []Change
		if err := json.Unmarshal(raw, &changes); err != nil {
			return nil, &xerrors.ConfigError{Reason: fmt.Sprintf("changeset %s: invalid json: %v", name, err)}
		}
		out = append(out, File{Path: path, Filename: name, Changes: changes})
	}
	return out, nil
}

// Replay applies every changeset, in order, against files (keyed by
// filename). Files rewritten by UpdateFields are patched atomically in
// place, the patched file replacing the original for the remainder of
// the job; IgnoreFile/DeleteFile only mark a file excluded
// here, leaving the actual archive move to the job controller.
func (r *Replayer) Replay(files map[string]*SourceFile, changesets []File) (*Result, error) {
	result := &Result{Excluded: map[string]bool{}, DeletedFiles: map[string]bool{}}
	for _, cf := range changesets {
		for _, ch := range cf.Changes {
			switch ch.Change.Type {
			case TypeIgnoreFile, TypeDeleteFile:
				if err := r.applyIgnoreFile(files, result, cf, ch); err != nil {
					return nil, err
				}
			case TypeIgnoreRecords:
				if err := r.applyFilterAllFiles(files, result, cf, ch); err != nil {
					return nil, err
				}
			case TypeUpdateFields:
				if err := r.applyFilterAllFiles(files, result, cf, ch); err != nil {
					return nil, err
				}
			default:
				return nil, &xerrors.ConfigError{Reason: fmt.Sprintf("changeset %s: unknown change type %q", cf.Filename, ch.Change.Type)}
			}
		}
	}
	return result, nil
}

func (r *Replayer) applyIgnoreFile(files map[string]*SourceFile, result *Result, cf File, ch Change) error {
	name := ch.Change.Filename
	if name == "" {
		return &xerrors.ConfigError{Reason: fmt.Sprintf("changeset %s: IgnoreFile/DeleteFile requires filename", cf.Filename)}
	}
	if _, ok := files[name]; !ok {
		return &xerrors.ConfigError{Reason: fmt.Sprintf("changeset %s: references unknown file %q", cf.Filename, name)}
	}
	result.Excluded[name] = true
	if ch.Change.Type == TypeDeleteFile {
		result.DeletedFiles[name] = true
	}
	return nil
}

// applyFilterAllFiles evaluates ch's lua_filter against every surviving
// file's records (the change itself names no file: the filter's `record`
// and `META` bindings are how a changeset author targets a specific row,
// e.g. `META.filename == "..." and record.PAY.Ref == "P1"`).
func (r *Replayer) applyFilterAllFiles(files map[string]*SourceFile, result *Result, cf File, ch Change) error {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if result.Excluded[name] {
			continue
		}
		if err := r.rewriteFile(files[name], name, cf, ch, result); err != nil {
			return err
		}
	}
	return nil
}

// rewriteFile streams sf's base CSV once, applying ch to every row whose
// lua_filter matches: UpdateFields patches the row in place; IgnoreRecords
// drops the row and records a Release. Non-matching rows pass through
// unchanged. The result is written atomically over sf.Path via csvio's
// `.inprogress` + rename commit.
func (r *Replayer) rewriteFile(sf *SourceFile, filename string, cf File, ch Change, result *Result) error {
	reader, closer, err := csvio.NewReader(sf.Path, r.dialect)
	if err != nil {
		return err
	}
	defer closer.Close()
	header := reader.Header

	prefixStr, _, _ := fsnames.Split(filename)
	tsMillis, _ := fsnames.ParsePrefixMillis(prefixStr)
	meta := grid.Meta{Prefix: sf.Prefix, Filename: filename, TimestampMs: tsMillis}
	fe := &grid.FileEntry{Prefix: sf.Prefix, BaseHeader: header}
	openRecIdx := indexOfColumn(header.Columns, "OpenRecId")

	writer, err := csvio.NewWriter(sf.Path, r.dialect)
	if err != nil {
		return err
	}
	if err := writer.WriteHeader(header); err != nil {
		writer.Abort()
		return err
	}

	rowOrdinal := 0
	for {
		row, err := reader.ReadRow()
		if err == io.EOF {
			break
		}
		if err != nil {
			writer.Abort()
			return err
		}

		view := grid.View{FE: fe, Rec: grid.Record{Base: row, Meta: meta}}
		matched, err := r.scripts.EvalBoolean(script.Context{Instruction: "changeset:" + ch.Change.Type, Row: rowOrdinal}, ch.Change.LuaFilter, view)
		if err != nil {
			writer.Abort()
			return err
		}

		switch {
		case !matched:
			if err := writer.WriteRow(row); err != nil {
				writer.Abort()
				return err
			}
		case ch.Change.Type == TypeUpdateFields:
			patched, err := applyUpdates(header, row, ch.Change.Updates)
			if err != nil {
				writer.Abort()
				return err
			}
			if err := writer.WriteRow(patched); err != nil {
				writer.Abort()
				return err
			}
		default: // IgnoreRecords: drop the row, record the release
			openRecId := ""
			if openRecIdx >= 0 && openRecIdx < len(row) {
				openRecId = row[openRecIdx]
			}
			result.Releases = append(result.Releases, Release{
				ChangesetID: ch.ID, Filename: filename, Row: rowOrdinal, OpenRecId: openRecId,
			})
		}
		rowOrdinal++
	}
	return writer.Close()
}

func applyUpdates(header csvio.Header, row []string, updates []FieldUpdate) ([]string, error) {
	patched := append([]string{}, row...)
	for _, u := range updates {
		idx := indexOfColumn(header.Columns, u.Field)
		if idx < 0 {
			return nil, &xerrors.ConfigError{Reason: fmt.Sprintf("changeset update references unknown column %q", u.Field)}
		}
		if _, err := value.Parse(header.Types[idx], u.Field, u.Value); err != nil {
			return nil, err
		}
		if idx < len(patched) {
			patched[idx] = u.Value
		}
	}
	return patched, nil
}

func indexOfColumn(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
