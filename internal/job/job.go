// Package job implements the per-control job controller: the folder-
// lifecycle state machine that scans changesets, promotes source
// files into matching/, replays changesets, executes the charter's
// instruction pipeline, and finalises the job by writing the matched
// report, rewriting surviving unmatched files, and archiving consumed
// inputs — all through the exactly-once fsync+rename commit points the
// rest of the engine already uses.
package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/folder"
	"github.com/openrec/openrec/internal/changeset"
	"github.com/openrec/openrec/internal/csvio"
	"github.com/openrec/openrec/internal/fsnames"
	"github.com/openrec/openrec/internal/grid"
	"github.com/openrec/openrec/internal/pipeline"
	"github.com/openrec/openrec/internal/script"
	"github.com/openrec/openrec/internal/xerrors"
	"github.com/openrec/openrec/report"
)

// Folder layout
const (
	DirInbox           = "inbox"
	DirArchiveJetwash  = "archive/jetwash"
	DirArchiveCelerity = "archive/celerity"
	DirLookups         = "lookups"
	DirWaiting         = "waiting"
	DirUnmatched       = "unmatched"
	DirMatching        = "matching"
	DirMatched         = "matched"
	DirOutbox          = "outbox"
	DirLogs            = "logs"
)

const timestampFormat = time.RFC3339Nano

// Controller runs one control's complete job lifecycle against baseDir,
// per charter.
type Controller struct {
	logger  *logrus.Logger
	baseDir string
	charter *config.Charter
	scripts *script.Host
}

// New builds a Controller. Its lookups/ directory is wired straight into
// the shared script Host so `lookup(...)` calls in projections, filters,
// and changeset lua_filters all resolve against the same cache.
func New(logger *logrus.Logger, baseDir string, charter *config.Charter) *Controller {
	return &Controller{
		logger:  logger,
		baseDir: baseDir,
		charter: charter,
		scripts: script.NewHost(logger, filepath.Join(baseDir, DirLookups)),
	}
}

func (c *Controller) path(dir string, parts ...string) string {
	return filepath.Join(append([]string{c.baseDir, dir}, parts...)...)
}

func (c *Controller) dialect() csvio.Dialect {
	d := c.charter.Matching.Dialect
	return csvio.Dialect{Quote: d.Quote[0], Escape: d.Escape[0], Delimiter: d.Delimiter[0]}
}

// promotedFile is one source file moved into matching/ for this job.
type promotedFile struct {
	name    string
	path    string
	prefix  string
	pattern string
}

// Run executes one complete job end to end: Scan, Promote, Replay,
// Execute, Finalise, in that order. Any error returns immediately,
// leaving matching/ exactly as the failed step left it for operator
// inspection — no partial matched report is ever committed. A cancelled
// ctx aborts at the next instruction or spill boundary.
func (c *Controller) Run(ctx context.Context) error {
	started := time.Now().UTC()
	jobID := uuid.New().String()

	if err := c.ensureDirs(); err != nil {
		return err
	}
	if err := c.Scan(); err != nil {
		return err
	}
	promoted, err := c.Promote()
	if err != nil {
		return err
	}

	replayer := changeset.NewReplayer(c.logger, c.scripts, c.dialect())
	changesets, err := replayer.LoadAll(c.path(DirMatching))
	if err != nil {
		return err
	}
	files := make(map[string]*changeset.SourceFile, len(promoted))
	for _, p := range promoted {
		files[p.name] = &changeset.SourceFile{Path: p.path, Prefix: p.prefix}
	}
	result, err := replayer.Replay(files, changesets)
	if err != nil {
		return err
	}

	spillDir := c.path(DirMatching, fmt.Sprintf(".%s-scratch", jobID))
	if err := os.MkdirAll(spillDir, 0o755); err != nil {
		return xerrors.Wrap("mkdir", spillDir, err)
	}
	defer os.RemoveAll(spillDir)

	g, matched, err := c.Execute(ctx, promoted, result.Excluded, spillDir)
	if err != nil {
		return err
	}

	finished := time.Now().UTC()
	return c.Finalise(jobID, started, finished, g, promoted, result, matched, changesets)
}

// ensureDirs creates every folder-lifecycle directory that Run writes to,
// so a freshly provisioned control directory doesn't fail on first job.
func (c *Controller) ensureDirs() error {
	for _, d := range []string{DirArchiveJetwash, DirArchiveCelerity, DirLookups, DirWaiting, DirUnmatched, DirMatching, DirMatched, DirOutbox, DirLogs} {
		if err := os.MkdirAll(c.path(d), 0o755); err != nil {
			return xerrors.Wrap("mkdir", c.path(d), err)
		}
	}
	return nil
}

// Scan moves every staged `*_changeset.json` from inbox/ into
// matching/, so later steps see a stable snapshot even if more
// changesets land in inbox/ mid-job.
func (c *Controller) Scan() error {
	entries, err := os.ReadDir(c.path(DirInbox))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return xerrors.Wrap("readdir", c.path(DirInbox), err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "_changeset.json") {
			continue
		}
		src := filepath.Join(c.path(DirInbox), e.Name())
		dst := c.path(DirMatching, e.Name())
		if err := os.Rename(src, dst); err != nil {
			return xerrors.Wrap("rename", src, err)
		}
	}
	return nil
}

// Promote moves every file matching a `matching.source_files` pattern
// from waiting/ and unmatched/ into matching/,
// recording each file's declared field_prefix for the grid build. A file
// already claimed by an earlier pattern in the same scan is not matched
// twice.
func (c *Controller) Promote() ([]promotedFile, error) {
	var promoted []promotedFile
	claimed := map[string]bool{}
	for _, sf := range c.charter.Matching.SourceFiles {
		for _, dir := range []string{DirWaiting, DirUnmatched} {
			idx, err := folder.Build(c.path(dir))
			if err != nil {
				return nil, err
			}
			matches, err := idx.Match(sf.Pattern)
			if err != nil {
				return nil, &xerrors.ConfigError{Reason: fmt.Sprintf("matching.source_files pattern %q: %v", sf.Pattern, err)}
			}
			for _, rel := range matches {
				if claimed[rel] {
					continue
				}
				claimed[rel] = true
				src := filepath.Join(c.path(dir), rel)
				name := filepath.Base(rel)
				dst := c.path(DirMatching, name)
				if err := os.Rename(src, dst); err != nil {
					return nil, xerrors.Wrap("rename", src, err)
				}
				promoted = append(promoted, promotedFile{name: name, path: dst, prefix: sf.FieldPrefix, pattern: sf.Pattern})
			}
		}
	}
	sort.Slice(promoted, func(i, j int) bool { return promoted[i].name < promoted[j].name })
	return promoted, nil
}

// Execute builds the grid over every promoted, non-excluded file and runs
// the charter's instructions against it. Every file resolved by one
// source pattern must carry a column-for-column identical schema; the
// first divergent file aborts the job before any instruction runs.
func (c *Controller) Execute(ctx context.Context, promoted []promotedFile, excluded map[string]bool, groupSpillDir string) (*grid.Grid, []pipeline.MatchedGroup, error) {
	g := grid.New(c.logger, c.dialect())
	patternHeaders := map[string]csvio.Header{}
	for _, p := range promoted {
		if excluded[p.name] {
			continue
		}
		id, err := g.AddSourceFile(p.path, p.prefix)
		if err != nil {
			return nil, nil, err
		}
		header := g.File(id).BaseHeader
		if prev, seen := patternHeaders[p.pattern]; seen {
			if !headersEqual(prev, header) {
				return nil, nil, &xerrors.SchemaMismatch{Pattern: p.pattern,
					Detail: fmt.Sprintf("file %s does not share the pattern's schema", p.name)}
			}
		} else {
			patternHeaders[p.pattern] = header
		}
	}

	pl := pipeline.New(c.logger, c.scripts, groupSpillDir, c.charter.Matching.GroupSizeLimit)
	matched, err := pl.Run(ctx, g, c.charter.Matching.Instructions)
	if err != nil {
		return nil, nil, err
	}
	return g, matched, nil
}

// headersEqual reports whether two headers agree column-for-column in
// both name and declared type.
func headersEqual(a, b csvio.Header) bool {
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i] != b.Columns[i] || a.Types[i] != b.Types[i] {
			return false
		}
	}
	return true
}

// Finalise writes the matched report, rewrites surviving records into new
// unmatched files, archives (or discards) consumed source files, and
// removes transient matching/ state.
func (c *Controller) Finalise(jobID string, started, finished time.Time, g *grid.Grid, promoted []promotedFile, result *changeset.Result, matched []pipeline.MatchedGroup, changesets []changeset.File) error {
	rpt := report.Build(jobID, c.charter, started.Format(timestampFormat), finished.Format(timestampFormat), matched, result.Releases)
	reportPath := c.path(DirMatched, fsnames.MatchedReportName(started.UnixMilli()))
	if err := report.WriteAtomic(reportPath, rpt); err != nil {
		return err
	}

	byName := map[string]*grid.FileEntry{}
	for _, fe := range g.Files() {
		byName[fe.Filename] = fe
	}
	archiveEnabled := c.charter.Matching.ArchiveFilesEnabled()

	for _, p := range promoted {
		if result.Excluded[p.name] {
			if err := c.disposeExcluded(p, result.DeletedFiles[p.name]); err != nil {
				return err
			}
			continue
		}
		fe := byName[p.name]
		if err := c.rewriteUnmatched(g, fe); err != nil {
			return err
		}
		if err := c.archiveOrDiscard(p, fe, archiveEnabled); err != nil {
			return err
		}
	}

	return c.cleanMatching(changesets)
}

// disposeExcluded handles a changeset-suppressed file: DeleteFile removes
// it outright; IgnoreFile archives it unread, same as a fully-matched
// file, since it simply never entered the grid.
func (c *Controller) disposeExcluded(p promotedFile, deleted bool) error {
	if deleted {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return xerrors.Wrap("remove", p.path, err)
		}
		return nil
	}
	dst := c.path(DirArchiveCelerity, p.name)
	if err := os.Rename(p.path, dst); err != nil {
		return xerrors.Wrap("rename", p.path, err)
	}
	return nil
}

// rewriteUnmatched streams fe's surviving (unreleased) rows into a new
// `unmatched/<prefix>_<name>.unmatched.csv` (+ `.unmatched.derived.csv`),
// writing the unmatched rewrite for surviving rows and deleting
// it when empty. A file every row of which matched produces no unmatched
// output at all.
func (c *Controller) rewriteUnmatched(g *grid.Grid, fe *grid.FileEntry) error {
	baseDst := c.path(DirUnmatched, fsnames.UnmatchedName(fe.Filename))
	baseWriter, err := csvio.NewWriter(baseDst, c.dialect())
	if err != nil {
		return err
	}
	if err := baseWriter.WriteHeader(fe.BaseHeader); err != nil {
		baseWriter.Abort()
		return err
	}

	hasDerived := fe.DerivedPath != ""
	var derivedWriter *csvio.Writer
	if hasDerived {
		derivedDst := c.path(DirUnmatched, fsnames.UnmatchedDerivedName(fe.Filename))
		derivedWriter, err = csvio.NewWriter(derivedDst, c.dialect())
		if err != nil {
			baseWriter.Abort()
			return err
		}
		if err := derivedWriter.WriteHeader(fe.DerivedHeader); err != nil {
			baseWriter.Abort()
			derivedWriter.Abort()
			return err
		}
	}

	abortBoth := func() {
		baseWriter.Abort()
		if derivedWriter != nil {
			derivedWriter.Abort()
		}
	}

	survivors := 0
	for row := 0; row < fe.RowCount(); row++ {
		if g.IsReleased(fe.ID, row) {
			continue
		}
		rec, err := g.ReadRecord(fe.ID, row)
		if err != nil {
			abortBoth()
			return err
		}
		if err := baseWriter.WriteRow(rec.Base); err != nil {
			abortBoth()
			return err
		}
		if derivedWriter != nil {
			if err := derivedWriter.WriteRow(rec.Derived); err != nil {
				abortBoth()
				return err
			}
		}
		survivors++
	}

	if survivors == 0 {
		abortBoth()
		return nil
	}
	if err := baseWriter.Close(); err != nil {
		if derivedWriter != nil {
			derivedWriter.Abort()
		}
		return err
	}
	if derivedWriter != nil {
		return derivedWriter.Close()
	}
	return nil
}

// archiveOrDiscard moves fe's base (and derived) file to archive/celerity/
// unless the charter disabled archiving, in which case the consumed
// matching/ copy is simply removed (its surviving rows, if any, already
// live on in the unmatched/ rewrite).
func (c *Controller) archiveOrDiscard(p promotedFile, fe *grid.FileEntry, archiveEnabled bool) error {
	if !archiveEnabled {
		if err := os.Remove(p.path); err != nil && !os.IsNotExist(err) {
			return xerrors.Wrap("remove", p.path, err)
		}
		if fe != nil && fe.DerivedPath != "" {
			os.Remove(fe.DerivedPath)
		}
		return nil
	}
	dst := c.path(DirArchiveCelerity, p.name)
	if err := os.Rename(p.path, dst); err != nil {
		return xerrors.Wrap("rename", p.path, err)
	}
	if fe != nil && fe.DerivedPath != "" {
		derivedDst := c.path(DirArchiveCelerity, filepath.Base(fe.DerivedPath))
		if err := os.Rename(fe.DerivedPath, derivedDst); err != nil {
			return xerrors.Wrap("rename", fe.DerivedPath, err)
		}
	}
	return nil
}

// cleanMatching archives every changeset file consumed by Replay into
// archive/celerity/, leaving matching/ holding only files a still-running
// step would need. Archiving rather than deleting keeps the audit trail:
// a changeset names the mutations it applied, and once applied the file
// is the only durable record of them.
func (c *Controller) cleanMatching(changesets []changeset.File) error {
	for _, cf := range changesets {
		dst := c.path(DirArchiveCelerity, filepath.Base(cf.Path))
		if err := os.Rename(cf.Path, dst); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return xerrors.Wrap("rename", cf.Path, err)
		}
	}
	return nil
}
