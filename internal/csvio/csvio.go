// Package csvio implements the two-header CSV dialect: every field
// fully quoted, a configurable quote/escape/delimiter triple,
// a mandatory column-name header followed by a type-abbreviation header,
// and atomic `.inprogress`-suffixed writes. encoding/csv cannot express
// this (its quote rune is fixed at '"' and it has no notion of a second
// type-abbreviation header row), so the reader/writer are hand-rolled on
// bufio.
package csvio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/h2non/filetype"

	"github.com/openrec/openrec/internal/value"
	"github.com/openrec/openrec/internal/xerrors"
)

// Dialect holds the configurable quote/escape/delimiter per charter.
type Dialect struct {
	Quote     byte
	Escape    byte
	Delimiter byte
}

// DefaultDialect is the dialect used when a charter doesn't override it.
var DefaultDialect = Dialect{Quote: '"', Escape: '"', Delimiter: ','}

// Header describes the two mandatory header rows of a source or derived
// file: column names and their declared type abbreviations.
type Header struct {
	Columns []string
	Types   []value.Type
}

// Reader streams quoted-CSV records honouring Dialect, exposing the parsed
// two-row header separately from the data rows.
type Reader struct {
	br      *bufio.Reader
	dialect Dialect
	Header  Header
}

// NewReader sniffs the file for obviously-binary content (via
// h2non/filetype) before attempting to read
// the two mandatory header rows, so a binary file promoted into matching/
// by mistake fails fast as an IOError rather than a confusing
// mid-parse DataTypeError.
func NewReader(path string, d Dialect) (*Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, xerrors.Wrap("open", path, err)
	}
	sniff := make([]byte, 512)
	n, _ := f.Read(sniff)
	if n > 0 {
		if kind, err := filetype.Match(sniff[:n]); err == nil && kind != filetype.Unknown {
			f.Close()
			return nil, nil, xerrors.Wrap("open", path, fmt.Errorf("file looks like %s, not CSV text", kind.MIME.Value))
		}
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, xerrors.Wrap("seek", path, err)
	}
	r := &Reader{br: bufio.NewReaderSize(f, 64*1024), dialect: d}
	if err := r.readHeader(); err != nil {
		f.Close()
		return nil, nil, err
	}
	return r, f, nil
}

func (r *Reader) readHeader() error {
	names, err := r.readRow()
	if err != nil {
		return err
	}
	types, err := r.readRow()
	if err != nil {
		return err
	}
	r.Header.Columns = names
	r.Header.Types = make([]value.Type, len(types))
	for i, t := range types {
		r.Header.Types[i] = value.Type(t)
	}
	return nil
}

// ReadRow reads the next data row, or io.EOF when exhausted.
func (r *Reader) ReadRow() ([]string, error) { return r.readRow() }

func (r *Reader) readRow() ([]string, error) {
	line, err := r.readLogicalLine()
	if err != nil {
		return nil, err
	}
	return ParseRow(line, r.dialect), nil
}

// readLogicalLine reads one \n-terminated logical line, accounting for
// quoted fields that may (in principle) embed escaped quote characters
// but never raw newlines — the dialect mandates every field fully
// quoted with doubled (or escape-prefixed) embedded quotes, never a raw
// embedded newline.
func (r *Reader) readLogicalLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ParseRow splits one logical line, still quoted as read from disk, into
// dequoted and unescaped fields per d.
// Exported so the grid model can re-parse a single line read via ReadRowAt
// without needing a full Reader/bufio state.
func ParseRow(line string, d Dialect) []string {
	var fields []string
	var cur strings.Builder
	inQuotes := false
	runes := []byte(line)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case inQuotes:
			if c == d.Escape && i+1 < len(runes) && runes[i+1] == d.Quote {
				cur.WriteByte(d.Quote)
				i++
			} else if c == d.Quote {
				inQuotes = false
			} else {
				cur.WriteByte(c)
			}
		case c == d.Quote:
			inQuotes = true
		case c == d.Delimiter:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// IndexDataRows opens path, parses its two header rows, and returns the
// byte offset of every subsequent data row without holding any of them in
// memory — the grid model keeps only a compact per-row key resident
// and re-reads full records on demand via these offsets plus ReadRowAt.
func IndexDataRows(path string, d Dialect) (Header, []int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, xerrors.Wrap("open", path, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 64*1024)
	var offset int64

	readLine := func() (string, bool) {
		line, err := br.ReadString('\n')
		offset += int64(len(line))
		trimmed := strings.TrimRight(line, "\r\n")
		if line == "" && err != nil {
			return "", false
		}
		return trimmed, true
	}

	nameLine, ok := readLine()
	if !ok {
		return Header{}, nil, xerrors.Wrap("read", path, fmt.Errorf("missing column-name header"))
	}
	typeLine, ok := readLine()
	if !ok {
		return Header{}, nil, xerrors.Wrap("read", path, fmt.Errorf("missing type-abbreviation header"))
	}
	names := ParseRow(nameLine, d)
	rawTypes := ParseRow(typeLine, d)
	types := make([]value.Type, len(rawTypes))
	for i, t := range rawTypes {
		types[i] = value.Type(t)
	}

	var offsets []int64
	for {
		pos := offset
		line, ok := readLine()
		if !ok {
			break
		}
		if line == "" && offset == pos {
			break
		}
		offsets = append(offsets, pos)
	}
	return Header{Columns: names, Types: types}, offsets, nil
}

// ReadRowAt reads exactly one data row starting at byte offset, using its
// own seek + fresh bufio.Reader so concurrent readers of the same file
// never share buffering state.
func ReadRowAt(path string, offset int64, d Dialect) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Wrap("open", path, err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, xerrors.Wrap("seek", path, err)
	}
	br := bufio.NewReader(f)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return nil, xerrors.Wrap("read", path, err)
	}
	return ParseRow(strings.TrimRight(line, "\r\n"), d), nil
}

// Writer emits the fully-quoted dialect to a `.inprogress`-suffixed file,
// atomically renamed to its final name on Close.
type Writer struct {
	finalPath string
	tmpPath   string
	f         *os.File
	bw        *bufio.Writer
	dialect   Dialect
}

// NewWriter opens `<path>.inprogress` for writing.
func NewWriter(path string, d Dialect) (*Writer, error) {
	tmp := path + ".inprogress"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, xerrors.Wrap("create", tmp, err)
	}
	return &Writer{finalPath: path, tmpPath: tmp, f: f, bw: bufio.NewWriter(f), dialect: d}, nil
}

// WriteHeader writes the two mandatory header rows.
func (w *Writer) WriteHeader(h Header) error {
	types := make([]string, len(h.Types))
	for i, t := range h.Types {
		types[i] = string(t)
	}
	if err := w.WriteRow(h.Columns); err != nil {
		return err
	}
	return w.WriteRow(types)
}

// WriteRow writes one fully-quoted row terminated by \n.
func (w *Writer) WriteRow(fields []string) error {
	for i, f := range fields {
		if i > 0 {
			if err := w.bw.WriteByte(w.dialect.Delimiter); err != nil {
				return xerrors.Wrap("write", w.tmpPath, err)
			}
		}
		if err := w.bw.WriteByte(w.dialect.Quote); err != nil {
			return xerrors.Wrap("write", w.tmpPath, err)
		}
		escaped := strings.ReplaceAll(strings.ReplaceAll(f, "\n", ""), string(w.dialect.Quote),
			string(w.dialect.Escape)+string(w.dialect.Quote))
		if _, err := w.bw.WriteString(escaped); err != nil {
			return xerrors.Wrap("write", w.tmpPath, err)
		}
		if err := w.bw.WriteByte(w.dialect.Quote); err != nil {
			return xerrors.Wrap("write", w.tmpPath, err)
		}
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return xerrors.Wrap("write", w.tmpPath, err)
	}
	return nil
}

// Close fsyncs and atomically renames `.inprogress` to its final name —
// the commit point described above.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return xerrors.Wrap("flush", w.tmpPath, err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return xerrors.Wrap("fsync", w.tmpPath, err)
	}
	if err := w.f.Close(); err != nil {
		return xerrors.Wrap("close", w.tmpPath, err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return xerrors.Wrap("rename", w.tmpPath, err)
	}
	return nil
}

// Abort removes the in-progress file without committing it — used when an
// instruction fails partway through writing a derived/unmatched file, so
// the folder is left untouched on a fatal error.
func (w *Writer) Abort() {
	w.f.Close()
	os.Remove(w.tmpPath)
}

// WriteFileAtomic commits an arbitrary byte payload (the matched report's
// JSON, not row-oriented CSV) via the same `.inprogress`-then-fsync-then-
// rename discipline as Writer, so every engine output — CSV or JSON —
// commits through one code path.
func WriteFileAtomic(path string, data []byte) error {
	tmp := path + ".inprogress"
	f, err := os.Create(tmp)
	if err != nil {
		return xerrors.Wrap("create", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return xerrors.Wrap("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return xerrors.Wrap("fsync", tmp, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return xerrors.Wrap("close", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return xerrors.Wrap("rename", tmp, err)
	}
	return nil
}
