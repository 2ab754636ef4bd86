package script

import (
	"io"
	"path/filepath"
	"sync"

	"github.com/openrec/openrec/internal/csvio"
	"github.com/openrec/openrec/internal/xerrors"
)

// cachedLookup is one lookups/*.csv file, held fully in memory: lookup
// tables are small reference data, not reconciliation volume, so there is
// no need to apply the grid's on-demand re-read discipline here.
type cachedLookup struct {
	header csvio.Header
	rows   [][]string
}

// lookupCache loads lookups/<filename> (the filename as the script passes
// it, extension included) on first reference and serves
// every subsequent `lookup(...)` call from memory.
type lookupCache struct {
	dir string

	mu    sync.Mutex
	files map[string]*cachedLookup
}

func newLookupCache(dir string) *lookupCache {
	return &lookupCache{dir: dir, files: make(map[string]*cachedLookup)}
}

func (c *lookupCache) fileFor(filename string) (*cachedLookup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.files[filename]; ok {
		return cl, nil
	}
	path := filepath.Join(c.dir, filename)
	r, closer, err := csvio.NewReader(path, csvio.DefaultDialect)
	if err != nil {
		return nil, &xerrors.LookupError{Filename: filename, Reason: err.Error()}
	}
	defer closer.Close()

	var rows [][]string
	for {
		row, err := r.ReadRow()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &xerrors.LookupError{Filename: filename, Reason: err.Error()}
		}
		rows = append(rows, row)
	}
	cl := &cachedLookup{header: r.Header, rows: rows}
	c.files[filename] = cl
	return cl, nil
}

// lookup returns the value of getCol on the first row where whereCol equals
// whereValue. found is false (no error) when no row matches; a LookupError
// is only raised when the file itself, or one of its columns, is missing.
func (c *lookupCache) lookup(getCol, filename, whereCol, whereValue string) (string, bool, error) {
	cl, err := c.fileFor(filename)
	if err != nil {
		return "", false, err
	}
	getIdx := indexOf(cl.header.Columns, getCol)
	whereIdx := indexOf(cl.header.Columns, whereCol)
	if getIdx < 0 || whereIdx < 0 {
		return "", false, &xerrors.LookupError{Filename: filename, Reason: "get or where column not found"}
	}
	for _, row := range cl.rows {
		if whereIdx < len(row) && row[whereIdx] == whereValue {
			if getIdx < len(row) {
				return row[getIdx], true, nil
			}
			return "", true, nil
		}
	}
	return "", false, nil
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}
