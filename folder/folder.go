// Package folder provides a build-once directory index over a control's
// waiting/ and unmatched/ trees. The
// job controller builds one Index per promotion directory and matches
// every `matching.source_files` pattern against it, rather than walking
// the filesystem once per pattern.
package folder

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openrec/openrec/internal/xerrors"
)

// node is one path segment: a directory (with children) or a file (leaf).
type node struct {
	name     string
	path     string
	isFile   bool
	children []*node
}

func (n *node) addFile(fullPath, subPath string) {
	parts := strings.SplitN(subPath, "/", 2)
	head := parts[0]
	for _, c := range n.children {
		if c.name != head {
			continue
		}
		if len(parts) > 1 {
			c.addFile(fullPath, parts[1])
		}
		return
	}
	if len(parts) == 1 {
		n.children = append(n.children, &node{name: head, path: fullPath, isFile: true})
		return
	}
	child := &node{name: head}
	n.children = append(n.children, child)
	child.addFile(fullPath, parts[1])
}

func (n *node) removeFile(subPath string) {
	parts := strings.SplitN(subPath, "/", 2)
	head := parts[0]
	for i, c := range n.children {
		if c.name != head {
			continue
		}
		if len(parts) == 1 {
			n.children = append(n.children[:i], n.children[i+1:]...)
			return
		}
		c.removeFile(parts[1])
		return
	}
}

func (n *node) files() []string {
	var out []string
	for _, c := range n.children {
		if c.isFile {
			out = append(out, c.path)
		} else {
			out = append(out, c.files()...)
		}
	}
	return out
}

// Index indexes every regular file under one root directory, relative
// paths slash-separated regardless of OS.
type Index struct {
	root string
	tree *node
}

// Build walks root once and returns an Index over every file found. A
// missing root is not an error — it yields an empty Index, since
// waiting/unmatched may legitimately have nothing staged yet.
func Build(root string) (*Index, error) {
	tree := &node{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		tree.addFile(filepath.ToSlash(rel), filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return &Index{root: root, tree: tree}, nil
		}
		return nil, xerrors.Wrap("walk", root, err)
	}
	return &Index{root: root, tree: tree}, nil
}

// Match returns every indexed file (relative to root, slash-separated)
// whose base name matches the glob pattern, sorted for deterministic
// promotion order. Charter patterns name a bare filename glob (e.g.
// "invoices_*.csv"), never a directory path.
func (idx *Index) Match(pattern string) ([]string, error) {
	var out []string
	for _, rel := range idx.tree.files() {
		ok, err := filepath.Match(pattern, filepath.Base(rel))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Remove drops rel from the index without touching disk, for callers
// that promote files one at a time and want Match calls against the same
// Index to stop seeing an already-claimed file.
func (idx *Index) Remove(rel string) {
	idx.tree.removeFile(filepath.ToSlash(rel))
}
