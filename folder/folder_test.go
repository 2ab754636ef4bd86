package folder

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestBuildMissingRootYieldsEmptyIndex(t *testing.T) {
	idx, err := Build(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	matches, err := idx.Match("*.csv")
	require.NoError(t, err)
	require.Empty(t, matches)
}

func TestMatchFindsGlobAcrossIndexedFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "20220118_041500000_invoices.csv"))
	touch(t, filepath.Join(dir, "20220118_041500000_payments.csv"))
	touch(t, filepath.Join(dir, "README.md"))

	idx, err := Build(dir)
	require.NoError(t, err)

	matches, err := idx.Match("*_invoices.csv")
	require.NoError(t, err)
	require.Equal(t, []string{"20220118_041500000_invoices.csv"}, matches)

	all, err := idx.Match("*.csv")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestRemoveStopsFurtherMatches(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "20220118_041500000_invoices.csv"))

	idx, err := Build(dir)
	require.NoError(t, err)
	idx.Remove("20220118_041500000_invoices.csv")

	matches, err := idx.Match("*_invoices.csv")
	require.NoError(t, err)
	require.Empty(t, matches)
}
