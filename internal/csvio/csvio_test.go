package csvio

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openrec/openrec/internal/value"
)

func TestWriteThenReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20220101_000000000_invoices.csv")

	w, err := NewWriter(path, DefaultDialect)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(Header{
		Columns: []string{"OpenRecStatus", "OpenRecId", "Ref", "Amount"},
		Types:   []value.Type{value.TypeInteger, value.TypeUuid, value.TypeString, value.TypeDecimal},
	}))
	require.NoError(t, w.WriteRow([]string{"0", "2f1e2c2e-3b2a-4a6a-9f8b-000000000001", `say "hi"`, "1050.99"}))
	require.NoError(t, w.Close())

	_, err = os.Stat(path + ".inprogress")
	require.True(t, os.IsNotExist(err))

	r, closer, err := NewReader(path, DefaultDialect)
	require.NoError(t, err)
	defer closer.Close()

	require.Equal(t, []string{"OpenRecStatus", "OpenRecId", "Ref", "Amount"}, r.Header.Columns)
	require.Equal(t, []value.Type{value.TypeInteger, value.TypeUuid, value.TypeString, value.TypeDecimal}, r.Header.Types)

	row, err := r.ReadRow()
	require.NoError(t, err)
	require.Equal(t, []string{"0", "2f1e2c2e-3b2a-4a6a-9f8b-000000000001", `say "hi"`, "1050.99"}, row)

	_, err = r.ReadRow()
	require.ErrorIs(t, err, io.EOF)
}

func TestReaderRejectsBinaryFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.csv")
	// PNG magic bytes.
	require.NoError(t, os.WriteFile(path, []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0}, 0644))

	_, _, err := NewReader(path, DefaultDialect)
	require.Error(t, err)
}

func TestIndexDataRowsAndReadRowAt(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20220101_000000000_invoices.csv")

	w, err := NewWriter(path, DefaultDialect)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(Header{
		Columns: []string{"Ref", "Amount"},
		Types:   []value.Type{value.TypeString, value.TypeDecimal},
	}))
	require.NoError(t, w.WriteRow([]string{"INV0001", "1050.99"}))
	require.NoError(t, w.WriteRow([]string{"INV0002", "500.00"}))
	require.NoError(t, w.Close())

	header, offsets, err := IndexDataRows(path, DefaultDialect)
	require.NoError(t, err)
	require.Equal(t, []string{"Ref", "Amount"}, header.Columns)
	require.Len(t, offsets, 2)

	row0, err := ReadRowAt(path, offsets[0], DefaultDialect)
	require.NoError(t, err)
	require.Equal(t, []string{"INV0001", "1050.99"}, row0)

	row1, err := ReadRowAt(path, offsets[1], DefaultDialect)
	require.NoError(t, err)
	require.Equal(t, []string{"INV0002", "500.00"}, row1)
}

func TestAbortRemovesInProgressFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "x.csv")
	w, err := NewWriter(path, DefaultDialect)
	require.NoError(t, err)
	w.Abort()
	_, err = os.Stat(path + ".inprogress")
	require.True(t, os.IsNotExist(err))
}
