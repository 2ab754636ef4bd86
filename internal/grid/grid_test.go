package grid

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openrec/openrec/internal/csvio"
	"github.com/openrec/openrec/internal/value"
)

func writeSourceCSV(t *testing.T, path string, cols []string, types []value.Type, rows [][]string) {
	t.Helper()
	w, err := csvio.NewWriter(path, csvio.DefaultDialect)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(csvio.Header{Columns: cols, Types: types}))
	for _, r := range rows {
		require.NoError(t, w.WriteRow(r))
	}
	require.NoError(t, w.Close())
}

func TestAddSourceFileAndReadRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20220118_041500000_invoices.csv")
	writeSourceCSV(t, path,
		[]string{"OpenRecStatus", "OpenRecId", "Ref", "Amount"},
		[]value.Type{value.TypeInteger, value.TypeUuid, value.TypeString, value.TypeDecimal},
		[][]string{
			{"0", "2f1e2c2e-3b2a-4a6a-9f8b-000000000001", "INV0001", "1050.99"},
			{"0", "2f1e2c2e-3b2a-4a6a-9f8b-000000000002", "INV0002", "500.00"},
		})

	g := New(logrus.New(), csvio.DefaultDialect)
	id, err := g.AddSourceFile(path, "INV")
	require.NoError(t, err)
	require.Equal(t, 2, g.File(id).RowCount())

	rec, err := g.ReadRecord(id, 0)
	require.NoError(t, err)
	require.Equal(t, "INV0001", rec.Base[2])
	require.Equal(t, "INV", rec.Meta.Prefix)

	v, err := g.File(id).Field(rec, "Amount")
	require.NoError(t, err)
	require.Equal(t, "1050.99", v.String())
}

func TestAppendDerivedColumns(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20220118_041500000_invoices.csv")
	writeSourceCSV(t, path,
		[]string{"Ref", "Amount"},
		[]value.Type{value.TypeString, value.TypeDecimal},
		[][]string{{"INV0001", "1050.99"}, {"INV0002", "500.00"}})

	g := New(logrus.New(), csvio.DefaultDialect)
	id, err := g.AddSourceFile(path, "INV")
	require.NoError(t, err)
	fe := g.File(id)

	err = g.AppendDerivedColumns(fe, []string{"REF"}, []value.Type{value.TypeString},
		func(row int, rec Record) ([]value.Value, error) {
			v, ferr := fe.Field(rec, "Ref")
			return []value.Value{v}, ferr
		})
	require.NoError(t, err)

	rec, err := g.ReadRecord(id, 0)
	require.NoError(t, err)
	v, err := fe.Field(rec, "REF")
	require.NoError(t, err)
	require.Equal(t, "INV0001", v.String())

	// A second instruction appends on top of the first.
	err = g.AppendDerivedColumns(fe, []string{"DOUBLED"}, []value.Type{value.TypeDecimal},
		func(row int, rec Record) ([]value.Value, error) {
			amt, ferr := fe.Field(rec, "Amount")
			if ferr != nil {
				return nil, ferr
			}
			d, _ := amt.AsDecimal()
			return []value.Value{value.NewDecimal(d.Add(d))}, nil
		})
	require.NoError(t, err)
	rec, err = g.ReadRecord(id, 1)
	require.NoError(t, err)
	v, err = fe.Field(rec, "REF")
	require.NoError(t, err)
	require.Equal(t, "INV0002", v.String())
	v, err = fe.Field(rec, "DOUBLED")
	require.NoError(t, err)
	require.Equal(t, "1000", v.String())
}

func TestIterateSkipsExcludedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20220118_041500000_invoices.csv")
	writeSourceCSV(t, path, []string{"Ref"}, []value.Type{value.TypeString}, [][]string{{"INV0001"}})

	g := New(logrus.New(), csvio.DefaultDialect)
	id, err := g.AddSourceFile(path, "INV")
	require.NoError(t, err)
	g.File(id).Excluded = true

	count := 0
	require.NoError(t, g.Iterate(func(fe *FileEntry, rec Record) error {
		count++
		return nil
	}))
	require.Equal(t, 0, count)
}
