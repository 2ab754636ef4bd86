package constraint

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/internal/csvio"
	"github.com/openrec/openrec/internal/grid"
	"github.com/openrec/openrec/internal/script"
	"github.com/openrec/openrec/internal/value"
)

func view(t *testing.T, dir, prefix, ref, side, amount string) grid.View {
	t.Helper()
	path := filepath.Join(dir, "20220118_041500000_"+prefix+"_"+ref+".csv")
	w, err := csvio.NewWriter(path, csvio.DefaultDialect)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(csvio.Header{
		Columns: []string{"Side", "Amount"},
		Types:   []value.Type{value.TypeString, value.TypeDecimal},
	}))
	require.NoError(t, w.WriteRow([]string{side, amount}))
	require.NoError(t, w.Close())

	g := grid.New(logrus.New(), csvio.DefaultDialect)
	id, err := g.AddSourceFile(path, prefix)
	require.NoError(t, err)
	rec, err := g.ReadRecord(id, 0)
	require.NoError(t, err)
	return grid.View{FE: g.File(id), Rec: rec}
}

func TestNetsToZeroMatches(t *testing.T) {
	dir := t.TempDir()
	members := []grid.View{
		view(t, dir, "INV", "1", "debit", "1050.99"),
		view(t, dir, "PAY", "1", "credit", "50.99"),
		view(t, dir, "PAY", "2", "credit", "1000.00"),
	}
	e := NewEvaluator(script.NewHost(logrus.New(), dir))
	ok, err := e.Evaluate("group", []config.ConstraintConfig{{
		Kind: config.ConstraintNetsToZero, Column: "Amount",
		Lhs: `record.Side == "debit"`, Rhs: `record.Side == "credit"`,
	}}, members)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNetsToZeroRequiresBothSidesNonEmpty(t *testing.T) {
	dir := t.TempDir()
	members := []grid.View{view(t, dir, "INV", "1", "debit", "100.00")}
	e := NewEvaluator(script.NewHost(logrus.New(), dir))
	ok, err := e.Evaluate("group", []config.ConstraintConfig{{
		Kind: config.ConstraintNetsToZero, Column: "Amount",
		Lhs: `record.Side == "debit"`, Rhs: `record.Side == "credit"`,
	}}, members)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNetsWithTolerancePercent(t *testing.T) {
	dir := t.TempDir()
	members := []grid.View{
		view(t, dir, "INV", "1", "debit", "1000.00"),
		view(t, dir, "PAY", "1", "credit", "995.00"),
	}
	e := NewEvaluator(script.NewHost(logrus.New(), dir))
	ok, err := e.Evaluate("group", []config.ConstraintConfig{{
		Kind: config.ConstraintNetsWithTolerance, Column: "Amount",
		Lhs: `record.Side == "debit"`, Rhs: `record.Side == "credit"`,
		TolType: config.TolPercent, Tolerance: "1",
	}}, members)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCustomConstraintScript(t *testing.T) {
	dir := t.TempDir()
	members := []grid.View{
		view(t, dir, "INV", "1", "debit", "100.00"),
		view(t, dir, "PAY", "1", "credit", "100.00"),
	}
	e := NewEvaluator(script.NewHost(logrus.New(), dir))
	ok, err := e.Evaluate("group", []config.ConstraintConfig{{
		Kind:   config.ConstraintCustom,
		Script: `sum("Amount", function(r) return r.Side == "debit" end) == sum("Amount", function(r) return r.Side == "credit" end)`,
	}}, members)
	require.NoError(t, err)
	require.True(t, ok)
}
