package job

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/internal/csvio"
	"github.com/openrec/openrec/internal/value"
	"github.com/openrec/openrec/report"
)

func writeCSV(t *testing.T, path string, cols []string, types []value.Type, rows [][]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	w, err := csvio.NewWriter(path, csvio.DefaultDialect)
	require.NoError(t, err)
	require.NoError(t, w.WriteHeader(csvio.Header{Columns: cols, Types: types}))
	for _, r := range rows {
		require.NoError(t, w.WriteRow(r))
	}
	require.NoError(t, w.Close())
}

func basicCharter() *config.Charter {
	return &config.Charter{
		Name:    "test-control",
		Version: "1",
		Matching: config.MatchingConfig{
			GroupSizeLimit: config.DefaultGroupSizeLimit,
			Dialect: config.DialectConfig{
				Quote: config.DefaultQuote, Escape: config.DefaultEscape, Delimiter: config.DefaultDelimiter,
			},
			SourceFiles: []config.SourceFilePattern{
				{Pattern: "*_invoices.csv", FieldPrefix: "INV"},
				{Pattern: "*_payments.csv", FieldPrefix: "PAY"},
			},
			Instructions: []config.Instruction{
				{Kind: config.InstructionMerge, Columns: []string{"INV.Ref", "PAY.Ref"}, Into: "REF"},
				{
					Kind: config.InstructionGroup,
					By:   []string{"REF"},
					MatchWhen: []config.ConstraintConfig{{
						Kind: config.ConstraintNetsToZero, Column: "Amount",
						Lhs: `META.prefix == "INV"`, Rhs: `META.prefix == "PAY"`,
					}},
				},
			},
		},
	}
}

// TestRunEndToEndMatchesAndArchives exercises the complete folder
// lifecycle: one fully-matching file promoted from waiting/, one
// partially-matching file promoted from unmatched/ whose surviving row
// is rewritten (with its derived side-car), plus archival of every
// consumed base file.
func TestRunEndToEndMatchesAndArchives(t *testing.T) {
	base := t.TempDir()

	writeCSV(t, filepath.Join(base, DirWaiting, "20220118_041500000_invoices.csv"),
		[]string{"OpenRecId", "Ref", "Amount"},
		[]value.Type{value.TypeUuid, value.TypeString, value.TypeDecimal},
		[][]string{
			{"2f1e2c2e-3b2a-4a6a-9f8b-000000000001", "INV0001", "1050.99"},
			{"2f1e2c2e-3b2a-4a6a-9f8b-000000000002", "INV0002", "500.00"},
		})
	writeCSV(t, filepath.Join(base, DirUnmatched, "20220118_041500000_payments.csv"),
		[]string{"OpenRecId", "Ref", "Amount"},
		[]value.Type{value.TypeUuid, value.TypeString, value.TypeDecimal},
		[][]string{
			{"2f1e2c2e-3b2a-4a6a-9f8b-000000000011", "INV0001", "50.99"},
			{"2f1e2c2e-3b2a-4a6a-9f8b-000000000012", "INV0002", "500.00"},
			{"2f1e2c2e-3b2a-4a6a-9f8b-000000000013", "INV0001", "1000.00"},
			{"2f1e2c2e-3b2a-4a6a-9f8b-000000000014", "INV9999", "12.00"},
		})

	c := New(logrus.New(), base, basicCharter())
	require.NoError(t, c.Run(context.Background()))

	matchedEntries, err := os.ReadDir(filepath.Join(base, DirMatched))
	require.NoError(t, err)
	require.Len(t, matchedEntries, 1)

	raw, err := os.ReadFile(filepath.Join(base, DirMatched, matchedEntries[0].Name()))
	require.NoError(t, err)
	var rpt report.Report
	require.NoError(t, json.Unmarshal(raw, &rpt))
	require.Equal(t, "test-control", rpt.Charter.Name)
	require.Len(t, rpt.Groups, 2)
	totalMembers := 0
	for _, g := range rpt.Groups {
		totalMembers += len(g.Records)
	}
	require.Equal(t, 5, totalMembers)

	archived, err := os.ReadDir(filepath.Join(base, DirArchiveCelerity))
	require.NoError(t, err)
	var names []string
	for _, e := range archived {
		names = append(names, e.Name())
	}
	require.Contains(t, names, "20220118_041500000_invoices.csv")
	require.Contains(t, names, "20220118_041500000_payments.csv")

	unmatchedEntries, err := os.ReadDir(filepath.Join(base, DirUnmatched))
	require.NoError(t, err)
	require.Len(t, unmatchedEntries, 2)
	require.Equal(t, "20220118_041500000_payments.unmatched.csv", unmatchedEntries[0].Name())
	require.Equal(t, "20220118_041500000_payments.unmatched.derived.csv", unmatchedEntries[1].Name())
	rows := readAllRows(t, filepath.Join(base, DirUnmatched, unmatchedEntries[0].Name()))
	require.Len(t, rows, 1)
	require.Equal(t, "INV9999", rows[0][1])

	waitingLeft, err := os.ReadDir(filepath.Join(base, DirWaiting))
	require.NoError(t, err)
	require.Empty(t, waitingLeft)
	matchingLeft, err := os.ReadDir(filepath.Join(base, DirMatching))
	require.NoError(t, err)
	require.Empty(t, matchingLeft)
}

func readAllRows(t *testing.T, path string) [][]string {
	t.Helper()
	r, closer, err := csvio.NewReader(path, csvio.DefaultDialect)
	require.NoError(t, err)
	defer closer.Close()
	var rows [][]string
	for {
		row, err := r.ReadRow()
		if err != nil {
			break
		}
		rows = append(rows, row)
	}
	return rows
}

// TestRunAbortsLeavingMatchingUntouchedOnBadCharter checks that a
// fatal instruction error aborts before Finalise, and no matched report
// is ever written.
func TestRunAbortsLeavingMatchingUntouchedOnBadCharter(t *testing.T) {
	base := t.TempDir()
	writeCSV(t, filepath.Join(base, DirWaiting, "20220118_041500000_invoices.csv"),
		[]string{"OpenRecId", "Ref", "Amount"},
		[]value.Type{value.TypeUuid, value.TypeString, value.TypeDecimal},
		[][]string{{"2f1e2c2e-3b2a-4a6a-9f8b-000000000001", "INV0001", "1050.99"}})

	ch := basicCharter()
	ch.Matching.Instructions = []config.Instruction{
		{
			Kind: config.InstructionGroup,
			By:   []string{"Ref"},
			MatchWhen: []config.ConstraintConfig{{
				Kind: config.ConstraintNetsToZero, Column: "NoSuchColumn",
				Lhs: `META.prefix == "INV"`, Rhs: `META.prefix == "PAY"`,
			}},
		},
	}
	c := New(logrus.New(), base, ch)
	err := c.Run(context.Background())
	require.Error(t, err)

	matched, err := os.ReadDir(filepath.Join(base, DirMatched))
	require.NoError(t, err)
	require.Empty(t, matched)

	matching, err := os.ReadDir(filepath.Join(base, DirMatching))
	require.NoError(t, err)
	require.NotEmpty(t, matching)
}
