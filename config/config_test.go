package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalCharter = `
name: invoices-vs-payments
version: "1"
matching:
  source_files:
    - pattern: "*-invoices.csv"
      field_prefix: INV
    - pattern: "*-payments.csv"
      field_prefix: PAY
  instructions:
    - kind: group
      by: [REF]
      match_when:
        - kind: nets_to_zero
          column: AMOUNT
          lhs: "record.META.prefix == 'INV'"
          rhs: "record.META.prefix == 'PAY'"
`

func loadOrFail(t *testing.T, raw string) *Charter {
	t.Helper()
	c, err := Unmarshal([]byte(raw))
	require.NoError(t, err)
	return c
}

func TestValidCharterDefaults(t *testing.T) {
	c := loadOrFail(t, minimalCharter)
	assert.Equal(t, "invoices-vs-payments", c.Name)
	assert.Equal(t, DefaultGroupSizeLimit, c.Matching.GroupSizeLimit)
	assert.Equal(t, DefaultQuote, c.Matching.Dialect.Quote)
	assert.True(t, c.Matching.ArchiveFilesEnabled())
	assert.Len(t, c.Matching.SourceFiles, 2)
	assert.Equal(t, InstructionGroup, c.Matching.Instructions[0].Kind)
}

func TestMissingNameRejected(t *testing.T) {
	_, err := Unmarshal([]byte(`matching:
  source_files:
    - pattern: "*.csv"
`))
	require.Error(t, err)
}

func TestMissingSourceFilesRejected(t *testing.T) {
	_, err := Unmarshal([]byte(`name: x
matching: {}
`))
	require.Error(t, err)
}

func TestProjectInstructionRequiresConcreteType(t *testing.T) {
	raw := `
name: x
matching:
  source_files:
    - pattern: "*.csv"
  instructions:
    - kind: project
      column: FOO
      as_a: "??"
      from: "value"
`
	_, err := Unmarshal([]byte(raw))
	require.Error(t, err)
}

func TestGroupInstructionRequiresBy(t *testing.T) {
	raw := `
name: x
matching:
  source_files:
    - pattern: "*.csv"
  instructions:
    - kind: group
`
	_, err := Unmarshal([]byte(raw))
	require.Error(t, err)
}

func TestNetsWithToleranceRequiresTolType(t *testing.T) {
	raw := `
name: x
matching:
  source_files:
    - pattern: "*.csv"
  instructions:
    - kind: group
      by: [REF]
      match_when:
        - kind: nets_with_tolerance
          column: AMOUNT
          lhs: "true"
          rhs: "true"
          tolerance: "1.00"
`
	_, err := Unmarshal([]byte(raw))
	require.Error(t, err)
}

func TestGroupSizeLimitOverride(t *testing.T) {
	raw := minimalCharter + "  group_size_limit: 5\n"
	c := loadOrFail(t, raw)
	assert.Equal(t, 5, c.Matching.GroupSizeLimit)
}

func TestArchiveFilesFalse(t *testing.T) {
	raw := minimalCharter + "  archive_files: false\n"
	c := loadOrFail(t, raw)
	assert.False(t, c.Matching.ArchiveFilesEnabled())
}
