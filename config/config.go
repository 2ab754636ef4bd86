// Package config loads a control's charter: the YAML configuration
// holding the jetwash and matching sections for one reconciliation
// control. This engine only acts on the `matching` section (jetwash is
// inbox pre-cleansing, handled upstream) but the charter is parsed whole,
// and structurally malformed matching instructions and constraints are
// rejected at load time before any file is touched. Column names are not
// checked here; they are resolved against the grid when a job runs.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/openrec/openrec/internal/value"
	"github.com/openrec/openrec/internal/xerrors"
)

const (
	DefaultGroupSizeLimit = 1000
	DefaultQuote          = `"`
	DefaultEscape         = `"`
	DefaultDelimiter      = ","
)

// Charter is the top-level charter document for one control.
type Charter struct {
	Name     string                 `yaml:"name"`
	Version  string                 `yaml:"version"`
	Jetwash  map[string]interface{} `yaml:"jetwash"`
	Matching MatchingConfig         `yaml:"matching"`
}

// MatchingConfig is the `matching` section this engine executes.
type MatchingConfig struct {
	SourceFiles    []SourceFilePattern `yaml:"source_files"`
	GroupSizeLimit int                 `yaml:"group_size_limit"`
	ArchiveFiles   *bool               `yaml:"archive_files"`
	Dialect        DialectConfig       `yaml:"csv_dialect"`
	Instructions   []Instruction       `yaml:"instructions"`
}

// SourceFilePattern names one glob pattern under waiting/unmatched and the
// prefix used to disambiguate its columns once merged into the grid.
type SourceFilePattern struct {
	Pattern     string `yaml:"pattern"`
	FieldPrefix string `yaml:"field_prefix"`
}

// DialectConfig overrides the default CSV dialect.
type DialectConfig struct {
	Quote     string `yaml:"quote"`
	Escape    string `yaml:"escape"`
	Delimiter string `yaml:"delimiter"`
}

// InstructionKind discriminates the Instruction union.
type InstructionKind string

const (
	InstructionProject InstructionKind = "project"
	InstructionMerge   InstructionKind = "merge"
	InstructionGroup   InstructionKind = "group"
)

// Instruction is one step of `matching.instructions`, executed in order.
// Only the fields relevant to Kind are populated.
type Instruction struct {
	Kind InstructionKind `yaml:"kind"`

	// project
	Column string     `yaml:"column"`
	AsA    value.Type `yaml:"as_a"`
	From   string     `yaml:"from"`
	When   string     `yaml:"when"`

	// merge
	Columns []string `yaml:"columns"`
	Into    string   `yaml:"into"`

	// group
	By        []string           `yaml:"by"`
	MatchWhen []ConstraintConfig `yaml:"match_when"`
}

// ConstraintKind discriminates the ConstraintConfig union.
type ConstraintKind string

const (
	ConstraintNetsToZero        ConstraintKind = "nets_to_zero"
	ConstraintNetsWithTolerance ConstraintKind = "nets_with_tolerance"
	ConstraintCustom            ConstraintKind = "custom"
)

// ConstraintTolType is Amount or Percent.
type ConstraintTolType string

const (
	TolAmount  ConstraintTolType = "Amount"
	TolPercent ConstraintTolType = "Percent"
)

// ConstraintConfig is one entry of a `group` instruction's `match_when`.
type ConstraintConfig struct {
	Kind ConstraintKind `yaml:"kind"`

	// nets_to_zero / nets_with_tolerance
	Column    string            `yaml:"column"`
	Lhs       string            `yaml:"lhs"` // record-predicate script selecting the lhs side
	Rhs       string            `yaml:"rhs"` // record-predicate script selecting the rhs side
	TolType   ConstraintTolType `yaml:"tol_type"`
	Tolerance string            `yaml:"tolerance"`

	// custom
	Script          string   `yaml:"script"`
	AvailableFields []string `yaml:"available_fields"`
}

// Unmarshal parses and validates charter YAML, defaulting unset fields.
func Unmarshal(raw []byte) (*Charter, error) {
	c := &Charter{
		Matching: MatchingConfig{
			GroupSizeLimit: DefaultGroupSizeLimit,
			Dialect: DialectConfig{
				Quote:     DefaultQuote,
				Escape:    DefaultEscape,
				Delimiter: DefaultDelimiter,
			},
		},
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, &xerrors.ConfigError{Reason: fmt.Sprintf("invalid charter yaml: %v", err)}
	}
	if c.Matching.GroupSizeLimit <= 0 {
		c.Matching.GroupSizeLimit = DefaultGroupSizeLimit
	}
	if c.Matching.Dialect.Quote == "" {
		c.Matching.Dialect.Quote = DefaultQuote
	}
	if c.Matching.Dialect.Escape == "" {
		c.Matching.Dialect.Escape = DefaultEscape
	}
	if c.Matching.Dialect.Delimiter == "" {
		c.Matching.Dialect.Delimiter = DefaultDelimiter
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFile loads and parses a charter from disk.
func LoadFile(path string) (*Charter, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap("read", path, err)
	}
	c, err := Unmarshal(content)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ArchiveFilesEnabled returns whether matched source files should be moved
// to archive/celerity/ (default true).
func (m MatchingConfig) ArchiveFilesEnabled() bool {
	if m.ArchiveFiles == nil {
		return true
	}
	return *m.ArchiveFiles
}

func (c *Charter) validate() error {
	if c.Name == "" {
		return &xerrors.ConfigError{Reason: "charter must set a name"}
	}
	if len(c.Matching.SourceFiles) == 0 {
		return &xerrors.ConfigError{Reason: "matching.source_files must not be empty"}
	}
	for _, sf := range c.Matching.SourceFiles {
		if sf.Pattern == "" {
			return &xerrors.ConfigError{Reason: "matching.source_files entries must set pattern"}
		}
	}
	for i, instr := range c.Matching.Instructions {
		switch instr.Kind {
		case InstructionProject:
			if instr.Column == "" || instr.From == "" {
				return &xerrors.ConfigError{Reason: fmt.Sprintf("instruction %d: project requires column and from", i)}
			}
			if !instr.AsA.Valid() || instr.AsA == value.TypeUnknown {
				return &xerrors.ConfigError{Reason: fmt.Sprintf("instruction %d: project requires a concrete as_a type", i)}
			}
		case InstructionMerge:
			if len(instr.Columns) == 0 || instr.Into == "" {
				return &xerrors.ConfigError{Reason: fmt.Sprintf("instruction %d: merge requires columns and into", i)}
			}
		case InstructionGroup:
			if len(instr.By) == 0 {
				return &xerrors.ConfigError{Reason: fmt.Sprintf("instruction %d: group requires by", i)}
			}
			for j, con := range instr.MatchWhen {
				if err := con.validate(); err != nil {
					return &xerrors.ConfigError{Reason: fmt.Sprintf("instruction %d constraint %d: %v", i, j, err)}
				}
			}
		default:
			return &xerrors.ConfigError{Reason: fmt.Sprintf("instruction %d: unknown kind %q", i, instr.Kind)}
		}
	}
	return nil
}

func (c ConstraintConfig) validate() error {
	switch c.Kind {
	case ConstraintNetsToZero:
		if c.Column == "" || c.Lhs == "" || c.Rhs == "" {
			return fmt.Errorf("nets_to_zero requires column, lhs, rhs")
		}
	case ConstraintNetsWithTolerance:
		if c.Column == "" || c.Lhs == "" || c.Rhs == "" || c.Tolerance == "" {
			return fmt.Errorf("nets_with_tolerance requires column, lhs, rhs, tolerance")
		}
		if c.TolType != TolAmount && c.TolType != TolPercent {
			return fmt.Errorf("tol_type must be Amount or Percent")
		}
	case ConstraintCustom:
		if c.Script == "" {
			return fmt.Errorf("custom requires script")
		}
	default:
		return fmt.Errorf("unknown constraint kind %q", c.Kind)
	}
	return nil
}
