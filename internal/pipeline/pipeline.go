// Package pipeline executes one charter's ordered `matching.instructions`
// against a grid: `project` and `merge` append derived columns; `group`
// triggers the external-merge-sort grouper and the constraint evaluator,
// releasing matched records and reporting them.
package pipeline

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/internal/constraint"
	"github.com/openrec/openrec/internal/grid"
	"github.com/openrec/openrec/internal/script"
	"github.com/openrec/openrec/internal/sortmerge"
	"github.com/openrec/openrec/internal/value"
	"github.com/openrec/openrec/internal/xerrors"
)

// MatchedGroup is one group a `group` instruction released: its members'
// locators, for the job controller to fold into the matched report.
type MatchedGroup struct {
	Instruction int
	Key         []byte
	Members     []Locator
}

// Locator identifies one matched record for the report as a
// `{file, row, OpenRecId}` tuple.
type Locator struct {
	Filename  string
	Row       int
	OpenRecId string
}

// Pipeline runs a charter's instructions against a grid already populated
// with every participating source file.
type Pipeline struct {
	logger         *logrus.Logger
	scripts        *script.Host
	cons           *constraint.Evaluator
	spillDir       string
	groupSizeLimit int
}

// New builds a Pipeline. spillDir is where the grouper writes its spill
// runs (conventionally a scratch subdirectory of matching/).
func New(logger *logrus.Logger, scripts *script.Host, spillDir string, groupSizeLimit int) *Pipeline {
	return &Pipeline{
		logger:         logger,
		scripts:        scripts,
		cons:           constraint.NewEvaluator(scripts),
		spillDir:       spillDir,
		groupSizeLimit: groupSizeLimit,
	}
}

// Run executes every instruction against g in charter order, returning the
// matched groups released by every `group` instruction encountered.
// Cancellation is honoured at instruction boundaries (a cancelled ctx
// aborts before the next instruction starts) and, inside a `group`
// instruction, at the grouper's spill-file boundaries.
func (p *Pipeline) Run(ctx context.Context, g *grid.Grid, instructions []config.Instruction) ([]MatchedGroup, error) {
	var matched []MatchedGroup
	for i, instr := range instructions {
		if ctx.Err() != nil {
			return nil, &xerrors.Cancelled{}
		}
		switch instr.Kind {
		case config.InstructionProject:
			if err := p.runProject(g, i, instr); err != nil {
				return nil, err
			}
		case config.InstructionMerge:
			if err := p.runMerge(g, i, instr); err != nil {
				return nil, err
			}
		case config.InstructionGroup:
			groups, err := p.runGroup(ctx, g, i, instr)
			if err != nil {
				return nil, err
			}
			matched = append(matched, groups...)
		default:
			return nil, &xerrors.ConfigError{Reason: fmt.Sprintf("instruction %d: unknown kind %q", i, instr.Kind)}
		}
	}
	return matched, nil
}

// runProject implements the `project` instruction: evaluate `from` (guarded by
// `when`) per record, type-check against `as_a`, append as a new derived
// column.
func (p *Pipeline) runProject(g *grid.Grid, idx int, instr config.Instruction) error {
	for _, fe := range g.Files() {
		if fe.Excluded {
			continue
		}
		err := g.AppendDerivedColumns(fe, []string{instr.Column}, []value.Type{instr.AsA},
			func(row int, rec grid.Record) ([]value.Value, error) {
				v := grid.View{FE: fe, Rec: rec}
				ctx := script.Context{Instruction: fmt.Sprintf("project[%d]:%s", idx, instr.Column), Row: row}
				if instr.When != "" {
					ok, err := p.scripts.EvalBoolean(ctx, instr.When, v)
					if err != nil {
						return nil, err
					}
					if !ok {
						return []value.Value{value.BlankOf(instr.AsA)}, nil
					}
				}
				val, err := p.scripts.EvalProjection(ctx, instr.From, v, instr.AsA)
				if err != nil {
					return nil, err
				}
				return []value.Value{val}, nil
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// runMerge implements the `merge` instruction: first non-blank of `columns`,
// in order, written to `into`. `columns` typically spans more than one
// source's schema (that is the point — unifying e.g. INV.Ref/PAY.Ref into
// one REF column): for any given record, only the listed columns that
// resolve against its own file are considered. Every column that DOES
// resolve anywhere across the grid must share one declared type; a
// mismatch, including any `??` source, is a fatal SchemaMismatch.
func (p *Pipeline) runMerge(g *grid.Grid, idx int, instr config.Instruction) error {
	commonType, err := mergeCommonType(g, instr.Columns)
	if err != nil {
		return err
	}
	for _, fe := range g.Files() {
		if fe.Excluded {
			continue
		}
		err := g.AppendDerivedColumns(fe, []string{instr.Into}, []value.Type{commonType},
			func(row int, rec grid.Record) ([]value.Value, error) {
				for _, col := range instr.Columns {
					if _, _, _, ok := fe.FieldIndex(col); !ok {
						continue
					}
					val, err := fe.Field(rec, col)
					if err != nil {
						return nil, err
					}
					if !val.Blank {
						return []value.Value{val}, nil
					}
				}
				return []value.Value{value.BlankOf(commonType)}, nil
			})
		if err != nil {
			return err
		}
	}
	return nil
}

// mergeCommonType resolves every listed column against every file in the
// grid, requiring that everywhere it resolves it carries the same
// declared type, and that it resolves against at least one file.
func mergeCommonType(g *grid.Grid, columns []string) (value.Type, error) {
	var common value.Type
	found := false
	for _, col := range columns {
		for _, fe := range g.Files() {
			_, _, typ, ok := fe.FieldIndex(col)
			if !ok {
				continue
			}
			if typ == value.TypeUnknown {
				return "", &xerrors.SchemaMismatch{Pattern: col, Detail: "merge source column has unknown type"}
			}
			if !found {
				common, found = typ, true
			} else if common != typ {
				return "", &xerrors.SchemaMismatch{Pattern: col, Detail: fmt.Sprintf("merge sources have mixed declared types: %s vs %s", common, typ)}
			}
		}
	}
	if !found {
		return "", &xerrors.SchemaMismatch{Pattern: fmt.Sprintf("%v", columns), Detail: "none of the merge source columns were found in the grid"}
	}
	return common, nil
}

// runGroup implements the `group` instruction: external-sort the
// live records by `by`, evaluate `match_when` over each candidate group,
// and release matching groups (marking their rows so stage N+1 never sees
// them again).
func (p *Pipeline) runGroup(ctx context.Context, g *grid.Grid, idx int, instr config.Instruction) ([]MatchedGroup, error) {
	limit := p.groupSizeLimit
	if limit <= 0 {
		limit = config.DefaultGroupSizeLimit
	}
	grouper := sortmerge.NewGrouper(p.logger, p.spillDir, 100_000, limit)

	var matched []MatchedGroup
	err := grouper.Group(ctx, g, instr.By, func(grp sortmerge.Group) error {
		views := make([]grid.View, len(grp.Locators))
		for i, loc := range grp.Locators {
			fe := g.File(loc.FileID)
			rec, err := g.ReadRecord(loc.FileID, loc.Row)
			if err != nil {
				return err
			}
			views[i] = grid.View{FE: fe, Rec: rec}
		}

		ok, err := p.cons.Evaluate(fmt.Sprintf("group[%d]", idx), instr.MatchWhen, views)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		members := make([]Locator, len(views))
		for i, v := range views {
			openRecId, ferr := v.Field("OpenRecId")
			if ferr != nil {
				return ferr
			}
			members[i] = Locator{Filename: v.FE.Filename, Row: v.Rec.RowOrdinal, OpenRecId: openRecId.String()}
			g.MarkReleased(v.Rec.FileID, v.Rec.RowOrdinal)
		}
		matched = append(matched, MatchedGroup{Instruction: idx, Key: append([]byte{}, grp.Key...), Members: members})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matched, nil
}
