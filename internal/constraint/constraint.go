// Package constraint implements the group-level rule evaluator: native
// `nets_to_zero`/`nets_with_tolerance` constraints plus scripted `custom`
// constraints, run in listed order with short-circuit on the first
// failure.
package constraint

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openrec/openrec/config"
	"github.com/openrec/openrec/internal/grid"
	"github.com/openrec/openrec/internal/script"
	"github.com/openrec/openrec/internal/xerrors"
)

// Evaluator runs a group instruction's `match_when` list against one
// candidate group's materialised member records.
type Evaluator struct {
	scripts *script.Host
}

// NewEvaluator builds an Evaluator sharing the pipeline's script Host, so
// custom constraints see the same `lookup`/`decimal`/aggregate helpers.
func NewEvaluator(scripts *script.Host) *Evaluator {
	return &Evaluator{scripts: scripts}
}

// Evaluate runs every constraint against members; all must
// return true for the group to match.
func (e *Evaluator) Evaluate(instruction string, constraints []config.ConstraintConfig, members []grid.View) (bool, error) {
	for i, c := range constraints {
		ctx := script.Context{Instruction: fmt.Sprintf("%s.match_when[%d]", instruction, i)}
		ok, err := e.evalOne(ctx, c, members)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Evaluator) evalOne(ctx script.Context, c config.ConstraintConfig, members []grid.View) (bool, error) {
	switch c.Kind {
	case config.ConstraintNetsToZero:
		return e.netsToZero(ctx, c, members)
	case config.ConstraintNetsWithTolerance:
		return e.netsWithTolerance(ctx, c, members)
	case config.ConstraintCustom:
		return e.scripts.EvalConstraintCustom(ctx, c.Script, members)
	default:
		return false, &xerrors.ConfigError{Reason: fmt.Sprintf("unknown constraint kind %q", c.Kind)}
	}
}

// sideSum evaluates predicateScript against every member and sums column
// for those it selects, returning the sum and how many members matched.
func (e *Evaluator) sideSum(ctx script.Context, predicateScript, column string, members []grid.View) (decimal.Decimal, int, error) {
	sum := decimal.Zero
	count := 0
	for _, m := range members {
		selected, err := e.scripts.EvalBoolean(ctx, predicateScript, m)
		if err != nil {
			return decimal.Zero, 0, err
		}
		if !selected {
			continue
		}
		val, err := m.Field(column)
		if err != nil {
			return decimal.Zero, 0, err
		}
		d, ok := val.AsDecimal()
		if !ok {
			return decimal.Zero, 0, &xerrors.DataTypeError{Column: column, Value: val.String()}
		}
		sum = sum.Add(d)
		count++
	}
	return sum, count, nil
}

// netsToZero implements: abs(|Σlhs| − |Σrhs|) == 0, with both sides
// required to have at least one member.
func (e *Evaluator) netsToZero(ctx script.Context, c config.ConstraintConfig, members []grid.View) (bool, error) {
	lhsSum, lhsCount, err := e.sideSum(ctx, c.Lhs, c.Column, members)
	if err != nil {
		return false, err
	}
	rhsSum, rhsCount, err := e.sideSum(ctx, c.Rhs, c.Column, members)
	if err != nil {
		return false, err
	}
	if lhsCount == 0 || rhsCount == 0 {
		return false, nil
	}
	diff := lhsSum.Abs().Sub(rhsSum.Abs()).Abs()
	return diff.IsZero(), nil
}

// netsWithTolerance implements the Amount/Percent tolerance bands.
func (e *Evaluator) netsWithTolerance(ctx script.Context, c config.ConstraintConfig, members []grid.View) (bool, error) {
	lhsSum, _, err := e.sideSum(ctx, c.Lhs, c.Column, members)
	if err != nil {
		return false, err
	}
	rhsSum, _, err := e.sideSum(ctx, c.Rhs, c.Column, members)
	if err != nil {
		return false, err
	}
	tol, err := decimal.NewFromString(c.Tolerance)
	if err != nil {
		return false, &xerrors.ConfigError{Reason: fmt.Sprintf("nets_with_tolerance: invalid tolerance %q", c.Tolerance)}
	}
	diff := lhsSum.Sub(rhsSum).Abs()
	switch c.TolType {
	case config.TolAmount:
		return diff.LessThanOrEqual(tol), nil
	case config.TolPercent:
		bound := rhsSum.Abs().Mul(tol).Div(decimal.NewFromInt(100))
		return diff.LessThanOrEqual(bound), nil
	default:
		return false, &xerrors.ConfigError{Reason: fmt.Sprintf("nets_with_tolerance: unknown tol_type %q", c.TolType)}
	}
}
