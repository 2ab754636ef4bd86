// Package script implements the sandboxed Lua expression evaluator: one
// fresh interpreter per evaluation (so no state ever leaks between
// records, groups or jobs), exposing a `record` table, a `META`
// table of synthetic fields, and the helper functions charters may call
// from `project`/`when`/`lua_filter`/`custom.script` expressions. Built on
// github.com/yuin/gopher-lua with layeh.com/gopher-luar bridging Go
// values into the interpreter.
//
// Decimal values cross the Go/Lua boundary as opaque userdata rather than
// Lua numbers, so that `a * b` on two money columns never rounds through a
// float64: the "decimal" metatable overloads +, -, *, unary -, ==, <, <=
// and tostring directly against shopspring/decimal.
package script

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
	luar "layeh.com/gopher-luar"

	"github.com/openrec/openrec/internal/grid"
	"github.com/openrec/openrec/internal/value"
	"github.com/openrec/openrec/internal/xerrors"
)

const decimalTypeName = "openrec.decimal"

// Context names the instruction/row a script evaluation is running for, so
// errors can carry useful position information.
type Context struct {
	Instruction string
	Row         int
}

// Host evaluates charter-supplied Lua expressions against grid records. A
// Host is safe for concurrent use: every Eval* call opens and closes its
// own *lua.LState.
type Host struct {
	logger  *logrus.Logger
	lookups *lookupCache
}

// NewHost creates a Host whose `lookup(...)` helper resolves lookups/*.csv
// files relative to lookupsDir.
func NewHost(logger *logrus.Logger, lookupsDir string) *Host {
	return &Host{logger: logger, lookups: newLookupCache(lookupsDir)}
}

// newState builds a sandboxed interpreter: only the base, string, math and
// table libraries are opened, so scripts have no filesystem, process or
// debug access regardless of what the charter author intended.
func (h *Host) newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.TabLibName, lua.OpenTable},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	registerDecimalType(L)
	h.registerHelpers(L)
	return L
}

// bindRecord installs `record` and `META` globals for v.
func bindRecord(L *lua.LState, v grid.View) error {
	recordTbl, err := recordTable(L, v)
	if err != nil {
		return err
	}
	L.SetGlobal("record", recordTbl)

	L.SetGlobal("META", luar.New(L, v.Meta()))
	return nil
}

func valueToLua(L *lua.LState, v value.Value) lua.LValue {
	if v.Blank {
		return lua.LNil
	}
	switch v.Type {
	case value.TypeBoolean:
		return lua.LBool(v.Bool())
	case value.TypeInteger:
		return lua.LNumber(v.Int())
	case value.TypeDecimal:
		return newDecimalUD(L, v.Decimal())
	case value.TypeDatetime:
		return lua.LNumber(v.Millis())
	case value.TypeUuid:
		return lua.LString(v.Uuid().String())
	case value.TypeString:
		return lua.LString(v.Text())
	default:
		return lua.LNil
	}
}

// EvalValue runs `return <expr>` against v's bound record and returns the
// raw Lua result, for callers that need to coerce it themselves.
func (h *Host) EvalValue(ctx Context, expr string, v grid.View) (lua.LValue, error) {
	L := h.newState()
	defer L.Close()
	if err := bindRecord(L, v); err != nil {
		return nil, err
	}
	if err := L.DoString("return " + expr); err != nil {
		return nil, &xerrors.ScriptError{Instruction: ctx.Instruction, Row: ctx.Row, Reason: err.Error()}
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret, nil
}

// EvalProjection runs expr and coerces the result to asA, for `project`
// instruction `from` expressions.
func (h *Host) EvalProjection(ctx Context, expr string, v grid.View, asA value.Type) (value.Value, error) {
	ret, err := h.EvalValue(ctx, expr, v)
	if err != nil {
		return value.Value{}, err
	}
	return luaToValue(ctx, ret, asA)
}

// EvalBoolean runs expr and requires a boolean result, for `when` guards
// and changeset `lua_filter` predicates.
func (h *Host) EvalBoolean(ctx Context, expr string, v grid.View) (bool, error) {
	ret, err := h.EvalValue(ctx, expr, v)
	if err != nil {
		return false, err
	}
	b, ok := ret.(lua.LBool)
	if !ok {
		return false, &xerrors.ScriptError{Instruction: ctx.Instruction, Row: ctx.Row,
			Reason: fmt.Sprintf("expected a boolean result, got %s", ret.Type().String())}
	}
	return bool(b), nil
}

// EvalConstraintCustom runs a constraint's `custom.script` against every
// member of a group, with `records` bound as an array of record tables and
// the aggregate helpers (count/sum/sum_int/min/max/min_int/max_int) bound
// against that same member list.
func (h *Host) EvalConstraintCustom(ctx Context, script string, members []grid.View) (bool, error) {
	L := h.newState()
	defer L.Close()

	memberTables := make([]*lua.LTable, len(members))
	recordsTbl := L.NewTable()
	for i, m := range members {
		tbl, err := recordTable(L, m)
		if err != nil {
			return false, err
		}
		memberTables[i] = tbl
		recordsTbl.Append(tbl)
	}
	L.SetGlobal("records", recordsTbl)
	registerAggregates(L, members, memberTables)

	if err := L.DoString("return " + script); err != nil {
		return false, &xerrors.ScriptError{Instruction: ctx.Instruction, Row: ctx.Row, Reason: err.Error()}
	}
	ret := L.Get(-1)
	L.Pop(1)
	b, ok := ret.(lua.LBool)
	if !ok {
		return false, &xerrors.ScriptError{Instruction: ctx.Instruction, Row: ctx.Row,
			Reason: fmt.Sprintf("expected a boolean result, got %s", ret.Type().String())}
	}
	return bool(b), nil
}

// recordTable renders one view's columns as a standalone Lua table, bound
// to both its bare name (`record.Ref`, the natural form for a single-source
// charter) and, when the view's file declares a field_prefix, nested under
// that prefix too (`record.PAY.Ref`) — every column gains a
// <PFX>.<name> qualified form once multiple sources participate,
// without taking away the bare form single-source scripts rely on.
func recordTable(L *lua.LState, v grid.View) (*lua.LTable, error) {
	tbl := L.NewTable()
	var sub *lua.LTable
	if v.FE.Prefix != "" {
		sub = L.NewTable()
		tbl.RawSetString(v.FE.Prefix, sub)
	}
	for _, col := range v.Columns() {
		val, err := v.Field(col)
		if err != nil {
			// An unknown-type column is simply left unbound; a script that
			// dereferences it sees Lua nil and fails on use, which is
			// reported as a ScriptError by the caller rather than this
			// function pre-emptively raising UnknownType for columns the
			// script never touches.
			var unknownErr *xerrors.UnknownType
			if xerrorsAs(err, &unknownErr) {
				continue
			}
			return nil, err
		}
		lv := valueToLua(L, val)
		_, name := value.StripPrefix(col)
		tbl.RawSetString(name, lv)
		if sub != nil {
			sub.RawSetString(name, lv)
		}
	}
	return tbl, nil
}

func luaToValue(ctx Context, ret lua.LValue, asA value.Type) (value.Value, error) {
	switch asA {
	case value.TypeString:
		if d, ok := coerceDecimal(ret); ok {
			if _, isUserdata := ret.(*lua.LUserData); isUserdata {
				return value.NewString(d.String()), nil
			}
		}
		return value.NewString(ret.String()), nil
	case value.TypeBoolean:
		b, ok := ret.(lua.LBool)
		if !ok {
			return value.Value{}, scriptCoerceErr(ctx, asA, ret)
		}
		return value.NewBool(bool(b)), nil
	case value.TypeInteger:
		n, ok := ret.(lua.LNumber)
		if !ok {
			return value.Value{}, scriptCoerceErr(ctx, asA, ret)
		}
		return value.NewInt(int64(n)), nil
	case value.TypeDatetime:
		n, ok := ret.(lua.LNumber)
		if !ok {
			return value.Value{}, scriptCoerceErr(ctx, asA, ret)
		}
		return value.NewDatetimeMillis(int64(n)), nil
	case value.TypeDecimal:
		if d, ok := coerceDecimal(ret); ok {
			return value.NewDecimal(d), nil
		}
		return value.Value{}, scriptCoerceErr(ctx, asA, ret)
	case value.TypeUuid:
		u, err := uuidParse(ret.String())
		if err != nil {
			return value.Value{}, scriptCoerceErr(ctx, asA, ret)
		}
		return value.NewUuid(u), nil
	default:
		return value.Value{}, &xerrors.ScriptError{Instruction: ctx.Instruction, Row: ctx.Row,
			Reason: "cannot project onto unknown declared type"}
	}
}

func scriptCoerceErr(ctx Context, asA value.Type, ret lua.LValue) error {
	return &xerrors.ScriptError{Instruction: ctx.Instruction, Row: ctx.Row,
		Reason: fmt.Sprintf("script result %q cannot be coerced to declared type %s", ret.String(), asA)}
}

// registerHelpers installs decimal, abs, midnight and lookup as globals.
func (h *Host) registerHelpers(L *lua.LState) {
	L.SetGlobal("decimal", L.NewFunction(func(L *lua.LState) int {
		arg := L.Get(1)
		d, ok := coerceDecimal(arg)
		if !ok {
			L.RaiseError("decimal: cannot convert %s to a decimal", arg.Type().String())
			return 0
		}
		L.Push(newDecimalUD(L, d))
		return 1
	}))

	L.SetGlobal("abs", L.NewFunction(func(L *lua.LState) int {
		d, ok := coerceDecimal(L.Get(1))
		if !ok {
			L.RaiseError("abs: argument is not numeric")
			return 0
		}
		L.Push(newDecimalUD(L, d.Abs()))
		return 1
	}))

	L.SetGlobal("midnight", L.NewFunction(func(L *lua.LState) int {
		ms := L.CheckNumber(1)
		L.Push(lua.LNumber(value.Midnight(int64(ms))))
		return 1
	}))

	L.SetGlobal("lookup", L.NewFunction(func(L *lua.LState) int {
		getCol := L.CheckString(1)
		filename := L.CheckString(2)
		whereCol := L.CheckString(3)
		whereValue := L.CheckString(4)
		got, found, err := h.lookups.lookup(getCol, filename, whereCol, whereValue)
		if err != nil {
			L.RaiseError("%v", err)
			return 0
		}
		if !found {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LString(got))
		return 1
	}))
}

// --- decimal userdata type -------------------------------------------------

func registerDecimalType(L *lua.LState) {
	mt := L.NewTypeMetatable(decimalTypeName)
	mt.RawSetString("__add", L.NewFunction(decimalArith(func(a, b decimal.Decimal) decimal.Decimal { return a.Add(b) })))
	mt.RawSetString("__sub", L.NewFunction(decimalArith(func(a, b decimal.Decimal) decimal.Decimal { return a.Sub(b) })))
	mt.RawSetString("__mul", L.NewFunction(decimalArith(func(a, b decimal.Decimal) decimal.Decimal { return a.Mul(b) })))
	mt.RawSetString("__unm", L.NewFunction(func(L *lua.LState) int {
		d := checkDecimal(L, 1)
		L.Push(newDecimalUD(L, d.Neg()))
		return 1
	}))
	mt.RawSetString("__eq", L.NewFunction(func(L *lua.LState) int {
		a, b := checkDecimal(L, 1), checkDecimal(L, 2)
		L.Push(lua.LBool(a.Equal(b)))
		return 1
	}))
	mt.RawSetString("__lt", L.NewFunction(func(L *lua.LState) int {
		a, b := checkDecimal(L, 1), checkDecimal(L, 2)
		L.Push(lua.LBool(a.LessThan(b)))
		return 1
	}))
	mt.RawSetString("__le", L.NewFunction(func(L *lua.LState) int {
		a, b := checkDecimal(L, 1), checkDecimal(L, 2)
		L.Push(lua.LBool(a.LessThanOrEqual(b)))
		return 1
	}))
	mt.RawSetString("__tostring", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(checkDecimal(L, 1).String()))
		return 1
	}))
}

func newDecimalUD(L *lua.LState, d decimal.Decimal) *lua.LUserData {
	ud := L.NewUserData()
	ud.Value = d
	L.SetMetatable(ud, L.GetTypeMetatable(decimalTypeName))
	return ud
}

func checkDecimal(L *lua.LState, n int) decimal.Decimal {
	d, ok := coerceDecimal(L.Get(n))
	if !ok {
		L.RaiseError("expected a decimal value at argument %d", n)
	}
	return d
}

// coerceDecimal widens a decimal userdata, Lua number or numeric string
// into a decimal.Decimal, so `amount * 2` and `amount * "1.05"` both work
// without the script author needing to call decimal() explicitly.
func coerceDecimal(v lua.LValue) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case *lua.LUserData:
		d, ok := t.Value.(decimal.Decimal)
		return d, ok
	case lua.LNumber:
		return decimal.NewFromFloat(float64(t)), true
	case lua.LString:
		d, err := decimal.NewFromString(string(t))
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func decimalArith(op func(a, b decimal.Decimal) decimal.Decimal) lua.LGFunction {
	return func(L *lua.LState) int {
		a, aok := coerceDecimal(L.Get(1))
		b, bok := coerceDecimal(L.Get(2))
		if !aok || !bok {
			L.RaiseError("decimal arithmetic requires numeric operands")
			return 0
		}
		L.Push(newDecimalUD(L, op(a, b)))
		return 1
	}
}
