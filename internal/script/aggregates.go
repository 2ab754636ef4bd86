package script

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	lua "github.com/yuin/gopher-lua"

	"github.com/openrec/openrec/internal/grid"
)

// xerrorsAs is a thin wrapper so script.go can test error kinds without
// importing the stdlib "errors" package twice under two names.
func xerrorsAs(err error, target interface{}) bool { return errors.As(err, target) }

func uuidParse(s string) (uuid.UUID, error) { return uuid.Parse(s) }

// registerAggregates installs the group-level aggregate helpers a
// constraint's custom.script may call: count, sum, sum_int, min, max,
// min_int, max_int. Each takes a predicate function and applies it to
// every member's record table to decide inclusion.
func registerAggregates(L *lua.LState, members []grid.View, tables []*lua.LTable) {
	L.SetGlobal("count", L.NewFunction(func(L *lua.LState) int {
		fn := L.CheckFunction(1)
		n := 0
		for _, t := range tables {
			if callPredicate(L, fn, t) {
				n++
			}
		}
		L.Push(lua.LNumber(n))
		return 1
	}))

	L.SetGlobal("sum", L.NewFunction(func(L *lua.LState) int {
		col := L.CheckString(1)
		fn := L.CheckFunction(2)
		total := decimal.Zero
		for i, t := range tables {
			if !callPredicate(L, fn, t) {
				continue
			}
			v, err := members[i].Field(col)
			if err != nil {
				continue
			}
			if d, ok := v.AsDecimal(); ok {
				total = total.Add(d)
			}
		}
		L.Push(newDecimalUD(L, total))
		return 1
	}))

	L.SetGlobal("sum_int", L.NewFunction(func(L *lua.LState) int {
		col := L.CheckString(1)
		fn := L.CheckFunction(2)
		var total int64
		for i, t := range tables {
			if !callPredicate(L, fn, t) {
				continue
			}
			v, err := members[i].Field(col)
			if err == nil && !v.Blank {
				total += v.Int()
			}
		}
		L.Push(lua.LNumber(total))
		return 1
	}))

	L.SetGlobal("min", L.NewFunction(minMaxFn(members, tables, true)))
	L.SetGlobal("max", L.NewFunction(minMaxFn(members, tables, false)))
	L.SetGlobal("min_int", L.NewFunction(minMaxIntFn(members, tables, true)))
	L.SetGlobal("max_int", L.NewFunction(minMaxIntFn(members, tables, false)))
}

func minMaxFn(members []grid.View, tables []*lua.LTable, wantMin bool) lua.LGFunction {
	return func(L *lua.LState) int {
		col := L.CheckString(1)
		fn := L.CheckFunction(2)
		var best decimal.Decimal
		found := false
		for i, t := range tables {
			if !callPredicate(L, fn, t) {
				continue
			}
			v, err := members[i].Field(col)
			if err != nil {
				continue
			}
			d, ok := v.AsDecimal()
			if !ok {
				continue
			}
			if !found || (wantMin && d.LessThan(best)) || (!wantMin && d.GreaterThan(best)) {
				best, found = d, true
			}
		}
		if !found {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(newDecimalUD(L, best))
		return 1
	}
}

func minMaxIntFn(members []grid.View, tables []*lua.LTable, wantMin bool) lua.LGFunction {
	return func(L *lua.LState) int {
		col := L.CheckString(1)
		fn := L.CheckFunction(2)
		var best int64
		found := false
		for i, t := range tables {
			if !callPredicate(L, fn, t) {
				continue
			}
			v, err := members[i].Field(col)
			if err != nil || v.Blank {
				continue
			}
			n := v.Int()
			if !found || (wantMin && n < best) || (!wantMin && n > best) {
				best, found = n, true
			}
		}
		if !found {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(lua.LNumber(best))
		return 1
	}
}

func callPredicate(L *lua.LState, fn *lua.LFunction, arg lua.LValue) bool {
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, arg); err != nil {
		return false
	}
	ret := L.Get(-1)
	L.Pop(1)
	b, ok := ret.(lua.LBool)
	return ok && bool(b)
}
