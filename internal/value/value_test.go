package value

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []struct {
		typ Type
		raw string
	}{
		{TypeBoolean, "true"},
		{TypeInteger, "42"},
		{TypeDecimal, "1050.99"},
		{TypeString, "INV0001"},
	}
	for _, c := range cases {
		v, err := Parse(c.typ, "col", c.raw)
		require.NoError(t, err)
		require.Equal(t, c.raw, v.String())
	}
}

func TestParseBlank(t *testing.T) {
	v, err := Parse(TypeDecimal, "AMOUNT", "")
	require.NoError(t, err)
	require.True(t, v.Blank)
	require.Equal(t, "", v.String())
}

func TestParseUnknownTypeRejected(t *testing.T) {
	_, err := Parse(TypeUnknown, "col", "x")
	require.Error(t, err)
}

func TestParseDataTypeError(t *testing.T) {
	_, err := Parse(TypeInteger, "QTY", "not-a-number")
	require.Error(t, err)
}

func TestDecimalMulPreservesScale(t *testing.T) {
	amount := decimal.RequireFromString("1000.00")
	rate := decimal.RequireFromString("0.75")
	got := MulDecimal(amount, rate)
	require.True(t, got.Equal(decimal.RequireFromString("750.00")))
	require.Equal(t, int32(-4), got.Exponent(), "scale of the product is the sum of the operands' scales")
}

func TestEqualWidensIntegerToDecimal(t *testing.T) {
	i, _ := Parse(TypeInteger, "x", "500")
	d, _ := Parse(TypeDecimal, "y", "500.00")
	require.True(t, i.Equal(d))
}

func TestAbsIsDecimalAware(t *testing.T) {
	neg, _ := Parse(TypeDecimal, "x", "-12.34")
	abs, err := Abs(neg)
	require.NoError(t, err)
	require.Equal(t, "12.34", abs.String())
}

func TestMidnightTruncates(t *testing.T) {
	dt, _ := Parse(TypeDatetime, "x", "2022-01-18T14:32:01.500Z")
	mid := Midnight(dt.Millis())
	v := NewDatetimeMillis(mid)
	require.Equal(t, "2022-01-18T00:00:00.000Z", v.String())
}

func TestNormalizeColumnName(t *testing.T) {
	require.Equal(t, "INV.Amount", NormalizeColumnName("INV", "Amount"))
	require.Equal(t, "Amount", NormalizeColumnName("", "Amount"))
	prefix, name := StripPrefix("INV.Amount")
	require.Equal(t, "INV", prefix)
	require.Equal(t, "Amount", name)
}
