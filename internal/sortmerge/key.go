package sortmerge

import (
	"encoding/binary"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/openrec/openrec/internal/grid"
	"github.com/openrec/openrec/internal/value"
)

// decimalKeyScale is the fixed number of fractional digits every decimal
// grouping-key component is rescaled to before encoding, so two decimals
// of different declared scale (e.g. "10" and "10.00") still produce
// identical key bytes.
const decimalKeyScale = 12

// EncodeKey composes the fixed-format, byte-comparable key: one
// self-delimiting segment per grouping column, concatenated
// in column order. bytes.Compare on two such keys implements ascending
// tuple order directly.
func EncodeKey(v grid.View, cols []string) ([]byte, error) {
	var out []byte
	for _, col := range cols {
		val, err := v.Field(col)
		if err != nil {
			return nil, err
		}
		out = append(out, encodeValue(val)...)
	}
	return out, nil
}

// encodeValue renders one cell. A leading 0x00 tag means blank/NULL, which
// sorts first, distinct from any present value of any type; 0x01
// prefixes every present value.
func encodeValue(v value.Value) []byte {
	if v.Blank {
		return []byte{0x00}
	}
	switch v.Type {
	case value.TypeBoolean:
		b := byte(0x00)
		if v.Bool() {
			b = 0x01
		}
		return append([]byte{0x01}, b)
	case value.TypeInteger:
		return append([]byte{0x01}, encodeInt64(v.Int())...)
	case value.TypeDatetime:
		return append([]byte{0x01}, encodeInt64(v.Millis())...)
	case value.TypeDecimal:
		return append([]byte{0x01}, encodeDecimal(v.Decimal())...)
	case value.TypeUuid:
		u := v.Uuid()
		return append([]byte{0x01}, u[:]...)
	case value.TypeString:
		return append([]byte{0x01}, encodeString(v.Text())...)
	default:
		return []byte{0x00}
	}
}

// encodeInt64 maps a signed int64 to an unsigned big-endian representation
// that preserves numeric order under byte comparison (flip the sign bit).
func encodeInt64(n int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(n)^(1<<63))
	return buf
}

// encodeDecimal renders d as a sign byte (0x00 negative, 0x01 non-negative)
// followed by a fixed-width 16-byte magnitude at decimalKeyScale fractional
// digits, magnitude bytes bit-complemented when negative so that a larger
// negative magnitude still sorts before a smaller one. StringFixed keeps
// trailing zeros, so every magnitude carries exactly decimalKeyScale
// fractional digits and byte comparison equals numeric comparison.
func encodeDecimal(d decimal.Decimal) []byte {
	digits, neg := digitsOf(d.StringFixed(decimalKeyScale))
	return encodeDecimalMagnitude(digits, neg)
}

func encodeString(s string) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(len(s)))
	return append(buf, []byte(s)...)
}

func encodeDecimalMagnitude(digits string, neg bool) []byte {
	mag := new(big.Int)
	mag.SetString(digits, 10)
	raw := mag.Bytes()
	buf := make([]byte, 16)
	if len(raw) > 16 {
		raw = raw[len(raw)-16:] // extreme-magnitude clamp; financial amounts never approach this
	}
	copy(buf[16-len(raw):], raw)
	if neg {
		for i := range buf {
			buf[i] = ^buf[i]
		}
		return append([]byte{0x00}, buf...)
	}
	return append([]byte{0x01}, buf...)
}

func digitsOf(s string) (digits string, neg bool) {
	neg = strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	return strings.ReplaceAll(s, ".", ""), neg
}
