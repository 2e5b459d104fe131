package protocol

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-sql/civil"
)

// edgeDBEpoch is the wire protocol's zero point for datetime/local_date
// scalars (spec.md §4.3).
var edgeDBEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Duration is a microsecond-resolution interval with no day/month
// component, matching the wire format's duration scalar (spec.md §4.3:
// "i64 microseconds, i32 days=0, i32 months=0").
type Duration time.Duration

// RelativeDuration additionally carries calendar days/months that cannot
// be collapsed to a fixed duration (spec.md §4.3).
type RelativeDuration struct {
	Microseconds int64
	Days         int32
	Months       int32
}

// Decimal is an arbitrary-precision base-10 number represented the way
// the wire does: a sign, a weight (power-of-10000 position of the first
// digit group), and base-10000 digit groups, plus a display scale
// (spec.md §4.3). This mirrors the teacher's Decoder.Decimal(), which
// assembles a big.Int mantissa from a packed wire format, adapted from
// HANA's base-256 packed BCD to the base-10000 digit-group format used
// here.
type Decimal struct {
	Negative bool
	Weight   int16
	Scale    uint16
	Digits   []uint16
}

// String renders the decimal in plain notation.
func (d Decimal) String() string {
	if len(d.Digits) == 0 {
		return "0"
	}
	intDigits := int(d.Weight) + 1
	var out []byte
	if d.Negative {
		out = append(out, '-')
	}
	if intDigits <= 0 {
		// every digit group falls in the fraction; the integer part is
		// "0" and there are -intDigits all-zero groups before the first
		// real one.
		out = append(out, '0', '.')
		for i := 0; i < -intDigits; i++ {
			out = append(out, "0000"...)
		}
		for _, grp := range d.Digits {
			out = append(out, fmt.Sprintf("%04d", grp)...)
		}
		return string(out)
	}
	for i, grp := range d.Digits {
		if i == intDigits {
			out = append(out, '.')
		}
		s := fmt.Sprintf("%04d", grp)
		if i == 0 {
			s = fmt.Sprintf("%d", grp)
		}
		out = append(out, s...)
	}
	// integer digit groups past the last stored one are implicit zeros
	for i := len(d.Digits); i < intDigits; i++ {
		out = append(out, "0000"...)
	}
	return string(out)
}

// DecodeDecimal reads the `u16 ndigits, i16 weight, u16 sign, u16 dscale,
// u16 digits[ndigits]` wire format (spec.md §4.3).
func DecodeDecimal(d *Decoder) Decimal {
	ndigits := d.Uint16()
	weight := d.Int16()
	sign := d.Uint16()
	scale := d.Uint16()
	digits := make([]uint16, ndigits)
	for i := range digits {
		digits[i] = d.Uint16()
	}
	return Decimal{Negative: sign == 0x4000, Weight: weight, Scale: scale, Digits: digits}
}

// Encode writes the decimal back in wire format.
func (d Decimal) Encode(e *Encoder) {
	e.Uint16(uint16(len(d.Digits)))
	e.Int16(d.Weight)
	if d.Negative {
		e.Uint16(0x4000)
	} else {
		e.Uint16(0x0000)
	}
	e.Uint16(d.Scale)
	for _, g := range d.Digits {
		e.Uint16(g)
	}
}

// DecodeBigInt reads the same header as Decimal with Scale forced to 0
// (spec.md §4.3: "bigint: same header as decimal with dscale == 0") and
// assembles a math/big.Int.
func DecodeBigInt(d *Decoder) *big.Int {
	dec := DecodeDecimal(d)
	result := new(big.Int)
	base := big.NewInt(10000)
	for _, g := range dec.Digits {
		result.Mul(result, base)
		result.Add(result, big.NewInt(int64(g)))
	}
	// trailing zero groups omitted on the wire are implied by the weight
	for i := len(dec.Digits); i < int(dec.Weight)+1; i++ {
		result.Mul(result, base)
	}
	if dec.Negative {
		result.Neg(result)
	}
	return result
}

// EncodeBigInt writes v back in the decimal-shaped bigint wire format.
func EncodeBigInt(e *Encoder, v *big.Int) {
	neg := v.Sign() < 0
	abs := new(big.Int).Abs(v)
	base := big.NewInt(10000)
	var groups []uint16
	zero := big.NewInt(0)
	rem := new(big.Int)
	for abs.Cmp(zero) != 0 {
		abs.DivMod(abs, base, rem)
		groups = append([]uint16{uint16(rem.Int64())}, groups...)
	}
	if len(groups) == 0 {
		groups = []uint16{0}
	}
	dec := Decimal{Negative: neg, Weight: int16(len(groups) - 1), Scale: 0, Digits: groups}
	dec.Encode(e)
}

// DecodeDateTime reads an absolute timestamp: i64 microseconds since
// 2000-01-01T00:00:00Z (spec.md §4.3).
func DecodeDateTime(d *Decoder) time.Time {
	us := d.Int64()
	return edgeDBEpoch.Add(time.Duration(us) * time.Microsecond)
}

// EncodeDateTime writes t back as microseconds since the epoch.
func EncodeDateTime(e *Encoder, t time.Time) {
	e.Int64(t.UTC().Sub(edgeDBEpoch).Microseconds())
}

// DecodeLocalDate reads `i32 days since 2000-01-01` (spec.md §4.3) into a
// time-zone-less civil.Date.
func DecodeLocalDate(d *Decoder) civil.Date {
	days := d.Int32()
	t := edgeDBEpoch.AddDate(0, 0, int(days))
	return civil.DateOf(t)
}

// EncodeLocalDate writes v back as days since the epoch.
func EncodeLocalDate(e *Encoder, v civil.Date) {
	t := v.In(time.UTC)
	days := int32(t.Sub(edgeDBEpoch).Hours() / 24)
	e.Int32(days)
}

// DecodeLocalTime reads `i64 microseconds since midnight` (spec.md §4.3)
// into a time-zone-less civil.Time.
func DecodeLocalTime(d *Decoder) civil.Time {
	us := d.Int64()
	return civil.TimeOf(time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(us) * time.Microsecond))
}

// EncodeLocalTime writes v back as microseconds since midnight.
func EncodeLocalTime(e *Encoder, v civil.Time) {
	midnight := time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC)
	t := time.Date(0, 1, 1, v.Hour, v.Minute, v.Second, v.Nanosecond, time.UTC)
	e.Int64(t.Sub(midnight).Microseconds())
}

// DecodeLocalDateTime combines a local date and local time with no zone.
func DecodeLocalDateTime(d *Decoder) civil.DateTime {
	us := d.Int64()
	t := edgeDBEpoch.Add(time.Duration(us) * time.Microsecond)
	return civil.DateTimeOf(t)
}

// EncodeLocalDateTime writes v back as microseconds since the epoch,
// treating its fields as UTC wall-clock values.
func EncodeLocalDateTime(e *Encoder, v civil.DateTime) {
	t := time.Date(v.Date.Year, v.Date.Month, v.Date.Day, v.Time.Hour, v.Time.Minute, v.Time.Second, v.Time.Nanosecond, time.UTC)
	e.Int64(t.Sub(edgeDBEpoch).Microseconds())
}

// DecodeDuration reads `i64 microseconds, i32 days=0, i32 months=0`
// (spec.md §4.3).
func DecodeDuration(d *Decoder) Duration {
	us := d.Int64()
	d.Skip(4) // days, always 0 for a fixed duration
	d.Skip(4) // months, always 0
	return Duration(time.Duration(us) * time.Microsecond)
}

// EncodeDuration writes v back with zeroed days/months.
func EncodeDuration(e *Encoder, v Duration) {
	e.Int64(time.Duration(v).Microseconds())
	e.Int32(0)
	e.Int32(0)
}

// DecodeRelativeDuration reads `i64 microseconds, i32 days, i32 months`.
func DecodeRelativeDuration(d *Decoder) RelativeDuration {
	return RelativeDuration{Microseconds: d.Int64(), Days: d.Int32(), Months: d.Int32()}
}

// EncodeRelativeDuration writes v back in the same layout.
func EncodeRelativeDuration(e *Encoder, v RelativeDuration) {
	e.Int64(v.Microseconds)
	e.Int32(v.Days)
	e.Int32(v.Months)
}

// DecodeJSON strips the leading format byte (always 1, per spec.md §4.3
// scenario 5) and returns the remaining JSON text verbatim.
func DecodeJSON(d *Decoder) (json.RawMessage, error) {
	format := d.Byte()
	if format != 1 {
		return nil, fmt.Errorf("%w: unsupported json format byte 0x%02x", ErrShapeMismatch, format)
	}
	raw := d.Bytes(d.Remaining())
	return json.RawMessage(append([]byte(nil), raw...)), d.Err()
}

// EncodeJSON writes the format byte followed by raw.
func EncodeJSON(e *Encoder, raw json.RawMessage) {
	e.Uint8(1)
	e.Bytes(raw)
}

// Vector is a fixed-precision float32 vector (ext: pgvector-style),
// wire format `u16 length, u16 reserved, f32 x length` big-endian
// (spec.md §4.3, scenario 4).
type Vector []float32

// DecodeVector reads a Vector.
func DecodeVector(d *Decoder) Vector {
	n := d.Uint16()
	d.Skip(2) // reserved
	v := make(Vector, n)
	for i := range v {
		v[i] = d.Float32()
	}
	return v
}

// EncodeVector writes v back.
func EncodeVector(e *Encoder, v Vector) {
	e.Uint16(uint16(len(v)))
	e.Uint16(0)
	for _, f := range v {
		e.Float32(f)
	}
}

// decodeBaseScalar dispatches a BaseScalarType to its wire decoder,
// returning an any holding the idiomatic Go representation described in
// spec.md §4.3.
func decodeBaseScalar(t BaseScalarType, raw []byte) (any, error) {
	d := NewDecoder(raw)
	var v any
	switch t {
	case ScalarUUID:
		v = d.UUID()
	case ScalarStr:
		v = string(raw)
	case ScalarBytes:
		v = append([]byte(nil), raw...)
	case ScalarInt16:
		v = d.Int16()
	case ScalarInt32:
		v = d.Int32()
	case ScalarInt64:
		v = d.Int64()
	case ScalarFloat32:
		v = d.Float32()
	case ScalarFloat64:
		v = d.Float64()
	case ScalarBool:
		v = d.Bool()
	case ScalarDateTime:
		v = DecodeDateTime(d)
	case ScalarLocalDateTime:
		v = DecodeLocalDateTime(d)
	case ScalarLocalDate:
		v = DecodeLocalDate(d)
	case ScalarLocalTime:
		v = DecodeLocalTime(d)
	case ScalarDuration:
		v = DecodeDuration(d)
	case ScalarRelativeDuration:
		v = DecodeRelativeDuration(d)
	case ScalarBigInt:
		v = DecodeBigInt(d)
	case ScalarDecimal:
		v = DecodeDecimal(d)
	case ScalarJSON:
		js, err := DecodeJSON(d)
		if err != nil {
			return nil, err
		}
		v = js
	case ScalarMemory:
		v = Memory(d.Int64())
	case ScalarVector:
		v = DecodeVector(d)
	default:
		return nil, fmt.Errorf("%w: base scalar %d", ErrShapeMismatch, t)
	}
	return v, d.Err()
}
