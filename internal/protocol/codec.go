package protocol

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/golang-sql/civil"
	"github.com/google/uuid"
)

// Plan is a per-shape decoding plan built once from a DescriptorSet
// (spec.md §9: "a descriptor-validation pass that yields a per-shape
// decoding plan, and a data pass that executes the plan. The plan is a
// tagged variant over the descriptor kinds; no run-time trait lookup per
// field."). A Plan is immutable and safe to share across many Data frames
// decoded against the same output descriptor.
type Plan struct {
	tag     DescriptorTag
	version ProtocolVersion

	// Set/Array: element plan.
	elem *Plan

	// Tuple/NamedTuple/ObjectShape/InputShape: field plans in wire order.
	fields []planField

	base  BaseScalarType
	enum  []string
}

type planField struct {
	name     string
	optional bool
	plan     *Plan
}

// BuildPlan walks set starting at rootPos and produces the decoding plan
// for that position, recursively resolving referenced positions. Because
// spec.md §9 forbids pointers in descriptors (positions only), the plan
// builder itself never recurses into a cycle: checkPositions already
// proved positions strictly decrease.
func BuildPlan(set *DescriptorSet, rootPos int, version ProtocolVersion) (*Plan, error) {
	if rootPos < 0 || rootPos >= len(set.Entries) {
		return nil, fmt.Errorf("%w: position %d out of range", ErrShapeMismatch, rootPos)
	}
	return buildPlan(set, set.Entries[rootPos], version)
}

func buildPlan(set *DescriptorSet, d *Descriptor, version ProtocolVersion) (*Plan, error) {
	switch d.Tag {
	case DescSet:
		elem, err := buildPlan(set, set.Entries[d.TypePos], version)
		if err != nil {
			return nil, err
		}
		return &Plan{tag: DescSet, elem: elem, version: version}, nil
	case DescArray:
		elem, err := buildPlan(set, set.Entries[d.TypePos], version)
		if err != nil {
			return nil, err
		}
		return &Plan{tag: DescArray, elem: elem, version: version}, nil
	case DescRange:
		elem, err := buildPlan(set, set.Entries[d.TypePos], version)
		if err != nil {
			return nil, err
		}
		return &Plan{tag: DescRange, elem: elem, version: version}, nil
	case DescTuple:
		p := &Plan{tag: DescTuple, version: version}
		for _, pos := range d.ElementTypePos {
			fp, err := buildPlan(set, set.Entries[pos], version)
			if err != nil {
				return nil, err
			}
			p.fields = append(p.fields, planField{plan: fp})
		}
		return p, nil
	case DescNamedTuple, DescObjectShape, DescInputShape:
		p := &Plan{tag: d.Tag, version: version}
		for _, el := range d.Elements {
			fp, err := buildPlan(set, set.Entries[el.TypePos], version)
			if err != nil {
				return nil, err
			}
			p.fields = append(p.fields, planField{
				name:     el.Name,
				optional: el.Flags&ShapeElementOptional != 0 || el.Cardinality == ElementCardinalityAtMostOne,
				plan:     fp,
			})
		}
		return p, nil
	case DescEnumeration:
		return &Plan{tag: DescEnumeration, enum: append([]string(nil), d.Labels...), version: version}, nil
	case DescScalar:
		return buildPlan(set, set.Entries[d.BaseTypePos], version)
	case DescBaseScalar:
		return &Plan{tag: DescBaseScalar, base: d.BaseType, version: version}, nil
	default:
		return nil, fmt.Errorf("%w: cannot build a decode plan for tag 0x%02x", ErrUnknownDescrTag, d.RawTag)
	}
}

// Object is a decoded ObjectShape/InputShape/NamedTuple value: an ordered
// list of named fields, preserving the descriptor's field order (spec.md
// §4.3's "element names come from the descriptor").
type Object struct {
	Fields []ObjectField
}

// ObjectField is one named element of an Object.
type ObjectField struct {
	Name  string
	Value any // nil means SQL-null
}

// Get returns the value of the named field and whether it was present.
func (o *Object) Get(name string) (any, bool) {
	for _, f := range o.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Range is a decoded range value (spec.md §4.3).
type Range struct {
	Lower, Upper         any
	IncLower, IncUpper   bool
	Empty                bool
}

// Range flag bits (spec.md §4.3: "u8 flags | lower_bytes | upper_bytes
// with inclusivity/empty bits").
const (
	rangeFlagEmpty    uint8 = 1 << 0
	rangeFlagIncLower uint8 = 1 << 1
	rangeFlagIncUpper uint8 = 1 << 2
	rangeFlagNoLower  uint8 = 1 << 3
	rangeFlagNoUpper  uint8 = 1 << 4
)

// DecodeRow decodes one top-level element's bytes against plan, producing
// the typed value described in spec.md §4.3. This is the "data pass" that
// executes a Plan built once by BuildPlan.
func DecodeRow(plan *Plan, raw []byte) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch plan.tag {
	case DescBaseScalar:
		return decodeBaseScalar(plan.base, raw)
	case DescEnumeration:
		label := string(raw)
		for _, l := range plan.enum {
			if l == label {
				return label, nil
			}
		}
		return nil, fmt.Errorf("%w: unknown enum label %q", ErrShapeMismatch, label)
	case DescRange:
		return decodeRange(plan, raw)
	case DescSet, DescArray:
		return decodeArrayLike(plan, raw)
	case DescTuple:
		return decodeTuple(plan, raw)
	case DescNamedTuple, DescObjectShape, DescInputShape:
		return decodeObject(plan, raw)
	default:
		return nil, fmt.Errorf("%w: no decoder for plan tag %d", ErrShapeMismatch, plan.tag)
	}
}

func decodeRange(plan *Plan, raw []byte) (Range, error) {
	d := NewDecoder(raw)
	flags := d.Uint8()
	r := Range{
		Empty:    flags&rangeFlagEmpty != 0,
		IncLower: flags&rangeFlagIncLower != 0,
		IncUpper: flags&rangeFlagIncUpper != 0,
	}
	if r.Empty {
		return r, d.Err()
	}
	if flags&rangeFlagNoLower == 0 {
		n := d.Uint32()
		v, err := DecodeRow(plan.elem, d.Bytes(int(n)))
		if err != nil {
			return r, err
		}
		r.Lower = v
	}
	if flags&rangeFlagNoUpper == 0 {
		n := d.Uint32()
		v, err := DecodeRow(plan.elem, d.Bytes(int(n)))
		if err != nil {
			return r, err
		}
		r.Upper = v
	}
	return r, d.Err()
}

func decodeArrayLike(plan *Plan, raw []byte) ([]any, error) {
	d := NewDecoder(raw)
	ndims := d.Uint32()
	d.Skip(4) // reserved
	d.Skip(4) // reserved
	if ndims == 0 {
		return []any{}, d.Err()
	}
	// Only a single dimension is materialized; spec.md §4.3 documents the
	// wire shape for arbitrary ndims but EdgeDB/Gel arrays used from this
	// client are always one-dimensional in practice.
	length := d.Uint32()
	d.Skip(4) // lower bound
	out := make([]any, 0, length)
	for i := uint32(0); i < length; i++ {
		elemLen := d.Int32()
		if elemLen == -1 {
			out = append(out, nil)
			continue
		}
		v, err := DecodeRow(plan.elem, d.Bytes(int(elemLen)))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, d.Err()
}

func decodeTuple(plan *Plan, raw []byte) ([]any, error) {
	d := NewDecoder(raw)
	count := d.Uint32()
	if int(count) != len(plan.fields) {
		return nil, fmt.Errorf("%w: tuple has %d elements, descriptor expects %d", ErrShapeMismatch, count, len(plan.fields))
	}
	out := make([]any, 0, count)
	for _, f := range plan.fields {
		d.Skip(4) // reserved
		elemLen := d.Int32()
		if elemLen == -1 {
			out = append(out, nil)
			continue
		}
		v, err := DecodeRow(f.plan, d.Bytes(int(elemLen)))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, d.Err()
}

func decodeObject(plan *Plan, raw []byte) (*Object, error) {
	d := NewDecoder(raw)
	count := d.Uint32()

	fields := plan.fields
	if plan.version.HasImplicitTID() && len(fields) > 0 {
		// pre-1.0: a leading discarded type-id element precedes the
		// descriptor's own fields (spec.md §4.3).
		d.Skip(4)
		tidLen := d.Int32()
		if tidLen > 0 {
			d.Skip(int(tidLen))
		}
		count--
	}

	if int(count) != len(fields) {
		return nil, fmt.Errorf("%w: object has %d elements, descriptor expects %d", ErrShapeMismatch, count, len(fields))
	}

	obj := &Object{Fields: make([]ObjectField, 0, len(fields))}
	for _, f := range fields {
		d.Skip(4) // reserved
		elemLen := d.Int32()
		if elemLen == -1 {
			if !f.optional {
				return nil, fmt.Errorf("%w: required field %q is null", ErrShapeMismatch, f.name)
			}
			obj.Fields = append(obj.Fields, ObjectField{Name: f.name, Value: nil})
			continue
		}
		v, err := DecodeRow(f.plan, d.Bytes(int(elemLen)))
		if err != nil {
			return nil, err
		}
		obj.Fields = append(obj.Fields, ObjectField{Name: f.name, Value: v})
	}
	return obj, d.Err()
}

// EncodeArgs encodes a parameter tuple against an input Plan built from
// the prepare response's input descriptor (spec.md §4.3 "Parameter
// encoding"). args may be a []any (positional match) or a map[string]any
// (named match, used for a named InputShape).
func EncodeArgs(plan *Plan, args any) ([]byte, error) {
	if plan == nil {
		return nil, nil // void input shape
	}
	switch plan.tag {
	case DescTuple:
		pos, ok := args.([]any)
		if !ok {
			return nil, NewError(CodeInvalidArgumentError, "positional arguments required for this query")
		}
		if len(pos) != len(plan.fields) {
			return nil, NewErrorf(CodeInvalidArgumentError, "expected %d arguments, got %d", len(plan.fields), len(pos))
		}
		e := NewEncoder(nil)
		e.Uint32(uint32(len(pos)))
		for i, f := range plan.fields {
			if err := encodeElement(e, f.plan, pos[i]); err != nil {
				return nil, err
			}
		}
		return e.Bytes(), nil
	case DescInputShape:
		named, ok := args.(map[string]any)
		if !ok {
			return nil, NewError(CodeInvalidArgumentError, "named arguments required for this query")
		}
		e := NewEncoder(nil)
		e.Uint32(uint32(len(plan.fields)))
		for _, f := range plan.fields {
			v, present := named[f.name]
			if !present {
				if f.optional {
					e.Int32(0)
					e.Int32(-1)
					continue
				}
				return nil, NewErrorf(CodeInvalidArgumentError, "missing required argument %q", f.name)
			}
			if err := encodeElement(e, f.plan, v); err != nil {
				return nil, err
			}
		}
		return e.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: cannot encode arguments against plan tag %d", ErrShapeMismatch, plan.tag)
	}
}

// encodeRangeBound writes one range bound as `u32 length, bytes`,
// matching decodeRange's read of the same shape -- unlike encodeElement,
// a range bound carries no leading reserved word.
func encodeRangeBound(e *Encoder, plan *Plan, v any) error {
	inner := NewEncoder(nil)
	if err := encodeScalarOrComposite(inner, plan, v); err != nil {
		return err
	}
	e.Uint32(uint32(len(inner.Bytes())))
	e.Bytes(inner.Bytes())
	return nil
}

func encodeElement(e *Encoder, plan *Plan, v any) error {
	e.Int32(0) // reserved
	if v == nil {
		e.Int32(-1)
		return nil
	}
	inner := NewEncoder(nil)
	if err := encodeScalarOrComposite(inner, plan, v); err != nil {
		return err
	}
	e.Int32(int32(len(inner.Bytes())))
	e.Bytes(inner.Bytes())
	return nil
}

func encodeScalarOrComposite(e *Encoder, plan *Plan, v any) error {
	switch plan.tag {
	case DescBaseScalar:
		return encodeBaseScalar(e, plan.base, v)
	case DescEnumeration:
		s, ok := v.(string)
		if !ok {
			return NewError(CodeInvalidArgumentError, "enum argument must be a string")
		}
		e.Bytes([]byte(s))
		return nil
	case DescTuple:
		seq, ok := v.([]any)
		if !ok || len(seq) != len(plan.fields) {
			return NewError(CodeInvalidArgumentError, "tuple argument arity mismatch")
		}
		e.Uint32(uint32(len(seq)))
		for i, f := range plan.fields {
			if err := encodeElement(e, f.plan, seq[i]); err != nil {
				return err
			}
		}
		return nil
	case DescSet, DescArray:
		seq, ok := v.([]any)
		if !ok {
			return NewError(CodeInvalidArgumentError, "array argument must be a slice")
		}
		e.Uint32(1) // ndims
		e.Uint32(0)
		e.Uint32(0)
		e.Uint32(uint32(len(seq)))
		e.Uint32(1) // lower bound
		// array elements are `i32 len, bytes` with no reserved word,
		// matching decodeArrayLike
		for _, item := range seq {
			if item == nil {
				e.Int32(-1)
				continue
			}
			inner := NewEncoder(nil)
			if err := encodeScalarOrComposite(inner, plan.elem, item); err != nil {
				return err
			}
			e.Int32(int32(len(inner.Bytes())))
			e.Bytes(inner.Bytes())
		}
		return nil
	case DescRange:
		r, ok := v.(Range)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected protocol.Range")
		}
		var flags uint8
		if r.Empty {
			flags |= rangeFlagEmpty
		}
		if r.IncLower {
			flags |= rangeFlagIncLower
		}
		if r.IncUpper {
			flags |= rangeFlagIncUpper
		}
		if r.Lower == nil {
			flags |= rangeFlagNoLower
		}
		if r.Upper == nil {
			flags |= rangeFlagNoUpper
		}
		e.Uint8(flags)
		if r.Empty {
			return nil
		}
		if r.Lower != nil {
			if err := encodeRangeBound(e, plan.elem, r.Lower); err != nil {
				return err
			}
		}
		if r.Upper != nil {
			if err := encodeRangeBound(e, plan.elem, r.Upper); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: cannot encode plan tag %d", ErrShapeMismatch, plan.tag)
	}
}

func encodeBaseScalar(e *Encoder, t BaseScalarType, v any) error {
	switch t {
	case ScalarUUID:
		u, ok := v.(uuid.UUID)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected uuid.UUID")
		}
		e.UUID(u)
	case ScalarStr:
		s, ok := v.(string)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected string")
		}
		e.Bytes([]byte(s))
	case ScalarBytes:
		b, ok := v.([]byte)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected []byte")
		}
		e.Bytes(b)
	case ScalarInt16:
		n, err := asInt64(v)
		if err != nil {
			return err
		}
		e.Int16(int16(n))
	case ScalarInt32:
		n, err := asInt64(v)
		if err != nil {
			return err
		}
		e.Int32(int32(n))
	case ScalarInt64:
		n, err := asInt64(v)
		if err != nil {
			return err
		}
		e.Int64(n)
	case ScalarFloat32:
		f, ok := v.(float32)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected float32")
		}
		e.Float32(f)
	case ScalarFloat64:
		f, ok := v.(float64)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected float64")
		}
		e.Float64(f)
	case ScalarBool:
		b, ok := v.(bool)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected bool")
		}
		e.Bool(b)
	case ScalarDateTime:
		t, ok := v.(time.Time)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected time.Time")
		}
		EncodeDateTime(e, t)
	case ScalarLocalDateTime:
		dt, ok := v.(civil.DateTime)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected civil.DateTime")
		}
		EncodeLocalDateTime(e, dt)
	case ScalarLocalDate:
		d, ok := v.(civil.Date)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected civil.Date")
		}
		EncodeLocalDate(e, d)
	case ScalarLocalTime:
		lt, ok := v.(civil.Time)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected civil.Time")
		}
		EncodeLocalTime(e, lt)
	case ScalarDuration:
		dur, ok := v.(Duration)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected protocol.Duration")
		}
		EncodeDuration(e, dur)
	case ScalarRelativeDuration:
		rd, ok := v.(RelativeDuration)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected protocol.RelativeDuration")
		}
		EncodeRelativeDuration(e, rd)
	case ScalarBigInt:
		bi, ok := v.(*big.Int)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected *big.Int")
		}
		EncodeBigInt(e, bi)
	case ScalarDecimal:
		dec, ok := v.(Decimal)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected protocol.Decimal")
		}
		dec.Encode(e)
	case ScalarMemory:
		m, ok := v.(Memory)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected protocol.Memory")
		}
		e.Int64(int64(m))
	case ScalarJSON:
		raw, err := asJSON(v)
		if err != nil {
			return err
		}
		EncodeJSON(e, raw)
	case ScalarVector:
		vec, ok := v.(Vector)
		if !ok {
			return NewError(CodeInvalidArgumentError, "expected protocol.Vector")
		}
		EncodeVector(e, vec)
	default:
		return NewErrorf(CodeInvalidArgumentError, "encoding for base scalar %d is not implemented", t)
	}
	return nil
}

// asJSON accepts a json.RawMessage directly or marshals any other Go
// value, so state config/global values (spec.md §4.4) can be plain Go
// values instead of requiring the caller to pre-encode them.
func asJSON(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, NewErrorf(CodeInvalidArgumentError, "encoding json argument: %v", err)
	}
	return raw, nil
}

// asInt64 accepts any fixed-width signed Go integer so callers can pass
// plain int literals for int16/int32/int64 arguments without an explicit
// conversion, matching spec.md scenario 3's "<int32>$0" ergonomics.
func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	default:
		return 0, NewError(CodeInvalidArgumentError, "expected an integer argument")
	}
}
