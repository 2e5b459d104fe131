package protocol

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func scalarPlan(t BaseScalarType) *Plan {
	return &Plan{tag: DescBaseScalar, base: t}
}

func TestEncodeArgsDecodeRowPositionalRoundTrip(t *testing.T) {
	plan := &Plan{
		tag: DescTuple,
		fields: []planField{
			{plan: scalarPlan(ScalarStr)},
			{plan: scalarPlan(ScalarInt32)},
			{plan: scalarPlan(ScalarBool)},
		},
	}

	payload, err := EncodeArgs(plan, []any{"hello", int32(42), true})
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}

	got, err := DecodeRow(plan, payload)
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}
	want := []any{"hello", int32(42), true}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DecodeRow = %#v, want %#v", got, want)
	}
}

func TestEncodeArgsNamedRoundTrip(t *testing.T) {
	plan := &Plan{
		tag: DescInputShape,
		fields: []planField{
			{name: "name", plan: scalarPlan(ScalarStr)},
			{name: "age", plan: scalarPlan(ScalarInt32), optional: true},
		},
	}

	payload, err := EncodeArgs(plan, map[string]any{"name": "alice"})
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}

	got, err := DecodeRow(&Plan{tag: DescNamedTuple, version: ProtocolVersion{1, 0}, fields: plan.fields}, payload)
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}
	obj, ok := got.(*Object)
	if !ok {
		t.Fatalf("DecodeRow returned %T, want *Object", got)
	}
	name, ok := obj.Get("name")
	if !ok || name != "alice" {
		t.Fatalf("name = %v, %v; want alice, true", name, ok)
	}
	age, ok := obj.Get("age")
	if !ok || age != nil {
		t.Fatalf("age = %v, %v; want nil, true", age, ok)
	}
}

func TestEncodeArgsMissingRequiredNamedArgument(t *testing.T) {
	plan := &Plan{
		tag: DescInputShape,
		fields: []planField{
			{name: "id", plan: scalarPlan(ScalarInt64)},
		},
	}
	if _, err := EncodeArgs(plan, map[string]any{}); err == nil {
		t.Fatal("expected an error for a missing required named argument")
	}
}

func TestEncodeArgsArityMismatch(t *testing.T) {
	plan := &Plan{
		tag:    DescTuple,
		fields: []planField{{plan: scalarPlan(ScalarInt32)}, {plan: scalarPlan(ScalarInt32)}},
	}
	if _, err := EncodeArgs(plan, []any{int32(1)}); err == nil {
		t.Fatal("expected an arity mismatch error")
	}
}

func TestDecodeRowArrayOfStrings(t *testing.T) {
	arrayPlan := &Plan{tag: DescArray, elem: scalarPlan(ScalarStr)}
	tuplePlan := &Plan{tag: DescTuple, fields: []planField{{plan: arrayPlan}}}

	payload, err := EncodeArgs(tuplePlan, []any{[]any{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	got, err := DecodeRow(tuplePlan, payload)
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}
	want := []any{[]any{"a", "b", "c"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DecodeRow = %#v, want %#v", got, want)
	}
}

func TestDecodeRowNestedTuple(t *testing.T) {
	inner := &Plan{tag: DescTuple, fields: []planField{
		{plan: scalarPlan(ScalarInt32)},
		{plan: scalarPlan(ScalarInt32)},
	}}
	outer := &Plan{tag: DescTuple, fields: []planField{
		{plan: scalarPlan(ScalarStr)},
		{plan: inner},
	}}

	payload, err := EncodeArgs(outer, []any{"point", []any{int32(3), int32(4)}})
	if err != nil {
		t.Fatalf("EncodeArgs: %v", err)
	}
	got, err := DecodeRow(outer, payload)
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}
	want := []any{"point", []any{int32(3), int32(4)}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("DecodeRow = %#v, want %#v", got, want)
	}
}

func TestDecodeRowObjectRejectsNullRequiredField(t *testing.T) {
	plan := &Plan{tag: DescObjectShape, version: ProtocolVersion{1, 0}, fields: []planField{
		{name: "id", plan: scalarPlan(ScalarInt64), optional: false},
	}}
	e := NewEncoder(nil)
	e.Uint32(1)
	e.Int32(0)
	e.Int32(-1) // null
	if _, err := DecodeRow(plan, e.Bytes()); err == nil {
		t.Fatal("expected an error decoding a null required field")
	}
}

func TestDecodeRowEnumeration(t *testing.T) {
	plan := &Plan{tag: DescEnumeration, enum: []string{"red", "green", "blue"}}
	got, err := DecodeRow(plan, []byte("green"))
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}
	if got != "green" {
		t.Fatalf("DecodeRow = %v, want green", got)
	}
	if _, err := DecodeRow(plan, []byte("purple")); err == nil {
		t.Fatal("expected an error for an unknown enum label")
	}
}

func TestDecodeRowNilRawIsNil(t *testing.T) {
	plan := scalarPlan(ScalarStr)
	got, err := DecodeRow(plan, nil)
	if err != nil {
		t.Fatalf("DecodeRow: %v", err)
	}
	if got != nil {
		t.Fatalf("DecodeRow(nil) = %v, want nil", got)
	}
}

func TestEncodeArgsVoidPlanReturnsNil(t *testing.T) {
	payload, err := EncodeArgs(nil, nil)
	if err != nil {
		t.Fatalf("EncodeArgs(nil, nil): %v", err)
	}
	if payload != nil {
		t.Fatalf("payload = %v, want nil", payload)
	}
}

func TestBuildPlanFromDescriptorSet(t *testing.T) {
	e := NewEncoder(nil)
	encodeBaseScalarEntry(e, baseScalarIDs[ScalarStr]) // pos 0
	encodeArrayEntry(e, uuid.New(), 0)                 // pos 1: array<str>

	set, err := ParseDescriptorSet(e.Bytes(), true)
	if err != nil {
		t.Fatalf("ParseDescriptorSet: %v", err)
	}
	plan, err := BuildPlan(set, 1, ProtocolVersion{})
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	if plan.tag != DescArray {
		t.Fatalf("plan.tag = %v, want DescArray", plan.tag)
	}
	if plan.elem == nil || plan.elem.tag != DescBaseScalar || plan.elem.base != ScalarStr {
		t.Fatalf("plan.elem = %+v, want a str base scalar plan", plan.elem)
	}
}

func TestBuildPlanOutOfRangePosition(t *testing.T) {
	set := &DescriptorSet{}
	if _, err := BuildPlan(set, 0, ProtocolVersion{}); err == nil {
		t.Fatal("expected an out-of-range error")
	}
}
