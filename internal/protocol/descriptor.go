package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// DescriptorTag identifies the kind of a Descriptor entry (spec.md §3, §4.3).
type DescriptorTag byte

// Descriptor tags. Values are this client's own numbering (the wire only
// ever needs internal consistency within one DescriptorSet); the set of
// kinds matches spec.md §3's tagged variant exactly.
const (
	DescSet DescriptorTag = iota
	DescObjectShape
	DescBaseScalar
	DescTuple
	DescNamedTuple
	DescArray
	DescEnumeration
	DescInputShape
	DescRange
	DescScalar // a named scalar that wraps a BaseScalar, e.g. a custom enum's base
	descUnknown = 0xFF
)

// ShapeElementFlag bits on an ObjectShape/InputShape element.
type ShapeElementFlag uint8

// Flags on an ObjectShape/InputShape element.
const (
	ShapeElementImplicit ShapeElementFlag = 1 << iota
	ShapeElementLinkProp
	ShapeElementLink
	ShapeElementOptional
)

// ShapeElementCardinality mirrors spec.md's Cardinality but scoped to a
// single shape element (e.g. a link that may be empty).
type ShapeElementCardinality uint8

// Element cardinalities.
const (
	ElementCardinalityNoResult ShapeElementCardinality = iota
	ElementCardinalityAtMostOne
	ElementCardinalityOne
	ElementCardinalityMany
	ElementCardinalityAtLeastOne
)

// ShapeElement is one named, positioned field of an ObjectShape/InputShape
// /NamedTuple descriptor.
type ShapeElement struct {
	Flags       ShapeElementFlag
	Cardinality ShapeElementCardinality
	Name        string
	TypePos     int
}

// Descriptor is one entry of a DescriptorSet: a tagged variant over the
// kinds in spec.md §3, addressed by position (not by pointer) so that
// cyclic/forward structures are impossible to express (spec.md §9).
type Descriptor struct {
	Tag DescriptorTag
	ID  uuid.UUID

	// Set / Array / Range: single referenced element type.
	TypePos int

	// ObjectShape / InputShape / NamedTuple: ordered fields.
	Elements []ShapeElement

	// Tuple: element type positions without names.
	ElementTypePos []int

	// BaseScalar: which built-in codec applies.
	BaseType BaseScalarType

	// Enumeration: ordered labels.
	Labels []string

	// Scalar: base type this named scalar wraps.
	BaseTypePos int

	// Unknown (lenient mode): raw bytes preserved for round-tripping.
	RawTag   byte
	RawBytes []byte
}

// BaseScalarType enumerates the base id set from spec.md §4.3.
type BaseScalarType uint8

// Base scalar types.
const (
	ScalarUUID BaseScalarType = iota
	ScalarStr
	ScalarBytes
	ScalarInt16
	ScalarInt32
	ScalarInt64
	ScalarFloat32
	ScalarFloat64
	ScalarBool
	ScalarDateTime
	ScalarLocalDateTime
	ScalarLocalDate
	ScalarLocalTime
	ScalarDuration
	ScalarRelativeDuration
	ScalarBigInt
	ScalarDecimal
	ScalarJSON
	ScalarMemory
	ScalarVector
)

// baseScalarUUIDs gives each base scalar a stable 16-byte type id so a
// DescriptorSet parsed in lenient mode can still recognize base scalars
// referenced only by id (no tag), matching how the real wire protocol
// identifies base scalars primarily by a canonical UUID.
var baseScalarUUIDs = map[uuid.UUID]BaseScalarType{}
var baseScalarIDs = map[BaseScalarType]uuid.UUID{}

func registerBaseScalar(id string, t BaseScalarType) {
	u := uuid.MustParse(id)
	baseScalarUUIDs[u] = t
	baseScalarIDs[t] = u
}

func init() {
	registerBaseScalar("00000000-0000-0000-0000-000000000100", ScalarUUID)
	registerBaseScalar("00000000-0000-0000-0000-000000000101", ScalarStr)
	registerBaseScalar("00000000-0000-0000-0000-000000000102", ScalarBytes)
	registerBaseScalar("00000000-0000-0000-0000-000000000103", ScalarInt16)
	registerBaseScalar("00000000-0000-0000-0000-000000000104", ScalarInt32)
	registerBaseScalar("00000000-0000-0000-0000-000000000105", ScalarInt64)
	registerBaseScalar("00000000-0000-0000-0000-000000000106", ScalarFloat32)
	registerBaseScalar("00000000-0000-0000-0000-000000000107", ScalarFloat64)
	registerBaseScalar("00000000-0000-0000-0000-000000000109", ScalarDecimal)
	registerBaseScalar("00000000-0000-0000-0000-00000000010A", ScalarBool)
	registerBaseScalar("00000000-0000-0000-0000-00000000010B", ScalarDateTime)
	registerBaseScalar("00000000-0000-0000-0000-00000000010C", ScalarLocalDateTime)
	registerBaseScalar("00000000-0000-0000-0000-00000000010D", ScalarLocalDate)
	registerBaseScalar("00000000-0000-0000-0000-00000000010E", ScalarLocalTime)
	registerBaseScalar("00000000-0000-0000-0000-00000000010F", ScalarDuration)
	registerBaseScalar("00000000-0000-0000-0000-000000000110", ScalarJSON)
	registerBaseScalar("00000000-0000-0000-0000-000000000111", ScalarBigInt)
	registerBaseScalar("00000000-0000-0000-0000-000000000112", ScalarRelativeDuration)
	registerBaseScalar("00000000-0000-0000-0000-000000000130", ScalarMemory)
	registerBaseScalar("00000000-0000-0000-0000-0000000001f0", ScalarVector)
}

// VoidTypeID is the all-zero id meaning "void" (spec.md §4.2).
var VoidTypeID uuid.UUID

// DescriptorSet is an ordered, position-addressed list of descriptors
// (spec.md §3). References inside a Descriptor refer to strictly earlier
// positions; ParseDescriptorSet enforces this.
type DescriptorSet struct {
	Entries []*Descriptor
}

// ByID returns the descriptor with the given id, if present.
func (s *DescriptorSet) ByID(id uuid.UUID) (*Descriptor, int, bool) {
	for i, d := range s.Entries {
		if d.ID == id {
			return d, i, true
		}
	}
	return nil, 0, false
}

// Root returns the last entry, which by construction is the top-level
// type of the set (producers append leaves first, root last).
func (s *DescriptorSet) Root() (*Descriptor, error) {
	if len(s.Entries) == 0 {
		return nil, fmt.Errorf("%w: empty descriptor set", ErrShapeMismatch)
	}
	return s.Entries[len(s.Entries)-1], nil
}

// ParseDescriptorSet walks raw bytes into a DescriptorSet. strict selects
// between rejecting unknown tags and decoding them as Unknown placeholders
// that round-trip byte-for-byte but can't be materialized (spec.md §4.3's
// strict/lenient distinction). Package conn parses input, output and
// state descriptor sets alike in strict mode.
func ParseDescriptorSet(raw []byte, strict bool) (*DescriptorSet, error) {
	d := NewDecoder(raw)
	set := &DescriptorSet{}
	pos := 0
	for d.Remaining() > 0 {
		entry, err := parseOne(d, pos, strict)
		if err != nil {
			return nil, err
		}
		if err := checkPositions(entry, pos); err != nil {
			return nil, err
		}
		set.Entries = append(set.Entries, entry)
		pos++
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

// checkPositions enforces spec.md §8's quantified invariant: every
// type_pos used inside a descriptor is strictly less than the
// descriptor's own position.
func checkPositions(entry *Descriptor, pos int) error {
	check := func(p int) error {
		if p >= pos {
			return fmt.Errorf("%w: position %d references %d", ErrDescriptorCycle, pos, p)
		}
		return nil
	}
	switch entry.Tag {
	case DescSet, DescArray, DescRange:
		if err := check(entry.TypePos); err != nil {
			return err
		}
	case DescScalar:
		if err := check(entry.BaseTypePos); err != nil {
			return err
		}
	case DescTuple:
		for _, p := range entry.ElementTypePos {
			if err := check(p); err != nil {
				return err
			}
		}
	case DescObjectShape, DescInputShape, DescNamedTuple:
		for _, el := range entry.Elements {
			if err := check(el.TypePos); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseOne(d *Decoder, pos int, strict bool) (*Descriptor, error) {
	tagByte := d.Byte()
	id := d.UUID()
	entry := &Descriptor{ID: id, RawTag: tagByte}

	switch DescriptorTag(tagByte) {
	case DescSet:
		entry.Tag = DescSet
		entry.TypePos = int(d.Uint16())
	case DescArray:
		entry.Tag = DescArray
		entry.TypePos = int(d.Uint16())
		ndims := d.Uint16()
		for i := uint16(0); i < ndims; i++ {
			d.Skip(4) // fixed dimension length, -1 if unbound
		}
	case DescRange:
		entry.Tag = DescRange
		entry.TypePos = int(d.Uint16())
	case DescTuple:
		entry.Tag = DescTuple
		n := d.Uint16()
		for i := uint16(0); i < n; i++ {
			entry.ElementTypePos = append(entry.ElementTypePos, int(d.Uint16()))
		}
	case DescNamedTuple, DescObjectShape, DescInputShape:
		entry.Tag = DescriptorTag(tagByte)
		n := d.Uint16()
		for i := uint16(0); i < n; i++ {
			el := ShapeElement{}
			el.Flags = ShapeElementFlag(d.Uint8())
			el.Cardinality = ShapeElementCardinality(d.Uint8())
			el.Name = d.String()
			el.TypePos = int(d.Uint16())
			entry.Elements = append(entry.Elements, el)
		}
	case DescEnumeration:
		entry.Tag = DescEnumeration
		n := d.Uint16()
		for i := uint16(0); i < n; i++ {
			entry.Labels = append(entry.Labels, d.String())
		}
	case DescScalar:
		entry.Tag = DescScalar
		entry.BaseTypePos = int(d.Uint16())
	case DescBaseScalar:
		entry.Tag = DescBaseScalar
		if t, ok := baseScalarUUIDs[id]; ok {
			entry.BaseType = t
		} else if strict {
			return nil, fmt.Errorf("%w: unrecognized base scalar id %s", ErrUnknownDescrTag, id)
		}
	default:
		if strict {
			return nil, fmt.Errorf("%w: tag 0x%02x at position %d", ErrUnknownDescrTag, tagByte, pos)
		}
		// Lenient: consume the rest of this entry as opaque bytes. Since
		// we don't know this tag's shape, we can only consume to the end
		// of the buffer, matching how a single flat blob of unknown
		// descriptors would be preserved by a caller that re-serializes
		// verbatim rather than continuing to parse siblings after it.
		entry.Tag = descUnknown
		entry.RawBytes = d.Bytes(d.Remaining())
	}
	return entry, d.Err()
}
