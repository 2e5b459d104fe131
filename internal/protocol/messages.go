package protocol

// Client message tags (spec.md §6).
const (
	TagClientHandshake        byte = 'V'
	TagAuthenticationSASLInit byte = 'p'
	TagAuthenticationSASLResp byte = 'p'
	TagParse                  byte = 'P'
	TagExecute                byte = 'E'
	TagSync                   byte = 'S'
	TagTerminate              byte = 'X'
	TagDescribeStatement      byte = 'D' // pre-1.0
	TagExecuteScript          byte = 'Q' // pre-1.0
)

// Server message tags (spec.md §6).
const (
	TagServerHandshake        byte = 'v'
	TagAuthentication         byte = 'R'
	TagServerKeyData          byte = 'K'
	TagParameterStatus        byte = 'S'
	TagReadyForCommand        byte = 'Z'
	TagCommandDataDescription byte = 'T'
	TagStateDataDescription   byte = 's'
	TagData                   byte = 'D'
	TagCommandComplete        byte = 'C'
	TagErrorResponse          byte = 'E'
	TagLogMessage             byte = 'L'
)

// isServerDataTag reports whether tag is a message type that is allowed
// the larger frame size cap once a session is authenticated (spec.md
// §4.1). Data frames, and descriptions that can legitimately carry a
// large shape tree, qualify.
func isServerDataTag(tag byte) bool {
	switch tag {
	case TagData, TagCommandDataDescription, TagStateDataDescription:
		return true
	default:
		return false
	}
}

// Authentication status codes carried in the u32 first field of an
// Authentication server message (spec.md §4.2, grounded on
// other_examples/...connect.go.go's literal status values).
const (
	AuthStatusOK             uint32 = 0x00
	AuthStatusSASLContinue   uint32 = 0x0b
	AuthStatusSASLFinal      uint32 = 0x0c
)

// AuthMethodTrust and AuthMethodSCRAMSHA256 name the two auth methods
// spec.md §4.2 supports.
const (
	AuthMethodTrust         = "Trust"
	AuthMethodSCRAMSHA256   = "SCRAM-SHA-256"
)

// ProtocolVersion is (major, minor), fixed for a connection's lifetime
// after handshake (spec.md §3).
type ProtocolVersion struct {
	Major, Minor uint16
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater
// than other.
func (v ProtocolVersion) Compare(other ProtocolVersion) int {
	switch {
	case v.Major != other.Major:
		if v.Major < other.Major {
			return -1
		}
		return 1
	case v.Minor != other.Minor:
		if v.Minor < other.Minor {
			return -1
		}
		return 1
	default:
		return 0
	}
}

func (v ProtocolVersion) lt(other ProtocolVersion) bool { return v.Compare(other) < 0 }
func (v ProtocolVersion) ge(other ProtocolVersion) bool { return v.Compare(other) >= 0 }
func (v ProtocolVersion) le(other ProtocolVersion) bool { return v.Compare(other) <= 0 }

// SupportsInlineTypenames reports support for inline typenames (>= 0.9).
func (v ProtocolVersion) SupportsInlineTypenames() bool { return v.ge(ProtocolVersion{0, 9}) }

// HasImplicitTID reports whether object shapes carry a leading discarded
// type-id element (<= 0.8).
func (v ProtocolVersion) HasImplicitTID() bool { return v.le(ProtocolVersion{0, 8}) }

// HasImplicitID reports whether object shapes carry a leading discarded
// id element (<= 0.8), tracked separately from HasImplicitTID because the
// two flags are independently negotiated on the wire.
func (v ProtocolVersion) HasImplicitID() bool { return v.le(ProtocolVersion{0, 8}) }

// Is1_0OrNewer reports whether v is at least 1.0.
func (v ProtocolVersion) Is1_0OrNewer() bool { return v.ge(ProtocolVersion{1, 0}) }

// ProtocolVersionMin and ProtocolVersionMax bound what this client will
// accept from ServerHandshake (spec.md §4.2's "version downgrade -> retry
// once with lower version or abort", simplified per SPEC_FULL.md §12 to
// "accept any version the server proposes inside this range, else abort").
var (
	ProtocolVersionMin = ProtocolVersion{0, 13}
	ProtocolVersionMax = ProtocolVersion{2, 0}
)

// Cardinality picks the server's result-shape path for a query.
type Cardinality uint8

// Cardinality values.
const (
	CardinalityNoResult Cardinality = iota
	CardinalityAtMostOne
	CardinalityOne
	CardinalityMany
	CardinalityAtLeastOne
)

// IOFormat selects row framing.
type IOFormat uint8

// IOFormat values.
const (
	IOFormatBinary IOFormat = iota
	IOFormatJSON
	IOFormatJSONElements
	IOFormatNone
)

// InputLanguage selects how CommandText is interpreted by the server.
type InputLanguage uint8

// InputLanguage values.
const (
	InputLanguageEdgeQL InputLanguage = iota
	InputLanguageSQL
)

// Capabilities is a bitset the client declares to restrict what a query
// may do (spec.md GLOSSARY).
type Capabilities uint64

// Capability bits.
const (
	CapModifications Capabilities = 1 << iota
	CapSessionConfig
	CapTransaction
	CapDDL
	CapPersistentConfig
	CapAll = CapModifications | CapSessionConfig | CapTransaction | CapDDL | CapPersistentConfig
)

// CompilationFlags tune Parse behavior (e.g. implicit limit injection).
type CompilationFlags uint64

// TxState mirrors the server's reported transaction_state on
// ReadyForCommand.
type TxState uint8

// TxState values.
const (
	TxStateNotInTransaction TxState = iota
	TxStateInTransaction
	TxStateInFailedTransaction
)

// ClientHandshake is the first message sent by the client (tag 'V').
type ClientHandshake struct {
	Major, Minor uint16
	Params       map[string]string
	Extensions   []string
}

// Encode writes the handshake payload (without the frame header).
func (m *ClientHandshake) Encode(e *Encoder) {
	e.Uint16(m.Major)
	e.Uint16(m.Minor)
	keys := sortedKeys(m.Params)
	e.Uint16(uint16(len(keys)))
	for _, k := range keys {
		e.String(k)
		e.String(m.Params[k])
	}
	e.Uint16(uint16(len(m.Extensions)))
	for _, ext := range m.Extensions {
		e.String(ext)
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// ParseRequest is the client's 'P' message: compile text into input/output
// descriptors without executing it (spec.md §4.2).
type ParseRequest struct {
	AnnotationsHeaders map[uint16][]byte
	AllowedCapabilities Capabilities
	CompilationFlags    CompilationFlags
	ImplicitLimit       uint64
	OutputFormat        IOFormat
	ExpectedCardinality Cardinality
	InputLanguage       InputLanguage
	StateTypeID         [16]byte
	StateData           []byte
	CommandText         string
}

// Encode writes the Parse payload.
func (m *ParseRequest) Encode(e *Encoder) {
	e.Headers(m.AnnotationsHeaders)
	e.Uint64(uint64(m.AllowedCapabilities))
	e.Uint64(uint64(m.CompilationFlags))
	e.Uint64(m.ImplicitLimit)
	e.Uint8(uint8(m.InputLanguage))
	e.Uint8(uint8(m.OutputFormat))
	e.Uint8(uint8(m.ExpectedCardinality))
	e.String(m.CommandText)
	e.Bytes(m.StateTypeID[:])
	e.LenBytes(m.StateData)
}

// ExecuteRequest is the client's 'E' message: run a previously-parsed
// statement with encoded arguments (spec.md §4.2).
type ExecuteRequest struct {
	AnnotationsHeaders  map[uint16][]byte
	AllowedCapabilities Capabilities
	CompilationFlags    CompilationFlags
	ImplicitLimit       uint64
	OutputFormat        IOFormat
	ExpectedCardinality Cardinality
	InputLanguage       InputLanguage
	CommandText         string
	StateTypeID         [16]byte
	StateData           []byte
	InputTypeID         [16]byte
	OutputTypeID        [16]byte
	Arguments           []byte
}

// Encode writes the Execute payload.
func (m *ExecuteRequest) Encode(e *Encoder) {
	e.Headers(m.AnnotationsHeaders)
	e.Uint64(uint64(m.AllowedCapabilities))
	e.Uint64(uint64(m.CompilationFlags))
	e.Uint64(m.ImplicitLimit)
	e.Uint8(uint8(m.InputLanguage))
	e.Uint8(uint8(m.OutputFormat))
	e.Uint8(uint8(m.ExpectedCardinality))
	e.String(m.CommandText)
	e.Bytes(m.StateTypeID[:])
	e.LenBytes(m.StateData)
	e.Bytes(m.InputTypeID[:])
	e.Bytes(m.OutputTypeID[:])
	e.LenBytes(m.Arguments)
}

// CommandDataDescription is the server's 'T' response to Parse: the
// compiled input/output descriptor ids and their serialized descriptor
// sets.
type CommandDataDescription struct {
	Headers             map[uint16][]byte
	ResultCardinality   Cardinality
	InputTypeID         [16]byte
	InputTypeDescriptor []byte
	OutputTypeID        [16]byte
	OutputTypeDescriptor []byte
	Capabilities        Capabilities
}

// DecodeCommandDataDescription parses a 'T' frame payload.
func DecodeCommandDataDescription(d *Decoder) (*CommandDataDescription, error) {
	m := &CommandDataDescription{}
	m.Headers = d.Headers()
	m.ResultCardinality = Cardinality(d.Uint8())
	copy(m.InputTypeID[:], d.Bytes(16))
	m.InputTypeDescriptor = append([]byte(nil), d.LenBytes()...)
	copy(m.OutputTypeID[:], d.Bytes(16))
	m.OutputTypeDescriptor = append([]byte(nil), d.LenBytes()...)
	if d.Remaining() >= 8 {
		m.Capabilities = Capabilities(d.Uint64())
	}
	return m, d.Err()
}

// StateDataDescription is the server's 's' message carrying a refreshed
// state descriptor id and its descriptor set (spec.md §4.4).
type StateDataDescription struct {
	TypeID     [16]byte
	Descriptor []byte
}

// DecodeStateDataDescription parses an 's' frame payload.
func DecodeStateDataDescription(d *Decoder) (*StateDataDescription, error) {
	m := &StateDataDescription{}
	copy(m.TypeID[:], d.Bytes(16))
	m.Descriptor = append([]byte(nil), d.LenBytes()...)
	return m, d.Err()
}

// Data is one row frame: a sequence of length-prefixed element buffers
// whose framing is interpreted by the row codec against the output
// descriptor (spec.md §4.3).
type Data struct {
	Elements [][]byte
}

// DecodeData parses a 'D' frame payload: a u16 element count (the data
// message wraps a single top-level element per spec.md's framing, most
// commonly a serialized tuple/object).
func DecodeData(d *Decoder) (*Data, error) {
	n := d.Uint16()
	m := &Data{Elements: make([][]byte, 0, n)}
	for i := uint16(0); i < n; i++ {
		m.Elements = append(m.Elements, append([]byte(nil), d.LenBytes()...))
	}
	return m, d.Err()
}

// CommandComplete is the server's 'C' message ending an Execute.
type CommandComplete struct {
	Headers     map[uint16][]byte
	Capabilities Capabilities
	Status      string
	StateTypeID [16]byte
	StateData   []byte
}

// DecodeCommandComplete parses a 'C' frame payload.
func DecodeCommandComplete(d *Decoder) (*CommandComplete, error) {
	m := &CommandComplete{}
	m.Headers = d.Headers()
	m.Capabilities = Capabilities(d.Uint64())
	m.Status = d.String()
	copy(m.StateTypeID[:], d.Bytes(16))
	m.StateData = append([]byte(nil), d.LenBytes()...)
	return m, d.Err()
}

// ReadyForCommand is the server's 'Z' message ending any request cycle.
type ReadyForCommand struct {
	Headers map[uint16][]byte
	TxState TxState
}

// DecodeReadyForCommand parses a 'Z' frame payload.
func DecodeReadyForCommand(d *Decoder) (*ReadyForCommand, error) {
	m := &ReadyForCommand{}
	m.Headers = d.Headers()
	m.TxState = TxState(d.Uint8())
	return m, d.Err()
}

// ErrorResponse is the server's 'E' message carrying one Error (spec.md
// §4.7).
type ErrorResponse struct {
	Severity      uint8
	Code          uint32
	Message       string
	Attachments   map[uint16][]byte
}

// Attachment keys within ErrorResponse.Attachments.
const (
	AttachmentHint          uint16 = 0x0001
	AttachmentDetails       uint16 = 0x0002
	AttachmentPositionStart uint16 = 0x0003
	AttachmentPositionEnd   uint16 = 0x0004
	AttachmentSourceCode    uint16 = 0x0005
)

// DecodeErrorResponse parses an 'E' frame payload into an *Error.
func DecodeErrorResponse(d *Decoder) (*Error, error) {
	m := &ErrorResponse{}
	m.Severity = d.Uint8()
	m.Code = d.Uint32()
	m.Message = d.String()
	m.Attachments = d.Headers()
	if err := d.Err(); err != nil {
		return nil, err
	}
	e := &Error{Code: m.Code, Message: m.Message, Headers: m.Attachments}
	if v, ok := m.Attachments[AttachmentHint]; ok {
		e.Hint = string(v)
	}
	if v, ok := m.Attachments[AttachmentDetails]; ok {
		e.Details = string(v)
	}
	if v, ok := m.Attachments[AttachmentSourceCode]; ok {
		e.SourceCode = string(v)
	}
	if v, ok := m.Attachments[AttachmentPositionStart]; ok && len(v) == 4 {
		e.PositionStart = int(int32(decodeUint32(v)))
		e.HasPosition = true
	}
	if v, ok := m.Attachments[AttachmentPositionEnd]; ok && len(v) == 4 {
		e.PositionEnd = int(int32(decodeUint32(v)))
	}
	return e, nil
}

func decodeUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// Authentication is the server's 'R' message: a status code plus
// method-specific payload (spec.md §4.2; status code meanings grounded on
// other_examples/...connect.go.go).
type Authentication struct {
	Status  uint32
	Methods []string // AuthStatusOK==0 carries none; initial challenge carries the method list
	Payload []byte   // SASLContinue/SASLFinal carry an opaque server message here
}

// DecodeAuthentication parses an 'R' frame payload. Because the exact
// trailing fields differ by status, callers re-slice Payload themselves
// once Status is known.
func DecodeAuthentication(d *Decoder) (*Authentication, []byte, error) {
	m := &Authentication{}
	m.Status = d.Uint32()
	rest := d.Bytes(d.Remaining())
	m.Payload = rest
	return m, rest, d.Err()
}
