package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by its top byte, mirroring the teacher's
// HdbError.Level() but with a 4-level hierarchical code instead of a flat
// warning/error/fatal enum (spec.md §4.7).
type Kind uint32

// Error kind codes, masked against the top byte of a 4-byte code
// (0xFF_00_00_00 mask), per spec.md §4.7.
const (
	KindInternalServerError     Kind = 0x01_00_00_00
	KindUnsupportedFeatureError Kind = 0x02_00_00_00
	KindProtocolError           Kind = 0x03_00_00_00
	KindQueryError              Kind = 0x04_00_00_00
	KindExecutionError          Kind = 0x05_00_00_00
	KindTransactionError        Kind = 0x06_00_00_00
	KindClientError             Kind = 0xFF_00_00_00
)

const kindMask = 0xFF_00_00_00

// Tag is a bit in a per-kind tag mask, e.g. ShouldRetry or ShouldReconnect.
type Tag uint32

// Well-known tags.
const (
	TagShouldRetry Tag = 1 << iota
	TagShouldReconnect
)

// Specific leaf error codes referenced by name elsewhere in this package
// and by package conn/txrunner. Values follow the AA BB CC DD layout from
// spec.md §4.7; the exact low bytes are this client's own numbering
// (mirroring the shape of the public Gel/EdgeDB error table without
// reproducing it verbatim) since the wire only ever sends us the code,
// never a name.
const (
	CodeUnknownError                   uint32 = 0x01_00_00_01
	CodeInternalServerError            uint32 = 0x01_00_00_02
	CodeUnsupportedFeatureError        uint32 = 0x02_00_00_00
	CodeProtocolError                  uint32 = 0x03_00_00_00
	CodeUnsupportedProtocolVersion     uint32 = 0x03_01_00_00
	CodeMessageTooLarge                uint32 = 0x03_02_00_00
	CodeUnexpectedEOF                  uint32 = 0x03_03_00_00
	CodeStateMismatch                  uint32 = 0x03_04_00_00
	CodeInvalidArgumentError           uint32 = 0x04_00_08_00
	CodeParameterTypeMismatchError     uint32 = 0x04_00_08_01
	CodeDescriptorMismatchError        uint32 = 0x04_00_08_02
	CodeResultCardinalityMismatchError uint32 = 0x04_00_09_00
	CodeNoDataError                    uint32 = 0x04_00_0A_00
	CodeExecutionError                 uint32 = 0x05_00_00_00
	CodeTransactionError               uint32 = 0x06_00_00_00
	CodeTransactionConflictError       uint32 = 0x06_00_01_01
	CodeTransactionSerializationError  uint32 = 0x06_00_01_02
	CodeAuthenticationError            uint32 = 0xFF_00_01_00
	CodeClientConnectionError          uint32 = 0xFF_00_02_00
	CodeClientConnectionClosedError    uint32 = 0xFF_00_02_01
	CodeClientConnectionFailedError    uint32 = 0xFF_00_02_02
	CodeClientConnectionTimeoutError   uint32 = 0xFF_00_02_03
	CodeInterfaceError                 uint32 = 0xFF_00_03_00
	CodeNoDataReceivedError            uint32 = 0xFF_00_03_01
	CodeUserError                      uint32 = 0xFF_00_04_00
)

// retryTable maps the exact error codes the client treats as safe to
// retry to the tag bits they carry. spec.md §9 notes the authoritative
// set "differs between protocol versions" and should come from a
// generated table; this hand-populated map is that table's stand-in,
// kept in one place so a future codegen step has a single target.
var retryTable = map[uint32]Tag{
	CodeTransactionConflictError:      TagShouldRetry,
	CodeTransactionSerializationError: TagShouldRetry,
	CodeClientConnectionClosedError:   TagShouldRetry | TagShouldReconnect,
	CodeClientConnectionFailedError:   TagShouldRetry | TagShouldReconnect,
	CodeClientConnectionTimeoutError:  TagShouldRetry,
}

// Error is the client's unified error type: it carries the server's
// 4-byte hierarchical code (or a client-assigned one for locally
// originated errors), a message, optional position/hint/details
// attachments, and an optional wrapped source error (spec.md §3, §4.7).
type Error struct {
	Code    uint32
	Message string
	Headers map[uint16][]byte

	PositionStart int
	PositionEnd   int
	HasPosition   bool
	Hint          string
	Details       string
	SourceCode    string

	context string
	source  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.context != "" {
		msg = e.context + ": " + msg
	}
	return fmt.Sprintf("gel: %s (code 0x%08x)", msg, e.Code)
}

// Unwrap exposes the wrapped source error, if any, to errors.Is/As.
func (e *Error) Unwrap() error { return e.source }

// Is reports whether the error's masked top byte matches kind.
func (e *Error) Is(kind Kind) bool { return Kind(e.Code&kindMask) == kind }

// HasTag reports whether the error's code carries tag in the retry table.
func (e *Error) HasTag(tag Tag) bool { return retryTable[e.Code]&tag != 0 }

// ShouldRetry reports whether the transaction runner may safely retry the
// operation that produced this error.
func (e *Error) ShouldRetry() bool { return e.HasTag(TagShouldRetry) }

// ShouldReconnect reports whether the underlying connection must be
// replaced before retrying.
func (e *Error) ShouldReconnect() bool { return e.HasTag(TagShouldReconnect) }

// Context returns a copy of e with an additional local context message
// prepended, without losing the original code or attachments.
func (e *Error) Context(msg string) *Error {
	cp := *e
	if cp.context != "" {
		cp.context = msg + ": " + cp.context
	} else {
		cp.context = msg
	}
	return &cp
}

// WithSource returns a copy of e wrapping source as its cause.
func (e *Error) WithSource(source error) *Error {
	cp := *e
	cp.source = source
	return &cp
}

// NewError constructs a client-originated Error (as opposed to one
// decoded from an ErrorResponse frame).
func NewError(code uint32, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf is NewError with fmt.Sprintf-style formatting.
func NewErrorf(code uint32, format string, args ...any) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// UserError wraps an error returned by a transaction closure so the
// retrying runner never mistakes caller logic for a retryable protocol
// error, mirroring original_source/edgedb-errors/src/transaction.rs's
// TransactionError<E>::User(E) arm.
type UserError struct {
	Err error
}

func (e *UserError) Error() string { return e.Err.Error() }
func (e *UserError) Unwrap() error { return e.Err }

// WithSource wraps err as a UserError unless it already is one.
func WithSource(err error) error {
	if err == nil {
		return nil
	}
	var ue *UserError
	if errors.As(err, &ue) {
		return err
	}
	return &UserError{Err: err}
}

// sentinels for local (non-wire) protocol faults. A failed frame read is
// returned by the connection layer as an *Error with
// CodeClientConnectionClosedError and the sentinel as its source; other
// call sites return the sentinel wrapped with fmt.Errorf. Either way
// errors.Is finds the sentinel.
var (
	ErrUnexpectedEOF    = errors.New("protocol: unexpected EOF")
	ErrMessageTooLarge  = errors.New("protocol: message too large")
	ErrProtocolFraming  = errors.New("protocol: malformed frame")
	ErrDescriptorCycle  = errors.New("protocol: descriptor forward reference")
	ErrUnknownTag       = errors.New("protocol: unknown message tag")
	ErrUnknownDescrTag  = errors.New("protocol: unknown descriptor tag")
	ErrShapeMismatch    = errors.New("protocol: row shape does not match descriptor")
	ErrUnsupportedMajor = errors.New("protocol: unsupported protocol version")
)
