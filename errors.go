package gel

import (
	"errors"

	"github.com/geldata/gel-go/internal/protocol"
)

// Error is a server- or client-originated protocol error: a hierarchical
// 4-byte code, optional position/hint/details attachments, and an
// optional wrapped cause (spec.md §4.7).
type Error = protocol.Error

// Kind classifies an Error by its top byte.
type Kind = protocol.Kind

// Error kinds, for use with errors.As(err, &gelErr) then gelErr.Is(Kind).
const (
	KindInternalServerError     = protocol.KindInternalServerError
	KindUnsupportedFeatureError = protocol.KindUnsupportedFeatureError
	KindProtocolError           = protocol.KindProtocolError
	KindQueryError              = protocol.KindQueryError
	KindExecutionError          = protocol.KindExecutionError
	KindTransactionError        = protocol.KindTransactionError
	KindClientError             = protocol.KindClientError
)

// WithUserError wraps err so Client.Transaction treats it as the caller's
// own failure rather than a wire error: it is returned as-is without
// being consulted for ShouldRetry, matching
// original_source/edgedb-errors/src/transaction.rs's
// TransactionError<E>::User(E) arm.
func WithUserError(err error) error {
	return protocol.WithSource(err)
}

// IsRetryable reports whether err is a protocol error the transaction
// runner would retry on its own.
func IsRetryable(err error) bool {
	var pe *protocol.Error
	return errors.As(err, &pe) && pe.ShouldRetry()
}
