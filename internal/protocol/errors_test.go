package protocol

import (
	"errors"
	"testing"
)

func TestErrorIsMasksKind(t *testing.T) {
	e := NewError(CodeTransactionConflictError, "conflict")
	if !e.Is(KindTransactionError) {
		t.Fatal("expected KindTransactionError")
	}
	if e.Is(KindQueryError) {
		t.Fatal("did not expect KindQueryError")
	}
}

func TestErrorShouldRetryFromTable(t *testing.T) {
	cases := []struct {
		code       uint32
		wantRetry  bool
		wantReconn bool
	}{
		{CodeTransactionConflictError, true, false},
		{CodeTransactionSerializationError, true, false},
		{CodeClientConnectionClosedError, true, true},
		{CodeClientConnectionFailedError, true, true},
		{CodeClientConnectionTimeoutError, true, false},
		{CodeUnknownError, false, false},
		{CodeInvalidArgumentError, false, false},
	}
	for _, c := range cases {
		e := NewError(c.code, "x")
		if got := e.ShouldRetry(); got != c.wantRetry {
			t.Errorf("code 0x%08x: ShouldRetry() = %v, want %v", c.code, got, c.wantRetry)
		}
		if got := e.ShouldReconnect(); got != c.wantReconn {
			t.Errorf("code 0x%08x: ShouldReconnect() = %v, want %v", c.code, got, c.wantReconn)
		}
	}
}

func TestErrorContextPrependsWithoutLosingCode(t *testing.T) {
	base := NewError(CodeInvalidArgumentError, "bad argument")
	wrapped := base.Context("preparing query")
	if wrapped.Code != base.Code {
		t.Fatalf("wrapped.Code = %x, want %x", wrapped.Code, base.Code)
	}
	if wrapped.Error() == base.Error() {
		t.Fatal("expected Context to change the rendered message")
	}
	if base.context != "" {
		t.Fatal("Context must not mutate the receiver")
	}
}

func TestErrorWithSourceUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	e := NewError(CodeClientConnectionFailedError, "connect failed").WithSource(cause)
	if !errors.Is(e, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
}

func TestUserErrorDoesNotDoubleWrap(t *testing.T) {
	cause := errors.New("boom")
	once := WithSource(cause)
	twice := WithSource(once)

	var ue *UserError
	if !errors.As(twice, &ue) {
		t.Fatal("expected a *UserError")
	}
	if ue.Err != cause {
		t.Fatalf("UserError wraps %v, want the original cause unwrapped once", ue.Err)
	}
}

func TestWithSourceNilIsNil(t *testing.T) {
	if WithSource(nil) != nil {
		t.Fatal("WithSource(nil) should return nil")
	}
}

func TestErrorAsDistinguishesProtocolFromUserErrors(t *testing.T) {
	userErr := WithSource(errors.New("application decided to abort"))
	var ue *UserError
	if !errors.As(userErr, &ue) {
		t.Fatal("expected errors.As to find *UserError")
	}
	var pe *Error
	if errors.As(userErr, &pe) {
		t.Fatal("a *UserError must not also satisfy errors.As(*Error)")
	}

	protoErr := error(NewError(CodeTransactionConflictError, "conflict"))
	if errors.As(protoErr, &ue) {
		t.Fatal("a *Error must not satisfy errors.As(*UserError)")
	}
}
