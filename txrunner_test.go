package gel

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geldata/gel-go/dial"
	"github.com/geldata/gel-go/internal/conn"
	"github.com/geldata/gel-go/internal/protocol"
	"github.com/geldata/gel-go/pool"
)

// txFakeServer plays just enough of the wire protocol (spec.md §4.2) to
// drive Client.Transaction's retry logic: a handshake, then an arbitrary
// number of Parse+Execute round trips, each handled generically except
// "start transaction ..." which can be made to fail a configured number of
// times before succeeding.
type txFakeServer struct {
	mu              sync.Mutex
	startTxFailures int
	failCode        uint32

	commits   int32
	rollbacks int32
}

func (s *txFakeServer) takeStartTxFailure() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startTxFailures <= 0 {
		return 0, false
	}
	s.startTxFailures--
	return s.failCode, true
}

type txPipeDialer struct{ srv *txFakeServer }

func (d txPipeDialer) DialContext(ctx context.Context, network, address string, opts dial.Options) (net.Conn, error) {
	client, server := net.Pipe()
	go d.srv.serve(server)
	return client, nil
}

func (s *txFakeServer) serve(c net.Conn) {
	defer c.Close()
	r := protocol.NewFrameReader(c)

	if _, err := r.ReadMessage(nil); err != nil { // ClientHandshake
		return
	}
	if !writeServerHandshake(c) || !writeAuthOK(c) || !writeReadyForCommand(c, protocol.TxStateNotInTransaction) {
		return
	}

	// Parse and Execute are independent request cycles on the wire, each
	// closed by its own Sync+ReadyForCommand. Conn.Query caches a
	// successfully-parsed statement by command text (internal/conn/query.go),
	// so a reused connection's later attempts against the same text send
	// only Execute+Sync -- this loop must not assume Parse always precedes
	// Execute.
	txState := protocol.TxStateNotInTransaction
	for {
		msg, err := r.ReadMessage(nil)
		if err != nil {
			return
		}

		switch msg.Tag {
		case protocol.TagTerminate:
			return

		case protocol.TagParse:
			if _, err := r.ReadMessage(nil); err != nil { // Sync
				return
			}
			if !writeVoidCommandDataDescription(c) || !writeReadyForCommand(c, txState) {
				return
			}

		case protocol.TagExecute:
			if _, err := r.ReadMessage(nil); err != nil { // Sync
				return
			}
			text := decodeCommandText(msg.Payload)

			switch {
			case strings.HasPrefix(text, "start transaction"):
				if code, failed := s.takeStartTxFailure(); failed {
					if !writeErrorResponse(c, code, "simulated transient failure") || !writeReadyForCommand(c, txState) {
						return
					}
					continue
				}
				txState = protocol.TxStateInTransaction
				if !writeCommandComplete(c, "START TRANSACTION") || !writeReadyForCommand(c, txState) {
					return
				}
			case text == "commit":
				atomic.AddInt32(&s.commits, 1)
				txState = protocol.TxStateNotInTransaction
				if !writeCommandComplete(c, "COMMIT") || !writeReadyForCommand(c, txState) {
					return
				}
			case text == "rollback":
				atomic.AddInt32(&s.rollbacks, 1)
				txState = protocol.TxStateNotInTransaction
				if !writeCommandComplete(c, "ROLLBACK") || !writeReadyForCommand(c, txState) {
					return
				}
			default:
				if !writeCommandComplete(c, "OK") || !writeReadyForCommand(c, txState) {
					return
				}
			}

		default:
			return
		}
	}
}

func writeServerHandshake(c net.Conn) bool {
	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagServerHandshake)
	e.Uint16(protocol.ProtocolVersionMax.Major)
	e.Uint16(protocol.ProtocolVersionMax.Minor)
	e.Uint16(0)
	e.Uint16(0)
	e.End()
	_, err := c.Write(e.Bytes())
	return err == nil
}

func writeAuthOK(c net.Conn) bool {
	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagAuthentication)
	e.Uint32(protocol.AuthStatusOK)
	e.End()
	_, err := c.Write(e.Bytes())
	return err == nil
}

func writeReadyForCommand(c net.Conn, txState protocol.TxState) bool {
	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagReadyForCommand)
	e.Headers(nil)
	e.Uint8(uint8(txState))
	e.End()
	_, err := c.Write(e.Bytes())
	return err == nil
}

func writeVoidCommandDataDescription(c net.Conn) bool {
	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagCommandDataDescription)
	e.Headers(nil)
	e.Uint8(uint8(protocol.CardinalityNoResult))
	e.Bytes(protocol.VoidTypeID[:])
	e.LenBytes(nil)
	e.Bytes(protocol.VoidTypeID[:])
	e.LenBytes(nil)
	e.Uint64(0)
	e.End()
	_, err := c.Write(e.Bytes())
	return err == nil
}

func writeCommandComplete(c net.Conn, status string) bool {
	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagCommandComplete)
	e.Headers(nil)
	e.Uint64(0)
	e.String(status)
	e.Bytes(protocol.VoidTypeID[:])
	e.LenBytes(nil)
	e.End()
	_, err := c.Write(e.Bytes())
	return err == nil
}

func writeErrorResponse(c net.Conn, code uint32, message string) bool {
	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagErrorResponse)
	e.Uint8(120)
	e.Uint32(code)
	e.String(message)
	e.Headers(nil)
	e.End()
	_, err := c.Write(e.Bytes())
	return err == nil
}

// decodeCommandText pulls the CommandText field out of an Execute
// payload: Headers, three u64s, three u8s, then the command text string
// (internal/protocol/messages.go's ExecuteRequest.Encode).
func decodeCommandText(payload []byte) string {
	d := protocol.NewDecoder(payload)
	d.Headers()
	d.Uint64()
	d.Uint64()
	d.Uint64()
	d.Uint8()
	d.Uint8()
	d.Uint8()
	return d.String()
}

func newTxTestClient(t *testing.T, srv *txFakeServer, retry RetryOptions) *Client {
	t.Helper()
	p := pool.New(pool.Config{
		MaxSize:        1,
		AcquireTimeout: time.Second,
		Dial: func(ctx context.Context) (*conn.Conn, error) {
			return conn.Dial(ctx, conn.Options{
				Address: "fake",
				User:    "test",
				Dialer:  txPipeDialer{srv: srv},
			})
		},
	})
	t.Cleanup(p.Close)
	return &Client{
		pool:         p,
		state:        protocol.NewPoolState(),
		txOptions:    TxOptions{}.withDefaults(),
		retryOptions: retry.withDefaults(),
	}
}

func TestTransactionRetriesOnTransientStartFailure(t *testing.T) {
	srv := &txFakeServer{startTxFailures: 2, failCode: protocol.CodeTransactionConflictError}
	c := newTxTestClient(t, srv, RetryOptions{
		Attempts: 4,
		Backoff:  func(int) time.Duration { return time.Millisecond },
	})

	var fnCalls int32
	err := c.Transaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		atomic.AddInt32(&fnCalls, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}
	if got := atomic.LoadInt32(&fnCalls); got != 1 {
		t.Fatalf("fn called %d times, want 1 (only the attempt that got past START TRANSACTION)", got)
	}
	if atomic.LoadInt32(&srv.commits) != 1 {
		t.Fatalf("commits = %d, want 1", srv.commits)
	}
	if atomic.LoadInt32(&srv.rollbacks) != 0 {
		t.Fatalf("rollbacks = %d, want 0", srv.rollbacks)
	}
}

func TestTransactionDoesNotRetryNonRetryableProtocolError(t *testing.T) {
	srv := &txFakeServer{startTxFailures: 1, failCode: protocol.CodeInvalidArgumentError}
	c := newTxTestClient(t, srv, RetryOptions{
		Attempts: 4,
		Backoff:  func(int) time.Duration { return time.Millisecond },
	})

	var fnCalls int32
	err := c.Transaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		atomic.AddInt32(&fnCalls, 1)
		return nil
	})
	if err == nil {
		t.Fatal("expected Transaction to surface the non-retryable error")
	}
	if got := atomic.LoadInt32(&fnCalls); got != 0 {
		t.Fatalf("fn called %d times, want 0", got)
	}
	srv.mu.Lock()
	remaining := srv.startTxFailures
	srv.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("expected the single configured failure to be consumed exactly once, %d remain", remaining)
	}
}

func TestTransactionRollsBackOnUserFunctionError(t *testing.T) {
	srv := &txFakeServer{}
	c := newTxTestClient(t, srv, RetryOptions{
		Attempts: 3,
		Backoff:  func(int) time.Duration { return time.Millisecond },
	})

	boom := errors.New("application decided to abort")
	var fnCalls int32
	err := c.Transaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		atomic.AddInt32(&fnCalls, 1)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Transaction error = %v, want it to wrap %v", err, boom)
	}
	if got := atomic.LoadInt32(&fnCalls); got != 1 {
		t.Fatalf("fn called %d times, want exactly 1 (no retry after a user error)", got)
	}
	if atomic.LoadInt32(&srv.rollbacks) != 1 {
		t.Fatalf("rollbacks = %d, want 1", srv.rollbacks)
	}
	if atomic.LoadInt32(&srv.commits) != 0 {
		t.Fatalf("commits = %d, want 0", srv.commits)
	}
}

func TestTransactionExhaustsAttemptsOnPersistentRetryableError(t *testing.T) {
	srv := &txFakeServer{startTxFailures: 10, failCode: protocol.CodeTransactionConflictError}
	c := newTxTestClient(t, srv, RetryOptions{
		Attempts: 3,
		Backoff:  func(int) time.Duration { return time.Millisecond },
	})

	var fnCalls int32
	err := c.Transaction(context.Background(), func(ctx context.Context, tx *Tx) error {
		atomic.AddInt32(&fnCalls, 1)
		return nil
	})
	if err == nil {
		t.Fatal("expected Transaction to fail after exhausting attempts")
	}
	if got := atomic.LoadInt32(&fnCalls); got != 0 {
		t.Fatalf("fn called %d times, want 0 (start transaction never succeeded)", got)
	}
}
