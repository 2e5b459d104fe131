package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/geldata/gel-go/dial"
	"github.com/geldata/gel-go/internal/conn"
	"github.com/geldata/gel-go/internal/protocol"
)

// pipeDialer hands out net.Pipe client ends, running a minimal fake server
// handshake on the other end of each pipe so conn.Dial completes without a
// real network or database.
type pipeDialer struct{}

func (pipeDialer) DialContext(ctx context.Context, network, address string, options dial.Options) (net.Conn, error) {
	client, server := net.Pipe()
	go serveFakeHandshake(server)
	return client, nil
}

// serveFakeHandshake reads one ClientHandshake and replies with enough of
// the connect sequence (spec.md §4.2) to bring the client to PhaseReady:
// ServerHandshake, Authentication(OK), ReadyForCommand. It then blocks
// reading (so Close's best-effort Terminate write doesn't error) until the
// pipe is closed.
func serveFakeHandshake(c net.Conn) {
	defer c.Close()
	r := protocol.NewFrameReader(c)
	if _, err := r.ReadMessage(nil); err != nil {
		return
	}

	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagServerHandshake)
	e.Uint16(protocol.ProtocolVersionMax.Major)
	e.Uint16(protocol.ProtocolVersionMax.Minor)
	e.Uint16(0)
	e.Uint16(0)
	e.End()
	if _, err := c.Write(e.Bytes()); err != nil {
		return
	}

	e.Reset()
	e.Begin(protocol.TagAuthentication)
	e.Uint32(protocol.AuthStatusOK)
	e.End()
	if _, err := c.Write(e.Bytes()); err != nil {
		return
	}

	e.Reset()
	e.Begin(protocol.TagReadyForCommand)
	e.Headers(nil)
	e.Uint8(uint8(protocol.TxStateNotInTransaction))
	e.End()
	if _, err := c.Write(e.Bytes()); err != nil {
		return
	}

	buf := make([]byte, 256)
	for {
		if _, err := c.Read(buf); err != nil {
			return
		}
	}
}

func testDial(ctx context.Context) (*conn.Conn, error) {
	return conn.Dial(ctx, conn.Options{
		Address: "fake",
		User:    "test",
		Dialer:  pipeDialer{},
	})
}

func newTestPool(t *testing.T, maxSize int) *Pool {
	t.Helper()
	p := New(Config{
		MinSize:        0,
		MaxSize:        maxSize,
		AcquireTimeout: time.Second,
		Dial:           testDial,
	})
	t.Cleanup(p.Close)
	return p
}

func TestPoolAcquireDialsWhenIdleEmpty(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	if c.Phase() != conn.PhaseReady {
		t.Fatalf("Phase() = %v, want PhaseReady", c.Phase())
	}
	stats := p.Stats()
	if stats.InUse != 1 || stats.Idle != 0 {
		t.Fatalf("Stats() = %+v, want InUse=1 Idle=0", stats)
	}
}

func TestPoolReleaseReturnsConnectionToIdle(t *testing.T) {
	p := newTestPool(t, 2)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c)

	stats := p.Stats()
	if stats.Idle != 1 || stats.InUse != 0 {
		t.Fatalf("Stats() after Release = %+v, want Idle=1 InUse=0", stats)
	}

	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if c2 != c {
		t.Fatal("expected the released connection to be reused instead of dialing a new one")
	}
}

func TestPoolNeverExceedsMaxSize(t *testing.T) {
	const maxSize = 2
	p := newTestPool(t, maxSize)
	ctx := context.Background()

	var held []*conn.Conn
	for i := 0; i < maxSize; i++ {
		c, err := p.Acquire(ctx)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		held = append(held, c)
	}

	stats := p.Stats()
	if stats.InUse != maxSize {
		t.Fatalf("InUse = %d, want %d", stats.InUse, maxSize)
	}

	ctx2, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx2); err == nil {
		t.Fatal("expected Acquire to block/fail when the pool is already at max_size")
	}

	for _, c := range held {
		p.Release(c)
	}
}

func TestPoolAcquireUnblocksOnRelease(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()

	first, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	type result struct {
		c   *conn.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := p.Acquire(ctx)
		done <- result{c, err}
	}()

	time.Sleep(20 * time.Millisecond) // let the second Acquire start waiting
	p.Release(first)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("waiting Acquire: %v", r.err)
		}
		if r.c != first {
			t.Fatal("expected the waiting Acquire to receive the released connection")
		}
		t.Cleanup(func() { r.c.Close() })
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

func TestPoolAcquireFailsAfterClose(t *testing.T) {
	p := New(Config{MaxSize: 1, AcquireTimeout: time.Second, Dial: testDial})
	p.Close()

	if _, err := p.Acquire(context.Background()); err == nil {
		t.Fatal("expected Acquire to fail on a closed pool")
	}
}

func TestPoolCloseDrainsIdleConnections(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c)
	if p.Stats().Idle != 1 {
		t.Fatal("expected one idle connection before Close")
	}

	p.Close()
	if c.Phase() != conn.PhaseClosed {
		t.Fatal("expected Close to close idle connections")
	}
}
