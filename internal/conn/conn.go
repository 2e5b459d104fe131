// Package conn implements one connection's state machine: handshake,
// authenticate, then a request/response loop that tracks protocol
// version, transaction state, and whether the connection is safe to
// return to a pool (spec.md §4.2, §5).
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/geldata/gel-go/dial"
	"github.com/geldata/gel-go/internal/protocol"
)

// Phase is the connection's place in spec.md §4.2's state machine.
type Phase uint8

// Connection phases.
const (
	PhaseFresh Phase = iota
	PhaseReady
	PhaseInTxImplicit
	PhaseInTxExplicit
	PhaseError
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseFresh:
		return "fresh"
	case PhaseReady:
		return "ready"
	case PhaseInTxImplicit:
		return "in_tx_implicit"
	case PhaseInTxExplicit:
		return "in_tx_explicit"
	case PhaseError:
		return "error"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// connNo assigns each Conn a small, log-friendly serial number, mirroring
// the teacher's package-level atomic.Uint64 connNo counter in
// driver/conn.go.
var connNo atomic.Uint64

// preparedStatement caches one Parse response against the command text it
// was compiled from (spec.md §4.2: descriptor caching per connection).
type preparedStatement struct {
	inputTypeID  [16]byte
	outputTypeID [16]byte
	inputSet     *protocol.DescriptorSet
	outputSet    *protocol.DescriptorSet
	capabilities protocol.Capabilities
	cardinality  protocol.Cardinality
}

// Conn is one authenticated transport plus everything needed to replay
// requests against it: the negotiated protocol version, the last reported
// transaction state, a dirty flag set whenever a request was interrupted
// mid-flight, and a small cache of prepared statements keyed by command
// text (spec.md §4.2, §4.3).
type Conn struct {
	netConn net.Conn
	reader  *protocol.FrameReader
	logger  *slog.Logger
	no      uint64

	version ProtocolVersion
	phase   Phase
	txState protocol.TxState
	dirty   bool

	stateTypeID [16]byte
	stateSet    *protocol.DescriptorSet

	cache map[string]*preparedStatement

	serverKeyData [32]byte

	onRetry func(reason string)
}

// ProtocolVersion re-exports protocol.ProtocolVersion so callers outside
// this package don't need to import internal/protocol directly just to
// read a Conn's negotiated version.
type ProtocolVersion = protocol.ProtocolVersion

// Options configures Dial.
type Options struct {
	Address  string // host:port, or a filesystem path when Network is "unix"
	Network  string // "tcp" (default) or "unix"
	User     string
	Password string
	Database string
	Branch   string // 2.0+ alternative to Database

	Dialer      dial.Dialer
	DialOptions dial.Options

	Logger *slog.Logger

	// OnRetry, if set, is called with a reason ("state_mismatch" or
	// "parameter_type_mismatch") each time Query retries a request on
	// this connection. Lets a pool report retry counts without this
	// package importing one.
	OnRetry func(reason string)
}

func (o *Options) dialer() dial.Dialer {
	if o.Dialer != nil {
		return o.Dialer
	}
	return dial.Default
}

func (o *Options) network() string {
	if o.Network != "" {
		return o.Network
	}
	return "tcp"
}

// Dial opens a transport, runs the handshake and auth exchange described
// in spec.md §4.2, and returns a Conn in PhaseReady.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	no := connNo.Add(1)
	logger = logger.With(slog.Uint64("conn", no))

	netConn, err := opts.dialer().DialContext(ctx, opts.network(), opts.Address, opts.DialOptions)
	if err != nil {
		return nil, protocol.NewErrorf(protocol.CodeClientConnectionFailedError, "dial %s: %v", opts.Address, err).WithSource(err)
	}

	c := &Conn{
		netConn: netConn,
		reader:  protocol.NewFrameReader(netConn),
		logger:  logger,
		no:      no,
		phase:   PhaseFresh,
		cache:   make(map[string]*preparedStatement),
		onRetry: opts.OnRetry,
	}

	if err := c.handshake(ctx, opts); err != nil {
		netConn.Close()
		c.phase = PhaseError
		return nil, err
	}

	c.phase = PhaseReady
	logger.Debug("connection ready", slog.String("protocol", fmt.Sprintf("%d.%d", c.version.Major, c.version.Minor)))
	return c, nil
}

// Close terminates the connection, sending a Terminate message first on a
// best-effort basis (spec.md §4.2's 'X' message).
func (c *Conn) Close() error {
	if c.phase == PhaseClosed {
		return nil
	}
	e := protocol.NewEncoder(nil)
	e.Begin(protocol.TagTerminate)
	e.End()
	_, _ = c.netConn.Write(e.Bytes())
	c.phase = PhaseClosed
	return c.netConn.Close()
}

// Phase returns the connection's current state-machine phase. A ready
// connection whose last ReadyForCommand reported an open transaction is
// PhaseInTxExplicit.
func (c *Conn) Phase() Phase {
	if c.phase == PhaseReady && c.txState != protocol.TxStateNotInTransaction {
		return PhaseInTxExplicit
	}
	return c.phase
}

// Dirty reports whether the connection was interrupted mid-request and
// must not be reused without a reset (spec.md §4.5).
func (c *Conn) Dirty() bool { return c.dirty }

// Version returns the negotiated protocol version.
func (c *Conn) Version() ProtocolVersion { return c.version }

// TxState returns the transaction state last reported by the server.
func (c *Conn) TxState() protocol.TxState { return c.txState }

func (c *Conn) fail(err error) error {
	c.dirty = true
	c.phase = PhaseError
	return err
}
