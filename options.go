package gel

import (
	"log/slog"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/geldata/gel-go/internal/conn"
	"github.com/geldata/gel-go/internal/protocol"
)

// Options configures a Client (spec.md §4.1, §4.2).
type Options struct {
	Address  string
	Network  string // "tcp" (default) or "unix"
	User     string
	Password string
	Database string
	Branch   string

	TLSVerifyHostname bool
	TLSCA             []byte

	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	AcquireTimeout time.Duration

	Logger *slog.Logger
	// MetricsRegisterer, when set, registers this Client's pool metrics
	// against a caller-supplied Prometheus registry instead of the
	// default one built per Client.
	MetricsRegisterer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.Network == "" {
		o.Network = "tcp"
	}
	if o.MinConns == 0 {
		o.MinConns = 1
	}
	if o.MaxConns == 0 {
		o.MaxConns = 10
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 5 * time.Minute
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = 10 * time.Second
	}
	return o
}

func (o Options) connOptions(logger *slog.Logger, onRetry func(string)) conn.Options {
	return conn.Options{
		Address:  o.Address,
		Network:  o.Network,
		User:     o.User,
		Password: o.Password,
		Database: o.Database,
		Branch:   o.Branch,
		Logger:   logger,
		OnRetry:  onRetry,
	}
}

// IsolationLevel selects the SQL isolation level START TRANSACTION
// requests (spec.md §4.6).
type IsolationLevel string

// Isolation levels understood by the server.
const (
	IsolationSerializable     IsolationLevel = "serializable"
	IsolationPreferRepeatable IsolationLevel = "prefer_repeatable"
)

// TxOptions configures the START TRANSACTION statement a transaction
// runner issues (spec.md §4.6).
type TxOptions struct {
	Isolation  IsolationLevel
	ReadOnly   bool
	Deferrable bool
}

func (o TxOptions) withDefaults() TxOptions {
	if o.Isolation == "" {
		o.Isolation = IsolationSerializable
	}
	return o
}

func (o TxOptions) startTransactionText() string {
	text := "start transaction isolation " + string(o.withDefaults().Isolation)
	if o.ReadOnly {
		text += ", read only"
	} else {
		text += ", read write"
	}
	if o.Deferrable {
		text += ", deferrable"
	} else {
		text += ", not deferrable"
	}
	return text
}

// BackoffRule computes the delay before retry N (1-indexed): the runner
// calls it with 1 before the second attempt, 2 before the third, and so on.
type BackoffRule func(attempt int) time.Duration

// DefaultBackoff is exponential with full jitter, base 100ms, capped at
// 1s, matching spec.md §4.6's default rule.
func DefaultBackoff(attempt int) time.Duration {
	base := 100 * time.Millisecond
	maxDelay := time.Second
	d := base << uint(attempt-1)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	return time.Duration(rand.Int63n(int64(d)))
}

// RetryOptions configures the transaction runner's retry policy (spec.md
// §4.6).
type RetryOptions struct {
	Attempts int
	Backoff  BackoffRule
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.Attempts == 0 {
		o.Attempts = 3
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff
	}
	return o
}

// State is a session-state snapshot: default module, module aliases,
// session config, and globals, carried with every query a Client or Tx
// issues (spec.md §4.4).
type State = protocol.PoolState

// NewState returns the empty snapshot a fresh Client starts from.
func NewState() *State { return protocol.NewPoolState() }

// WithGlobals returns a derived PoolState with the given top-level
// globals merged in, passthrough for protocol.PoolState.WithGlobals so
// callers don't need to import internal/protocol directly.
func WithGlobals(s *protocol.PoolState, globals map[string]any) *protocol.PoolState {
	if s == nil {
		s = protocol.NewPoolState()
	}
	return s.WithGlobals(globals)
}

// WithModuleAlias returns a derived PoolState with alias bound to module.
func WithModuleAlias(s *protocol.PoolState, alias, module string) *protocol.PoolState {
	if s == nil {
		s = protocol.NewPoolState()
	}
	return s.WithModuleAlias(alias, module)
}

// WithDefaultModule returns a derived PoolState whose unqualified names
// resolve against module.
func WithDefaultModule(s *protocol.PoolState, module string) *protocol.PoolState {
	if s == nil {
		s = protocol.NewPoolState()
	}
	return s.WithDefaultModule(module)
}

// WithConfig returns a derived PoolState with the given session config
// values merged in.
func WithConfig(s *protocol.PoolState, config map[string]any) *protocol.PoolState {
	if s == nil {
		s = protocol.NewPoolState()
	}
	return s.WithConfig(config)
}
