// Package gel is a client library for the EdgeDB/Gel binary wire
// protocol: authenticated connections, descriptor-driven query
// encoding/decoding, a bounded connection pool, and a retrying
// transaction runner.
package gel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/geldata/gel-go/dial"
	"github.com/geldata/gel-go/internal/conn"
	"github.com/geldata/gel-go/internal/protocol"
	"github.com/geldata/gel-go/pool"
)

// Client is a handle to a pooled set of connections against one server
// and database/branch, plus the session state every query it issues
// carries (spec.md §4.1, §4.4, §4.5).
type Client struct {
	pool   *pool.Pool
	state  *protocol.PoolState
	logger *slog.Logger

	txOptions    TxOptions
	retryOptions RetryOptions
}

// Connect opens a Client against opts. It does not block until MinConns
// connections are established; the pool dials lazily as Acquire needs
// them, matching spec.md §4.5's "opening" phase rather than a blocking
// warmup.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	reg := opts.MetricsRegisterer
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	metrics := pool.NewMetrics(reg)

	c := &Client{
		state:        protocol.NewPoolState(),
		logger:       logger,
		txOptions:    TxOptions{}.withDefaults(),
		retryOptions: RetryOptions{}.withDefaults(),
	}

	dialOpts := dial.Options{}
	if opts.TLSCA != nil || opts.TLSVerifyHostname {
		tlsCfg := &tls.Config{InsecureSkipVerify: !opts.TLSVerifyHostname}
		if opts.TLSCA != nil {
			certPool := x509.NewCertPool()
			if !certPool.AppendCertsFromPEM(opts.TLSCA) {
				return nil, protocol.NewError(protocol.CodeClientConnectionFailedError, "invalid TLSCA PEM data")
			}
			tlsCfg.RootCAs = certPool
		}
		dialOpts.TLSConfig = tlsCfg
	}

	c.pool = pool.New(pool.Config{
		MinSize:        opts.MinConns,
		MaxSize:        opts.MaxConns,
		IdleTimeout:    opts.IdleTimeout,
		AcquireTimeout: opts.AcquireTimeout,
		Logger:         logger,
		Metrics:        metrics,
		Dial: func(ctx context.Context) (*conn.Conn, error) {
			o := opts.connOptions(logger, metrics.IncRetryFunc())
			o.DialOptions = dialOpts
			return conn.Dial(ctx, o)
		},
	})

	// Fail fast if the address is unreachable or auth is wrong, rather
	// than surfacing that on the caller's first query.
	probe, err := c.pool.Acquire(ctx)
	if err != nil {
		c.pool.Close()
		return nil, err
	}
	c.pool.Release(probe)

	return c, nil
}

// Close drains the pool. In-flight queries on connections already
// checked out complete normally; Release returns them to a closing pool,
// which closes them instead of reusing them.
func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

// WithGlobals returns a derived Client sharing this one's pool but
// sending globals with every query it issues, leaving c unaffected
// (spec.md §4.4).
func (c *Client) WithGlobals(globals map[string]any) *Client {
	cp := *c
	cp.state = WithGlobals(c.state, globals)
	return &cp
}

// WithModuleAlias returns a derived Client with alias bound to module.
func (c *Client) WithModuleAlias(alias, module string) *Client {
	cp := *c
	cp.state = WithModuleAlias(c.state, alias, module)
	return &cp
}

// WithDefaultModule returns a derived Client whose unqualified names
// resolve against module.
func (c *Client) WithDefaultModule(module string) *Client {
	cp := *c
	cp.state = WithDefaultModule(c.state, module)
	return &cp
}

// WithConfig returns a derived Client with the given session config
// values merged in.
func (c *Client) WithConfig(config map[string]any) *Client {
	cp := *c
	cp.state = WithConfig(c.state, config)
	return &cp
}

// WithTxOptions returns a derived Client whose Transaction calls default
// to opts instead of the serializable/read-write default.
func (c *Client) WithTxOptions(opts TxOptions) *Client {
	cp := *c
	cp.txOptions = opts.withDefaults()
	return &cp
}

// WithRetryOptions returns a derived Client whose Transaction calls
// default to opts instead of the 3-attempt exponential-backoff default.
func (c *Client) WithRetryOptions(opts RetryOptions) *Client {
	cp := *c
	cp.retryOptions = opts.withDefaults()
	return &cp
}

// Query runs text against the pool, acquiring and releasing a connection
// for the duration of one prepare+execute cycle, and returns every row
// decoded against the server's output shape.
func (c *Client) Query(ctx context.Context, text string, args any) ([]any, error) {
	res, err := c.execute(ctx, text, args, conn.QueryOptions{
		OutputFormat:        protocol.IOFormatBinary,
		ExpectedCardinality: protocol.CardinalityMany,
	})
	if err != nil {
		return nil, err
	}
	return res.Rows, nil
}

// QuerySingle runs text expecting at most one row, returning nil if the
// result set was empty (spec.md §4.1 cardinality contract).
func (c *Client) QuerySingle(ctx context.Context, text string, args any) (any, error) {
	res, err := c.execute(ctx, text, args, conn.QueryOptions{
		OutputFormat:        protocol.IOFormatBinary,
		ExpectedCardinality: protocol.CardinalityAtMostOne,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	return res.Rows[0], nil
}

// QueryRequiredSingle runs text expecting exactly one row, returning
// CodeNoDataError if the result set was empty.
func (c *Client) QueryRequiredSingle(ctx context.Context, text string, args any) (any, error) {
	res, err := c.execute(ctx, text, args, conn.QueryOptions{
		OutputFormat:        protocol.IOFormatBinary,
		ExpectedCardinality: protocol.CardinalityOne,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Rows) == 0 {
		return nil, protocol.NewError(protocol.CodeNoDataError, "query returned no data")
	}
	return res.Rows[0], nil
}

// Execute runs text for its side effects, discarding any result rows.
func (c *Client) Execute(ctx context.Context, text string, args any) error {
	_, err := c.execute(ctx, text, args, conn.QueryOptions{
		OutputFormat:        protocol.IOFormatNone,
		ExpectedCardinality: protocol.CardinalityMany,
	})
	return err
}

func (c *Client) execute(ctx context.Context, text string, args any, opts conn.QueryOptions) (*conn.Result, error) {
	cn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(cn)
	return cn.Query(ctx, text, args, c.state, opts)
}
