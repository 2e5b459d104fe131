package gel

import (
	"context"
	"errors"
	"time"

	"github.com/geldata/gel-go/internal/conn"
	"github.com/geldata/gel-go/internal/protocol"
)

// Tx pins a connection for the lifetime of one transaction closure and
// exposes the same query surface a Client does (spec.md §4.6).
type Tx struct {
	conn  *conn.Conn
	state *protocol.PoolState
}

// Query runs text against the transaction's pinned connection.
func (t *Tx) Query(ctx context.Context, text string, args any, opts conn.QueryOptions) (*conn.Result, error) {
	return t.conn.Query(ctx, text, args, t.state, opts)
}

// WithGlobals rebinds the session state this transaction sends with
// subsequent requests, without affecting the Client it was started from.
func (t *Tx) WithGlobals(globals map[string]any) {
	t.state = WithGlobals(t.state, globals)
}

// Transaction runs fn inside a server-side transaction, retrying the
// whole closure on ShouldRetry-tagged errors per retry (spec.md §4.6).
// Every attempt acquires a connection from the pool and releases it when
// the attempt ends, so a later attempt may be handed the same connection
// back; one left dirty or closed by a failed attempt is not reused.
func (c *Client) Transaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return c.transactionOpts(ctx, c.txOptions, c.retryOptions, fn)
}

// TransactionOpts is Transaction with a per-call override of the
// transaction and retry options a Client was built with.
func (c *Client) TransactionOpts(ctx context.Context, tx TxOptions, retry RetryOptions, fn func(ctx context.Context, tx *Tx) error) error {
	return c.transactionOpts(ctx, tx, retry, fn)
}

func (c *Client) transactionOpts(ctx context.Context, tx TxOptions, retry RetryOptions, fn func(ctx context.Context, tx *Tx) error) error {
	tx = tx.withDefaults()
	retry = retry.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(retry.Backoff(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.runOnce(ctx, tx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		var userErr *protocol.UserError
		if errors.As(err, &userErr) {
			return err
		}

		var protoErr *protocol.Error
		if !errors.As(err, &protoErr) || !protoErr.ShouldRetry() {
			return err
		}
	}
	return lastErr
}

func (c *Client) runOnce(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx *Tx) error) (err error) {
	cn, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer c.pool.Release(cn)

	if _, err = cn.Query(ctx, opts.startTransactionText(), nil, c.state, conn.QueryOptions{}); err != nil {
		return err
	}

	t := &Tx{conn: cn, state: c.state}
	fnErr := fn(ctx, t)
	if fnErr != nil {
		if _, rbErr := cn.Query(ctx, "rollback", nil, t.state, conn.QueryOptions{}); rbErr != nil {
			cn.Close()
		}
		return fnErr
	}

	if _, err = cn.Query(ctx, "commit", nil, t.state, conn.QueryOptions{}); err != nil {
		return err
	}
	return nil
}
