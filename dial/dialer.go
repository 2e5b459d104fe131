// Package dial provides the pluggable transport constructor used to open
// the byte stream a Connection runs the wire protocol over.
package dial

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Options contains optional parameters that might be used by a Dialer.
type Options struct {
	Timeout, TCPKeepAlive time.Duration

	// TLSConfig, when non-nil, upgrades the dialed connection to TLS
	// before returning it. ServerName should already be set by the
	// caller; the zero value disables TLS.
	TLSConfig *tls.Config
}

// A Dialer opens the raw byte stream a Connection runs the wire protocol
// over. Custom Dialers can be installed via Options in the client
// configuration, e.g. to route through a proxy or to inject a fake
// transport in tests.
type Dialer interface {
	DialContext(ctx context.Context, network, address string, options Options) (net.Conn, error)
}

// Default is the default Dialer implementation: TCP or unix-domain,
// wrapped in TLS when options.TLSConfig is set.
var Default Dialer = &dialer{}

type dialer struct{}

func (d *dialer) DialContext(ctx context.Context, network, address string, options Options) (net.Conn, error) {
	nd := net.Dialer{Timeout: options.Timeout, KeepAlive: options.TCPKeepAlive}
	conn, err := nd.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if options.TLSConfig == nil {
		return conn, nil
	}
	tlsConn := tls.Client(conn, options.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}
