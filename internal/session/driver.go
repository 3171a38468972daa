// Package session drives one client connection end to end: the startup
// handshake and the sequence of pooled transactions that
// follow it, racing client reads against backend reads and
// against process shutdown without ever cancelling a read in flight.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tusqdb/tusq/internal/config"
	"github.com/tusqdb/tusq/internal/conn"
	"github.com/tusqdb/tusq/internal/metrics"
	"github.com/tusqdb/tusq/internal/pool"
)

// Driver owns one client connection for its lifetime.
type Driver struct {
	client   *conn.Framed
	registry *pool.Manager
	cfg      *config.Handle
	metrics  *metrics.Collector
	shutdown <-chan struct{}
	log      *slog.Logger
}

// New wraps a freshly accepted client connection in a Driver. shutdown is
// closed to signal that the accept loop is stopping — an idle driver
// (between transactions) exits as soon as it observes that, but a driver
// already relaying a transaction finishes it first.
func New(c net.Conn, registry *pool.Manager, cfg *config.Handle, m *metrics.Collector, shutdown <-chan struct{}) *Driver {
	return &Driver{
		client:   conn.New(c),
		registry: registry,
		cfg:      cfg,
		metrics:  m,
		shutdown: shutdown,
		log:      slog.Default().With("remote_addr", c.RemoteAddr().String()),
	}
}

// Run performs the startup handshake and then relays transactions until
// the client disconnects, a protocol violation occurs, or shutdown fires.
// A failure here closes only this one connection and logs — the backing
// reference implementation panics the whole process on the equivalent
// violations, which this port deliberately does not reproduce.
func (d *Driver) Run(ctx context.Context) {
	defer d.client.Close()

	alias, p, err := d.handshake(ctx)
	if err != nil {
		if !errors.Is(err, ErrUnsupportedRequest) {
			d.log.Warn("client handshake failed", "err", err)
		}
		if d.metrics != nil {
			d.metrics.HandshakeFailure(alias, handshakeFailureReason(err))
		}
		return
	}
	d.log = d.log.With("database", alias)

	if err := d.loop(ctx, p, alias); err != nil {
		d.log.Debug("session ended", "err", err)
	}
}

// handshake negotiates the client's startup message, resolves its
// database parameter to a pool, and checks out one backend purely to
// copy its cached server parameters back to the client verbatim — the
// backend is returned immediately afterward, before the client sees any
// query traffic.
func (d *Driver) handshake(ctx context.Context) (string, *pool.DBPool, error) {
	msg, err := negotiateStartup(d.client.Conn)
	if err != nil {
		return "", nil, err
	}
	d.client.Startup = msg

	alias, ok := msg.DatabaseName()
	if !ok || alias == "" {
		return "", nil, fmt.Errorf("startup message missing database parameter")
	}

	p, err := d.registry.Resolve(d.cfg, alias)
	if err != nil {
		return alias, nil, err
	}

	acquireStart := time.Now()
	e, err := p.Checkout(ctx)
	if err != nil {
		return alias, nil, fmt.Errorf("checking out backend for handshake: %w", err)
	}
	if d.metrics != nil {
		d.metrics.AcquireDuration(alias, time.Since(acquireStart))
	}

	if err := d.client.WriteAuthOK(); err != nil {
		e.Return()
		return alias, nil, fmt.Errorf("writing AuthenticationOk: %w", err)
	}
	if err := d.client.WriteServerParameters(e.ServerParameters); err != nil {
		e.Return()
		return alias, nil, fmt.Errorf("writing server parameters: %w", err)
	}
	e.Return()

	if err := d.client.WriteReadyForQuery(); err != nil {
		return alias, nil, fmt.Errorf("writing ReadyForQuery: %w", err)
	}
	return alias, p, nil
}

func handshakeFailureReason(err error) string {
	if errors.Is(err, ErrUnsupportedRequest) {
		return "unsupported_request"
	}
	var missingPW *pool.ErrMissingPassword
	if errors.As(err, &missingPW) {
		return "missing_password"
	}
	var unsupportedAuth *pool.ErrUnsupportedAuth
	if errors.As(err, &unsupportedAuth) {
		return "unsupported_auth"
	}
	return "error"
}
