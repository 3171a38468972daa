package session

import (
	"context"
	"fmt"
	"time"

	"github.com/tusqdb/tusq/internal/conn"
	"github.com/tusqdb/tusq/internal/pool"
	"github.com/tusqdb/tusq/internal/wire"
)

// firstWriteTimeout bounds the write that opens a transaction (the
// client message that checked out the backend). inTxWriteTimeout bounds
// every subsequent client->backend write during the transaction.
// Backend->client writes are never timed out: the client must absorb a
// result set at its own pace (spec §4.6.1, §9).
const (
	firstWriteTimeout = 5 * time.Second
	inTxWriteTimeout  = 30 * time.Second
)

type readOutcome struct {
	n   int
	err error
}

// ErrProtocolViolation is returned when a client sends anything other
// than Query or Terminate at the idle boundary between transactions
// (spec §4.6 step b). The reference implementation panics the whole
// process on this condition; per spec §9's explicit redesign guidance,
// this port closes only the offending session.
type ErrProtocolViolation struct{ Tag byte }

func (e *ErrProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: unexpected message tag %q at idle boundary", e.Tag)
}

// idleTag returns the tag of the message that opened this read, used to
// dispatch at the outer-loop idle boundary. With no descriptors it returns
// the zero value; loop never dispatches on that, since a read of fewer than
// five bytes at a frame boundary produces no descriptor and loop waits for
// more bytes instead.
func idleTag(msgs []wire.Descriptor) byte {
	if len(msgs) == 0 {
		return 0
	}
	return msgs[0].Tag
}

// containsTag reports whether any descriptor in msgs carries tag.
func containsTag(msgs []wire.Descriptor, tag byte) bool {
	for _, d := range msgs {
		if d.Tag == tag {
			return true
		}
	}
	return false
}

// startRead performs one ReadAndParse call on its own goroutine and
// reports the outcome on the returned channel. A read is never cancelled
// mid-flight: if the caller's select picks a different case first, this
// goroutine is simply left to finish (or to keep blocking until the
// connection closes) and its result, once ready, sits buffered on the
// channel until something reads it.
func startRead(f *conn.Framed) <-chan readOutcome {
	ch := make(chan readOutcome, 1)
	go func() {
		n, err := f.ReadAndParse()
		ch <- readOutcome{n, err}
	}()
	return ch
}

// clientReader owns the single in-flight ReadAndParse call on the client
// connection for the whole lifetime of a session. Exactly one read must
// ever be outstanding on a *conn.Framed, since ReadAndParse mutates
// unguarded shared state (Buf, Msgs, carry) — so ownership of the pending
// read is handed from the outer idle loop into runTransaction and back
// again rather than each side starting its own. restart must only be
// called once the previous read's result has been received from ch.
type clientReader struct {
	f  *conn.Framed
	ch chan readOutcome
}

func newClientReader(f *conn.Framed) *clientReader {
	cr := &clientReader{f: f}
	cr.restart()
	return cr
}

func (cr *clientReader) restart() {
	ch := make(chan readOutcome, 1)
	cr.ch = ch
	go func() {
		n, err := cr.f.ReadAndParse()
		ch <- readOutcome{n, err}
	}()
}

// loop drives the sequence of pooled transactions for one client
// connection: wait for the next client message or shutdown, inspect its
// tag at this idle boundary (spec §4.6 step b), then either open a
// transaction, close cleanly, or fail on a protocol violation. A
// transaction opened this way relays until the backend reports
// ReadyForQuery('I'), after which the backend is returned and the loop
// waits for the next message.
func (d *Driver) loop(ctx context.Context, p *pool.DBPool, alias string) error {
	cr := newClientReader(d.client)
	for {
		select {
		case <-d.shutdown:
			return nil
		case res := <-cr.ch:
			if res.err != nil {
				return res.err
			}
			if len(d.client.Msgs) == 0 {
				// Too few bytes to frame yet; they are carried into the next read.
				cr.restart()
				continue
			}

			switch tag := idleTag(d.client.Msgs); tag {
			case 'Q':
				if err := d.runTransaction(ctx, p, alias, res.n, cr); err != nil {
					return err
				}
			case 'X':
				return nil
			default:
				if d.metrics != nil {
					d.metrics.ProtocolViolation(alias)
				}
				return &ErrProtocolViolation{Tag: tag}
			}
		}
	}
}

// runTransaction checks out one backend, forwards the bytes of the client
// message that opened the transaction, and relays in both directions
// until the backend's ReadyForQuery marks the transaction boundary (spec
// §4.6.1). The backend is always returned to the pool on the way out;
// DBPool.Return retires it instead of reinserting it if InTransaction is
// still set, which is the case for every exit path here except a clean
// ReadyForQuery('I').
func (d *Driver) runTransaction(ctx context.Context, p *pool.DBPool, alias string, clientBytes int, cr *clientReader) error {
	start := time.Now()
	e, err := p.Checkout(ctx)
	if err != nil {
		return fmt.Errorf("checking out backend: %w", err)
	}
	e.InTransaction = true

	defer func() {
		if d.metrics != nil {
			d.metrics.TransactionCompleted(alias, time.Since(start))
		}
		e.Return()
	}()

	if err := forward(e.Framed, d.client.Buf[:clientBytes], firstWriteTimeout); err != nil {
		return fmt.Errorf("forwarding client message to backend: %w", err)
	}

	// The read that produced clientBytes has already been consumed by the
	// caller (loop's idle-boundary select); begin the next client read
	// before waiting on it here, so ownership of the single in-flight
	// client read transfers cleanly into this transaction.
	cr.restart()
	serverCh := startRead(e.Framed)
	var tracker txTracker

	for {
		select {
		case res := <-cr.ch:
			if res.err != nil {
				if d.metrics != nil {
					d.metrics.DirtyDisconnect(alias)
				}
				return res.err
			}
			if err := forward(e.Framed, d.client.Buf[:res.n], inTxWriteTimeout); err != nil {
				return fmt.Errorf("forwarding client message to backend: %w", err)
			}
			if containsTag(d.client.Msgs, 'X') {
				if d.metrics != nil {
					d.metrics.DirtyDisconnect(alias)
				}
				return fmt.Errorf("client terminated mid-transaction")
			}
			cr.restart()

		case res := <-serverCh:
			if res.err != nil {
				return res.err
			}
			if err := forward(d.client, e.Buf[:res.n], 0); err != nil {
				return fmt.Errorf("forwarding backend message to client: %w", err)
			}
			if status, done := tracker.observe(e.Buf[:res.n], e.Msgs); done && status == 'I' {
				e.InTransaction = false
				return nil
			}
			if containsTag(e.Msgs, 'X') {
				return fmt.Errorf("backend closed the connection mid-transaction")
			}
			serverCh = startRead(e.Framed)
		}
	}
}

// forward writes payload to dst in full. timeout of zero means untimed —
// used for backend->client writes, which must not be bounded since the
// client may absorb a large result set slowly (spec §4.6.1, §9).
func forward(dst *conn.Framed, payload []byte, timeout time.Duration) error {
	if len(payload) == 0 {
		return nil
	}
	timedOut, err := dst.WriteAll(payload, timeout)
	if err != nil {
		dst.Broken = true
		return err
	}
	if timedOut {
		dst.Broken = true
		return fmt.Errorf("timed out after %s", timeout)
	}
	return nil
}
