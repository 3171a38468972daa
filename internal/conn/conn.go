// Package conn pairs a net.Conn with the framing state needed to turn a
// raw socket into a stream of wire.Descriptors: a primary read buffer, a
// small carry-over buffer for a frame that straddled two reads, and timed
// write helpers.
package conn

import (
	"errors"
	"net"
	"time"

	"github.com/tusqdb/tusq/internal/wire"
)

const (
	bufferSize = 8 * 1024
	carrySize  = 8
)

// ErrDisconnected is returned by ReadAndParse when the peer closed the
// connection (a read returned zero bytes). Broken is set before it is
// returned.
var ErrDisconnected = errors.New("conn: disconnected")

// ErrClosed is returned by IsValid when the socket reports EOF on its
// probe, or when it is already closed and refuses a read deadline.
var ErrClosed = errors.New("conn: closed")

// ErrUnexpected is returned by IsValid when the socket has bytes readable
// that the checkout path did not expect — stale data or an unsolicited
// server message, either of which makes the connection unsafe to reuse.
var ErrUnexpected = errors.New("conn: unexpected readable data")

// Framed pairs a socket with the buffers and parser state needed to
// produce wire.Descriptors and to perform timed writes. A Framed is owned
// exclusively by whichever goroutine currently holds it — the session
// driver for a client connection, or the pool (at rest) / a single
// borrowing session (checked out) for a server connection.
type Framed struct {
	net.Conn

	parser *wire.Parser

	// Buf is the primary read buffer. Descriptors in Msgs reference byte
	// ranges within it; a caller forwarding a parsed message slices Buf
	// directly rather than copying. It is only valid until the next
	// ReadAndParse call.
	Buf   []byte
	carry []byte

	// Msgs holds descriptors produced by the most recent ReadAndParse
	// call, in order. The caller drains it before the next call — a
	// descriptor references buf and is invalidated once buf is refilled.
	Msgs []wire.Descriptor

	// ServerParameters holds the upstream's ParameterStatus values,
	// populated during the server-side startup handshake.
	ServerParameters map[string]string

	// Startup caches the client's StartupMessage once decoded.
	Startup *wire.StartupMessage

	// Broken is set once an EOF or I/O error has been observed on this
	// connection. A broken connection must never be returned to a pool.
	Broken bool

	// InTransaction is set when a transaction has been started on this
	// backend and has not yet been observed to close via
	// ReadyForQuery('I'). A connection returned with this still true must
	// be retired, not reused.
	InTransaction bool
}

// New wraps conn with fresh framing state.
func New(c net.Conn) *Framed {
	return &Framed{
		Conn:             c,
		parser:           wire.NewParser(),
		Buf:              make([]byte, bufferSize),
		carry:            make([]byte, 0, carrySize),
		ServerParameters: make(map[string]string),
	}
}

// ReadAndParse copies any carried-over bytes to the head of the primary
// buffer, reads into the remainder, runs the parser over the combined
// range, and carries the unparsed tail forward for the next call. It
// returns the number of bytes consumed into descriptors appended to Msgs.
func (f *Framed) ReadAndParse() (int, error) {
	f.Msgs = f.Msgs[:0]
	carried := copy(f.Buf, f.carry)

	n, err := f.Conn.Read(f.Buf[carried:])
	if n == 0 {
		f.Broken = true
		return 0, ErrDisconnected
	}

	// A read can yield bytes together with a non-nil error (EOF delivered
	// with the final chunk, or a deadline expiring after a partial read).
	// The bytes are still real and may complete a pending frame, so parse
	// them before surfacing the error.
	toParse := carried + n
	parsed, perr := f.parser.Parse(f.Buf[:toParse], &f.Msgs)
	if perr != nil {
		f.Broken = true
		return parsed, perr
	}
	f.carry = append(f.carry[:0], f.Buf[parsed:toParse]...)

	if err != nil {
		f.Broken = true
		return parsed, err
	}
	return parsed, nil
}

// WriteAll writes payload in full. If timeout is positive and elapses
// before the write completes, timedOut is true and err is nil — a timeout
// is a value the caller inspects, not an error. Concurrent writes on the
// same connection are not supported.
func (f *Framed) WriteAll(payload []byte, timeout time.Duration) (timedOut bool, err error) {
	if timeout <= 0 {
		_, err = writeFull(f.Conn, payload)
		return false, err
	}

	if err = f.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return false, err
	}
	defer f.Conn.SetWriteDeadline(time.Time{})

	_, err = writeFull(f.Conn, payload)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return true, nil
		}
		return false, err
	}
	return false, nil
}

func writeFull(c net.Conn, payload []byte) (int, error) {
	total := 0
	for total < len(payload) {
		n, err := c.Write(payload[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// IsValid performs a read probe bounded by a one-millisecond deadline: a
// closed socket fails with ErrClosed, a socket with bytes already readable
// fails with ErrUnexpected (it would indicate stale data or an unsolicited
// message), and anything else — the read timed out with nothing to read —
// confirms the connection is idle and safe to hand out.
func (f *Framed) IsValid() (bool, error) {
	// A deadline already in the past makes Read fail before it looks for
	// data, so the probe needs a deadline slightly in the future.
	if err := f.Conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false, ErrClosed
	}
	defer f.Conn.SetReadDeadline(time.Time{})

	var probe [1]byte
	n, err := f.Conn.Read(probe[:])
	switch {
	case n > 0:
		return false, ErrUnexpected
	case err == nil:
		return false, ErrClosed
	case isTimeout(err):
		return true, nil
	default:
		return false, ErrClosed
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// WriteAuthOK writes an AuthenticationOk message.
func (f *Framed) WriteAuthOK() error {
	_, err := writeFull(f.Conn, wire.AuthOK())
	return err
}

// WriteReadyForQuery writes a ReadyForQuery(idle) message.
func (f *Framed) WriteReadyForQuery() error {
	_, err := writeFull(f.Conn, wire.ReadyForQuery())
	return err
}

// WriteServerParameters writes one ParameterStatus message per entry in
// params.
func (f *Framed) WriteServerParameters(params map[string]string) error {
	payload := make([]byte, 0, 64*len(params))
	for k, v := range params {
		payload = append(payload, wire.ServerParameter(k, v)...)
	}
	_, err := writeFull(f.Conn, payload)
	return err
}
