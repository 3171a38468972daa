package session

import (
	"fmt"
	"io"
	"net"

	"github.com/tusqdb/tusq/internal/wire"
)

// ErrUnsupportedRequest is returned when the client's first message is a
// CancelRequest. Forwarding a cancel to the right backend would require
// tracking the BackendKeyData issued to a long-gone session, which is out
// of scope — the connection is closed instead.
var ErrUnsupportedRequest = fmt.Errorf("wire: unsupported request on new connection")

// readStartup reads from c, feeding a fresh StartupParser, until a
// complete StartupDescriptor is produced. Unlike the naive single-read
// approach, it loops: a startup message that straddles more than one TCP
// segment (an unusually long application_name, many parameters) is still
// decoded correctly rather than rejected.
func readStartup(c net.Conn, sp *wire.StartupParser) (*wire.StartupDescriptor, error) {
	buf := make([]byte, 8192)
	var carry []byte
	for {
		n, err := c.Read(buf)
		if n == 0 {
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}

		data := append(append([]byte(nil), carry...), buf[:n]...)
		consumed, desc, perr := sp.ParseStartup(data)
		if perr != nil {
			return nil, perr
		}
		if desc != nil {
			return desc, nil
		}
		carry = append(carry[:0], data[consumed:]...)
	}
}

// negotiateStartup drives the client side of the opening handshake (spec
// §4.1/§4.3): deny TLS if offered, reject a bare cancel request, and
// return the decoded StartupMessage for a regular connection attempt.
func negotiateStartup(c net.Conn) (*wire.StartupMessage, error) {
	sp := wire.NewStartupParser()
	desc, err := readStartup(c, sp)
	if err != nil {
		return nil, fmt.Errorf("reading startup message: %w", err)
	}

	if desc.Kind == wire.StartupSSLRequest {
		if _, err := c.Write([]byte{'N'}); err != nil {
			return nil, fmt.Errorf("denying SSL request: %w", err)
		}
		desc, err = readStartup(c, sp)
		if err != nil {
			return nil, fmt.Errorf("reading startup message after SSL denial: %w", err)
		}
	}

	switch desc.Kind {
	case wire.StartupRegular:
		msg := desc.Message
		return &msg, nil
	default:
		return nil, ErrUnsupportedRequest
	}
}
