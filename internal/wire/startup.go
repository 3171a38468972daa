package wire

import (
	"encoding/binary"
	"errors"
	"sort"
	"unicode/utf8"
)

// ErrInvalidStartup is returned by ParseStartup on malformed UTF-8 or a
// missing terminator when the buffer is known to contain the full message.
var ErrInvalidStartup = errors.New("wire: invalid startup message")

const (
	cancelRequestVersion int32 = 80877102
	sslRequestVersion    int32 = 80877103
)

// StartupKind distinguishes the three shapes a startup parse can produce.
type StartupKind int

const (
	// StartupRegular carries a fully decoded StartupMessage.
	StartupRegular StartupKind = iota
	// StartupSSLRequest is the client asking whether TLS is supported.
	StartupSSLRequest
	// StartupCancelRequest asks the server to cancel an in-flight query.
	StartupCancelRequest
)

// StartupDescriptor is the result of one successful ParseStartup call.
type StartupDescriptor struct {
	Kind    StartupKind
	Message StartupMessage // populated only when Kind == StartupRegular
}

// StartupMessage is the first message a client sends: a protocol version
// and a set of string parameters. A valid StartupMessage always has
// "user" and "database" entries by the time the handshake completes.
type StartupMessage struct {
	ProtocolVersion int32
	Parameters      map[string]string
}

// NewStartupMessage returns an empty StartupMessage ready for population.
func NewStartupMessage() StartupMessage {
	return StartupMessage{Parameters: make(map[string]string)}
}

// DatabaseName returns the "database" parameter, if present.
func (m StartupMessage) DatabaseName() (string, bool) {
	v, ok := m.Parameters["database"]
	return v, ok
}

// AsBytes serializes m back to wire format: a 4-byte length, the protocol
// version, each parameter as a cstring key/value pair, and a terminating
// NUL. Parameters are emitted in sorted key order for determinism — Go
// maps have no iteration order, and the protocol only requires that a
// round trip reproduce the same parameter set, not the same byte order.
func (m StartupMessage) AsBytes() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[4:8], uint32(m.ProtocolVersion))

	keys := make([]string, 0, len(m.Parameters))
	for k := range m.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		buf = append(buf, k...)
		buf = append(buf, 0)
		buf = append(buf, m.Parameters[k]...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)

	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf
}

// StartupParser decodes a startup/SSL/cancel message, which may be spread
// across multiple reads. Unlike Parser, it copies bytes out of the buffer
// as it goes, since the result must outlive the buffer it was read from.
type StartupParser struct {
	started    bool
	length     int
	bytesRead  int
	msg        StartupMessage
	pendingKey *string

	// partial holds a cstring (key or value) that has begun but not yet
	// seen its terminating NUL in the buffer handed to the current call.
	// The reference parser this is ported from panics in this situation;
	// here the in-progress bytes are buffered and resumed on the next
	// call instead.
	havePartial    bool
	partialIsValue bool
	partial        []byte
}

// NewStartupParser returns a StartupParser ready to decode a fresh
// connection's startup handshake.
func NewStartupParser() *StartupParser {
	return &StartupParser{}
}

// ParseStartup consumes as much of buffer as forms a complete startup,
// SSL-request, or cancel-request message, returning the number of bytes
// consumed and, if the message completed, its descriptor. A partial
// message (including one under 8 bytes) returns (0 or more, nil, nil);
// the caller must re-present the unconsumed tail on the next call.
func (p *StartupParser) ParseStartup(buffer []byte) (int, *StartupDescriptor, error) {
	offset := 0

	if !p.started {
		if len(buffer) < 4 {
			return 0, nil, nil
		}
		p.length = int(int32(binary.BigEndian.Uint32(buffer[0:4])))
		p.msg = NewStartupMessage()
		p.started = true
		offset += 4
		p.bytesRead += 4
	}

	if p.bytesRead < 8 {
		bytesToRead := len(buffer) - offset
		if bytesToRead < 4 {
			return offset, nil, nil
		}
		p.msg.ProtocolVersion = int32(binary.BigEndian.Uint32(buffer[offset : offset+4]))
		offset += 4
		p.bytesRead += 4
	}

	if p.msg.ProtocolVersion == cancelRequestVersion && p.length == 16 {
		p.reset()
		return 16, &StartupDescriptor{Kind: StartupCancelRequest}, nil
	}
	if p.msg.ProtocolVersion == sslRequestVersion && p.length == 8 {
		p.reset()
		return 8, &StartupDescriptor{Kind: StartupSSLRequest}, nil
	}

	for {
		// Every declared byte has been read without the closing NUL.
		if p.bytesRead >= p.length {
			p.reset()
			return offset, nil, ErrInvalidStartup
		}
		if offset >= len(buffer) {
			return offset, nil, nil
		}
		if !p.havePartial && p.pendingKey == nil && buffer[offset] == 0 {
			msg := p.msg
			p.reset()
			return offset + 1, &StartupDescriptor{Kind: StartupRegular, Message: msg}, nil
		}

		wantValue := p.pendingKey != nil
		if p.havePartial {
			wantValue = p.partialIsValue
		}

		str, n, complete := p.readCString(buffer[offset:], wantValue)
		offset += n
		if !complete {
			continue
		}
		if !utf8.ValidString(str) {
			p.reset()
			return offset, nil, ErrInvalidStartup
		}

		if !wantValue {
			p.pendingKey = &str
			continue
		}

		p.msg.Parameters[*p.pendingKey] = str
		p.pendingKey = nil
	}
}

// readCString reads a NUL-terminated string starting at buf[0], resuming
// any bytes buffered from a prior call. It returns the decoded string (only
// valid when complete is true), the number of new bytes from buf consumed,
// and whether the string's terminator was found.
func (p *StartupParser) readCString(buf []byte, isValue bool) (string, int, bool) {
	idx := -1
	for i, b := range buf {
		if b == 0 {
			idx = i
			break
		}
	}

	if idx == -1 {
		p.havePartial = true
		p.partialIsValue = isValue
		p.partial = append(p.partial, buf...)
		p.bytesRead += len(buf)
		return "", len(buf), false
	}

	var full []byte
	if p.havePartial {
		full = append(p.partial, buf[:idx]...)
	} else {
		full = buf[:idx]
	}
	consumed := idx + 1
	p.bytesRead += consumed
	p.havePartial = false
	p.partial = nil
	return string(full), consumed, true
}

func (p *StartupParser) reset() {
	p.started = false
	p.length = 0
	p.bytesRead = 0
	p.pendingKey = nil
	p.havePartial = false
	p.partialIsValue = false
	p.partial = nil
}
