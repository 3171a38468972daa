// Package wire implements an incremental, zero-copy-friendly decoder for
// the PostgreSQL v3 frontend/backend protocol. The parser never owns a
// buffer: it returns descriptors that reference byte ranges within a
// caller-supplied slice, so bytes read from a socket can be relayed to the
// other side of a proxy without being copied.
package wire

import (
	"encoding/binary"
	"errors"
)

// ErrInvalidFrame is returned by Parse when a message's declared length is
// too small to be valid (it must be at least 4, covering the length field
// itself).
var ErrInvalidFrame = errors.New("wire: invalid frame length")

// Kind distinguishes the three shapes a Descriptor can take.
type Kind int

const (
	// Complete means both the tag and the entire payload lie within the
	// buffer this descriptor was produced from.
	Complete Kind = iota
	// PartialHead means the message begins in this buffer but does not
	// finish; End is the last byte of this buffer belonging to it.
	PartialHead
	// PartialTail means this is the continuation of a message begun in a
	// prior buffer.
	PartialTail
)

// Descriptor is a non-owning reference to one framed message within a
// borrowed byte buffer. Start and End are inclusive byte offsets into that
// buffer. PartialTail descriptors carry a zero Start; only End is
// meaningful for them.
type Descriptor struct {
	Kind  Kind
	Tag   byte
	Start int
	End   int
}

// Parser decodes a stream of byte buffers into message Descriptors. It
// tracks only framing state (the in-progress tag, declared length, and
// bytes consumed so far) across calls to Parse; it never validates
// payload contents.
type Parser struct {
	haveMsg   bool
	msgType   byte
	msgLength int
	bytesRead int
}

// NewParser returns a Parser ready to decode a fresh connection's stream.
func NewParser() *Parser {
	return &Parser{}
}

// Parse appends descriptors for every complete or partial frame starting
// at the origin of buffer, and returns the number of bytes that form
// complete descriptors produced during this call. The tail of buffer that
// could not be framed — fewer than 5 bytes remain at a frame boundary, or
// an in-progress payload is still pending — is the caller's responsibility
// to preserve and re-present as the prefix of the next call.
func (p *Parser) Parse(buffer []byte, out *[]Descriptor) (int, error) {
	offset := 0

	if len(buffer) < 5 && !p.haveMsg {
		return 0, nil
	}

	// A continuation of an in-progress message is consumed even when fewer
	// than 5 bytes arrived; the 5-byte minimum applies at frame boundaries.
	for offset < len(buffer)-4 || (p.haveMsg && offset == 0 && len(buffer) > 0) {
		if p.haveMsg {
			remaining := p.msgLength - p.bytesRead
			bytesToRead := len(buffer)
			if remaining < bytesToRead {
				bytesToRead = remaining
			}
			remaining -= bytesToRead

			if remaining == 0 && offset == 0 {
				*out = append(*out, Descriptor{Kind: PartialTail, Tag: p.msgType, End: bytesToRead - 1})
				offset += bytesToRead
				p.reset()
				continue
			}

			*out = append(*out, Descriptor{Kind: PartialHead, Tag: p.msgType, Start: offset, End: offset + bytesToRead - 1})
			offset += bytesToRead
			p.bytesRead += bytesToRead
			continue
		}

		msgType := buffer[offset]
		offset++
		declared := int(int32(binary.BigEndian.Uint32(buffer[offset : offset+4])))
		if declared < 4 {
			return offset - 1, ErrInvalidFrame
		}
		p.msgType = msgType
		p.msgLength = declared

		remaining := p.msgLength - p.bytesRead
		bytesToRead := len(buffer) - offset
		if remaining < bytesToRead {
			bytesToRead = remaining
		}
		remaining -= bytesToRead
		p.bytesRead += bytesToRead

		if remaining == 0 {
			*out = append(*out, Descriptor{Kind: Complete, Tag: msgType, Start: offset - 1, End: offset + bytesToRead - 1})
			p.reset()
		} else {
			p.haveMsg = true
			*out = append(*out, Descriptor{Kind: PartialHead, Tag: msgType, Start: offset - 1, End: offset + bytesToRead - 1})
		}

		offset += bytesToRead
	}

	return offset, nil
}

func (p *Parser) reset() {
	p.haveMsg = false
	p.msgType = 0
	p.msgLength = 0
	p.bytesRead = 0
}
