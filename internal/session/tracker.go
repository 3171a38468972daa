package session

import "github.com/tusqdb/tusq/internal/wire"

// txTracker watches the descriptors produced for one backend connection
// and extracts the transaction status byte of a ReadyForQuery message,
// whether it arrives whole or split across reads. ReadyForQuery is always
// exactly 6 bytes on the wire (tag, 4-byte length, 1-byte status), and the
// status byte sits at relative offset 4 within the length-and-payload
// region the parser tracks — but a read boundary can land anywhere inside
// those 6 bytes, including before the status byte itself arrives.
type txTracker struct {
	pending bool
	haveLen int
}

// observe scans the descriptors from one ReadAndParse call against the
// buffer they were produced from. It returns the status byte and true
// once a ReadyForQuery has been fully observed.
func (t *txTracker) observe(buf []byte, msgs []wire.Descriptor) (byte, bool) {
	for _, d := range msgs {
		if t.pending {
			contLen := d.End + 1
			statusPos := 4 - t.haveLen
			if statusPos >= 0 && statusPos < contLen {
				status := buf[statusPos]
				t.reset()
				return status, true
			}
			t.haveLen += contLen
			if d.Kind != wire.PartialHead {
				t.reset()
			}
			continue
		}

		switch d.Kind {
		case wire.Complete:
			if d.Tag == 'Z' {
				return buf[d.End], true
			}
		case wire.PartialHead:
			if d.Tag == 'Z' {
				t.pending = true
				t.haveLen = d.End - d.Start
			}
		}
	}
	return 0, false
}

func (t *txTracker) reset() {
	t.pending = false
	t.haveLen = 0
}
