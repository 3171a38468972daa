package pool

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/tusqdb/tusq/internal/wire"
)

// ErrMissingPassword is returned when the backend requests password
// authentication but none is configured for the database alias.
type ErrMissingPassword struct{ Alias string }

func (e *ErrMissingPassword) Error() string {
	return fmt.Sprintf("database %q: backend requires a password but none is configured", e.Alias)
}

// ErrUnsupportedAuth is returned when the backend requests an
// authentication method tusq does not implement (anything other than
// AuthOk, cleartext, or MD5 — SCRAM and GSS are explicit non-goals).
type ErrUnsupportedAuth struct{ AuthType uint32 }

func (e *ErrUnsupportedAuth) Error() string {
	return fmt.Sprintf("unsupported authentication method requested by backend: %d", e.AuthType)
}

// ErrUpstreamError wraps an ErrorResponse received from the backend during
// the startup/authentication handshake.
type ErrUpstreamError struct{ Message string }

func (e *ErrUpstreamError) Error() string {
	return fmt.Sprintf("backend error during handshake: %s", e.Message)
}

// authenticate runs the server-side startup state machine
// against a freshly dialed backend: send a synthesized StartupMessage,
// answer whatever authentication challenge comes back, collect
// ParameterStatus entries, and stop at ReadyForQuery('I').
func (p *DBPool) authenticate(e *Entry) error {
	startup := wire.StartupMessage{
		ProtocolVersion: 196608,
		Parameters: map[string]string{
			"user":             p.user,
			"database":         p.dbname,
			"application_name": "tusq",
		},
	}
	if _, err := e.Write(startup.AsBytes()); err != nil {
		return fmt.Errorf("sending startup message: %w", err)
	}

	for {
		var typeBuf [1]byte
		if _, err := io.ReadFull(e, typeBuf[:]); err != nil {
			return fmt.Errorf("reading message type: %w", err)
		}
		msgType := typeBuf[0]

		var lenBuf [4]byte
		if _, err := io.ReadFull(e, lenBuf[:]); err != nil {
			return fmt.Errorf("reading message length: %w", err)
		}
		payloadLen := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
		if payloadLen < 0 || payloadLen > 1<<24 {
			return fmt.Errorf("invalid message length: %d", payloadLen)
		}
		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(e, payload); err != nil {
				return fmt.Errorf("reading payload: %w", err)
			}
		}

		switch msgType {
		case 'R':
			if len(payload) < 4 {
				return fmt.Errorf("authentication message too short")
			}
			authType := binary.BigEndian.Uint32(payload[:4])
			switch authType {
			case 0: // AuthenticationOk
				continue
			case 3: // AuthenticationCleartextPassword
				if p.password == "" {
					return &ErrMissingPassword{Alias: p.alias}
				}
				if _, err := e.Write(wire.PasswordCleartext(p.password)); err != nil {
					return fmt.Errorf("sending cleartext password: %w", err)
				}
			case 5: // AuthenticationMD5Password
				if len(payload) < 8 {
					return fmt.Errorf("MD5 auth message too short")
				}
				if p.password == "" {
					return &ErrMissingPassword{Alias: p.alias}
				}
				salt := payload[4:8]
				if _, err := e.Write(wire.PasswordMD5(p.user, p.password, salt)); err != nil {
					return fmt.Errorf("sending MD5 password: %w", err)
				}
			default:
				return &ErrUnsupportedAuth{AuthType: authType}
			}

		case 'S': // ParameterStatus
			key, val := parseNullTerminatedPair(payload)
			if key != "" {
				e.ServerParameters[key] = val
			}

		case 'K': // BackendKeyData — not surfaced further; cancel-request
			// forwarding is an explicit non-goal, so the pid/secret are
			// read only to keep the stream framed.

		case 'Z': // ReadyForQuery
			if len(payload) < 1 {
				return fmt.Errorf("ReadyForQuery message missing status byte")
			}
			if payload[0] == 'I' {
				return nil
			}
			return fmt.Errorf("unexpected transaction status after auth: %c", payload[0])

		case 'E': // ErrorResponse
			return &ErrUpstreamError{Message: parseErrorMessage(payload)}

		default:
			continue
		}
	}
}

func parseNullTerminatedPair(data []byte) (string, string) {
	for i := 0; i < len(data); i++ {
		if data[i] == 0 {
			key := string(data[:i])
			rest := data[i+1:]
			for j := 0; j < len(rest); j++ {
				if rest[j] == 0 {
					return key, string(rest[:j])
				}
			}
			return key, string(rest)
		}
	}
	return "", ""
}

func parseErrorMessage(payload []byte) string {
	for i := 0; i < len(payload); i++ {
		fieldType := payload[i]
		if fieldType == 0 {
			break
		}
		i++
		end := i
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		if fieldType == 'M' {
			return string(payload[i:end])
		}
		i = end
	}
	return "unknown error"
}
