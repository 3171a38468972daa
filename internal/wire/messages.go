package wire

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
)

// PasswordCleartext builds a PasswordMessage carrying password as plain
// text: 'p' + length + cstring(password).
func PasswordCleartext(password string) []byte {
	msg := make([]byte, 0, 6+len(password))
	msg = append(msg, 'p')
	msg = append(msg, 0, 0, 0, 0)
	msg = append(msg, password...)
	msg = append(msg, 0)
	binary.BigEndian.PutUint32(msg[1:5], uint32(len(msg)-1))
	return msg
}

// PasswordMD5 builds a PasswordMessage carrying the MD5 challenge-response
// hash PostgreSQL expects:
// "md5" + hex(md5(hex(md5(password+user)) + salt)).
func PasswordMD5(user, password string, salt []byte) []byte {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])

	outerInput := make([]byte, 0, len(innerHex)+len(salt))
	outerInput = append(outerInput, innerHex...)
	outerInput = append(outerInput, salt...)
	outer := md5.Sum(outerInput)

	hash := "md5" + hex.EncodeToString(outer[:])

	msg := make([]byte, 0, 6+len(hash))
	msg = append(msg, 'p')
	msg = append(msg, 0, 0, 0, 0)
	msg = append(msg, hash...)
	msg = append(msg, 0)
	binary.BigEndian.PutUint32(msg[1:5], uint32(len(msg)-1))
	return msg
}

// AuthOK builds the 9-byte AuthenticationOk message: 'R' + i32(8) + i32(0).
func AuthOK() []byte {
	msg := make([]byte, 9)
	msg[0] = 'R'
	binary.BigEndian.PutUint32(msg[1:5], 8)
	binary.BigEndian.PutUint32(msg[5:9], 0)
	return msg
}

// ReadyForQuery builds the 6-byte ReadyForQuery(idle) message:
// 'Z' + i32(5) + 'I'.
func ReadyForQuery() []byte {
	msg := make([]byte, 6)
	msg[0] = 'Z'
	binary.BigEndian.PutUint32(msg[1:5], 5)
	msg[5] = 'I'
	return msg
}

// ServerParameter builds a ParameterStatus message:
// 'S' + length + cstring(key) + cstring(value).
func ServerParameter(key, value string) []byte {
	msg := make([]byte, 0, 6+len(key)+len(value))
	msg = append(msg, 'S')
	msg = append(msg, 0, 0, 0, 0)
	msg = append(msg, key...)
	msg = append(msg, 0)
	msg = append(msg, value...)
	msg = append(msg, 0)
	binary.BigEndian.PutUint32(msg[1:5], uint32(len(msg)-1))
	return msg
}

// ErrorResponse builds a minimal ErrorResponse with severity, SQLSTATE
// code, and message text fields, matching the field layout the teacher's
// sendPGError used: each field is a type byte plus a cstring, terminated
// by a final NUL.
func ErrorResponse(severity, code, message string) []byte {
	msg := make([]byte, 0, 16+len(severity)+len(code)+len(message))
	msg = append(msg, 'E')
	msg = append(msg, 0, 0, 0, 0)
	msg = append(msg, 'S')
	msg = append(msg, severity...)
	msg = append(msg, 0)
	msg = append(msg, 'C')
	msg = append(msg, code...)
	msg = append(msg, 0)
	msg = append(msg, 'M')
	msg = append(msg, message...)
	msg = append(msg, 0)
	msg = append(msg, 0)
	binary.BigEndian.PutUint32(msg[1:5], uint32(len(msg)-1))
	return msg
}
