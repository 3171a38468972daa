package session

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/tusqdb/tusq/internal/config"
	"github.com/tusqdb/tusq/internal/pool"
)

// fakeBackend is a minimal PostgreSQL server good enough to drive the
// client-side session Driver through a full happy-path transaction
// (spec.md §8 scenario 1): it answers the startup handshake with AuthOk,
// a couple of ParameterStatus entries and ReadyForQuery, then answers any
// subsequent Query with a CommandComplete and ReadyForQuery.
type fakeBackend struct {
	ln net.Listener
}

func startFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("starting fake backend: %v", err)
	}
	fb := &fakeBackend{ln: ln}
	go fb.acceptLoop(t)
	return fb
}

func (fb *fakeBackend) acceptLoop(t *testing.T) {
	for {
		c, err := fb.ln.Accept()
		if err != nil {
			return
		}
		go fb.serve(t, c)
	}
}

func (fb *fakeBackend) serve(t *testing.T, c net.Conn) {
	defer c.Close()

	// Drain the startup message.
	if err := discardStartupBytes(c); err != nil {
		return
	}

	writeRawMessage(c, 'R', []byte{0, 0, 0, 0}) // AuthenticationOk
	writeRawMessage(c, 'S', []byte("server_version\x0016.0\x00"))
	writeRawMessage(c, 'S', []byte("client_encoding\x00UTF8\x00"))
	writeRawMessage(c, 'Z', []byte{'I'})

	buf := make([]byte, 8192)
	for {
		n, err := c.Read(buf)
		if n == 0 || err != nil {
			return
		}
		// Whatever the client sent (a Query), answer with
		// CommandComplete then ReadyForQuery(I).
		writeRawMessage(c, 'C', []byte("SELECT 1\x00"))
		writeRawMessage(c, 'Z', []byte{'I'})
	}
}

func (fb *fakeBackend) addr() string {
	return fb.ln.Addr().String()
}

func (fb *fakeBackend) stop() {
	fb.ln.Close()
}

func writeRawMessage(c net.Conn, tag byte, payload []byte) {
	buf := make([]byte, 0, 5+len(payload))
	buf = append(buf, tag)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(4+len(payload)))
	buf = append(buf, lenBuf...)
	buf = append(buf, payload...)
	c.Write(buf)
}

func discardStartupBytes(c net.Conn) error {
	var lenBuf [4]byte
	if _, err := readFullBytes(c, lenBuf[:]); err != nil {
		return err
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
	rest := make([]byte, n)
	if n > 0 {
		if _, err := readFullBytes(c, rest); err != nil {
			return err
		}
	}
	return nil
}

func readFullBytes(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func buildClientStartup(params map[string]string) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[4:8], 196608)
	for k, v := range params {
		buf = append(buf, k...)
		buf = append(buf, 0)
		buf = append(buf, v...)
		buf = append(buf, 0)
	}
	buf = append(buf, 0)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	return buf
}

func buildClientQuery(sql string) []byte {
	payload := append([]byte(sql), 0)
	buf := []byte{'Q', 0, 0, 0, 0}
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	return append(buf, payload...)
}

// TestDriverHappyPathAndGracefulClose exercises spec.md §8 scenarios 1
// and 2 end to end: startup handshake, one query-response transaction
// pooling a real (fake) backend, then a clean client Terminate.
func TestDriverHappyPathAndGracefulClose(t *testing.T) {
	backend := startFakeBackend(t)
	defer backend.stop()

	host, port, err := net.SplitHostPort(backend.addr())
	if err != nil {
		t.Fatalf("splitting backend address: %v", err)
	}

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"my_db_alias": {Host: host, Port: port, DBName: "my_db_alias", User: "postgres", PoolSize: 5},
		},
	}
	handle := config.NewHandle(cfg)
	registry := pool.NewManager()
	defer registry.Close()

	clientSide, serverSide := net.Pipe()
	shutdown := make(chan struct{})
	d := New(serverSide, registry, handle, nil, shutdown)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	startup := buildClientStartup(map[string]string{"user": "postgres", "database": "my_db_alias"})
	if _, err := clientSide.Write(startup); err != nil {
		t.Fatalf("writing startup: %v", err)
	}

	// AuthenticationOk.
	msg := readClientMessage(t, clientSide)
	if msg.tag != 'R' {
		t.Fatalf("expected AuthenticationOk, got tag %q", msg.tag)
	}

	// Server parameters (order not guaranteed; read until ReadyForQuery).
	var sawServerVersion bool
	for {
		msg = readClientMessage(t, clientSide)
		if msg.tag == 'Z' {
			break
		}
		if msg.tag != 'S' {
			t.Fatalf("expected ParameterStatus or ReadyForQuery, got %q", msg.tag)
		}
		if len(msg.payload) >= len("server_version") && string(msg.payload[:len("server_version")]) == "server_version" {
			sawServerVersion = true
		}
	}
	if !sawServerVersion {
		t.Error("expected to see the backend's server_version parameter forwarded")
	}
	if msg.payload[0] != 'I' {
		t.Errorf("expected ReadyForQuery status 'I', got %q", msg.payload[0])
	}

	// Send a query; expect it relayed to the backend and the response
	// relayed back.
	if _, err := clientSide.Write(buildClientQuery("SELECT 1")); err != nil {
		t.Fatalf("writing query: %v", err)
	}

	msg = readClientMessage(t, clientSide)
	if msg.tag != 'C' {
		t.Fatalf("expected CommandComplete, got %q", msg.tag)
	}
	msg = readClientMessage(t, clientSide)
	if msg.tag != 'Z' || msg.payload[0] != 'I' {
		t.Fatalf("expected ReadyForQuery(I) ending the transaction, got %+v", msg)
	}

	// Graceful close: client sends Terminate.
	terminate := []byte{'X', 0, 0, 0, 4}
	if _, err := clientSide.Write(terminate); err != nil {
		t.Fatalf("writing terminate: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not exit after client Terminate")
	}
}

// TestDriverProtocolViolationAtIdleBoundary exercises spec.md §4.6 step
// b / §9's redesign: a message other than Query or Terminate at the idle
// boundary closes only this one session, without opening a transaction
// or touching the pool.
func TestDriverProtocolViolationAtIdleBoundary(t *testing.T) {
	backend := startFakeBackend(t)
	defer backend.stop()

	host, port, err := net.SplitHostPort(backend.addr())
	if err != nil {
		t.Fatalf("splitting backend address: %v", err)
	}

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"my_db_alias": {Host: host, Port: port, DBName: "my_db_alias", User: "postgres", PoolSize: 5},
		},
	}
	handle := config.NewHandle(cfg)
	registry := pool.NewManager()
	defer registry.Close()

	clientSide, serverSide := net.Pipe()
	shutdown := make(chan struct{})
	d := New(serverSide, registry, handle, nil, shutdown)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	startup := buildClientStartup(map[string]string{"user": "postgres", "database": "my_db_alias"})
	if _, err := clientSide.Write(startup); err != nil {
		t.Fatalf("writing startup: %v", err)
	}
	for {
		msg := readClientMessage(t, clientSide)
		if msg.tag == 'Z' {
			break
		}
	}

	// A 'P' (Parse) at the idle boundary is a protocol violation: tusq
	// never implements the extended query protocol.
	violation := []byte{'P', 0, 0, 0, 4}
	if _, err := clientSide.Write(violation); err != nil {
		t.Fatalf("writing violating message: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not exit after a protocol violation")
	}

	if p, ok := registry.Get("my_db_alias"); ok {
		if stats := p.Stats(); stats.Active != 0 {
			t.Errorf("expected no active backend connections after a protocol violation, got %d", stats.Active)
		}
	}
}

type clientMessage struct {
	tag     byte
	payload []byte
}

func readClientMessage(t *testing.T, c net.Conn) clientMessage {
	t.Helper()
	var typeBuf [1]byte
	if _, err := readFullBytes(c, typeBuf[:]); err != nil {
		t.Fatalf("reading message tag: %v", err)
	}
	var lenBuf [4]byte
	if _, err := readFullBytes(c, lenBuf[:]); err != nil {
		t.Fatalf("reading message length: %v", err)
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
	payload := make([]byte, n)
	if n > 0 {
		if _, err := readFullBytes(c, payload); err != nil {
			t.Fatalf("reading message payload: %v", err)
		}
	}
	return clientMessage{tag: typeBuf[0], payload: payload}
}
