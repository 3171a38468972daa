package pool

import (
	"net"
	"testing"
	"time"
)

func TestEntryStates(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	e := newEntry(client, "app", nil)
	if e.state != stateIdle {
		t.Error("new entry should be idle")
	}

	e.markActive()
	if e.state != stateActive {
		t.Error("should be active after markActive")
	}

	e.markIdle()
	if e.state != stateIdle {
		t.Error("should be idle after markIdle")
	}
}

func TestEntryExpiry(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	e := newEntry(client, "app", nil)
	if e.isExpired(5 * time.Minute) {
		t.Error("new entry should not be expired")
	}
	if e.isExpired(0) {
		t.Error("zero max lifetime should never expire")
	}

	time.Sleep(2 * time.Millisecond)
	if !e.isExpired(1 * time.Millisecond) {
		t.Error("entry should be expired with a 1ms max lifetime after a 2ms sleep")
	}
}

func TestEntryReturnDelegatesToPool(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	db := testDatabaseConfig()
	p := New("app", db)
	defer p.Close()

	e := newEntry(client, "app", p)
	p.mu.Lock()
	p.total++
	p.active[e] = struct{}{}
	p.mu.Unlock()

	e.Return()

	stats := p.Stats()
	if stats.Idle != 1 || stats.Active != 0 {
		t.Errorf("expected entry returned to idle, got %+v", stats)
	}
}
