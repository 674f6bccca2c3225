package registry

import (
	"testing"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	userID  string
	alive   bool
	closed  bool
	closeCd uint16
	closeRs string
	sendOK  bool
	sent    [][]byte
}

func (f *fakeConn) UserID() string { return f.userID }
func (f *fakeConn) Send(msg []byte) bool {
	if !f.sendOK {
		return false
	}
	f.sent = append(f.sent, msg)
	return true
}
func (f *fakeConn) Close(code uint16, reason string) {
	f.closed = true
	f.closeCd = code
	f.closeRs = reason
}
func (f *fakeConn) Ping()            {}
func (f *fakeConn) SetAlive(v bool)  { f.alive = v }
func (f *fakeConn) IsAlive() bool    { return f.alive }

func TestAddSupersedesExisting(t *testing.T) {
	r := New(zerolog.Nop())
	old := &fakeConn{userID: "u1", sendOK: true}
	next := &fakeConn{userID: "u1", sendOK: true}

	r.Add(old)
	r.Add(next)

	if !old.closed || old.closeCd != 1000 || old.closeRs != "superseded" {
		t.Errorf("expected old connection closed with 1000/superseded, got %+v", old)
	}
	got, ok := r.Get("u1")
	if !ok || got != Conn(next) {
		t.Error("expected the newest connection to be canonical")
	}
}

func TestRemoveOnlyDropsCurrentConnection(t *testing.T) {
	r := New(zerolog.Nop())
	old := &fakeConn{userID: "u1"}
	next := &fakeConn{userID: "u1"}
	r.Add(old)
	r.Add(next)

	var removedUser string
	r.Remove(old, func(userID string) { removedUser = userID })
	if removedUser != "" {
		t.Error("removing a superseded connection must not trigger onRemoved")
	}
	if _, ok := r.Get("u1"); !ok {
		t.Error("canonical connection should still be registered")
	}

	r.Remove(next, func(userID string) { removedUser = userID })
	if removedUser != "u1" {
		t.Error("removing the canonical connection must trigger onRemoved")
	}
	if _, ok := r.Get("u1"); ok {
		t.Error("connection should be gone after removing the canonical entry")
	}
}

func TestSendToNoConnection(t *testing.T) {
	r := New(zerolog.Nop())
	if r.SendTo("ghost", []byte("hi")) {
		t.Error("expected false for a user with no connection")
	}
}
