package chat

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []Envelope
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(env Envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.events = append(f.events, env)
	return true
}

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) ofType(eventType string) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Envelope
	for _, e := range f.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeConn) messages(t *testing.T) []Message {
	t.Helper()
	var out []Message
	for _, e := range f.ofType(EventMessage) {
		var m Message
		require.NoError(t, json.Unmarshal(e.Payload, &m))
		out = append(out, m)
	}
	return out
}

func (f *fakeConn) lastSnapshot(t *testing.T) []PresenceEntry {
	t.Helper()
	snaps := f.ofType(EventPresenceSnapshot)
	require.NotEmpty(t, snaps, "no presence snapshot received")
	var p PresenceSnapshotPayload
	require.NoError(t, json.Unmarshal(snaps[len(snaps)-1].Payload, &p))
	return p.Users
}

func (f *fakeConn) errorCodes(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, e := range f.ofType(EventError) {
		var p ErrorPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		out = append(out, p.Code)
	}
	return out
}

func newTestHub(options ...Option) *Hub {
	return NewHub(Options{
		HistoryRetention: time.Hour,
		MaxBodyBytes:     1024,
		IdentifyTimeout:  time.Second,
	}, options...)
}

func customer(id, name string) Identity { return Identity{ID: id, Name: name} }

func admin(id, name string) Identity { return Identity{ID: id, Name: name, IsAdmin: true} }

func mustAdmit(t *testing.T, h *Hub, id Identity, conn Conn) {
	t.Helper()
	require.NoError(t, h.admit(id, conn))
}

func frame(t *testing.T, eventType string, payload interface{}) Envelope {
	t.Helper()
	env, err := NewEnvelope(eventType, payload)
	require.NoError(t, err)
	return env
}

// startSession 启动一个会话，返回会话和 Run 的结果通道
func startSession(t *testing.T, h *Hub, conn *fakeConn, auth *Identity) (*Session, <-chan error) {
	t.Helper()
	s := h.NewSession(conn, auth)
	errc := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		errc <- s.Run(context.Background())
	}()
	t.Cleanup(func() {
		s.Close()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
		}
	})
	return s, errc
}

func waitActive(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == StateActive }, time.Second, 5*time.Millisecond)
}
