package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"fieldsync/server/common/infra/kv"
	"fieldsync/server/mobilesync/domain"
)

func newTestStore(t *testing.T, p kv.Persister) *StateStore {
	t.Helper()
	store, err := OpenStateStore(context.Background(), p)
	if err != nil {
		t.Fatalf("OpenStateStore: %v", err)
	}
	return store
}

func onLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Do(ctx, fn); err != nil {
		t.Fatalf("loop.Do: %v", err)
	}
}

// eventually polls cond on the loop until it holds.
func eventually(t *testing.T, loop *Loop, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ok := false
		onLoop(t, loop, func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeConn is a scripted channel. Inbound frames are pushed with deliver; the
// read side fails once the conn is closed.
type fakeConn struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.inbound:
		return 1, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(raw string) {
	c.inbound <- []byte(raw)
}

// drop simulates the server going away.
func (c *fakeConn) drop() {
	_ = c.Close()
}

func (c *fakeConn) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, w := range c.written {
		out = append(out, string(w))
	}
	return out
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// fakeDialer hands out a fresh fakeConn per dial unless fail is set.
type fakeDialer struct {
	mu      sync.Mutex
	fail    error
	dials   int
	urls    []string
	headers []http.Header
	conns   []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string, header http.Header) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, rawURL)
	d.headers = append(d.headers, header)
	if d.fail != nil {
		return nil, d.fail
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// manualScheduler records reconnect timers and fires them on demand.
type manualScheduler struct {
	mu        sync.Mutex
	scheduled int
	pending   []*manualTimer
}

type manualTimer struct {
	fn        func()
	cancelled bool
	fired     bool
}

func (s *manualScheduler) Schedule(_ time.Duration, fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	timer := &manualTimer{fn: fn}
	s.scheduled++
	s.pending = append(s.pending, timer)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		timer.cancelled = true
	}
}

func (s *manualScheduler) live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, timer := range s.pending {
		if !timer.cancelled && !timer.fired {
			n++
		}
	}
	return n
}

func (s *manualScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

// fire runs every live timer.
func (s *manualScheduler) fire() int {
	s.mu.Lock()
	var due []*manualTimer
	for _, timer := range s.pending {
		if !timer.cancelled && !timer.fired {
			timer.fired = true
			due = append(due, timer)
		}
	}
	s.mu.Unlock()
	for _, timer := range due {
		timer.fn()
	}
	return len(due)
}

type recordingHandler struct {
	alerts      []domain.AlertPayload
	responses   []domain.ChatResponsePayload
	updates     int
	states      []domain.ConnectionState
	undelivered []domain.Envelope
}

func (h *recordingHandler) HandleAlert(a domain.AlertPayload) { h.alerts = append(h.alerts, a) }
func (h *recordingHandler) HandleChatResponse(r domain.ChatResponsePayload) {
	h.responses = append(h.responses, r)
}
func (h *recordingHandler) HandleProjectUpdate(json.RawMessage) { h.updates++ }
func (h *recordingHandler) HandleConnectionState(s domain.ConnectionState) {
	h.states = append(h.states, s)
}
func (h *recordingHandler) HandleUndelivered(env domain.Envelope) {
	h.undelivered = append(h.undelivered, env)
}

// fakeGateway serves canned collections and records uploads.
type fakeGateway struct {
	mu          sync.Mutex
	session     domain.Session
	loginErr    error
	collections map[domain.RecordKind][]domain.DomainRecord
	fetchErr    error
	fetches     int
	uploads     []domain.PhotoUpload
	uploadErr   func(domain.PhotoUpload) error
	// beforeUpload runs outside the lock so a test can hold an upload open.
	beforeUpload func(domain.PhotoUpload) error
}

func (g *fakeGateway) Login(context.Context, domain.Credentials) (domain.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loginErr != nil {
		return domain.Session{}, g.loginErr
	}
	return g.session, nil
}

func (g *fakeGateway) FetchCollection(_ context.Context, _ string, kind domain.RecordKind) ([]domain.DomainRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	if g.fetchErr != nil {
		return nil, g.fetchErr
	}
	return append([]domain.DomainRecord(nil), g.collections[kind]...), nil
}

func (g *fakeGateway) UploadPhoto(_ context.Context, _ string, photo domain.PhotoUpload, _ []byte, _ string) error {
	if g.beforeUpload != nil {
		if err := g.beforeUpload(photo); err != nil {
			return err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.uploadErr != nil {
		if err := g.uploadErr(photo); err != nil {
			return err
		}
	}
	g.uploads = append(g.uploads, photo)
	return nil
}

func (g *fakeGateway) uploaded() []domain.PhotoUpload {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.PhotoUpload(nil), g.uploads...)
}

type recordingListener struct {
	mu      sync.Mutex
	notices []Notice
}

func (l *recordingListener) OnNotice(n Notice) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notices = append(l.notices, n)
}

func (l *recordingListener) OnChange(string) {}

func (l *recordingListener) kinds() []NoticeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]NoticeKind, 0, len(l.notices))
	for _, n := range l.notices {
		out = append(out, n.Kind)
	}
	return out
}

func (l *recordingListener) has(kind NoticeKind) bool {
	for _, k := range l.kinds() {
		if k == kind {
			return true
		}
	}
	return false
}
