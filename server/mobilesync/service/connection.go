package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	commonlog "fieldsync/server/common/log"
	"fieldsync/server/mobilesync/domain"
)

const (
	defaultReconnectDelay   = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	channelWriteTimeout     = 5 * time.Second
	channelSendBuffer       = 64
)

var (
	ErrChannelNotOpen = errors.New("realtime channel is not open")
	ErrSendBufferFull = errors.New("realtime channel send buffer is full")
)

// Conn is the slice of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

type WSDialer struct {
	HandshakeTimeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", rawURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", rawURL, err)
	}
	return conn, nil
}

// Scheduler runs fn once after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (cancel func())

func timerScheduler(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// EventHandler receives decoded channel traffic on the event loop.
type EventHandler interface {
	HandleAlert(alert domain.AlertPayload)
	HandleChatResponse(resp domain.ChatResponsePayload)
	HandleProjectUpdate(payload json.RawMessage)
	HandleConnectionState(state domain.ConnectionState)
	// HandleUndelivered receives envelopes accepted by Send that never reached
	// the wire because the channel went away first.
	HandleUndelivered(env domain.Envelope)
}

type outbound struct {
	env domain.Envelope
	raw []byte
}

type ConnectionOptions struct {
	BaseURL        string
	ReconnectDelay time.Duration
	Dialer         Dialer
	Scheduler      Scheduler
}

// ConnectionManager owns the single realtime channel of the session. Every method
// must be called on the event loop. At most one reconnect timer is pending at any
// time, and none is scheduled once the session has logged out.
type ConnectionManager struct {
	loop           *Loop
	handler        EventHandler
	dialer         Dialer
	schedule       Scheduler
	baseURL        string
	reconnectDelay time.Duration

	state      domain.ConnectionState
	session    domain.Session
	conn       Conn
	out        chan outbound
	writerDone chan struct{}
	gen        uint64
	dialCancel context.CancelFunc

	cancelReconnect func()
}

func NewConnectionManager(loop *Loop, handler EventHandler, opts ConnectionOptions) *ConnectionManager {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = WSDialer{}
	}
	schedule := opts.Scheduler
	if schedule == nil {
		schedule = timerScheduler
	}
	delay := opts.ReconnectDelay
	if delay <= 0 {
		delay = defaultReconnectDelay
	}
	return &ConnectionManager{
		loop:           loop,
		handler:        handler,
		dialer:         dialer,
		schedule:       schedule,
		baseURL:        strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		reconnectDelay: delay,
		state:          domain.ConnIdle,
	}
}

func (m *ConnectionManager) State() domain.ConnectionState {
	return m.state
}

func (m *ConnectionManager) ReconnectPending() bool {
	return m.cancelReconnect != nil
}

// Connect replaces any existing channel with a new one for session.
func (m *ConnectionManager) Connect(session domain.Session) {
	m.teardown()
	m.stopReconnect()
	m.session = session
	if !session.LoggedIn {
		m.setState(domain.ConnIdle)
		return
	}
	if m.baseURL == "" {
		commonlog.Warnf("event=realtime_channel action=connect status=skipped reason=no_base_url")
		m.setState(domain.ConnIdle)
		return
	}

	m.gen++
	gen := m.gen
	m.setState(domain.ConnConnecting)

	target := m.channelURL(session.UserID)
	header := http.Header{}
	if session.AuthToken != "" {
		header.Set("Authorization", "Bearer "+session.AuthToken)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel

	commonlog.Infof("event=realtime_channel action=connect status=dialing user_id=%s gen=%d", session.UserID, gen)
	go func() {
		conn, err := m.dialer.Dial(ctx, target, header)
		if !m.loop.Post(func() { m.onDialed(gen, conn, err) }) && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (m *ConnectionManager) channelURL(userID string) string {
	return m.baseURL + "/ws/mobile?user_id=" + url.QueryEscape(userID)
}

func (m *ConnectionManager) onDialed(gen uint64, conn Conn, err error) {
	if gen != m.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	if err != nil {
		m.onClosed(gen, err)
		return
	}
	m.conn = conn
	m.out = make(chan outbound, channelSendBuffer)
	m.writerDone = make(chan struct{})
	commonlog.Infof("event=realtime_channel action=connect status=open user_id=%s gen=%d", m.session.UserID, gen)
	go m.writeLoop(gen, conn, m.out, m.writerDone)
	go m.readLoop(gen, conn)
	m.setState(domain.ConnOpen)
}

// writeLoop owns every write to conn so a slow peer never stalls the event loop.
// It stops at the first failure and hands the failed envelope back to the loop.
func (m *ConnectionManager) writeLoop(gen uint64, conn Conn, out <-chan outbound, done chan<- struct{}) {
	defer close(done)
	for msg := range out {
		_ = conn.SetWriteDeadline(time.Now().Add(channelWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg.raw); err != nil {
			env := msg.env
			m.loop.Post(func() { m.onWriteFailed(gen, env, err) })
			return
		}
		commonlog.Debugf("event=realtime_channel action=send status=ok type=%s bytes=%d gen=%d", msg.env.Type, len(msg.raw), gen)
	}
}

func (m *ConnectionManager) onWriteFailed(gen uint64, env domain.Envelope, err error) {
	commonlog.Warnf("event=realtime_channel action=send status=failed type=%s error=%v", env.Type, err)
	m.reportUndelivered([]domain.Envelope{env})
	m.onClosed(gen, fmt.Errorf("write %s: %w", env.Type, err))
}

func (m *ConnectionManager) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			m.loop.Post(func() { m.onClosed(gen, err) })
			return
		}
		if !m.loop.Post(func() { m.dispatch(gen, data) }) {
			_ = conn.Close()
			return
		}
	}
}

func (m *ConnectionManager) dispatch(gen uint64, data []byte) {
	if gen != m.gen || m.handler == nil {
		return
	}
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		commonlog.Warnf("event=realtime_channel action=receive status=dropped reason=malformed error=%v", err)
		return
	}
	switch env.Type {
	case domain.MsgAlert:
		var alert domain.AlertPayload
		if err := json.Unmarshal(env.Payload, &alert); err != nil {
			commonlog.Warnf("event=realtime_channel action=receive status=dropped type=%s error=%v", env.Type, err)
			return
		}
		m.handler.HandleAlert(alert)
	case domain.MsgChatResponse:
		var resp domain.ChatResponsePayload
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			commonlog.Warnf("event=realtime_channel action=receive status=dropped type=%s error=%v", env.Type, err)
			return
		}
		m.handler.HandleChatResponse(resp)
	case domain.MsgProjectUpdate:
		m.handler.HandleProjectUpdate(env.Payload)
	default:
		commonlog.Debugf("event=realtime_channel action=receive status=ignored type=%s", env.Type)
	}
}

func (m *ConnectionManager) onClosed(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	m.gen++
	undelivered := m.dropConn()
	commonlog.Warnf("event=realtime_channel action=closed user_id=%s error=%v", m.session.UserID, err)
	m.setState(domain.ConnClosed)
	m.reportUndelivered(undelivered)
	m.scheduleReconnect()
}

func (m *ConnectionManager) scheduleReconnect() {
	if !m.session.LoggedIn || m.cancelReconnect != nil {
		return
	}
	gen := m.gen
	m.cancelReconnect = m.schedule(m.reconnectDelay, func() {
		m.loop.Post(func() {
			if m.gen != gen || !m.session.LoggedIn {
				return
			}
			m.cancelReconnect = nil
			commonlog.Infof("event=realtime_channel action=reconnect user_id=%s", m.session.UserID)
			m.Connect(m.session)
		})
	})
	commonlog.Infof("event=realtime_channel action=reconnect status=scheduled delay_ms=%d", m.reconnectDelay.Milliseconds())
}

func (m *ConnectionManager) stopReconnect() {
	if m.cancelReconnect != nil {
		m.cancelReconnect()
		m.cancelReconnect = nil
	}
}

// Send hands env to the channel's writer and returns without waiting for the
// write. A later write failure closes the channel, schedules recovery like any
// other close and reports env through HandleUndelivered.
func (m *ConnectionManager) Send(env domain.Envelope) error {
	if m.state != domain.ConnOpen || m.out == nil {
		return ErrChannelNotOpen
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	select {
	case m.out <- outbound{env: env, raw: raw}:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears the channel down for good: no reconnect is scheduled afterwards.
func (m *ConnectionManager) Close() {
	m.stopReconnect()
	m.teardown()
	m.session = domain.Session{}
	m.setState(domain.ConnIdle)
}

func (m *ConnectionManager) teardown() {
	m.gen++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.reportUndelivered(m.dropConn())
}

// CloseWrites stops accepting sends and returns a channel that is closed once
// the writer has flushed what it already accepted.
func (m *ConnectionManager) CloseWrites() <-chan struct{} {
	if m.out == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	close(m.out)
	m.out = nil
	return m.writerDone
}

// dropConn closes the current channel and returns the envelopes its writer had
// not picked up yet.
func (m *ConnectionManager) dropConn() []domain.Envelope {
	var pending []domain.Envelope
	if m.out != nil {
		close(m.out)
		for msg := range m.out {
			pending = append(pending, msg.env)
		}
		m.out = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	return pending
}

func (m *ConnectionManager) reportUndelivered(envs []domain.Envelope) {
	if m.handler == nil {
		return
	}
	for _, env := range envs {
		m.handler.HandleUndelivered(env)
	}
}

func (m *ConnectionManager) setState(state domain.ConnectionState) {
	if m.state == state {
		return
	}
	m.state = state
	if m.handler != nil {
		m.handler.HandleConnectionState(state)
	}
}
