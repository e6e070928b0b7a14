package service

import (
	"context"
	"net"
	"sync"
	"time"

	commonlog "fieldsync/server/common/log"
)

// Prober answers whether the backend is reachable right now.
type Prober interface {
	Probe(ctx context.Context) bool
}

// TCPProber treats a completed TCP handshake with Addr as online.
type TCPProber struct {
	Addr    string
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.Addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// NetworkMonitor tracks binary reachability and reports each transition once.
// Rapid flaps are reported as they are observed.
type NetworkMonitor struct {
	notifyMu sync.Mutex
	mu       sync.Mutex
	online   bool
	handlers []func(online bool)
}

func NewNetworkMonitor(initialOnline bool) *NetworkMonitor {
	return &NetworkMonitor{online: initialOnline}
}

func (m *NetworkMonitor) OnTransition(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

func (m *NetworkMonitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records an observation. Handlers run only when the value changes and
// in the order the transitions happened.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	handlers := append([]func(bool){}, m.handlers...)
	m.mu.Unlock()

	commonlog.Infof("event=network_monitor action=transition online=%t handlers=%d", online, len(handlers))
	for _, fn := range handlers {
		fn(online)
	}
}

// Run probes every interval until ctx is done.
func (m *NetworkMonitor) Run(ctx context.Context, prober Prober, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	m.observe(ctx, prober)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(ctx, prober)
		}
	}
}

func (m *NetworkMonitor) observe(ctx context.Context, prober Prober) {
	online := prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	m.SetOnline(online)
}
