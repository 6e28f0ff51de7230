// Package network watches connectivity to the sync server.
package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/syncsession/internal/config"
	"github.com/TheMichaelB/syncsession/internal/events"
)

// Listener is told about connectivity transitions.
type Listener func(available bool)

// Registration identifies an added listener.
type Registration struct {
	listener Listener
}

// Monitor probes a URL periodically and reports availability changes.
type Monitor struct {
	cfg    config.NetworkConfig
	client *http.Client
	logger *events.Logger

	mu        sync.Mutex
	listeners []*Registration
	available bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. Connectivity is assumed until a probe fails.
func NewMonitor(cfg config.NetworkConfig, logger *events.Logger) *Monitor {
	transport := &http.Transport{
		MaxIdleConns:        2,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	logger = logger.WithField("component", "network_monitor")
	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &Monitor{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.ProbeTimeout,
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:    logger,
		available: true,
	}
}

// AddListener registers l.
func (m *Monitor) AddListener(l Listener) *Registration {
	reg := &Registration{listener: l}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, reg)
	return reg
}

// RemoveListener unregisters reg. Unknown registrations are ignored.
func (m *Monitor) RemoveListener(reg *Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.listeners {
		if r == reg {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// ListenerCount returns the number of registered listeners.
func (m *Monitor) ListenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

// Available returns the last known connectivity.
func (m *Monitor) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

// Notify records the connectivity and tells listeners if it changed.
func (m *Monitor) Notify(available bool) {
	m.mu.Lock()
	if m.available == available {
		m.mu.Unlock()
		return
	}
	m.available = available
	listeners := append([]*Registration(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.WithField("available", available).Info("Connectivity changed")
	for _, reg := range listeners {
		m.deliver(reg, available)
	}
}

func (m *Monitor) deliver(reg *Registration, available bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("panic", fmt.Sprint(r)).Error("Connectivity listener panicked")
		}
	}()
	reg.listener(available)
}

// Probe reports whether the probe URL answered without a server error.
func (m *Monitor) Probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ProbeURL, nil)
	if err != nil {
		m.logger.WithError(err).Warn("Invalid probe request")
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.WithError(err).Debug("Connectivity probe failed")
		return false
	}
	resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

// Start probes every ProbeInterval until Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)

		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()

		for {
			m.Notify(m.Probe(ctx))

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop ends probing and waits for the probe goroutine to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
