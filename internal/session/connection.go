package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/TheMichaelB/syncsession/internal/models"
)

// ConnectionListener receives connection state transitions.
type ConnectionListener func(old, new models.ConnectionState)

// ConnectionRegistration identifies an added connection listener.
type ConnectionRegistration struct {
	listener ConnectionListener
}

// connectionNotifier shares one engine token among all listeners. The
// listener slice is replaced on every change so notify can iterate without
// holding mu.
type connectionNotifier struct {
	s         *Session
	listeners atomic.Pointer[[]*ConnectionRegistration]

	mu    sync.Mutex
	token int64
}

func newConnectionNotifier(s *Session) *connectionNotifier {
	n := &connectionNotifier{s: s}
	n.listeners.Store(&[]*ConnectionRegistration{})
	return n
}

func (n *connectionNotifier) add(listener ConnectionListener) (*ConnectionRegistration, error) {
	if listener == nil {
		return nil, models.WithOp(models.ErrNilListener, "add connection listener")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	current := *n.listeners.Load()
	if len(current) == 0 {
		token, err := n.s.engine.AddConnectionListener(n.s.cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("add connection listener: %w", err)
		}
		n.token = token
	}

	reg := &ConnectionRegistration{listener: listener}
	next := make([]*ConnectionRegistration, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, reg)
	n.listeners.Store(&next)
	return reg, nil
}

func (n *connectionNotifier) remove(reg *ConnectionRegistration) error {
	if reg == nil {
		return models.WithOp(models.ErrNilListener, "remove connection listener")
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	current := *n.listeners.Load()
	next := make([]*ConnectionRegistration, 0, len(current))
	for _, r := range current {
		if r != reg {
			next = append(next, r)
		}
	}
	if len(next) == len(current) {
		return nil
	}
	n.listeners.Store(&next)

	if len(next) == 0 {
		token := n.token
		n.token = 0
		if err := n.s.engine.RemoveConnectionListener(token, n.s.cfg.Path); err != nil {
			return fmt.Errorf("remove connection listener: %w", err)
		}
	}
	return nil
}

func (n *connectionNotifier) notify(oldCode, newCode int8) {
	oldState := n.s.connectionStateFromNative(oldCode)
	newState := n.s.connectionStateFromNative(newCode)

	for _, reg := range *n.listeners.Load() {
		n.s.invokeHandler("connection listener", func() {
			reg.listener(oldState, newState)
		})
	}
}

func (n *connectionNotifier) count() int {
	return len(*n.listeners.Load())
}
