package session

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/TheMichaelB/syncsession/internal/models"
)

// ProgressListener receives transfer progress. It runs on the session's
// dispatch goroutine and must not block for long.
type ProgressListener func(p models.Progress)

// ProgressRegistration identifies an added progress listener.
type ProgressRegistration struct {
	id        int64
	direction models.Direction
	mode      models.ProgressMode
}

// ID is the listener id the engine reports progress for.
func (r *ProgressRegistration) ID() int64 {
	return r.id
}

// Direction of the transfer the listener follows.
func (r *ProgressRegistration) Direction() models.Direction {
	return r.direction
}

// Mode decides whether the listener is removed once the backlog completes.
func (r *ProgressRegistration) Mode() models.ProgressMode {
	return r.mode
}

type progressEntry struct {
	reg       *ProgressRegistration
	listener  ProgressListener
	last      models.Progress
	delivered bool
}

// progressNotifier keeps entries (id -> listener) and tokens
// (registration -> engine token) in step under mu.
type progressNotifier struct {
	s      *Session
	nextID atomic.Int64

	mu      sync.Mutex
	entries map[int64]*progressEntry
	tokens  map[*ProgressRegistration]int64
}

func newProgressNotifier(s *Session) *progressNotifier {
	return &progressNotifier{
		s:       s,
		entries: make(map[int64]*progressEntry),
		tokens:  make(map[*ProgressRegistration]int64),
	}
}

func (n *progressNotifier) add(direction models.Direction, mode models.ProgressMode, listener ProgressListener) (*ProgressRegistration, error) {
	if listener == nil {
		return nil, models.WithOp(models.ErrNilListener, "add progress listener")
	}

	reg := &ProgressRegistration{
		id:        n.nextID.Add(1),
		direction: direction,
		mode:      mode,
	}

	// The engine may report progress before AddProgressListener returns, so
	// the entry has to exist first.
	n.mu.Lock()
	n.entries[reg.id] = &progressEntry{reg: reg, listener: listener}
	n.mu.Unlock()

	token, err := n.s.engine.AddProgressListener(n.s.cfg.Path, reg.id, direction, mode == models.Indefinitely)
	if err != nil {
		n.mu.Lock()
		delete(n.entries, reg.id)
		n.mu.Unlock()
		return nil, fmt.Errorf("add progress listener: %w", err)
	}

	n.mu.Lock()
	if token == 0 {
		// Nothing to report, the engine will never call this listener.
		delete(n.entries, reg.id)
		n.mu.Unlock()
		n.s.logger.WithField("listener_id", reg.id).Debug("Progress listener already satisfied")
		return reg, nil
	}
	if _, ok := n.entries[reg.id]; !ok {
		// Completed or removed while registering.
		n.mu.Unlock()
		n.unregister(reg, token)
		return reg, nil
	}
	n.tokens[reg] = token
	n.mu.Unlock()

	return reg, nil
}

func (n *progressNotifier) remove(reg *ProgressRegistration) error {
	if reg == nil {
		return nil
	}

	n.mu.Lock()
	delete(n.entries, reg.id)
	token, ok := n.tokens[reg]
	delete(n.tokens, reg)
	n.mu.Unlock()

	if !ok {
		return nil
	}
	if err := n.s.engine.RemoveProgressListener(n.s.cfg.Path, token); err != nil {
		return fmt.Errorf("remove progress listener: %w", err)
	}
	return nil
}

// notify runs on the inbox goroutine. Repeated values are not redelivered.
func (n *progressNotifier) notify(listenerID int64, transferred, transferable uint64) {
	p := models.Progress{TransferredBytes: transferred, TransferableBytes: transferable}

	n.mu.Lock()
	e, ok := n.entries[listenerID]
	if !ok {
		n.mu.Unlock()
		n.s.logger.WithField("listener_id", listenerID).Debug("Progress for unknown listener")
		return
	}
	if e.delivered && e.last == p {
		n.mu.Unlock()
		return
	}
	e.last = p
	e.delivered = true

	var (
		token  int64
		expire = e.reg.mode == models.CurrentChanges && p.IsTransferComplete()
	)
	if expire {
		delete(n.entries, listenerID)
		token = n.tokens[e.reg]
		delete(n.tokens, e.reg)
	}
	n.mu.Unlock()

	n.s.invokeHandler("progress listener", func() {
		e.listener(p)
	})

	if expire && token != 0 {
		n.unregister(e.reg, token)
	}
}

func (n *progressNotifier) unregister(reg *ProgressRegistration, token int64) {
	if err := n.s.engine.RemoveProgressListener(n.s.cfg.Path, token); err != nil {
		n.s.logger.WithError(err).WithField("listener_id", reg.id).Warn("Failed to unregister progress listener")
	}
}

func (n *progressNotifier) registered() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := make([]int64, 0, len(n.entries))
	for id := range n.entries {
		ids = append(ids, id)
	}
	return ids
}
