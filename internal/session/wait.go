package session

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TheMichaelB/syncsession/internal/engine"
	"github.com/TheMichaelB/syncsession/internal/models"
)

// waitRequest is one blocking wait. done is closed once a matching
// completion has been stored in result.
type waitRequest struct {
	callbackID int32
	direction  models.Direction
	done       chan struct{}
	once       sync.Once
	result     engine.WaitEvent
}

func (r *waitRequest) resolve(ev engine.WaitEvent) {
	r.once.Do(func() {
		r.result = ev
		close(r.done)
	})
}

// waitCoordinator turns the engine's completion callback into a blocking
// call. Only the request in current whose id equals counter is honoured,
// so completions of abandoned waits are dropped.
type waitCoordinator struct {
	s *Session

	// lock serializes waits. It is separate from Session.mu so Stop is
	// never held up by an outstanding wait.
	lock    chan struct{}
	counter atomic.Int32
	current atomic.Pointer[waitRequest]
}

func newWaitCoordinator(s *Session) *waitCoordinator {
	return &waitCoordinator{
		s:    s,
		lock: make(chan struct{}, 1),
	}
}

// wait blocks until the engine reports completion for direction. A zero
// timeout waits without a deadline. It returns false on timeout and for a
// closed session.
func (w *waitCoordinator) wait(ctx context.Context, direction models.Direction, timeout time.Duration) (bool, error) {
	select {
	case w.lock <- struct{}{}:
	case <-ctx.Done():
		return false, interrupted(ctx)
	}
	defer func() { <-w.lock }()

	if w.s.IsClosed() {
		return false, nil
	}

	req := &waitRequest{
		callbackID: w.counter.Add(1),
		direction:  direction,
		done:       make(chan struct{}),
	}
	w.current.Store(req)
	defer w.current.CompareAndSwap(req, nil)

	logger := w.s.logger.WithFields(map[string]interface{}{
		"callback_id": req.callbackID,
		"direction":   direction.String(),
	})

	registered, err := w.register(req)
	if err != nil {
		return false, err
	}
	if !registered {
		return false, notRegisteredError(direction)
	}
	logger.Debug("Waiting for changes")

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-req.done:
	case <-deadline:
		logger.Debug("Wait timed out")
		return false, nil
	case <-ctx.Done():
		// The transfer keeps running in the engine.
		logger.Debug("Wait interrupted")
		return false, interrupted(ctx)
	}

	if req.result.Succeeded() {
		return true, nil
	}
	if w.s.IsClosed() {
		return false, nil
	}
	return false, waitError(req.result)
}

func (w *waitCoordinator) register(req *waitRequest) (bool, error) {
	path := w.s.cfg.Path

	var (
		ok  bool
		err error
	)
	switch req.direction {
	case models.Download:
		ok, err = w.s.engine.WaitForDownloadCompletion(req.callbackID, path)
	case models.Upload:
		ok, err = w.s.engine.WaitForUploadCompletion(req.callbackID, path)
	default:
		return false, fmt.Errorf("unknown direction: %d", req.direction)
	}
	if err != nil {
		return false, fmt.Errorf("register %s wait: %w", req.direction, err)
	}
	return ok, nil
}

// complete is called from the engine goroutine and never blocks.
func (w *waitCoordinator) complete(ev engine.WaitEvent) {
	req := w.current.Load()
	if req == nil || req.callbackID != ev.CallbackID || w.counter.Load() != ev.CallbackID {
		return
	}
	req.resolve(ev)
}

func interrupted(ctx context.Context) error {
	return fmt.Errorf("%w: %w", models.ErrInterrupted, ctx.Err())
}

func notRegisteredError(direction models.Direction) error {
	msg := "It was not possible to upload all local changes."
	if direction == models.Download {
		msg = "It was not possible to download all remote changes."
	}
	return &models.AppError{
		Code:       models.UnknownErrorCode,
		NativeType: models.TypeUnknown,
		NativeCode: models.UnknownErrorCode.Code,
		Message:    msg + " Has the sync client been started?",
	}
}

func waitError(ev engine.WaitEvent) error {
	code := *ev.ErrorCode
	appErr := models.NewAppError(ev.ErrorCategory, code, ev.ErrorMessage)
	if appErr.Code == models.UnknownErrorCode || code < math.MinInt32 || code > math.MaxInt32 {
		appErr.Message = fmt.Sprintf("Internal error (%d): %s", code, ev.ErrorMessage)
	}
	return appErr
}
