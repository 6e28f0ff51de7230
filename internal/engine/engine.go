// Package engine defines the boundary to the native sync engine. Outbound
// calls go through Engine; the engine reports back through Handler on its
// own goroutines.
package engine

import (
	"github.com/TheMichaelB/syncsession/internal/models"
)

// Engine is the opaque sync engine. Paths identify sessions. State queries
// return models.NotFound for unknown paths.
type Engine interface {
	// OpenSession materializes the native session for path.
	OpenSession(path string) error
	Start(path string) error
	Stop(path string) error
	State(path string) (int8, error)
	ConnectionState(path string) (int8, error)

	// AddProgressListener registers interest in progress for listenerID. A
	// zero token means there is nothing to report and nothing was registered.
	AddProgressListener(path string, listenerID int64, direction models.Direction, streaming bool) (int64, error)
	RemoveProgressListener(path string, token int64) error

	AddConnectionListener(path string) (int64, error)
	RemoveConnectionListener(token int64, path string) error

	// WaitFor*Completion ask for a single OnWaitComplete carrying callbackID.
	// false means the engine could not register the request.
	WaitForDownloadCompletion(callbackID int32, path string) (bool, error)
	WaitForUploadCompletion(callbackID int32, path string) (bool, error)

	// Reconnect retries every session now, skipping backoff.
	Reconnect() error

	// ExecuteClientReset moves the local file of an inactive session to
	// backupPath. false means the session is still active.
	ExecuteClientReset(path, backupPath string) (bool, error)

	SetHandler(h Handler)
	Close() error
}

// ErrorInjector is implemented by engines that can raise errors on demand.
type ErrorInjector interface {
	InjectError(ev ErrorEvent) error
}

// Handler receives engine callbacks. Implementations must not block for long
// and must not panic back into the engine.
type Handler interface {
	OnError(ev ErrorEvent)
	OnProgress(ev ProgressEvent)
	OnConnectionChange(ev ConnectionEvent)
	OnWaitComplete(ev WaitEvent)
}

// ErrorEvent is a session error. Category and Code are the native pair.
type ErrorEvent struct {
	Path          string `json:"path"`
	Category      string `json:"category"`
	Code          int64  `json:"code"`
	Message       string `json:"message"`
	ResetPathInfo string `json:"reset_path_info,omitempty"`
}

// ProgressEvent reports transfer counters for one registered listener.
type ProgressEvent struct {
	Path         string `json:"path"`
	ListenerID   int64  `json:"listener_id"`
	Transferred  uint64 `json:"transferred"`
	Transferable uint64 `json:"transferable"`
}

// ConnectionEvent is a connection state transition in native codes.
type ConnectionEvent struct {
	Path string `json:"path"`
	Old  int8   `json:"old"`
	New  int8   `json:"new"`
}

// WaitEvent completes a wait request. A nil ErrorCode means success.
type WaitEvent struct {
	Path          string `json:"path"`
	CallbackID    int32  `json:"callback_id"`
	ErrorCategory string `json:"error_category,omitempty"`
	ErrorCode     *int64 `json:"error_code,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}

// Succeeded reports whether the wait finished without an engine error.
func (e WaitEvent) Succeeded() bool {
	return e.ErrorCode == nil
}

// HandlerFuncs adapts plain functions to Handler. Nil fields ignore the event.
type HandlerFuncs struct {
	Error      func(ErrorEvent)
	Progress   func(ProgressEvent)
	Connection func(ConnectionEvent)
	Wait       func(WaitEvent)
}

func (h HandlerFuncs) OnError(ev ErrorEvent) {
	if h.Error != nil {
		h.Error(ev)
	}
}

func (h HandlerFuncs) OnProgress(ev ProgressEvent) {
	if h.Progress != nil {
		h.Progress(ev)
	}
}

func (h HandlerFuncs) OnConnectionChange(ev ConnectionEvent) {
	if h.Connection != nil {
		h.Connection(ev)
	}
}

func (h HandlerFuncs) OnWaitComplete(ev WaitEvent) {
	if h.Wait != nil {
		h.Wait(ev)
	}
}
