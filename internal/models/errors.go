package models

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	// ErrUsage is matched by every error caused by calling the API incorrectly.
	ErrUsage = errors.New("usage error")

	ErrMainLoop        = &UsageError{Msg: "blocking call on the main loop"}
	ErrSessionNotFound = &UsageError{Msg: "session not found, it was probably closed"}
	ErrNoSession       = &UsageError{Msg: "no session for path, open it first"}
	ErrInvalidTimeout  = &UsageError{Msg: "timeout must be > 0"}
	ErrNilListener     = &UsageError{Msg: "listener is required"}
	ErrInvalidPath     = &UsageError{Msg: "a non-empty path is required"}
	ErrSessionOpen     = &UsageError{Msg: "session must be closed first"}

	ErrInterrupted       = errors.New("wait interrupted")
	ErrEngineUnavailable = errors.New("sync engine unavailable")
)

// UsageError reports a programming mistake by the caller. It is always
// returned synchronously and never delivered to an ErrorHandler.
type UsageError struct {
	Op  string
	Msg string
}

func (e *UsageError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return e.Msg
}

// Is matches ErrUsage and usage errors carrying the same message, so
// errors.Is(WithOp(ErrMainLoop, "x"), ErrMainLoop) holds.
func (e *UsageError) Is(target error) bool {
	if target == ErrUsage {
		return true
	}
	t, ok := target.(*UsageError)
	return ok && t.Msg == e.Msg
}

// WithOp returns a copy of a usage sentinel annotated with the operation.
func WithOp(err *UsageError, op string) *UsageError {
	return &UsageError{Op: op, Msg: err.Msg}
}

// AppError is an error reported by the sync engine.
type AppError struct {
	Code       ErrorCode
	NativeType string
	NativeCode int64
	Message    string
}

// NewAppError translates a native (category, code) pair.
func NewAppError(nativeType string, nativeCode int64, message string) *AppError {
	return &AppError{
		Code:       ErrorCodeFromNative(nativeType, nativeCode),
		NativeType: nativeType,
		NativeCode: nativeCode,
		Message:    message,
	}
}

func (e *AppError) Error() string {
	if e.Code == UnknownErrorCode {
		return fmt.Sprintf("%s(%s:%d): %s", e.Code.Name, e.NativeType, e.NativeCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Category returns how the session should treat the error.
func (e *AppError) Category() Category {
	return e.Code.Category
}

// Fatal reports whether the session is unusable until it is recreated.
func (e *AppError) Fatal() bool {
	return e.Code.Category == Fatal
}

// RecoveryConfig opens the backup produced by a client reset. Recovery
// files are never synchronized.
type RecoveryConfig struct {
	Path          string
	EncryptionKey []byte
	ReadOnly      bool
}

// ClientResetRequiredError is delivered to a ClientResetHandler when local
// and remote history have diverged.
type ClientResetRequiredError struct {
	*AppError
	OriginalFile string
	BackupFile   string
	Recovery     RecoveryConfig

	execute func() error
}

// NewClientResetRequiredError builds the error. execute performs the file
// actions in the engine and may be nil.
func NewClientResetRequiredError(appErr *AppError, original, backup string, key []byte, execute func() error) *ClientResetRequiredError {
	return &ClientResetRequiredError{
		AppError:     appErr,
		OriginalFile: original,
		BackupFile:   backup,
		Recovery: RecoveryConfig{
			Path:          backup,
			EncryptionKey: key,
			ReadOnly:      true,
		},
		execute: execute,
	}
}

func (e *ClientResetRequiredError) Error() string {
	return fmt.Sprintf("client reset required for %s (backup %s): %s", e.OriginalFile, e.BackupFile, e.AppError.Error())
}

func (e *ClientResetRequiredError) Unwrap() error {
	return e.AppError
}

// ExecuteClientReset backs up and deletes the local file right away instead
// of waiting for the next restart. The session must be stopped first.
func (e *ClientResetRequiredError) ExecuteClientReset() error {
	if e.execute == nil {
		return fmt.Errorf("client reset for %s: %w", e.OriginalFile, ErrEngineUnavailable)
	}
	return e.execute()
}
