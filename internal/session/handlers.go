package session

import (
	"fmt"
	"path/filepath"

	"github.com/TheMichaelB/syncsession/internal/events"
	"github.com/TheMichaelB/syncsession/internal/models"
)

// Defaults for DefaultBackupPath.
const (
	DefaultBackupDir    = "recovered-realms"
	DefaultBackupSuffix = ".bak"
)

const clientResetMessage = "A client reset is required. Close the session and execute the reset, " +
	"or reopen the file to reset automatically"

// ErrorHandler receives engine errors. Fatal errors leave the session
// unusable until it is recreated.
type ErrorHandler func(s *Session, err *models.AppError)

// ClientResetHandler receives client reset requests instead of ErrorHandler.
type ClientResetHandler func(s *Session, err *models.ClientResetRequiredError)

// BackupPathFunc derives the backup file for a reset of original. info is
// the path payload reported by the engine and may be empty.
type BackupPathFunc func(original, info string) string

// DefaultBackupPath uses the engine payload as the backup path, resolving a
// relative one against the directory of the original. Without a payload the
// backup goes to dir next to the original, with suffix appended.
func DefaultBackupPath(dir, suffix string) BackupPathFunc {
	return func(original, info string) string {
		switch {
		case info == "":
			return filepath.Join(filepath.Dir(original), dir, filepath.Base(original)+suffix)
		case filepath.IsAbs(info):
			return filepath.Clean(info)
		default:
			return filepath.Join(filepath.Dir(original), info)
		}
	}
}

// DefaultErrorHandler logs fatal errors at error level and recoverable
// ones at info level.
func DefaultErrorHandler(logger *events.Logger) ErrorHandler {
	return func(s *Session, err *models.AppError) {
		l := logger.WithFields(map[string]interface{}{
			"code":     err.Code.Name,
			"category": string(err.Category()),
		}).WithError(err)

		if err.Fatal() {
			l.Error("Session error")
			return
		}
		l.Info("Recoverable session error")
	}
}

// DefaultClientResetHandler logs the reset. The file is reset the next time
// it is opened.
func DefaultClientResetHandler(logger *events.Logger) ClientResetHandler {
	return func(s *Session, err *models.ClientResetRequiredError) {
		logger.WithFields(map[string]interface{}{
			"server_url":  s.ServerURL(),
			"backup_file": err.BackupFile,
		}).Error("Client reset required")
	}
}

// notifySessionError runs on the inbox goroutine.
func (s *Session) notifySessionError(category string, nativeCode int64, message, resetPathInfo string) {
	code := models.ErrorCodeFromNative(category, nativeCode)

	if code.IsClientReset() {
		s.notifyClientReset(category, nativeCode, message, resetPathInfo)
		return
	}

	appErr := models.NewAppError(category, nativeCode, message)
	if code == models.UnknownErrorCode {
		s.logger.WithFields(map[string]interface{}{
			"native_type": category,
			"native_code": nativeCode,
		}).Warn("Unknown engine error code")
	}

	s.invokeHandler("error handler", func() {
		s.cfg.ErrorHandler(s, appErr)
	})
}

func (s *Session) notifyClientReset(category string, nativeCode int64, message, resetPathInfo string) {
	payload := resetPathInfo
	if payload == "" {
		payload = message
	}

	original := s.cfg.Path
	backup := s.cfg.BackupPath(original, payload)

	appErr := models.NewAppError(category, nativeCode, clientResetMessage)
	resetErr := models.NewClientResetRequiredError(appErr, original, backup, s.cfg.EncryptionKey, func() error {
		return s.executeClientReset(original, backup)
	})

	s.logger.WithField("backup_file", backup).Info("Client reset requested by server")
	s.invokeHandler("client reset handler", func() {
		s.cfg.ClientResetHandler(s, resetErr)
	})
}

func (s *Session) executeClientReset(original, backup string) error {
	const op = "execute client reset"
	if !s.IsClosed() {
		return models.WithOp(models.ErrSessionOpen, op)
	}

	ok, err := s.engine.ExecuteClientReset(original, backup)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return models.WithOp(models.ErrSessionOpen, op)
	}

	s.logger.WithField("backup_file", backup).Info("Client reset executed")
	return nil
}

// invokeHandler runs user code and logs a panic instead of propagating it.
func (s *Session) invokeHandler(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.WithFields(map[string]interface{}{
				"handler": name,
				"panic":   fmt.Sprint(r),
			}).Error("Handler panicked")
		}
	}()
	fn()
}
