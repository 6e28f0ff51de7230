package models

import "fmt"

// SessionState is the lifecycle state of a session.
type SessionState int8

// Native session state codes.
const (
	Active   SessionState = 0
	Dying    SessionState = 1
	Inactive SessionState = 2
)

// NotFound is the native code returned for a path without a session.
const NotFound int8 = -1

func (s SessionState) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Dying:
		return "DYING"
	case Inactive:
		return "INACTIVE"
	default:
		return fmt.Sprintf("SessionState(%d)", int8(s))
	}
}

// SessionStateFromNative converts an engine code.
func SessionStateFromNative(code int8) (SessionState, error) {
	switch s := SessionState(code); s {
	case Active, Dying, Inactive:
		return s, nil
	}
	return Inactive, fmt.Errorf("unknown session state code: %d", code)
}

// CanTransition reports whether the lifecycle allows moving from s to next.
//
//	INACTIVE -> ACTIVE            start / open
//	ACTIVE   -> DYING             close with unsynced local data
//	ACTIVE   -> INACTIVE          close with nothing to upload
//	DYING    -> INACTIVE          upload drained
//	DYING    -> ACTIVE            start again before dying completed
func (s SessionState) CanTransition(next SessionState) bool {
	if s == next {
		return true
	}
	switch s {
	case Inactive:
		return next == Active
	case Active:
		return next == Dying || next == Inactive
	case Dying:
		return next == Inactive || next == Active
	}
	return false
}

// ConnectionState describes the shared network connection of a session.
type ConnectionState int8

const (
	Disconnected ConnectionState = 0
	Connecting   ConnectionState = 1
	Connected    ConnectionState = 2
)

func (c ConnectionState) String() string {
	switch c {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int8(c))
	}
}

// ConnectionStateFromNative converts an engine code. An unknown code is an
// integration bug: the result is Disconnected and the error should be logged.
func ConnectionStateFromNative(code int8) (ConnectionState, error) {
	switch c := ConnectionState(code); c {
	case Disconnected, Connecting, Connected:
		return c, nil
	}
	return Disconnected, fmt.Errorf("unknown connection state code: %d", code)
}

// IsConnected is true only for a connected session that is still alive.
func IsConnected(state SessionState, conn ConnectionState) bool {
	return conn == Connected && (state == Active || state == Dying)
}
