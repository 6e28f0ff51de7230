package models

import "fmt"

// Category tells an ErrorHandler whether the session survived the error.
type Category string

const (
	// Fatal errors abort the session; reopen it to continue.
	Fatal Category = "FATAL"
	// Recoverable errors are retried by the engine and are informational.
	Recoverable Category = "RECOVERABLE"
)

// Native error categories as reported by the sync engine.
const (
	TypeUnknown    = "unknown"
	TypeCustom     = "realm::app::CustomError"
	TypeClient     = "realm::app::ClientError"
	TypeProtocol   = "realm::sync::ProtocolError"
	TypeSession    = "realm::sync::Client::Error"
	TypeConnection = "realm.basic_system"
	TypeMisc       = "realm.util.misc_ext"
)

// ErrorCode identifies an engine error by native category and code.
type ErrorCode struct {
	Name     string
	Type     string
	Code     int64
	Category Category
}

func (c ErrorCode) String() string {
	return fmt.Sprintf("%s(%s:%d)", c.Name, c.Type, c.Code)
}

func fatal(name, typ string, code int64) ErrorCode {
	return ErrorCode{Name: name, Type: typ, Code: code, Category: Fatal}
}

func recoverable(name, typ string, code int64) ErrorCode {
	return ErrorCode{Name: name, Type: typ, Code: code, Category: Recoverable}
}

var (
	UnknownErrorCode = fatal("UNKNOWN", TypeUnknown, -1)

	ClientReset        = fatal("CLIENT_RESET", TypeProtocol, 7)
	ClientResetClient  = fatal("CLIENT_RESET", TypeClient, 7)
	DivergingHistories = fatal("DIVERGING_HISTORIES", TypeProtocol, 211)

	NetworkIOException    = fatal("NETWORK_IO_EXCEPTION", TypeCustom, 1000)
	NetworkInterrupted    = fatal("NETWORK_INTERRUPTED", TypeCustom, 1001)
	NetworkUnknown        = fatal("NETWORK_UNKNOWN", TypeCustom, 1002)
	ConnectionClosed      = recoverable("CONNECTION_CLOSED", TypeProtocol, 100)
	SessionClosed         = recoverable("SESSION_CLOSED", TypeProtocol, 200)
	OtherSessionError     = recoverable("OTHER_SESSION_ERROR", TypeProtocol, 201)
	TokenExpired          = recoverable("TOKEN_EXPIRED", TypeProtocol, 202)
	BadAuthentication     = fatal("BAD_AUTHENTICATION", TypeProtocol, 203)
	PermissionDenied      = fatal("PERMISSION_DENIED", TypeProtocol, 206)
	ConnectionResetByPeer = recoverable("CONNECTION_RESET_BY_PEER", TypeConnection, 104)
)

var errorCodes = []ErrorCode{
	UnknownErrorCode,
	NetworkIOException,
	NetworkInterrupted,
	NetworkUnknown,
	fatal("BSON_CODEC_NOT_FOUND", TypeCustom, 1100),
	fatal("BSON_ENCODING", TypeCustom, 1101),
	fatal("BSON_DECODING", TypeCustom, 1102),
	fatal("EVENT_DESERIALIZING", TypeCustom, 1200),

	ClientReset,
	ClientResetClient,
	ConnectionClosed,
	fatal("OTHER_ERROR", TypeProtocol, 101),
	fatal("UNKNOWN_MESSAGE", TypeProtocol, 102),
	fatal("BAD_SYNTAX", TypeProtocol, 103),
	fatal("LIMITS_EXCEEDED", TypeProtocol, 104),
	fatal("WRONG_PROTOCOL_VERSION", TypeProtocol, 105),
	fatal("BAD_SESSION_IDENT", TypeProtocol, 106),
	fatal("REUSE_OF_SESSION_IDENT", TypeProtocol, 107),
	fatal("BOUND_IN_OTHER_SESSION", TypeProtocol, 108),
	fatal("BAD_MESSAGE_ORDER", TypeProtocol, 109),
	fatal("BAD_DECOMPRESSION", TypeProtocol, 110),
	fatal("BAD_CHANGESET_HEADER_SYNTAX", TypeProtocol, 111),
	fatal("BAD_CHANGESET_SIZE", TypeProtocol, 112),
	fatal("BAD_CHANGESETS", TypeProtocol, 113),
	SessionClosed,
	OtherSessionError,
	TokenExpired,
	BadAuthentication,
	fatal("ILLEGAL_REALM_PATH", TypeProtocol, 204),
	fatal("NO_SUCH_PATH", TypeProtocol, 205),
	PermissionDenied,
	fatal("BAD_SERVER_FILE_IDENT", TypeProtocol, 207),
	fatal("BAD_CLIENT_FILE_IDENT", TypeProtocol, 208),
	fatal("BAD_SERVER_VERSION", TypeProtocol, 209),
	fatal("BAD_CLIENT_VERSION", TypeProtocol, 210),
	DivergingHistories,
	fatal("BAD_CHANGESET", TypeProtocol, 212),
	fatal("DISABLED_SESSION", TypeProtocol, 213),
	fatal("PARTIAL_SYNC_DISABLED", TypeProtocol, 214),
	fatal("UNSUPPORTED_SESSION_FEATURE", TypeProtocol, 215),
	fatal("BAD_ORIGIN_FILE_IDENT", TypeProtocol, 216),
	fatal("BAD_CLIENT_FILE", TypeProtocol, 217),
	fatal("SERVER_FILE_DELETED", TypeProtocol, 218),
	fatal("CLIENT_FILE_BLACKLISTED", TypeProtocol, 219),
	fatal("USER_BLACKLISTED", TypeProtocol, 220),
	fatal("TRANSACT_BEFORE_UPLOAD", TypeProtocol, 221),
	fatal("CLIENT_FILE_EXPIRED", TypeProtocol, 222),
	fatal("USER_MISMATCH", TypeProtocol, 223),
	fatal("TOO_MANY_SESSIONS", TypeProtocol, 224),
	fatal("INVALID_SCHEMA_CHANGE", TypeProtocol, 225),

	fatal("CLIENT_CONNECTION_CLOSED", TypeSession, 100),
	fatal("CLIENT_UNKNOWN_MESSAGE", TypeSession, 101),
	fatal("CLIENT_LIMITS_EXCEEDED", TypeSession, 103),
	fatal("CLIENT_BAD_SESSION_IDENT", TypeSession, 104),
	fatal("CLIENT_BAD_MESSAGE_ORDER", TypeSession, 105),
	fatal("CLIENT_BAD_CLIENT_FILE_IDENT", TypeSession, 106),
	fatal("CLIENT_BAD_PROGRESS", TypeSession, 107),
	fatal("CLIENT_BAD_CHANGESET_HEADER_SYNTAX", TypeSession, 108),
	fatal("CLIENT_BAD_CHANGESET_SIZE", TypeSession, 109),
	fatal("CLIENT_BAD_ORIGIN_FILE_IDENT", TypeSession, 110),
	fatal("CLIENT_BAD_SERVER_VERSION", TypeSession, 111),
	fatal("CLIENT_BAD_CHANGESET", TypeSession, 112),
	fatal("CLIENT_BAD_REQUEST_IDENT", TypeSession, 113),
	fatal("CLIENT_BAD_ERROR_CODE", TypeSession, 114),
	fatal("CLIENT_BAD_COMPRESSION", TypeSession, 115),
	fatal("CLIENT_BAD_CLIENT_VERSION_DOWNLOAD", TypeSession, 116),
	fatal("CLIENT_SSL_SERVER_CERT_REJECTED", TypeSession, 117),
	fatal("CLIENT_PONG_TIMEOUT", TypeSession, 118),
	fatal("CLIENT_BAD_CLIENT_FILE_IDENT_SALT", TypeSession, 119),
	fatal("CLIENT_FILE_IDENT", TypeSession, 120),
	fatal("CLIENT_CONNECT_TIMEOUT", TypeSession, 121),
	fatal("CLIENT_BAD_TIMESTAMP", TypeSession, 122),
	fatal("CLIENT_BAD_PROTOCOL_FROM_SERVER", TypeSession, 123),
	fatal("CLIENT_TOO_OLD_FOR_SERVER", TypeSession, 124),
	fatal("CLIENT_TOO_NEW_FOR_SERVER", TypeSession, 125),
	fatal("CLIENT_PROTOCOL_MISMATCH", TypeSession, 126),
	fatal("CLIENT_BAD_STATE_MESSAGE", TypeSession, 127),
	fatal("CLIENT_MISSING_PROTOCOL_FEATURE", TypeSession, 128),
	fatal("CLIENT_BAD_SERIAL_TRANSACT_STATUS", TypeSession, 129),
	fatal("CLIENT_BAD_OBJECT_ID_SUBSTITUTIONS", TypeSession, 130),
	fatal("CLIENT_HTTP_TUNNEL_FAILED", TypeSession, 131),

	ConnectionResetByPeer,
	recoverable("CONNECTION_SOCKET_SHUTDOWN", TypeConnection, 110),
	recoverable("CONNECTION_REFUSED", TypeConnection, 111),
	recoverable("CONNECTION_ADDRESS_IN_USE", TypeConnection, 112),
	recoverable("CONNECTION_CONNECTION_ABORTED", TypeConnection, 113),

	fatal("MISC_END_OF_INPUT", TypeMisc, 1),
	fatal("MISC_PREMATURE_END_OF_INPUT", TypeMisc, 2),
	fatal("MISC_DELIMITER_NOT_FOUND", TypeMisc, 3),
}

type nativeKey struct {
	typ  string
	code int64
}

var codesByNative = func() map[nativeKey]ErrorCode {
	m := make(map[nativeKey]ErrorCode, len(errorCodes))
	for _, c := range errorCodes {
		m[nativeKey{c.Type, c.Code}] = c
	}
	return m
}()

// ErrorCodeFromNative maps a native (category, code) pair. Unmapped pairs
// return UnknownErrorCode.
func ErrorCodeFromNative(typ string, code int64) ErrorCode {
	if c, ok := codesByNative[nativeKey{typ, code}]; ok {
		return c
	}
	return UnknownErrorCode
}

// IsClientReset reports whether the code requires a client reset.
func (c ErrorCode) IsClientReset() bool {
	return c.Name == ClientReset.Name
}
