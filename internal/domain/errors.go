package domain

import "errors"

// ErrorKind classifies session failures surfaced to the application.
type ErrorKind string

const (
	ErrIncorrectParameters  ErrorKind = "incorrect_parameters"
	ErrInvalidState         ErrorKind = "invalid_state"
	ErrBackend              ErrorKind = "backend_error"
	ErrCreateSessionFailed  ErrorKind = "create_session_failed"
	ErrCreateStreamFailed   ErrorKind = "create_stream_failed"
	ErrNoAdminPrivilege     ErrorKind = "no_admin_privilege"
	ErrNoModeratorPrivilege ErrorKind = "no_moderator_privilege"
)

// SessionError is the one shape every asynchronous failure is reported in,
// scoped to the room it originated from.
type SessionError struct {
	RoomID  RoomID
	Kind    ErrorKind
	Message string
}

func (e *SessionError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrNotConnected     = errors.New("not connected")
)
