package domain

import "errors"

var (
	ErrUnauthorized         = errors.New("unauthorized")
	ErrForbidden            = errors.New("forbidden: not a room member")
	ErrServiceUnavailable   = errors.New("service unavailable")
	ErrPersistenceFailed    = errors.New("persistence failed")
	ErrUnsupportedFrameType = errors.New("unsupported frame type")
	ErrInvalidFrame         = errors.New("invalid frame")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotInRoom            = errors.New("connection is not in room")
	ErrLastRoom             = errors.New("cannot leave the last room")
	ErrRateLimited          = errors.New("rate limited")
	ErrBusUnavailable       = errors.New("bus unavailable")
	ErrSendTimeout          = errors.New("send timeout")
	ErrConnectionClosed     = errors.New("connection closed")
	ErrInvalidRoomID        = errors.New("invalid room id")
	ErrInvalidUserID        = errors.New("invalid user id")
)

// Application close codes sent on handshake rejection.
const (
	CloseUnauthorized = 4001
	CloseForbidden    = 4003
	CloseTryAgain     = 1013
	CloseGoingAway    = 1001
	CloseInternal     = 1011
)

var codes = []struct {
	err  error
	code string
	text string
}{
	{ErrUnauthorized, "UNAUTHORIZED", "authentication required"},
	{ErrForbidden, "FORBIDDEN", "not a member of this room"},
	{ErrServiceUnavailable, "SERVICE_UNAVAILABLE", "service unavailable, try again later"},
	{ErrPersistenceFailed, "PERSISTENCE_FAILED", "message could not be stored"},
	{ErrUnsupportedFrameType, "UNSUPPORTED_FRAME_TYPE", "unsupported frame type"},
	{ErrInvalidFrame, "INVALID_FRAME", "invalid frame"},
	{ErrMessageNotFound, "MESSAGE_NOT_FOUND", "message not found"},
	{ErrNotInRoom, "NOT_IN_ROOM", "connection is not in room"},
	{ErrLastRoom, "LAST_ROOM", "cannot leave the last room"},
	{ErrInvalidRoomID, "INVALID_FRAME", "invalid room id"},
	{ErrInvalidUserID, "INVALID_FRAME", "invalid user id"},
	{ErrRateLimited, "RATE_LIMITED", "rate limited"},
	{ErrBusUnavailable, "BUS_UNAVAILABLE", "cross-instance delivery unavailable"},
	{ErrSendTimeout, "SEND_TIMEOUT", "send timed out"},
	{ErrConnectionClosed, "CONNECTION_CLOSED", "connection closed"},
}

// CodeOf maps an error to the code carried by error frames.
func CodeOf(err error) string {
	code, _ := describe(err)
	return code
}

// describe returns the code and client-facing text for err. Wrapped detail
// such as driver or broker errors is never part of the text.
func describe(err error) (code, text string) {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code, c.text
		}
	}
	return "INTERNAL", "internal error"
}

// CloseCodeOf maps a handshake error to the WebSocket close code.
func CloseCodeOf(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return CloseUnauthorized
	case errors.Is(err, ErrForbidden):
		return CloseForbidden
	case errors.Is(err, ErrServiceUnavailable):
		return CloseTryAgain
	default:
		return CloseInternal
	}
}
