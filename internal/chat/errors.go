package chat

import "errors"

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrUsernameTaken        = errors.New("username already taken")
	ErrNotJoined            = errors.New("connection has not joined a room")
	ErrSessionClosed        = errors.New("session is closed")
	ErrStoreUnavailable     = errors.New("message store unavailable")
	ErrNameIndexUnavailable = errors.New("username index unavailable")
	ErrNoRecoverableSession = errors.New("no recoverable session")
)

// errorCode maps an error to the code carried by "error" frames and whether
// the client should retry.
func errorCode(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input", false
	case errors.Is(err, ErrUsernameTaken):
		return "username_taken", false
	case errors.Is(err, ErrNotJoined):
		return "not_joined", false
	case errors.Is(err, ErrSessionClosed):
		return "session_closed", false
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable", true
	case errors.Is(err, ErrNameIndexUnavailable):
		return "name_index_unavailable", true
	case errors.Is(err, ErrNoRecoverableSession):
		return "not_recoverable", false
	default:
		return "internal", true
	}
}
