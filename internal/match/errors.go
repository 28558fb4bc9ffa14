package match

import "errors"

// Error is a named rejection surfaced to the caller as its Code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

// Is matches any *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

func newErr(code, msg string) *Error { return &Error{Code: code, Message: msg} }

var (
	ErrNotFound          = newErr("GAME_NOT_FOUND", "match not found")
	ErrNotInGame         = newErr("NOT_IN_GAME", "caller is not a participant")
	ErrNotYourTurn       = newErr("NOT_YOUR_TURN", "not your turn")
	ErrIllegalMove       = newErr("ILLEGAL_MOVE", "illegal move")
	ErrNotActive         = newErr("NOT_ACTIVE", "match is not active")
	ErrGameNotActive     = newErr("GAME_NOT_ACTIVE", "match is not in a movable state")
	ErrEnded             = newErr("GAME_ENDED", "match already finished")
	ErrAborted           = newErr("GAME_ABORTED", "ready grace period expired; match aborted")
	ErrTimeout           = newErr("TIMEOUT", "clock ran out; match finished on time")
	ErrNoOffer           = newErr("NO_OFFER", "no pending draw offer")
	ErrOwnOffer          = newErr("OWN_OFFER", "cannot answer your own draw offer")
	ErrNotClaimable      = newErr("NOT_CLAIMABLE", "opponent has not been disconnected long enough")
	ErrNotAbortable      = newErr("NOT_ABORTABLE", "match has already started")
	ErrJoinCodeRequired  = newErr("JOIN_CODE_REQUIRED", "join code required")
	ErrSamePlayer        = newErr("SAME_PLAYER", "cannot join your own match")
	ErrGameFull          = newErr("GAME_FULL", "match already has two players")
	ErrBadTimeControl    = newErr("BAD_TIME_CONTROL", "invalid time control")
	ErrStateRegression   = errors.New("match state regression")
	ErrMatchExists       = errors.New("match already exists")
	ErrConcurrentUpdates = errors.New("too many concurrent updates")
)

// CodeOf returns the domain code for err, or "INTERNAL".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "INTERNAL"
}
