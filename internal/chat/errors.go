package chat

import "errors"

// Request-level rejections. They are returned synchronously and never retried.
var (
	ErrMalformedTarget = errors.New("exactly one of recipient_id or group_id is required")
	ErrUnknownUser     = errors.New("unknown user")
	ErrUnknownGroup    = errors.New("unknown group")
	ErrNotFriends      = errors.New("users are not friends")
	ErrNotAMember      = errors.New("sender is not a member of the group")
	ErrMessageNotFound = errors.New("message not found")
	ErrInvalidRequest  = errors.New("invalid request")

	// ErrPersistence wraps a durable store failure. Nothing partial is visible
	// when it is returned from Dispatch.
	ErrPersistence = errors.New("persistence failure")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrMalformedTarget, "malformed_target"},
	{ErrUnknownUser, "unknown_user"},
	{ErrUnknownGroup, "unknown_group"},
	{ErrNotFriends, "not_friends"},
	{ErrNotAMember, "not_a_member"},
	{ErrMessageNotFound, "message_not_found"},
	{ErrInvalidRequest, "invalid_request"},
	{ErrPersistence, "persistence_failure"},
}

// Code returns the stable wire code for err, or "internal" when err is not
// one of the package's errors.
func Code(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}
