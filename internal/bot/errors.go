package bot

import (
	"context"

	"golang.org/x/xerrors"

	"attendboard/internal/attendance"
	"attendboard/internal/confirm"
	"attendboard/internal/metrics"
)

// ErrUnknownControl is returned for button data the bot did not issue.
var ErrUnknownControl = xerrors.New("bot: unknown control")

// ErrorKind maps an error onto a stable label for logs.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case xerrors.Is(err, attendance.ErrDuplicateAction),
		xerrors.Is(err, attendance.ErrAlreadyOut),
		xerrors.Is(err, confirm.ErrPending):
		return "duplicate_action"
	case xerrors.Is(err, confirm.ErrNotOwner):
		return "ownership"
	case xerrors.Is(err, confirm.ErrNotFound):
		return "dialog_gone"
	case xerrors.Is(err, attendance.ErrInvalidAction), xerrors.Is(err, ErrUnknownControl):
		return "invalid"
	case xerrors.Is(err, context.Canceled), xerrors.Is(err, context.DeadlineExceeded), xerrors.Is(err, confirm.ErrClosed):
		return "canceled"
	default:
		return "persistence"
	}
}

// Rejected reports whether err is a user-facing rejection rather than a
// failure.
func Rejected(err error) bool {
	switch ErrorKind(err) {
	case "duplicate_action", "ownership", "dialog_gone", "invalid":
		return true
	}
	return false
}

// Feedback is the short text shown to the member for err.
func Feedback(err error) string {
	switch {
	case err == nil:
		return ""
	case xerrors.Is(err, attendance.ErrAlreadyOut):
		return "You have already checked out today."
	case xerrors.Is(err, attendance.ErrDuplicateAction):
		return "That is already your current status."
	case xerrors.Is(err, confirm.ErrPending):
		return "Please answer your pending check-out first."
	case xerrors.Is(err, confirm.ErrNotOwner):
		return "Only the member who pressed Out can answer this."
	case xerrors.Is(err, confirm.ErrNotFound):
		return "This confirmation has expired."
	case xerrors.Is(err, attendance.ErrInvalidAction), xerrors.Is(err, ErrUnknownControl):
		return "Unknown action."
	default:
		return "Something went wrong, please try again."
	}
}

func actionResult(err error) string {
	switch {
	case err == nil:
		return metrics.ResultOK
	case Rejected(err):
		return metrics.ResultRejected
	default:
		return metrics.ResultError
	}
}
