package record

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

type RejectionType string

const (
	RejectNotFound        RejectionType = "NOT_FOUND"
	RejectAlreadyExists   RejectionType = "ALREADY_EXISTS"
	RejectInvalidArgument RejectionType = "INVALID_ARGUMENT"
	RejectInvalidState    RejectionType = "INVALID_STATE"
	RejectForbidden       RejectionType = "FORBIDDEN"
)

// Rejection is the terminal, non-mutating outcome of an invalid command.
type Rejection struct {
	Type   RejectionType `json:"type"`
	Reason string        `json:"reason"`
}

// Reject formats a rejection of the given type.
func Reject(t RejectionType, format string, args ...any) *Rejection {
	return &Rejection{Type: t, Reason: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Type, r.Reason)
}

// AsRejection unwraps a rejection from err.
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

// CommandRejectedMessage renders the message a client sees for a rejected
// command.
func CommandRejectedMessage(intent Intent, rej *Rejection) string {
	return fmt.Sprintf("Command '%s' rejected with code '%s': %s", intent, rej.Type, rej.Reason)
}

// FormatIDs renders an identifier set in sorted order, e.g. "[a, b]".
func FormatIDs(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return "[" + strings.Join(sorted, ", ") + "]"
}
