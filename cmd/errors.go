package cmd

import (
	"errors"
	"fmt"

	"github.com/BioHazard786/voicelink/internal/auth"
	"github.com/BioHazard786/voicelink/internal/relay"
)

// CommandError is a failed CLI step with an optional hint for the user.
type CommandError struct {
	Op      string
	Err     error
	Details string
}

func (e *CommandError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// NewError wraps err, adding a hint for the failures users can fix
// themselves.
func NewError(op string, err error) *CommandError {
	return &CommandError{Op: op, Err: err, Details: hint(err)}
}

func WrapError(op string, err error, details string) *CommandError {
	return &CommandError{Op: op, Err: err, Details: details}
}

func hint(err error) string {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return "run `voicelink login` first"
	case relay.Classify(err) == relay.KindPermission:
		return "the relay rejected the token; run `voicelink login` again"
	case relay.Classify(err) == relay.KindUnavailable:
		return "is the relay service reachable?"
	}
	return ""
}
