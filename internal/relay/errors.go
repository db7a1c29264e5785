package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound    = errors.New("document not found")
	ErrPermission  = errors.New("permission denied")
	ErrUnavailable = errors.New("relay unavailable")
)

// Kind classifies relay failures by cause.
type Kind int

const (
	KindOther Kind = iota
	KindUnavailable
	KindTimeout
	KindPermission
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindPermission:
		return "permission"
	case KindNotFound:
		return "not_found"
	default:
		return "other"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) Kind {
	switch s {
	case "unavailable":
		return KindUnavailable
	case "timeout":
		return KindTimeout
	case "permission":
		return KindPermission
	case "not_found":
		return KindNotFound
	default:
		return KindOther
	}
}

// Retryable reports whether an operation failing this way may succeed on a
// later attempt.
func (k Kind) Retryable() bool {
	return k != KindPermission && k != KindNotFound
}

// Error wraps a failed relay operation.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("relay %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify maps an error to its Kind.
func Classify(err error) Kind {
	if err == nil {
		return KindOther
	}

	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermission):
		return KindPermission
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrUnavailable),
		errors.Is(err, redis.ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, websocket.ErrCloseSent):
		return KindUnavailable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindUnavailable
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		if closeErr.Code == websocket.ClosePolicyViolation {
			return KindPermission
		}
		return KindUnavailable
	}

	return KindOther
}
