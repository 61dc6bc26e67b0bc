package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrRateLimited  = errors.New("rate limited")
	ErrTransport    = errors.New("transport error")
	ErrInternal     = errors.New("internal error")
)

// Validation wraps ErrValidation with a caller facing message.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func Transport(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// ChannelDispatchError reports a failed notification delivery on one channel.
type ChannelDispatchError struct {
	Channel        string
	NotificationID string
	Err            error
}

func (e *ChannelDispatchError) Error() string {
	return fmt.Sprintf("dispatch %s for notification %s: %v", e.Channel, e.NotificationID, e.Err)
}

func (e *ChannelDispatchError) Unwrap() error { return e.Err }

// Message strips the sentinel prefix so handlers can show the detail only.
func Message(err error) string {
	if err == nil {
		return ""
	}
	for _, s := range []error{ErrValidation, ErrForbidden, ErrNotFound, ErrUnauthorized, ErrRateLimited, ErrTransport} {
		if errors.Is(err, s) {
			msg := err.Error()
			prefix := s.Error() + ": "
			if len(msg) > len(prefix) && msg[:len(prefix)] == prefix {
				return msg[len(prefix):]
			}
			return msg
		}
	}
	return err.Error()
}
