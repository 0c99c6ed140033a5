package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel markers for the error taxonomy exposed over RPC.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnknownSession    = errors.New("unknown session")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrStorage           = errors.New("storage failure")
	ErrValidation        = errors.New("validation error")
)

// Wire-level error kinds paired with the sentinels above. ParseError and
// UnknownMethod are produced by the RPC server itself.
const (
	KindParseError        = "ParseError"
	KindUnknownMethod     = "UnknownMethod"
	KindNotFound          = "NotFound"
	KindUnknownSession    = "UnknownSession"
	KindAlreadyRegistered = "AlreadyRegistered"
	KindInvalidTransition = "InvalidTransition"
	KindStorageError      = "StorageError"
	KindValidation        = "ValidationError"
	KindInternal          = "InternalError"
)

// Wrap tags a failure with a classification marker while preserving context.
func Wrap(marker error, message string, err error) error {
	if marker == nil {
		marker = ErrStorage
	}
	message = strings.TrimSpace(message)
	if err != nil {
		if message == "" {
			return fmt.Errorf("%w: %w", marker, err)
		}
		return fmt.Errorf("%w: %s: %w", marker, message, err)
	}
	if message == "" {
		return marker
	}
	return fmt.Errorf("%w: %s", marker, message)
}

// New builds a classified error from a marker and formatted message.
func New(marker error, format string, args ...any) error {
	return Wrap(marker, fmt.Sprintf(format, args...), nil)
}

// Kind maps a classified error to its wire-level kind.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrUnknownSession):
		return KindUnknownSession
	case errors.Is(err, ErrAlreadyRegistered):
		return KindAlreadyRegistered
	case errors.Is(err, ErrStorage):
		return KindStorageError
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindInternal
	}
}
