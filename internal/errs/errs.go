// Package errs defines the failure taxonomy shared by every component.
//
// Errors are plain wrapped errors: a constructor tags the cause with one of
// the sentinel kinds below so callers can classify it with errors.Is and log
// it with Kind.  None of these are fatal to the process.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration means a setting required by one operation is absent.
	ErrConfiguration = errors.New("configuration error")
	// ErrAuth means a credential exchange was rejected.
	ErrAuth = errors.New("auth error")
	// ErrNetwork means an outbound call timed out or could not connect.
	ErrNetwork = errors.New("network error")
	// ErrValidation means an inbound payload or signature was rejected.
	ErrValidation = errors.New("validation error")
	// ErrPlatform means the job-execution platform refused to start an execution.
	ErrPlatform = errors.New("platform error")
)

// Configuration returns an ErrConfiguration naming the missing setting.
func Configuration(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Auth wraps err as an ErrAuth.
func Auth(err error) error {
	return wrap(ErrAuth, err)
}

// Network wraps err as an ErrNetwork.
func Network(err error) error {
	return wrap(ErrNetwork, err)
}

// Validation wraps err as an ErrValidation.
func Validation(err error) error {
	return wrap(ErrValidation, err)
}

// Platform wraps err as an ErrPlatform.
func Platform(err error) error {
	return wrap(ErrPlatform, err)
}

func wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Kind returns a short label for err suitable for a structured log field.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPlatform):
		return "platform"
	default:
		return "unknown"
	}
}
