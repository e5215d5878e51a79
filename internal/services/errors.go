package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying automatically (network, timeout, 5xx).
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks failures that will not succeed on retry (4xx validation).
	ErrPermanent = errors.New("permanent failure")
	// ErrResource marks local resource violations (size or duration caps, microphone access).
	ErrResource = errors.New("resource error")
	// ErrExhausted marks work that reached its retry ceiling.
	ErrExhausted = errors.New("retries exhausted")
	// ErrUnsupported marks a platform capability that is not available.
	ErrUnsupported = errors.New("capability unsupported")
	// ErrUnauthorized marks a request the server refused for missing or stale credentials.
	ErrUnauthorized = errors.New("unauthorized")
)

// Kind is the retry classification of an error.
type Kind string

const (
	KindTransient    Kind = "transient"
	KindPermanent    Kind = "permanent"
	KindResource     Kind = "resource"
	KindExhausted    Kind = "exhausted"
	KindUnsupported  Kind = "unsupported"
	KindUnauthorized Kind = "unauthorized"
)

// ErrorClassifier allows errors to declare their classification.
type ErrorClassifier interface {
	ErrorKind() Kind
}

// Wrap builds an error message that includes component context while tagging it
// with the provided marker for later classification.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps an error to its retry kind. Unknown errors, network errors,
// and deadline expiries are transient so nothing is dropped on a guess.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorKind()
	}
	switch {
	case errors.Is(err, ErrPermanent):
		return KindPermanent
	case errors.Is(err, ErrResource):
		return KindResource
	case errors.Is(err, ErrExhausted):
		return KindExhausted
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindTransient
}

// IsPermanent reports whether err should never be retried.
func IsPermanent(err error) bool {
	return Classify(err) == KindPermanent
}

// IsUnauthorized reports whether err needs fresh credentials before a retry.
func IsUnauthorized(err error) bool {
	return err != nil && Classify(err) == KindUnauthorized
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	return err != nil && Classify(err) == KindTransient
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
