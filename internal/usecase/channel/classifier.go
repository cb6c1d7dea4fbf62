package channel

import (
	"errors"
	"strings"

	"agentbridge/internal/domain"
)

// FailureClass drives user-facing messaging when a request fails: each class
// maps to a different actionable next step for the operator.
type FailureClass string

const (
	// ClassMissingCredentials means the worker cannot authenticate with its
	// upstream provider. Never silently retried; the operator must fix the
	// credential configuration.
	ClassMissingCredentials FailureClass = "missing_credentials"
	// ClassMissingDependency means a runtime the worker needs is absent.
	ClassMissingDependency FailureClass = "missing_dependency"
	// ClassNetwork covers unreachability and transport timeouts.
	ClassNetwork FailureClass = "network"
	// ClassServer is the generic fallback when no marker matches.
	ClassServer FailureClass = "server"
)

var credentialMarkers = []string{
	"api key", "api_key", "credential", "unauthorized", "authentication",
	"invalid key", "401", "forbidden",
}

var dependencyMarkers = []string{
	"command not found", "no such file", "executable file not found",
	"module not found", "cannot find module", "enoent", "not installed",
}

var networkMarkers = []string{
	"connection refused", "connection reset", "no such host",
	"network is unreachable", "timeout", "deadline exceeded", "econnrefused",
}

// Classify inspects an error (typically a channel or remote failure) and
// returns the failure class. Sentinel matches take precedence over message
// text so transport failures classify deterministically.
func Classify(err error) FailureClass {
	if err == nil {
		return ClassServer
	}

	if errors.Is(err, domain.ErrUnreachable) || errors.Is(err, domain.ErrRequestTimeout) {
		return ClassNetwork
	}

	lower := strings.ToLower(err.Error())
	for _, m := range credentialMarkers {
		if strings.Contains(lower, m) {
			return ClassMissingCredentials
		}
	}
	for _, m := range dependencyMarkers {
		if strings.Contains(lower, m) {
			return ClassMissingDependency
		}
	}
	for _, m := range networkMarkers {
		if strings.Contains(lower, m) {
			return ClassNetwork
		}
	}
	return ClassServer
}

// Retryable reports whether a failure of this class may succeed after a
// restart. Missing credentials are explicitly not retryable: restarting the
// worker cannot conjure a key.
func (c FailureClass) Retryable() bool {
	return c == ClassNetwork
}
