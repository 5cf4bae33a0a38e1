package service

import (
	"context"
	"errors"
	"net"

	"ledgersync/internal/repository"
	"ledgersync/internal/schema"
)

// Outcome classifies one processed operation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNetwork
	OutcomeAuth
	OutcomeData
	OutcomeConflict
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNetwork:
		return "network"
	case OutcomeAuth:
		return "auth"
	case OutcomeData:
		return "data"
	case OutcomeConflict:
		return "conflict"
	}
	return "unknown"
}

// Infrastructure reports whether the failure says something about remote health.
// Only these outcomes are fed to the circuit breaker.
func (o Outcome) Infrastructure() bool {
	return o == OutcomeNetwork || o == OutcomeAuth
}

// Retryable reports whether the operation may be attempted again, budget permitting.
func (o Outcome) Retryable() bool {
	return o == OutcomeNetwork || o == OutcomeAuth || o == OutcomeUnknown
}

// Classify maps an error from validation or the remote adapter onto an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	switch {
	case errors.Is(err, repository.ErrRemoteConflict):
		return OutcomeConflict
	case errors.Is(err, repository.ErrRemoteRejected),
		errors.Is(err, schema.ErrInvalidData),
		errors.Is(err, schema.ErrUnknownSchema),
		errors.Is(err, ErrMalformedOperation):
		return OutcomeData
	case errors.Is(err, repository.ErrRemoteAuth):
		return OutcomeAuth
	case errors.Is(err, repository.ErrRemoteUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return OutcomeNetwork
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return OutcomeNetwork
	}
	return OutcomeUnknown
}
