package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"ledgersync/internal/model"
	"ledgersync/internal/repository"
	"ledgersync/internal/schema"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/constraints"
	"ledgersync/pkg/logger"

	"go.uber.org/zap"
)

var ErrMalformedOperation = errors.New("malformed operation")

// Result is what the processor reports for one operation.
type Result struct {
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Processor executes one operation against the remote store. It holds no state between calls.
type Processor struct {
	remote    repository.RemoteInterface
	validator *schema.Validator
	timeout   time.Duration
}

func NewProcessor(remote repository.RemoteInterface, validator *schema.Validator, timeout time.Duration) *Processor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Processor{remote: remote, validator: validator, timeout: timeout}
}

// Execute validates the envelope and performs the remote call. Payload problems are
// reported as OutcomeData before any network I/O.
func (p *Processor) Execute(ctx context.Context, op *model.Operation) (res Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while executing operation",
				zap.String("operation_id", op.OperationID), zap.Any("panic", r), zap.Stack("stack"))
			res = Result{Outcome: OutcomeUnknown, Err: fmt.Errorf("panic: %v", r)}
		}
		res.Duration = time.Since(start)
	}()

	call, err := p.prepare(op)
	if err != nil {
		return Result{Outcome: Classify(err), Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err = p.remote.Perform(callCtx, call)
	return Result{Outcome: Classify(err), Err: err}
}

func (p *Processor) prepare(op *model.Operation) (v1.RemoteCall, error) {
	var call v1.RemoteCall
	if !op.OperationType.Valid() {
		return call, fmt.Errorf("%w: operation type %q", ErrMalformedOperation, op.OperationType)
	}

	var env v1.Envelope
	if err := json.Unmarshal(op.Payload, &env); err != nil {
		return call, fmt.Errorf("%w: payload is not an envelope: %v", ErrMalformedOperation, err)
	}

	if want, ok := constraints.SchemaCollections[env.Schema]; ok && want != op.TargetCollection {
		return call, fmt.Errorf("%w: schema %s writes to %s, not %s", ErrMalformedOperation, env.Schema, want, op.TargetCollection)
	}
	if env.UpdatedAt.IsZero() {
		return call, fmt.Errorf("%w: envelope has no updated_at", ErrMalformedOperation)
	}

	if op.OperationType == v1.OperationDelete {
		if !p.validator.Known(env.Schema) {
			return call, fmt.Errorf("%w: %q", schema.ErrUnknownSchema, env.Schema)
		}
	} else if err := p.validator.Validate(env); err != nil {
		return call, err
	}

	return v1.RemoteCall{
		OperationID: op.OperationID,
		Type:        op.OperationType,
		Collection:  op.TargetCollection,
		DocumentID:  op.DocumentID,
		OwnerID:     op.OwnerID,
		Envelope:    env,
	}, nil
}
