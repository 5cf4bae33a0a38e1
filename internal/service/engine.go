package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"ledgersync/internal/backoff"
	"ledgersync/internal/breaker"
	"ledgersync/internal/metrics"
	"ledgersync/internal/model"
	"ledgersync/internal/repository"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	ErrBatchInFlight    = errors.New("sync batch already in flight")
	ErrEngineRunning    = errors.New("sync engine already started")
	ErrInvalidOperation = errors.New("invalid operation")
	ErrEngineNotStarted = errors.New("sync engine not started")
)

const (
	hashDomain = "ledgersync/operation/v1"
	pruneEvery = time.Hour
)

// EventPublisher receives the engine's observable streams.
type EventPublisher interface {
	PublishStats(v1.Stats)
	PublishResult(v1.ResultEvent)
}

type EngineConfig struct {
	MaxRetries     int
	BatchSize      int
	PollInterval   time.Duration
	PruneSyncedAge time.Duration

	// StaleClaimAge is how long an operation may sit in_progress before a batch
	// returns it to retry.
	StaleClaimAge time.Duration

	// Dedupe drops an enqueue whose fingerprint matches an active or synced record.
	// Enqueues through one Engine are serialized; engines in separate processes
	// sharing a store can still both insert.
	Dedupe bool
}

// EngineDeps are the collaborators an Engine is built from. Marker, Publisher,
// Observer and Now are optional.
type EngineDeps struct {
	Queue     repository.QueueInterface
	Processor *Processor
	Breaker   *breaker.Breaker
	Backoff   backoff.Policy
	Marker    repository.EntityMarker
	Publisher EventPublisher
	Observer  metrics.EngineObserver
	Now       func() time.Time
}

// BatchSummary counts what one ProcessPending pass did.
type BatchSummary struct {
	Fetched      int  `json:"fetched"`
	Synced       int  `json:"synced"`
	Retried      int  `json:"retried"`
	DeadLettered int  `json:"dead_lettered"`
	Backoff      int  `json:"backoff"`
	Held         int  `json:"held"`
	Lost         int  `json:"lost"`
	BreakerOpen  bool `json:"breaker_open"`
}

// Engine drains the durable queue into the remote store on a single logical worker.
type Engine struct {
	queue     repository.QueueInterface
	processor *Processor
	breaker   *breaker.Breaker
	backoff   backoff.Policy
	marker    repository.EntityMarker
	publisher EventPublisher
	observer  metrics.EngineObserver
	now       func() time.Time
	cfg       EngineConfig

	inFlight  atomic.Bool
	trigger   chan struct{}
	enqueueMu sync.Mutex

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	lastPrune time.Time
}

func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Second
	}
	if cfg.StaleClaimAge <= 0 {
		cfg.StaleClaimAge = 5 * time.Minute
	}
	if deps.Breaker == nil {
		deps.Breaker = breaker.New(breaker.Config{})
	}
	if deps.Backoff.BaseDelay <= 0 {
		deps.Backoff = backoff.NewPolicy(0, 0)
	}
	if deps.Observer == nil {
		deps.Observer = metrics.Nop{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Engine{
		queue:     deps.Queue,
		processor: deps.Processor,
		breaker:   deps.Breaker,
		backoff:   deps.Backoff,
		marker:    deps.Marker,
		publisher: deps.Publisher,
		observer:  deps.Observer,
		now:       deps.Now,
		cfg:       cfg,
		trigger:   make(chan struct{}, 1),
	}
}

// Enqueue durably records a new operation and returns without waiting for any sync.
func (e *Engine) Enqueue(ctx context.Context, req v1.EnqueueRequest) (*v1.EnqueueResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	payload, hash, err := encodePayload(req)
	if err != nil {
		return nil, err
	}

	if e.cfg.Dedupe {
		e.enqueueMu.Lock()
		defer e.enqueueMu.Unlock()

		existing, err := e.queue.FindActiveByHash(ctx, hash, req.Collection, req.DocumentID)
		if err != nil {
			return nil, fmt.Errorf("enqueue: %w", err)
		}
		if existing != nil {
			logger.Debug("duplicate enqueue ignored",
				zap.String("operation_id", existing.OperationID), zap.String("status", string(existing.Status)))
			return &v1.EnqueueResult{OperationID: existing.OperationID, Duplicate: true}, nil
		}
	}

	op := &model.Operation{
		OperationID:       uuid.NewString(),
		OperationType:     req.Type,
		TargetCollection:  req.Collection,
		DocumentID:        req.DocumentID,
		Payload:           payload,
		PayloadHash:       hash,
		Status:            v1.StatusPending,
		Priority:          req.Priority,
		CreatedAt:         e.now(),
		ParentOperationID: req.ParentOperationID,
		StepNumber:        req.StepNumber,
		TotalSteps:        req.TotalSteps,
		DependencyGroup:   req.DependencyGroup,
		UserID:            req.UserID,
		DeviceID:          req.DeviceID,
		OwnerID:           req.OwnerID,
	}
	if err := e.queue.Enqueue(ctx, op); err != nil {
		return nil, err
	}
	logger.Debug("operation enqueued", zap.String("operation_id", op.OperationID),
		zap.String("collection", op.TargetCollection), zap.String("document_id", op.DocumentID))
	return &v1.EnqueueResult{OperationID: op.OperationID}, nil
}

func validateRequest(req v1.EnqueueRequest) error {
	switch {
	case !req.Type.Valid():
		return fmt.Errorf("%w: operation_type %q", ErrInvalidOperation, req.Type)
	case req.Collection == "":
		return fmt.Errorf("%w: target_collection is required", ErrInvalidOperation)
	case req.DocumentID == "":
		return fmt.Errorf("%w: document_id is required", ErrInvalidOperation)
	case req.Payload.Schema == "":
		return fmt.Errorf("%w: payload schema is required", ErrInvalidOperation)
	case req.StepNumber < 0 || req.TotalSteps < 0 || (req.TotalSteps > 0 && req.StepNumber > req.TotalSteps):
		return fmt.Errorf("%w: step %d of %d", ErrInvalidOperation, req.StepNumber, req.TotalSteps)
	}
	return nil
}

// encodePayload produces the stored envelope and its fingerprint. The fingerprint covers
// the intent and address too, so a create and an update with the same body differ.
func encodePayload(req v1.EnqueueRequest) (datatypes.JSON, string, error) {
	env := req.Payload
	env.UpdatedAt = env.UpdatedAt.UTC()
	if len(env.Data) > 0 {
		var compact bytes.Buffer
		if err := json.Compact(&compact, env.Data); err != nil {
			return nil, "", fmt.Errorf("%w: payload data is not JSON: %v", ErrInvalidOperation, err)
		}
		env.Data = compact.Bytes()
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	h := sha256.New()
	h.Write([]byte(hashDomain))
	h.Write([]byte{0x00})
	h.Write([]byte(req.Type))
	h.Write([]byte{0x00})
	h.Write([]byte(req.Collection))
	h.Write([]byte{0x00})
	h.Write([]byte(req.DocumentID))
	h.Write([]byte{0x00})
	h.Write(raw)
	return datatypes.JSON(raw), hex.EncodeToString(h.Sum(nil)), nil
}

// Start recovers abandoned claims and launches the processing loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return ErrEngineRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	e.mu.Unlock()

	e.recoverStale(ctx)

	watch := e.queue.Watch(loopCtx)
	go e.loop(loopCtx, watch, done)
	e.TriggerManualSync()

	logger.Info("sync engine started",
		zap.Int("batch_size", e.cfg.BatchSize),
		zap.Int("max_retries", e.cfg.MaxRetries),
		zap.Duration("poll_interval", e.cfg.PollInterval))
	return nil
}

// Stop ends the loop and waits for an in-flight batch to finish its current item.
func (e *Engine) Stop() error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return ErrEngineNotStarted
	}
	cancel()
	<-done
	logger.Info("sync engine stopped")
	return nil
}

// TriggerManualSync asks the loop for a pass. It never blocks; triggers coalesce.
func (e *Engine) TriggerManualSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

func (e *Engine) loop(ctx context.Context, watch <-chan struct{}, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-watch:
			if !ok {
				watch = nil
				continue
			}
			e.runOnce(ctx)
		case <-e.trigger:
			e.runOnce(ctx)
		case <-ticker.C:
			e.runOnce(ctx)
			e.maybePrune(ctx)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	_, err := e.ProcessPending(ctx)
	switch {
	case err == nil, errors.Is(err, ErrBatchInFlight):
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		logger.Debug("sync batch cut short by shutdown", zap.Error(err))
	default:
		logger.Error("sync batch failed", zap.Error(err))
	}
}

// recoverStale returns claims whose state write never landed to retry, whether the
// previous process crashed or a single store write failed after the remote call.
func (e *Engine) recoverStale(ctx context.Context) {
	n, err := e.queue.RecoverStale(ctx, e.now().Add(-e.cfg.StaleClaimAge))
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("failed to recover stale claims", zap.Error(err))
		}
		return
	}
	if n > 0 {
		logger.Warn("recovered operations left in progress", zap.Int64("count", n))
	}
}

func (e *Engine) maybePrune(ctx context.Context) {
	if e.cfg.PruneSyncedAge <= 0 || e.now().Sub(e.lastPrune) < pruneEvery {
		return
	}
	e.lastPrune = e.now()
	n, err := e.queue.PruneSynced(ctx, e.now().Add(-e.cfg.PruneSyncedAge))
	if err != nil {
		logger.Warn("failed to prune synced operations", zap.Error(err))
		return
	}
	if n > 0 {
		logger.Info("pruned synced operations", zap.Int64("count", n))
	}
}

// ProcessPending runs one batch. It returns ErrBatchInFlight if another batch is running.
func (e *Engine) ProcessPending(ctx context.Context) (summary BatchSummary, err error) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return summary, ErrBatchInFlight
	}
	defer e.inFlight.Store(false)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("sync batch panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("sync batch panicked: %v", r)
		}
		e.publishStats(context.WithoutCancel(ctx))
	}()

	e.recoverStale(ctx)

	if !e.breaker.Permits() {
		summary.BreakerOpen = true
		return summary, nil
	}

	ops, err := e.queue.FetchEligible(ctx, e.cfg.BatchSize)
	if err != nil {
		return summary, fmt.Errorf("fetch eligible: %w", err)
	}
	summary.Fetched = len(ops)
	orderDependencyGroups(ops)

	held := make(map[string]bool)
	for i := range ops {
		if ctx.Err() != nil {
			break
		}
		op := &ops[i]
		group := op.DependencyGroup

		if group != "" && held[group] {
			summary.Held++
			continue
		}

		if op.Status == v1.StatusRetry && op.LastAttemptAt != nil &&
			!e.backoff.Eligible(op.RetryCount, *op.LastAttemptAt, e.now()) {
			summary.Backoff++
			holdGroup(held, group)
			continue
		}

		if !e.breaker.Allow() {
			summary.BreakerOpen = true
			logger.Warn("circuit breaker open, ending batch early", zap.Int("remaining", len(ops)-i))
			break
		}

		status, err := e.processOne(ctx, op)
		if err != nil {
			return summary, err
		}
		switch status {
		case v1.StatusSynced:
			summary.Synced++
			continue
		case v1.StatusRetry:
			summary.Retried++
		case v1.StatusDeadLetter:
			summary.DeadLettered++
		default:
			summary.Lost++
		}
		holdGroup(held, group)
	}
	return summary, nil
}

func holdGroup(held map[string]bool, group string) {
	if group != "" {
		held[group] = true
	}
}

// processOne claims, executes and routes one operation. The returned status is where
// the operation ended up; an empty status means the claim was lost to another writer.
func (e *Engine) processOne(ctx context.Context, op *model.Operation) (v1.Status, error) {
	// state writes must land even when Stop cancels the loop mid-item
	work := context.WithoutCancel(ctx)

	claimAt := e.now()
	ok, err := e.queue.Claim(work, op.OperationID, claimAt)
	if err != nil {
		e.breaker.Abandon()
		return "", fmt.Errorf("claim %s: %w", op.OperationID, err)
	}
	if !ok {
		e.breaker.Abandon()
		logger.Debug("claim lost", zap.String("operation_id", op.OperationID))
		return "", nil
	}
	if op.FirstAttemptAt == nil {
		op.FirstAttemptAt = &claimAt
	}

	res := e.processor.Execute(work, op)
	attempt := op.RetryCount + 1
	finishedAt := e.now()

	switch {
	case res.Outcome == OutcomeSuccess:
		e.breaker.RecordSuccess()
	case res.Outcome.Infrastructure():
		e.breaker.RecordFailure()
	default:
		e.breaker.Abandon()
	}
	e.observer.ObserveResult(res.Outcome.String(), res.Duration)

	var status v1.Status
	var routeErr error
	switch {
	case res.Outcome == OutcomeSuccess:
		status = v1.StatusSynced
		routeErr = e.queue.MarkSynced(work, op.OperationID, finishedAt)
		if routeErr == nil && e.marker != nil {
			if err := e.marker.MarkEntitySynced(work, op.TargetCollection, op.DocumentID, finishedAt); err != nil {
				logger.Warn("failed to mark entity synced", zap.String("operation_id", op.OperationID),
					zap.String("collection", op.TargetCollection), zap.Error(err))
			}
		}
	case !res.Outcome.Retryable() || attempt >= e.cfg.MaxRetries:
		status = v1.StatusDeadLetter
		_, routeErr = e.queue.MoveToDeadLetter(work, op, repository.DeadLetterFailure{
			Reason:   errString(res.Err),
			Kind:     res.Outcome.String(),
			Attempts: attempt,
			At:       finishedAt,
		})
		if routeErr == nil {
			e.observer.RecordDeadLetter(res.Outcome.String())
			logger.Warn("operation dead-lettered", zap.String("operation_id", op.OperationID),
				zap.String("outcome", res.Outcome.String()), zap.Int("attempts", attempt), zap.Error(res.Err))
		}
	default:
		status = v1.StatusRetry
		routeErr = e.queue.ScheduleRetry(work, op.OperationID, attempt, errString(res.Err), finishedAt)
		if routeErr == nil {
			logger.Info("operation scheduled for retry", zap.String("operation_id", op.OperationID),
				zap.String("outcome", res.Outcome.String()), zap.Int("attempt", attempt),
				zap.Time("next_eligible_at", e.backoff.NextEligibleAt(attempt, finishedAt)))
		}
	}
	if routeErr != nil {
		// the row stays in_progress until a later batch finds the claim stale
		return "", fmt.Errorf("route %s to %s: %w", op.OperationID, status, routeErr)
	}

	if e.publisher != nil {
		e.publisher.PublishResult(v1.ResultEvent{
			OperationID: op.OperationID,
			Collection:  op.TargetCollection,
			DocumentID:  op.DocumentID,
			Success:     res.Outcome == OutcomeSuccess,
			Outcome:     res.Outcome.String(),
			Error:       errString(res.Err),
			Status:      status,
			Attempt:     attempt,
			Duration:    res.Duration,
			At:          finishedAt,
		})
	}
	return status, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// orderDependencyGroups sorts the members of each dependency group by step number
// inside the slots the group already occupies. Everything else keeps its position.
func orderDependencyGroups(ops []model.Operation) {
	slots := make(map[string][]int)
	for i, op := range ops {
		if op.DependencyGroup != "" {
			slots[op.DependencyGroup] = append(slots[op.DependencyGroup], i)
		}
	}
	for _, idx := range slots {
		if len(idx) < 2 {
			continue
		}
		members := make([]model.Operation, len(idx))
		for j, i := range idx {
			members[j] = ops[i]
		}
		sort.SliceStable(members, func(a, b int) bool {
			if members[a].StepNumber != members[b].StepNumber {
				return members[a].StepNumber < members[b].StepNumber
			}
			return members[a].CreatedAt.Before(members[b].CreatedAt)
		})
		for j, i := range idx {
			ops[i] = members[j]
		}
	}
}

// Stats returns queue counts and the breaker state.
func (e *Engine) Stats(ctx context.Context) (*v1.Stats, error) {
	counts, err := e.queue.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &v1.Stats{
		Pending:    counts[v1.StatusPending],
		InProgress: counts[v1.StatusInProgress],
		Retry:      counts[v1.StatusRetry],
		Failed:     counts[v1.StatusFailed],
		DeadLetter: counts[v1.StatusDeadLetter],
		Synced:     counts[v1.StatusSynced],
		Breaker:    e.breaker.State(),
		At:         e.now(),
	}, nil
}

func (e *Engine) publishStats(ctx context.Context) {
	stats, err := e.Stats(ctx)
	if err != nil {
		logger.Warn("failed to collect queue stats", zap.Error(err))
		return
	}
	e.observer.SetQueueDepth(string(v1.StatusPending), stats.Pending)
	e.observer.SetQueueDepth(string(v1.StatusInProgress), stats.InProgress)
	e.observer.SetQueueDepth(string(v1.StatusRetry), stats.Retry)
	e.observer.SetQueueDepth(string(v1.StatusFailed), stats.Failed)
	e.observer.SetQueueDepth(string(v1.StatusDeadLetter), stats.DeadLetter)
	e.observer.SetQueueDepth(string(v1.StatusSynced), stats.Synced)
	if e.publisher != nil {
		e.publisher.PublishStats(*stats)
	}
}

func (e *Engine) Get(ctx context.Context, id string) (*model.Operation, error) {
	return e.queue.Get(ctx, id)
}

// FailedItems lists queued operations whose last attempt failed.
func (e *Engine) FailedItems(ctx context.Context, limit int) ([]model.Operation, error) {
	return e.queue.ListFailed(ctx, limit)
}

func (e *Engine) DeadLetters(ctx context.Context, unresolvedOnly bool, limit int) ([]model.DeadLetterEntry, error) {
	return e.queue.ListDeadLetters(ctx, unresolvedOnly, limit)
}
