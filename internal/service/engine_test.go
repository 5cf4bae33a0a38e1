package service

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledgersync/internal/backoff"
	"ledgersync/internal/breaker"
	"ledgersync/internal/model"
	"ledgersync/internal/repository"
	"ledgersync/internal/schema"
	"ledgersync/internal/testutil"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// fakeRemote fails documents according to a script and records the call order.
type fakeRemote struct {
	mu      sync.Mutex
	calls   []string
	script  map[string][]error
	always  map[string]error
	onCall  func(call v1.RemoteCall)
	perform func(ctx context.Context, call v1.RemoteCall) error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{script: map[string][]error{}, always: map[string]error{}}
}

func (f *fakeRemote) Perform(ctx context.Context, call v1.RemoteCall) error {
	f.mu.Lock()
	f.calls = append(f.calls, call.DocumentID)
	var err error
	if e, ok := f.always[call.DocumentID]; ok {
		err = e
	} else if s := f.script[call.DocumentID]; len(s) > 0 {
		err, f.script[call.DocumentID] = s[0], s[1:]
	}
	onCall, perform := f.onCall, f.perform
	f.mu.Unlock()

	if onCall != nil {
		onCall(call)
	}
	if perform != nil {
		return perform(ctx, call)
	}
	return err
}

func (f *fakeRemote) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) Reset() {
	f.mu.Lock()
	f.calls = nil
	f.mu.Unlock()
}

type capturePublisher struct {
	mu      sync.Mutex
	results []v1.ResultEvent
	stats   []v1.Stats
}

func (p *capturePublisher) PublishStats(s v1.Stats) {
	p.mu.Lock()
	p.stats = append(p.stats, s)
	p.mu.Unlock()
}

func (p *capturePublisher) PublishResult(r v1.ResultEvent) {
	p.mu.Lock()
	p.results = append(p.results, r)
	p.mu.Unlock()
}

type recordingMarker struct {
	mu     sync.Mutex
	marked []string
	panics bool
}

func (m *recordingMarker) MarkEntitySynced(_ context.Context, collection, documentID string, _ time.Time) error {
	if m.panics {
		panic("marker exploded")
	}
	m.mu.Lock()
	m.marked = append(m.marked, collection+"/"+documentID)
	m.mu.Unlock()
	return nil
}

type harness struct {
	engine    *Engine
	queue     *repository.QueueRepository
	remote    *fakeRemote
	breaker   *breaker.Breaker
	clock     *testutil.ManualClock
	publisher *capturePublisher
	marker    *recordingMarker
}

func newHarness(t *testing.T, threshold int) *harness {
	t.Helper()
	validator, err := schema.NewValidator()
	require.NoError(t, err)

	clock := testutil.NewManualClock(epoch)
	queue := repository.NewQueueRepository(testutil.NewDB(t), repository.NewLocalNotifier())
	remote := newFakeRemote()
	brk := breaker.New(breaker.Config{Threshold: threshold, CoolDown: 30 * time.Second, Now: clock.Now})
	publisher := &capturePublisher{}
	marker := &recordingMarker{}

	engine := NewEngine(EngineDeps{
		Queue:     queue,
		Processor: NewProcessor(remote, validator, time.Second),
		Breaker:   brk,
		Backoff:   backoff.NewPolicy(5*time.Second, 10*time.Minute),
		Marker:    marker,
		Publisher: publisher,
		Now:       clock.Now,
	}, EngineConfig{MaxRetries: 5, BatchSize: 50, PollInterval: 10 * time.Millisecond, Dedupe: true})

	return &harness{engine, queue, remote, brk, clock, publisher, marker}
}

// docID returns a stable uuid-shaped document id for a label.
func docID(label string) string {
	sum := sha256.Sum256([]byte(label))
	return fmt.Sprintf("00000000-0000-4000-8000-%x", sum[:6])
}

func customerReq(label string, priority int) v1.EnqueueRequest {
	id := docID(label)
	updated := epoch.Format(time.RFC3339)
	return v1.EnqueueRequest{
		Type:       v1.OperationCreate,
		Collection: "customers",
		DocumentID: id,
		Priority:   priority,
		Payload: v1.Envelope{
			Schema:    "customer.v1",
			UpdatedAt: epoch,
			Data:      json.RawMessage(fmt.Sprintf(`{"id":%q,"updated_at":%q,"name":%q}`, id, updated, label)),
		},
		OwnerID: "biz-1",
	}
}

func (h *harness) enqueue(t *testing.T, r v1.EnqueueRequest) string {
	t.Helper()
	res, err := h.engine.Enqueue(context.Background(), r)
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	h.clock.Advance(time.Second)
	return res.OperationID
}

func TestEngine_ExecutionOrderAndExhaustion(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)

	h.enqueue(t, customerReq("A", 2))
	idB := h.enqueue(t, customerReq("B", 1))
	h.enqueue(t, customerReq("C", 1))

	h.remote.always[docID("B")] = fmt.Errorf("%w: connection refused", repository.ErrRemoteUnavailable)
	h.remote.onCall = func(v1.RemoteCall) { h.clock.Advance(time.Millisecond) }

	summary, err := h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{docID("B"), docID("C"), docID("A")}, h.remote.Calls())
	assert.Equal(t, BatchSummary{Fetched: 3, Synced: 2, Retried: 1}, summary)

	opA, err := h.queue.Get(ctx, h.publisher.results[2].OperationID)
	require.NoError(t, err)
	opC, err := h.queue.Get(ctx, h.publisher.results[1].OperationID)
	require.NoError(t, err)
	assert.True(t, opC.SyncedAt.Before(*opA.SyncedAt), "equal priority keeps creation order")
	assert.ElementsMatch(t, []string{"customers/" + docID("A"), "customers/" + docID("C")}, h.marker.marked)

	// still inside the backoff window: skipped without consuming an attempt
	h.remote.Reset()
	summary, err = h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Backoff)
	assert.Empty(t, h.remote.Calls())
	opB, err := h.queue.Get(ctx, idB)
	require.NoError(t, err)
	assert.Equal(t, 1, opB.RetryCount)

	for attempt := 2; attempt <= 5; attempt++ {
		h.clock.Advance(10 * time.Minute)
		_, err := h.engine.ProcessPending(ctx)
		require.NoError(t, err)
	}

	_, err = h.queue.Get(ctx, idB)
	assert.ErrorIs(t, err, repository.ErrOperationNotFound)

	entries, err := h.engine.DeadLetters(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, idB, entries[0].OperationID)
	assert.Equal(t, 5, entries[0].TotalAttempts)
	assert.Equal(t, "network", entries[0].FailureKind)
	assert.Contains(t, entries[0].FailureReason, "connection refused")
	require.NotNil(t, entries[0].FirstAttemptAt)

	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Synced)
	assert.Equal(t, int64(1), stats.DeadLetter)
	assert.Equal(t, v1.BreakerClosed, stats.Breaker)

	last := h.publisher.results[len(h.publisher.results)-1]
	assert.Equal(t, v1.StatusDeadLetter, last.Status)
	assert.Equal(t, 5, last.Attempt)
	assert.False(t, last.Success)
}

func TestEngine_ExhaustedRetryCountDeadLettersOnNextFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	id := h.enqueue(t, customerReq("X", 0))

	// a row already at the retry budget, e.g. after crash recovery
	require.NoError(t, h.queue.ScheduleRetry(ctx, id, 5, "earlier failure", epoch))
	h.clock.Advance(time.Hour)
	h.remote.always[docID("X")] = errors.New("something odd")

	summary, err := h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DeadLettered)

	entries, _ := h.engine.DeadLetters(ctx, true, 0)
	require.Len(t, entries, 1)
	assert.Equal(t, "unknown", entries[0].FailureKind)
	assert.Equal(t, 6, entries[0].TotalAttempts)
}

func TestEngine_BreakerOpensAndStopsBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 3)
	for _, label := range []string{"a", "b", "c", "d", "e"} {
		h.enqueue(t, customerReq(label, 0))
		h.remote.always[docID(label)] = repository.ErrRemoteAuth
	}

	summary, err := h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Len(t, h.remote.Calls(), 3)
	assert.True(t, summary.BreakerOpen)
	assert.Equal(t, v1.BreakerOpen, h.breaker.State())

	stats, _ := h.engine.Stats(ctx)
	assert.Equal(t, int64(2), stats.Pending, "items after the trip are untouched")
	assert.Equal(t, int64(3), stats.Retry)

	// open breaker gates the whole batch
	h.remote.Reset()
	summary, err = h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.True(t, summary.BreakerOpen)
	assert.Zero(t, summary.Fetched)

	// after cool-down one probe runs; success closes the breaker and the batch continues
	h.clock.Advance(30 * time.Second)
	for _, label := range []string{"a", "b", "c", "d", "e"} {
		delete(h.remote.always, docID(label))
	}
	summary, err = h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1.BreakerClosed, h.breaker.State())
	assert.Equal(t, 5, summary.Synced)
}

func TestEngine_DataAndConflictFailuresSkipBreaker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)

	bad := customerReq("bad", 0)
	bad.Payload.Data = json.RawMessage(`{"id":"not-a-uuid","name":""}`)
	h.enqueue(t, bad)
	h.enqueue(t, customerReq("conflict", 1))
	h.remote.always[docID("conflict")] = fmt.Errorf("%w: stored is newer", repository.ErrRemoteConflict)

	summary, err := h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.DeadLettered)
	assert.Equal(t, []string{docID("conflict")}, h.remote.Calls(), "invalid payload never reaches the remote")
	assert.Equal(t, v1.BreakerClosed, h.breaker.State())
	assert.Zero(t, h.breaker.ConsecutiveFailures())

	entries, _ := h.engine.DeadLetters(ctx, true, 0)
	require.Len(t, entries, 2)
	kinds := []string{entries[0].FailureKind, entries[1].FailureKind}
	assert.ElementsMatch(t, []string{"data", "conflict"}, kinds)
	for _, e := range entries {
		assert.Equal(t, 1, e.TotalAttempts)
	}
}

func TestEngine_DataFailureDuringHalfOpenReleasesProbe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	h.breaker.RecordFailure()
	h.clock.Advance(30 * time.Second)

	bad := customerReq("bad", 0)
	bad.Payload.Schema = "coupon.v9"
	h.enqueue(t, bad)
	h.enqueue(t, customerReq("good", 1))

	summary, err := h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DeadLettered)
	assert.Equal(t, 1, summary.Synced)
	assert.Equal(t, v1.BreakerClosed, h.breaker.State())
}

func TestEngine_DependencyGroupOrderAndHold(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)

	step2 := customerReq("step2", 0)
	step2.DependencyGroup, step2.StepNumber, step2.TotalSteps = "bill-1", 2, 2
	other := customerReq("other", 0)
	step1 := customerReq("step1", 0)
	step1.DependencyGroup, step1.StepNumber, step1.TotalSteps = "bill-1", 1, 2

	h.enqueue(t, step2)
	h.enqueue(t, other)
	h.enqueue(t, step1)

	h.remote.script[docID("step1")] = []error{repository.ErrRemoteUnavailable}

	summary, err := h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{docID("step1"), docID("other")}, h.remote.Calls())
	assert.Equal(t, 1, summary.Held)

	h.clock.Advance(time.Hour)
	h.remote.Reset()
	_, err = h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{docID("step1"), docID("step2")}, h.remote.Calls())
}

func TestOrderDependencyGroups(t *testing.T) {
	ops := []model.Operation{
		{OperationID: "g3", DependencyGroup: "g", StepNumber: 3},
		{OperationID: "x"},
		{OperationID: "g1", DependencyGroup: "g", StepNumber: 1},
		{OperationID: "h2", DependencyGroup: "h", StepNumber: 2},
		{OperationID: "g2", DependencyGroup: "g", StepNumber: 2},
		{OperationID: "h1", DependencyGroup: "h", StepNumber: 1},
	}
	orderDependencyGroups(ops)

	var ids []string
	for _, op := range ops {
		ids = append(ids, op.OperationID)
	}
	assert.Equal(t, []string{"g1", "x", "g2", "h1", "g3", "h2"}, ids)
}

func TestEngine_EnqueueIdempotency(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)

	first, err := h.engine.Enqueue(ctx, customerReq("A", 0))
	require.NoError(t, err)
	replay, err := h.engine.Enqueue(ctx, customerReq("A", 0))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.OperationID, replay.OperationID)

	_, err = h.engine.ProcessPending(ctx)
	require.NoError(t, err)

	// replaying a synced operation reports the synced record instead of queueing a twin
	replay, err = h.engine.Enqueue(ctx, customerReq("A", 0))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, first.OperationID, replay.OperationID)
	op, err := h.engine.Get(ctx, replay.OperationID)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusSynced, op.Status)

	changed := customerReq("A", 0)
	changed.Type = v1.OperationUpdate
	res, err := h.engine.Enqueue(ctx, changed)
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "a different intent is new work")

	stats, _ := h.engine.Stats(ctx)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestEngine_EnqueueValidation(t *testing.T) {
	h := newHarness(t, 5)

	tests := []struct {
		name   string
		mutate func(r *v1.EnqueueRequest)
	}{
		{"bad type", func(r *v1.EnqueueRequest) { r.Type = "upsert" }},
		{"no collection", func(r *v1.EnqueueRequest) { r.Collection = "" }},
		{"no document", func(r *v1.EnqueueRequest) { r.DocumentID = "" }},
		{"no schema", func(r *v1.EnqueueRequest) { r.Payload.Schema = "" }},
		{"step past total", func(r *v1.EnqueueRequest) { r.StepNumber, r.TotalSteps = 3, 2 }},
		{"data not json", func(r *v1.EnqueueRequest) { r.Payload.Data = json.RawMessage(`{nope`) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := customerReq("A", 0)
			tt.mutate(&r)
			_, err := h.engine.Enqueue(context.Background(), r)
			assert.ErrorIs(t, err, ErrInvalidOperation)
		})
	}
}

func TestEngine_BatchInFlightGuard(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	h.enqueue(t, customerReq("slow", 0))

	entered := make(chan struct{})
	release := make(chan struct{})
	h.remote.perform = func(context.Context, v1.RemoteCall) error {
		close(entered)
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.ProcessPending(ctx)
		done <- err
	}()

	<-entered
	_, err := h.engine.ProcessPending(ctx)
	assert.ErrorIs(t, err, ErrBatchInFlight)

	// enqueue never waits on the batch
	_, err = h.engine.Enqueue(ctx, customerReq("while-busy", 0))
	assert.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
}

func TestEngine_PanicIsContainedAtBatchBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	id := h.enqueue(t, customerReq("A", 0))
	h.enqueue(t, customerReq("B", 1))
	h.marker.panics = true

	_, err := h.engine.ProcessPending(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")

	op, err := h.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusSynced, op.Status, "state reached before the panic is kept")

	h.marker.panics = false
	summary, err := h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)
}

func TestEngine_ProcessorPanicIsUnknownFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 1)
	id := h.enqueue(t, customerReq("A", 0))
	h.remote.perform = func(context.Context, v1.RemoteCall) error { panic("adapter bug") }

	summary, err := h.engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Retried)
	assert.Equal(t, v1.BreakerClosed, h.breaker.State())

	op, _ := h.queue.Get(ctx, id)
	assert.Contains(t, op.LastError, "adapter bug")
}

func TestEngine_StartStopLifecycle(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx))
	assert.ErrorIs(t, h.engine.Start(ctx), ErrEngineRunning)

	res, err := h.engine.Enqueue(ctx, customerReq("A", 0))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		op, err := h.queue.Get(ctx, res.OperationID)
		return err == nil && op.Status == v1.StatusSynced
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Stop())
	assert.ErrorIs(t, h.engine.Stop(), ErrEngineNotStarted)
}

func TestEngine_StartStopImmediately(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		require.NoError(t, h.engine.Start(ctx))
		require.NoError(t, h.engine.Stop())
	}
}

func TestEngine_ShutdownDoesNotLogBatchError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	defer logger.Replace(zap.New(core))()

	h := newHarness(t, 5)
	h.enqueue(t, customerReq("A", 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.engine.runOnce(ctx)

	assert.Zero(t, logs.FilterLevelExact(zapcore.ErrorLevel).Len())
}

// failingRetryQueue fails the next n ScheduleRetry writes.
type failingRetryQueue struct {
	*repository.QueueRepository
	n atomic.Int32
}

func (q *failingRetryQueue) ScheduleRetry(ctx context.Context, id string, retryCount int, lastErr string, at time.Time) error {
	if q.n.Add(-1) >= 0 {
		return errors.New("database is locked")
	}
	return q.QueueRepository.ScheduleRetry(ctx, id, retryCount, lastErr, at)
}

func TestEngine_BatchRecoversClaimWhoseWriteFailed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	id := h.enqueue(t, customerReq("A", 0))

	queue := &failingRetryQueue{QueueRepository: h.queue}
	queue.n.Store(1)
	engine := NewEngine(EngineDeps{
		Queue:     queue,
		Processor: h.engine.processor,
		Breaker:   h.breaker,
		Backoff:   h.engine.backoff,
		Now:       h.clock.Now,
	}, EngineConfig{MaxRetries: 5, BatchSize: 50, StaleClaimAge: 5 * time.Minute})

	h.remote.script[docID("A")] = []error{repository.ErrRemoteUnavailable}
	_, err := engine.ProcessPending(ctx)
	require.Error(t, err)

	op, err := h.queue.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, v1.StatusInProgress, op.Status)

	// a fresh claim is left alone
	h.clock.Advance(time.Minute)
	summary, err := engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Fetched)

	h.clock.Advance(10 * time.Minute)
	summary, err = engine.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Synced)

	op, err = h.queue.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, v1.StatusSynced, op.Status)
	assert.Equal(t, 1, op.RetryCount)
}

func TestEngine_ConcurrentDuplicateEnqueue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)

	var wg sync.WaitGroup
	var fresh atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.engine.Enqueue(ctx, customerReq("A", 0))
			if assert.NoError(t, err) && !res.Duplicate {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
	stats, err := h.engine.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestEngine_StartRecoversStaleClaims(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 5)
	id := h.enqueue(t, customerReq("A", 0))
	ok, err := h.queue.Claim(ctx, id, epoch)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock.Advance(time.Hour)
	h.remote.perform = func(context.Context, v1.RemoteCall) error { return repository.ErrRemoteUnavailable }
	require.NoError(t, h.engine.Start(ctx))
	defer h.engine.Stop()

	assert.Eventually(t, func() bool {
		op, err := h.queue.Get(ctx, id)
		return err == nil && op.Status == v1.StatusRetry && op.RetryCount >= 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEngine_PublishesStatsAfterBatch(t *testing.T) {
	h := newHarness(t, 5)
	h.enqueue(t, customerReq("A", 0))

	_, err := h.engine.ProcessPending(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, h.publisher.stats)
	last := h.publisher.stats[len(h.publisher.stats)-1]
	assert.Equal(t, int64(1), last.Synced)
	assert.Equal(t, v1.BreakerClosed, last.Breaker)
}
