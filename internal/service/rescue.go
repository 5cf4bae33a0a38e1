package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"ledgersync/internal/metrics"
	"ledgersync/internal/model"
	"ledgersync/internal/repository"
	v1 "ledgersync/pkg/api/v1"
	"ledgersync/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const rescueLockName = "dead-letter-rescue"

// Classifier decides whether a dead-letter failure reason looks transient.
// Swap it per remote adapter: a permanent error classified as transient is
// rescued again and again until the generation cap stops it.
type Classifier interface {
	Transient(reason string) bool
}

// KeywordClassifier matches case-insensitive substrings. Patterns can be replaced at runtime.
type KeywordClassifier struct {
	mu       sync.RWMutex
	patterns []string
}

func NewKeywordClassifier(patterns []string) *KeywordClassifier {
	c := &KeywordClassifier{}
	c.SetPatterns(patterns)
	return c
}

func (c *KeywordClassifier) SetPatterns(patterns []string) {
	normalized := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			normalized = append(normalized, p)
		}
	}
	c.mu.Lock()
	c.patterns = normalized
	c.mu.Unlock()
}

func (c *KeywordClassifier) Patterns() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.patterns...)
}

func (c *KeywordClassifier) Transient(reason string) bool {
	reason = strings.ToLower(reason)
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.patterns {
		if strings.Contains(reason, p) {
			return true
		}
	}
	return false
}

// RescueReport summarizes one rescue round.
type RescueReport struct {
	Examined   int      `json:"examined"`
	Reinstated []string `json:"reinstated"`
	Permanent  int      `json:"permanent"`
	Capped     int      `json:"capped"`
	Skipped    bool     `json:"skipped"`
}

// RescueService reinstates dead-lettered operations whose failure looks transient.
type RescueService struct {
	queue          repository.QueueInterface
	classifier     Classifier
	locker         repository.Locker
	observer       metrics.EngineObserver
	maxGenerations int
	now            func() time.Time
}

// NewRescueService builds the service. A nil locker runs rounds without coordination;
// maxGenerations <= 0 disables the rescue cap.
func NewRescueService(queue repository.QueueInterface, classifier Classifier, locker repository.Locker,
	observer metrics.EngineObserver, maxGenerations int) *RescueService {
	if observer == nil {
		observer = metrics.Nop{}
	}
	return &RescueService{
		queue:          queue,
		classifier:     classifier,
		locker:         locker,
		observer:       observer,
		maxGenerations: maxGenerations,
		now:            time.Now,
	}
}

// Rescue runs one round over the unresolved dead letters. When another instance holds
// the rescue lock the round is skipped.
func (s *RescueService) Rescue(ctx context.Context) (*RescueReport, error) {
	report := &RescueReport{Reinstated: []string{}}

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, rescueLockName)
		if err != nil {
			return nil, fmt.Errorf("acquire rescue lock: %w", err)
		}
		if !ok {
			logger.Debug("rescue skipped, another instance holds the lock")
			report.Skipped = true
			return report, nil
		}
		defer unlock()
	}

	entries, err := s.queue.ListDeadLetters(ctx, true, 0)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	for i := range entries {
		entry := &entries[i]
		report.Examined++

		if s.maxGenerations > 0 && entry.RescueGeneration >= s.maxGenerations {
			report.Capped++
			continue
		}
		if !s.classifier.Transient(entry.FailureReason) {
			report.Permanent++
			continue
		}

		op := s.replacement(entry)
		err := s.queue.Reinstate(ctx, entry.ID, op, model.ResolutionRescued, "rescue", s.now())
		if errors.Is(err, repository.ErrDeadLetterResolved) {
			continue
		}
		if err != nil {
			return report, err
		}
		report.Reinstated = append(report.Reinstated, op.OperationID)
		logger.Info("dead letter rescued", zap.Uint64("entry_id", entry.ID),
			zap.String("operation_id", entry.OperationID), zap.String("new_operation_id", op.OperationID),
			zap.Int("generation", op.RescueGeneration))
	}

	s.observer.RecordRescue("reinstated", len(report.Reinstated))
	s.observer.RecordRescue("permanent", report.Permanent)
	s.observer.RecordRescue("capped", report.Capped)
	logger.Info("rescue round finished", zap.Int("examined", report.Examined),
		zap.Int("reinstated", len(report.Reinstated)), zap.Int("permanent", report.Permanent),
		zap.Int("capped", report.Capped))
	return report, nil
}

// Reinstate puts one entry back in the queue regardless of classification or cap.
func (s *RescueService) Reinstate(ctx context.Context, id uint64, by string) (string, error) {
	entry, err := s.queue.GetDeadLetter(ctx, id)
	if err != nil {
		return "", err
	}
	if entry.Resolved() {
		return "", repository.ErrDeadLetterResolved
	}
	op := s.replacement(entry)
	if err := s.queue.Reinstate(ctx, id, op, model.ResolutionReinstated, by, s.now()); err != nil {
		return "", err
	}
	logger.Info("dead letter reinstated", zap.Uint64("entry_id", id), zap.String("by", by),
		zap.String("new_operation_id", op.OperationID))
	return op.OperationID, nil
}

// Discard resolves an entry without reinstating it.
func (s *RescueService) Discard(ctx context.Context, id uint64, by string) error {
	if err := s.queue.ResolveDeadLetter(ctx, id, model.ResolutionDiscarded, by, s.now()); err != nil {
		return err
	}
	logger.Info("dead letter discarded", zap.Uint64("entry_id", id), zap.String("by", by))
	return nil
}

// replacement builds the fresh operation for entry. The payload and its hash carry over unchanged.
func (s *RescueService) replacement(entry *model.DeadLetterEntry) *model.Operation {
	return &model.Operation{
		OperationID:       uuid.NewString(),
		OperationType:     entry.OperationType,
		TargetCollection:  entry.TargetCollection,
		DocumentID:        entry.DocumentID,
		Payload:           entry.Payload,
		PayloadHash:       entry.PayloadHash,
		Status:            v1.StatusPending,
		Priority:          entry.Priority,
		CreatedAt:         s.now(),
		ParentOperationID: entry.ParentOperationID,
		StepNumber:        entry.StepNumber,
		TotalSteps:        entry.TotalSteps,
		DependencyGroup:   entry.DependencyGroup,
		UserID:            entry.UserID,
		DeviceID:          entry.DeviceID,
		OwnerID:           entry.OwnerID,
		RescueGeneration:  entry.RescueGeneration + 1,
	}
}
