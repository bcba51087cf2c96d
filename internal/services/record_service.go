package services

import (
	"context"
	"time"

	"github.com/davidmoltin/record-automation/internal/engine"
	"github.com/davidmoltin/record-automation/internal/models"
	"github.com/davidmoltin/record-automation/pkg/logger"
)

const subjectCacheKeyPrefix = "subject:"

// RecordStore is the business record persistence the engine reads and writes
type RecordStore interface {
	engine.RecordReader
	engine.RecordWriter
}

// RecordService serves subject snapshots through the cache and drops them when an
// action changes the subject. Everything else passes straight to the store.
type RecordService struct {
	RecordStore
	cache  Cache
	ttl    time.Duration
	logger *logger.Logger
}

// NewRecordService wraps store. A nil cache disables caching.
func NewRecordService(store RecordStore, cache Cache, ttl time.Duration, log *logger.Logger) *RecordService {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RecordService{RecordStore: store, cache: cache, ttl: ttl, logger: log}
}

// GetSubject returns the cached snapshot when present
func (s *RecordService) GetSubject(ctx context.Context, subjectID string) (*models.Subject, error) {
	if s.cache != nil {
		var cached models.Subject
		if err := s.cache.GetJSON(ctx, subjectCacheKeyPrefix+subjectID, &cached); err == nil {
			return &cached, nil
		}
	}

	subject, err := s.RecordStore.GetSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.SetJSON(ctx, subjectCacheKeyPrefix+subjectID, subject, s.ttl); err != nil {
			s.logger.Warnf("Failed to cache subject %s: %v", subjectID, err)
		}
	}
	return subject, nil
}

// UpdateStatus writes the new status and drops the cached snapshot
func (s *RecordService) UpdateStatus(ctx context.Context, subjectID, status string) error {
	if err := s.RecordStore.UpdateStatus(ctx, subjectID, status); err != nil {
		return err
	}
	s.forget(ctx, subjectID)
	return nil
}

// AddTag adds the tag and drops the cached snapshot
func (s *RecordService) AddTag(ctx context.Context, subjectID, tag string) error {
	if err := s.RecordStore.AddTag(ctx, subjectID, tag); err != nil {
		return err
	}
	s.forget(ctx, subjectID)
	return nil
}

func (s *RecordService) forget(ctx context.Context, subjectID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, subjectCacheKeyPrefix+subjectID); err != nil {
		s.logger.Warnf("Failed to invalidate subject %s: %v", subjectID, err)
	}
}
