package replicas

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidReplica indicates an empty source replica identifier.
var ErrInvalidReplica = errors.New("replicas: invalid replica id")

// ServiceConfig describes the dependencies required for replica bookkeeping.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service remembers which replicas have synced with this one.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	known sync.Map
}

// NewService constructs the replica registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("replicas: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Touch records a batch delivered by sourceID, creating the replica on first sight.
func (s *Service) Touch(ctx context.Context, sourceID string) error {
	sourceID = normalize(sourceID)
	if sourceID == "" {
		return ErrInvalidReplica
	}
	now := s.now().UTC()
	db := s.db.WithContext(ctx)

	if _, ok := s.known.Load(sourceID); !ok {
		var replica Replica
		err := db.Where("source_id = ?", sourceID).Take(&replica).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			replica = Replica{
				SourceID:    sourceID,
				BatchCount:  1,
				FirstSeenAt: now,
				LastSeenAt:  now,
			}
			if err := db.Create(&replica).Error; err != nil {
				return err
			}
			s.known.Store(sourceID, struct{}{})
			return nil
		} else if err != nil {
			return err
		}
		s.known.Store(sourceID, struct{}{})
	}

	return db.Model(&Replica{}).
		Where("source_id = ?", sourceID).
		Updates(map[string]interface{}{
			"batch_count":  gorm.Expr("batch_count + ?", 1),
			"last_seen_at": now,
		}).
		Error
}

// List returns known replicas, most recently seen first.
func (s *Service) List(ctx context.Context) ([]Replica, error) {
	var replicas []Replica
	if err := s.db.WithContext(ctx).Order("last_seen_at DESC").Order("source_id ASC").Find(&replicas).Error; err != nil {
		return nil, err
	}
	return replicas, nil
}
