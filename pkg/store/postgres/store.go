package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/llmgate/llmgate/pkg/config"
	"github.com/llmgate/llmgate/pkg/model"
)

type Store struct {
	db *gorm.DB
}

func NewStore(cfg *config.DatabaseConfig) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)

	return &Store{db: db}, nil
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.AlertRecord{},
		&model.RecommendationRecord{},
	)
}

// ArchiveRepository persists alerts and recommendations for post-hoc review.
type ArchiveRepository struct {
	db *gorm.DB
}

func NewArchiveRepository(db *gorm.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

func (r *ArchiveRepository) SaveAlert(ctx context.Context, alert *model.AlertRecord) error {
	return r.db.WithContext(ctx).Create(alert).Error
}

func (r *ArchiveRepository) SaveRecommendation(ctx context.Context, rec *model.RecommendationRecord) error {
	return r.db.WithContext(ctx).Create(rec).Error
}

func (r *ArchiveRepository) RecentAlerts(ctx context.Context, since time.Time, limit int) ([]model.AlertRecord, error) {
	var alerts []model.AlertRecord
	err := r.db.WithContext(ctx).
		Where("observed_at >= ?", since).
		Order("observed_at DESC").
		Limit(limit).
		Find(&alerts).Error
	return alerts, err
}

func (r *ArchiveRepository) RecentRecommendations(ctx context.Context, limit int) ([]model.RecommendationRecord, error) {
	var recs []model.RecommendationRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

func (r *ArchiveRepository) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	if err := r.db.WithContext(ctx).
		Where("observed_at < ?", cutoff).
		Delete(&model.AlertRecord{}).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&model.RecommendationRecord{}).Error
}
