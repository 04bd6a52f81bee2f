package repository

import (
	"context"
	"errors"

	"streamgate/internal/models"

	"gorm.io/gorm"
)

// ModerationRepository defines the interface for moderation data operations.
// Records are append-only: an unban is a new record, never a deletion.
type ModerationRepository interface {
	CreateRecord(ctx context.Context, record *models.ModerationRecord) error
	// LatestRecord returns the most recently created record for the
	// (stream, user) pair, or nil when none exists.
	LatestRecord(ctx context.Context, streamID string, userID uint) (*models.ModerationRecord, error)
	ListRecords(ctx context.Context, streamID string, limit, offset int) ([]*models.ModerationRecord, error)

	AddModerator(ctx context.Context, grant *models.StreamModerator) error
	RemoveModerator(ctx context.Context, streamID string, userID uint) error
	ListModerators(ctx context.Context, streamID string) ([]uint, error)
}

type moderationRepository struct {
	db *gorm.DB
}

// NewModerationRepository creates a new moderation repository.
func NewModerationRepository(db *gorm.DB) ModerationRepository {
	return &moderationRepository{db: db}
}

func (r *moderationRepository) CreateRecord(ctx context.Context, record *models.ModerationRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *moderationRepository) LatestRecord(ctx context.Context, streamID string, userID uint) (*models.ModerationRecord, error) {
	var record models.ModerationRecord
	err := r.db.WithContext(ctx).
		Where("stream_id = ? AND user_id = ?", streamID, userID).
		Order("created_at DESC, id DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *moderationRepository) ListRecords(ctx context.Context, streamID string, limit, offset int) ([]*models.ModerationRecord, error) {
	var records []*models.ModerationRecord
	err := r.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Preload("User").
		Preload("Moderator").
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	return records, err
}

func (r *moderationRepository) AddModerator(ctx context.Context, grant *models.StreamModerator) error {
	return r.db.WithContext(ctx).Create(grant).Error
}

func (r *moderationRepository) RemoveModerator(ctx context.Context, streamID string, userID uint) error {
	return r.db.WithContext(ctx).
		Where("stream_id = ? AND user_id = ?", streamID, userID).
		Delete(&models.StreamModerator{}).Error
}

func (r *moderationRepository) ListModerators(ctx context.Context, streamID string) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).Model(&models.StreamModerator{}).
		Where("stream_id = ?", streamID).
		Pluck("user_id", &ids).Error
	return ids, err
}
