package repository

import (
	"context"
	"time"

	"streamgate/internal/models"

	"gorm.io/gorm"
)

// StreamRepository defines the interface for stream data operations.
type StreamRepository interface {
	CreateStream(ctx context.Context, stream *models.Stream) error
	GetStreamByID(ctx context.Context, id string) (*models.Stream, error)
	GetLiveStreams(ctx context.Context, category string, limit, offset int) ([]*models.Stream, int64, error)
	SetStreamLive(ctx context.Context, id string, isLive bool) error
	UpdateViewerCount(ctx context.Context, id string, count int) error
	SetSlowModeDelay(ctx context.Context, id string, delaySeconds int) error

	// Chat history
	CreateStreamMessage(ctx context.Context, msg *models.StreamMessage) error
	GetStreamMessages(ctx context.Context, streamID string, limit, offset int) ([]*models.StreamMessage, error)
	ClearStreamMessages(ctx context.Context, streamID string) (int64, error)

	// Viewer session tracking
	StartViewerSession(ctx context.Context, viewer *models.StreamViewer) error
	EndViewerSession(ctx context.Context, streamID, connectionID string) error
}

type streamRepository struct {
	db *gorm.DB
}

// NewStreamRepository creates a new stream repository.
func NewStreamRepository(db *gorm.DB) StreamRepository {
	return &streamRepository{db: db}
}

func (r *streamRepository) CreateStream(ctx context.Context, stream *models.Stream) error {
	return r.db.WithContext(ctx).Create(stream).Error
}

func (r *streamRepository) GetStreamByID(ctx context.Context, id string) (*models.Stream, error) {
	var stream models.Stream
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("id = ?", id).
		First(&stream).Error
	if err != nil {
		return nil, err
	}
	return &stream, nil
}

func (r *streamRepository) GetLiveStreams(ctx context.Context, category string, limit, offset int) ([]*models.Stream, int64, error) {
	var streams []*models.Stream
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Stream{}).Where("is_live = ?", true)
	if category != "" {
		query = query.Where("category = ?", category)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Preload("User").
		Order("viewer_count DESC, started_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&streams).Error

	return streams, total, err
}

func (r *streamRepository) SetStreamLive(ctx context.Context, id string, isLive bool) error {
	now := time.Now().UTC()
	updates := map[string]any{"is_live": isLive}
	if isLive {
		updates["started_at"] = now
	} else {
		updates["ended_at"] = now
		updates["viewer_count"] = 0
	}
	return r.db.WithContext(ctx).Model(&models.Stream{}).Where("id = ?", id).Updates(updates).Error
}

func (r *streamRepository) UpdateViewerCount(ctx context.Context, id string, count int) error {
	return r.db.WithContext(ctx).Model(&models.Stream{}).Where("id = ?", id).
		UpdateColumn("viewer_count", count).Error
}

func (r *streamRepository) SetSlowModeDelay(ctx context.Context, id string, delaySeconds int) error {
	return r.db.WithContext(ctx).Model(&models.Stream{}).Where("id = ?", id).
		UpdateColumn("slow_mode_delay", delaySeconds).Error
}

func (r *streamRepository) CreateStreamMessage(ctx context.Context, msg *models.StreamMessage) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *streamRepository) GetStreamMessages(ctx context.Context, streamID string, limit, offset int) ([]*models.StreamMessage, error) {
	var messages []*models.StreamMessage
	err := r.db.WithContext(ctx).
		Where("stream_id = ? AND deleted = ?", streamID, false).
		Preload("User").
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, err
	}

	// Reverse to return chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *streamRepository) ClearStreamMessages(ctx context.Context, streamID string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.StreamMessage{}).
		Where("stream_id = ? AND deleted = ?", streamID, false).
		UpdateColumn("deleted", true)
	return res.RowsAffected, res.Error
}

func (r *streamRepository) StartViewerSession(ctx context.Context, viewer *models.StreamViewer) error {
	return r.db.WithContext(ctx).Create(viewer).Error
}

func (r *streamRepository) EndViewerSession(ctx context.Context, streamID, connectionID string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).Model(&models.StreamViewer{}).
		Where("stream_id = ? AND connection_id = ? AND left_at IS NULL", streamID, connectionID).
		UpdateColumn("left_at", now).Error
}
