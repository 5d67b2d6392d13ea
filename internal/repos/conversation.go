package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vehicledx/backend/internal/domain"
	pkgerrors "github.com/vehicledx/backend/internal/pkg/errors"
	"github.com/vehicledx/backend/internal/platform/logger"
)

type ConversationRepo interface {
	Create(ctx context.Context, tx *gorm.DB, conv *domain.Conversation) (*domain.Conversation, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Conversation, error)
	ListByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*domain.Conversation, error)
	UpdateState(ctx context.Context, tx *gorm.DB, id uuid.UUID, state string) error
	UpdateNextSeq(ctx context.Context, tx *gorm.DB, id uuid.UUID, nextSeq int64) error
	TouchActivity(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error
}

type conversationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConversationRepo(db *gorm.DB, baseLog *logger.Logger) ConversationRepo {
	return &conversationRepo{db: db, log: baseLog.With("repo", "ConversationRepo")}
}

func (r *conversationRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *conversationRepo) Create(ctx context.Context, tx *gorm.DB, conv *domain.Conversation) (*domain.Conversation, error) {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if err := r.conn(tx).WithContext(ctx).Create(conv).Error; err != nil {
		return nil, err
	}
	return conv, nil
}

func (r *conversationRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*domain.Conversation, error) {
	var conv domain.Conversation
	err := r.conn(tx).WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

func (r *conversationRepo) ListByUserID(ctx context.Context, tx *gorm.DB, userID uuid.UUID, limit int) ([]*domain.Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []*domain.Conversation
	err := r.conn(tx).WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_activity_at DESC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *conversationRepo) UpdateState(ctx context.Context, tx *gorm.DB, id uuid.UUID, state string) error {
	return r.conn(tx).WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{"state": state, "updated_at": time.Now()}).Error
}

func (r *conversationRepo) UpdateNextSeq(ctx context.Context, tx *gorm.DB, id uuid.UUID, nextSeq int64) error {
	return r.conn(tx).WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND next_seq < ?", id, nextSeq).
		Update("next_seq", nextSeq).Error
}

func (r *conversationRepo) TouchActivity(ctx context.Context, tx *gorm.DB, id uuid.UUID, at time.Time) error {
	return r.conn(tx).WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("last_activity_at", at).Error
}
