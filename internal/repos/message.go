package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vehicledx/backend/internal/domain"
	"github.com/vehicledx/backend/internal/platform/logger"
)

type MessageRepo interface {
	Create(ctx context.Context, tx *gorm.DB, msg *domain.Message) (*domain.Message, error)
	ListByConversationID(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, limit int) ([]*domain.Message, error)
	ListCompleteByConversationID(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) ([]*domain.Message, error)
	GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, key string) (*domain.Message, error)
	Finalize(ctx context.Context, tx *gorm.DB, id uuid.UUID, content string, tokenCost *int, status string) error
}

type messageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMessageRepo(db *gorm.DB, baseLog *logger.Logger) MessageRepo {
	return &messageRepo{db: db, log: baseLog.With("repo", "MessageRepo")}
}

func (r *messageRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *messageRepo) Create(ctx context.Context, tx *gorm.DB, msg *domain.Message) (*domain.Message, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if err := r.conn(tx).WithContext(ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *messageRepo) ListByConversationID(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, limit int) ([]*domain.Message, error) {
	q := r.conn(tx).WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*domain.Message
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) ListCompleteByConversationID(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID) ([]*domain.Message, error) {
	var out []*domain.Message
	err := r.conn(tx).WithContext(ctx).
		Where("conversation_id = ? AND status = ?", conversationID, domain.MessageStatusComplete).
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *messageRepo) GetByIdempotencyKey(ctx context.Context, tx *gorm.DB, conversationID uuid.UUID, key string) (*domain.Message, error) {
	if key == "" {
		return nil, nil
	}
	var out []*domain.Message
	err := r.conn(tx).WithContext(ctx).
		Where("conversation_id = ? AND idempotency_key = ? AND role = ?", conversationID, key, domain.RoleUser).
		Limit(1).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (r *messageRepo) Finalize(ctx context.Context, tx *gorm.DB, id uuid.UUID, content string, tokenCost *int, status string) error {
	updates := map[string]any{
		"content":    content,
		"status":     status,
		"updated_at": time.Now(),
	}
	if tokenCost != nil {
		updates["token_cost"] = *tokenCost
	}
	return r.conn(tx).WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Updates(updates).Error
}
