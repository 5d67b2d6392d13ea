package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vehicledx/backend/internal/domain"
	"github.com/vehicledx/backend/internal/platform/logger"
)

type LedgerEntryRepo interface {
	Create(ctx context.Context, tx *gorm.DB, entry *domain.LedgerEntry) (*domain.LedgerEntry, error)
	Settle(ctx context.Context, tx *gorm.DB, id uuid.UUID, committed int, status string) error
	ListByUserWindow(ctx context.Context, tx *gorm.DB, userID uuid.UUID, windowStart time.Time) ([]*domain.LedgerEntry, error)
	SumCommitted(ctx context.Context, tx *gorm.DB, userID uuid.UUID, windowStart time.Time) (int64, error)
}

type ledgerEntryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLedgerEntryRepo(db *gorm.DB, baseLog *logger.Logger) LedgerEntryRepo {
	return &ledgerEntryRepo{db: db, log: baseLog.With("repo", "LedgerEntryRepo")}
}

func (r *ledgerEntryRepo) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return r.db
}

func (r *ledgerEntryRepo) Create(ctx context.Context, tx *gorm.DB, entry *domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if err := r.conn(tx).WithContext(ctx).Create(entry).Error; err != nil {
		return nil, err
	}
	return entry, nil
}

func (r *ledgerEntryRepo) Settle(ctx context.Context, tx *gorm.DB, id uuid.UUID, committed int, status string) error {
	return r.conn(tx).WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"committed":  committed,
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

func (r *ledgerEntryRepo) ListByUserWindow(ctx context.Context, tx *gorm.DB, userID uuid.UUID, windowStart time.Time) ([]*domain.LedgerEntry, error) {
	var out []*domain.LedgerEntry
	err := r.conn(tx).WithContext(ctx).
		Where("user_id = ? AND window_start = ?", userID, windowStart).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *ledgerEntryRepo) SumCommitted(ctx context.Context, tx *gorm.DB, userID uuid.UUID, windowStart time.Time) (int64, error) {
	var total int64
	err := r.conn(tx).WithContext(ctx).
		Model(&domain.LedgerEntry{}).
		Where("user_id = ? AND window_start = ? AND status = ?", userID, windowStart, domain.LedgerEntryStatusCommitted).
		Select("COALESCE(SUM(committed), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
