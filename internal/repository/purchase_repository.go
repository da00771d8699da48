// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"access-credential-service/internal/domain"
)

// PurchaseModel はgorm用のモデル定義。
type PurchaseModel struct {
	ID            string          `gorm:"type:char(36);primaryKey"`
	ProductRef    string          `gorm:"type:varchar(128);not null;index:idx_product_ref"`
	PriceWei      decimal.Decimal `gorm:"type:decimal(38,0);not null"`
	Buyer         string          `gorm:"type:varchar(128);not null;index:idx_buyer"`
	State         string          `gorm:"type:enum('draft','submitted','finalized','failed');not null;default:'draft';index:idx_state"`
	TxIdentifier  string          `gorm:"type:varchar(66)"`
	Credential    string          `gorm:"type:varchar(128)"`
	FailureReason string          `gorm:"type:varchar(32)"`
	CreatedAt     time.Time       `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt     time.Time       `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (PurchaseModel) TableName() string {
	return "purchases"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *PurchaseModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *PurchaseModel) toDomain() *domain.PurchaseRecord {
	return &domain.PurchaseRecord{
		ID:            m.ID,
		ProductRef:    m.ProductRef,
		PriceWei:      m.PriceWei,
		Buyer:         m.Buyer,
		State:         domain.PurchaseState(m.State),
		TxIdentifier:  m.TxIdentifier,
		Credential:    m.Credential,
		FailureReason: domain.FailureReason(m.FailureReason),
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// PurchaseRepository は購入レコードのデータアクセスを提供する。
type PurchaseRepository struct {
	db *gorm.DB
}

// NewPurchaseRepository は新しいPurchaseRepositoryを生成する。
func NewPurchaseRepository(db *gorm.DB) *PurchaseRepository {
	return &PurchaseRepository{db: db}
}

// Create は新しい購入レコードを保存する。
func (r *PurchaseRepository) Create(ctx context.Context, rec *domain.PurchaseRecord) error {
	model := &PurchaseModel{
		ID:         rec.ID,
		ProductRef: rec.ProductRef,
		PriceWei:   rec.PriceWei,
		Buyer:      rec.Buyer,
		State:      string(rec.State),
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create purchase",
			"operation", "create",
			"product_ref", rec.ProductRef,
			"buyer", rec.Buyer,
			"error", err,
		)
		return err
	}
	// gormで設定された値をドメインエンティティに反映
	rec.ID = model.ID
	rec.CreatedAt = model.CreatedAt
	rec.UpdatedAt = model.UpdatedAt
	return nil
}

// FindByID は指定されたIDの購入レコードを取得する。存在しない場合はnilを返す。
func (r *PurchaseRepository) FindByID(ctx context.Context, id string) (*domain.PurchaseRecord, error) {
	var model PurchaseModel
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find purchase",
			"operation", "find_by_id",
			"purchase_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// MarkSubmitted はDraft状態のレコードにトランザクション識別子を記録しSubmittedへ更新する。
// 更新が衝突して適用されなかった場合はfalseを返す。
func (r *PurchaseRepository) MarkSubmitted(ctx context.Context, rec *domain.PurchaseRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&PurchaseModel{}).
		Where("id = ? AND state = ?", rec.ID, string(domain.PurchaseStateDraft)).
		Updates(map[string]interface{}{
			"state":         string(domain.PurchaseStateSubmitted),
			"tx_identifier": rec.TxIdentifier,
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to mark purchase submitted",
			"operation", "mark_submitted",
			"purchase_id", rec.ID,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkTerminal はSubmitted状態のレコードを終端状態へ更新する。
// 既に別の監視者が終端遷移をコミット済みの場合はfalseを返す。
// WHERE句の条件により、終端遷移は1レコードにつき最大1回しかコミットされない。
func (r *PurchaseRepository) MarkTerminal(ctx context.Context, rec *domain.PurchaseRecord) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&PurchaseModel{}).
		Where("id = ? AND state = ?", rec.ID, string(domain.PurchaseStateSubmitted)).
		Updates(map[string]interface{}{
			"state":          string(rec.State),
			"credential":     rec.Credential,
			"failure_reason": string(rec.FailureReason),
		})
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to mark purchase terminal",
			"operation", "mark_terminal",
			"purchase_id", rec.ID,
			"state", rec.State,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
