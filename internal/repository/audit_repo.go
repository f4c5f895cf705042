package repository

import (
	"context"

	"payhub/internal/model"

	"gorm.io/gorm"
)

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create 写入审计流水，与业务更新同事务
func (r *AuditRepository) Create(ctx context.Context, tx *gorm.DB, audit *model.PaymentAudit) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(audit).Error
}

// ListByPaymentNo 查询一笔支付的完整审计轨迹
func (r *AuditRepository) ListByPaymentNo(ctx context.Context, paymentNo string) ([]*model.PaymentAudit, error) {
	var audits []*model.PaymentAudit
	err := r.db.WithContext(ctx).
		Where("payment_no = ?", paymentNo).
		Order("created_at ASC").
		Find(&audits).Error
	return audits, err
}
