package repository

import (
	"context"
	"errors"
	"time"

	"payhub/internal/model"

	"gorm.io/gorm"
)

var (
	ErrPaymentNotFound      = errors.New("支付单不存在")
	ErrPaymentStatusInvalid = errors.New("支付单状态不合法")
	ErrDuplicateRequest     = errors.New("重复请求")
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) Create(ctx context.Context, tx *gorm.DB, payment *model.Payment) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(payment).Error
}

func (r *PaymentRepository) GetByPaymentNo(ctx context.Context, paymentNo string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).Where("payment_no = ?", paymentNo).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &payment, nil
}

func (r *PaymentRepository) GetByRequestID(ctx context.Context, requestID string) (*model.Payment, error) {
	var payment model.Payment
	err := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&payment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// UpdateStatus 条件更新支付单状态，带状态机校验
// WHERE 带上期望的当前状态，防止并发下的状态覆盖
func (r *PaymentRepository) UpdateStatus(ctx context.Context, tx *gorm.DB, paymentNo string, fromStatus, toStatus, errMsg string) error {
	if !model.CanTransitPayment(fromStatus, toStatus) {
		return ErrPaymentStatusInvalid
	}

	if tx == nil {
		tx = r.db
	}

	updates := map[string]interface{}{
		"status": toStatus,
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	if toStatus == model.PaymentStatusCompleted {
		now := time.Now()
		updates["completed_at"] = &now
	}

	result := tx.WithContext(ctx).
		Model(&model.Payment{}).
		Where("payment_no = ? AND status = ?", paymentNo, fromStatus).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return ErrPaymentStatusInvalid
	}

	return nil
}

func (r *PaymentRepository) ListByUserID(ctx context.Context, userID string, page, pageSize int) ([]*model.Payment, int64, error) {
	var payments []*model.Payment
	var total int64

	query := r.db.WithContext(ctx).Model(&model.Payment{}).Where("user_id = ?", userID)

	err := query.Count(&total).Error
	if err != nil {
		return nil, 0, err
	}

	err = query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&payments).Error

	return payments, total, err
}
