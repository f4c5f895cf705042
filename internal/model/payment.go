package model

import (
	"time"
)

const (
	PaymentStatusPending    = "PENDING"
	PaymentStatusProcessing = "PROCESSING"
	PaymentStatusCompleted  = "COMPLETED"
	PaymentStatusFailed     = "FAILED"
	PaymentStatusCancelled  = "CANCELLED"
	PaymentStatusRefunded   = "REFUNDED"
)

var ValidPaymentTransitions = map[string][]string{
	PaymentStatusPending:    {PaymentStatusProcessing, PaymentStatusCancelled},
	PaymentStatusProcessing: {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
	PaymentStatusCompleted:  {PaymentStatusRefunded},
	PaymentStatusFailed:     {PaymentStatusProcessing},
}

func CanTransitPayment(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidPaymentTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// Payment 支付单表
// 记录一笔支付的完整生命周期，状态每次变更都会在同一事务里
// 写入审计流水和 Outbox 事件
type Payment struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentNo       string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"payment_no"`
	RequestID       string     `gorm:"type:varchar(64);uniqueIndex;not null" json:"request_id"` // 幂等ID
	OrderID         string     `gorm:"type:varchar(64);index;not null" json:"order_id"`
	UserID          string     `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Amount          int64      `gorm:"not null" json:"amount"` // 金额，单位：分
	Currency        string     `gorm:"type:varchar(8);not null" json:"currency"`
	Status          string     `gorm:"type:varchar(20);index;not null" json:"status"`
	PaymentIntentID string     `gorm:"type:varchar(128)" json:"payment_intent_id"` // 支付渠道侧凭证
	ErrorMessage    string     `gorm:"type:varchar(512)" json:"error_message"`
	CompletedAt     *time.Time `json:"completed_at"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}
