package model

import (
	"time"
)

// ============================================================================
// 支付审计流水
// ============================================================================

// PaymentAudit 支付审计流水表
// 记录支付单的每一次状态变更，是对账和排障的核心依据
//
// 【重要】审计表设计原则：
// 1. 只追加，不修改，不删除 —— 保证审计可追溯
// 2. 每条记录必须关联支付单号 —— 便于串联完整轨迹
// 3. 记录变更前后状态 —— 便于校验状态机一致性
type PaymentAudit struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentNo    string    `gorm:"type:varchar(64);index;not null" json:"payment_no"`
	UserID       string    `gorm:"type:varchar(64);index;not null" json:"user_id"`
	Action       string    `gorm:"type:varchar(32);not null" json:"action"`        // 动作，如 CREATE / COMPLETE / REFUND
	StatusBefore string    `gorm:"type:varchar(20);not null" json:"status_before"` // 变更前状态
	StatusAfter  string    `gorm:"type:varchar(20);not null" json:"status_after"`  // 变更后状态
	Remark       string    `gorm:"type:varchar(256)" json:"remark"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

func (PaymentAudit) TableName() string {
	return "payment_audit"
}
