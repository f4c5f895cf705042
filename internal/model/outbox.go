package model

import (
	"time"
)

// ============================================================================
// Outbox 事件状态
// ============================================================================
//
// 【状态机】
//
//   PENDING ──> PROCESSING ──> PROCESSED（终态，成功）
//                    │
//                    └──> FAILED ──(retries < max 且过了冷却期)──> PROCESSING
//
// FAILED 在 retries 达到上限后永久停留，只能由运维人工介入
// （通过 /outbox/retry 提高 max_retries，或线下重放）
//
// ============================================================================

const (
	OutboxStatusPending    = "PENDING"
	OutboxStatusProcessing = "PROCESSING"
	OutboxStatusProcessed  = "PROCESSED"
	OutboxStatusFailed     = "FAILED"
)

var validOutboxTransitions = map[string][]string{
	OutboxStatusPending:    {OutboxStatusProcessing},
	OutboxStatusProcessing: {OutboxStatusProcessed, OutboxStatusFailed, OutboxStatusPending},
	OutboxStatusFailed:     {OutboxStatusProcessing},
}

// CanTransitOutbox 校验事件状态流转是否合法
// PROCESSING -> PENDING 仅用于卡死事件回收
func CanTransitOutbox(currentStatus, targetStatus string) bool {
	allowed, exists := validOutboxTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowed {
		if s == targetStatus {
			return true
		}
	}
	return false
}

// OutboxEvent 事务性 Outbox 事件表
//
// 业务方在写业务数据的【同一个数据库事务】里插入事件记录，
// 后台调度器再异步投递到 Kafka —— 这就是 Outbox 模式解决双写问题的核心。
// 本表的记录插入后由调度器独占修改，业务方只负责 insert。
type OutboxEvent struct {
	ID            int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	AggregateID   string     `gorm:"type:varchar(64);index;not null" json:"aggregate_id"`
	AggregateType string     `gorm:"type:varchar(32);not null" json:"aggregate_type"`
	EventType     string     `gorm:"type:varchar(32);not null" json:"event_type"`
	Topic         string     `gorm:"type:varchar(64);not null" json:"topic"`
	MessageKey    string     `gorm:"type:varchar(64);not null" json:"message_key"`
	Payload       string     `gorm:"type:text;not null" json:"payload"`
	Status        string     `gorm:"type:varchar(20);index:idx_status_created,priority:1;not null;default:PENDING" json:"status"`
	Retries       int        `gorm:"not null;default:0" json:"retries"`
	ErrorMessage  string     `gorm:"type:varchar(512)" json:"error_message"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index:idx_status_created,priority:2" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	ProcessedAt   *time.Time `json:"processed_at"`
}

func (OutboxEvent) TableName() string {
	return "outbox_event"
}

// OutboxStats 各状态事件数量的即时快照，不落库
type OutboxStats struct {
	PendingCount    int64 `json:"pending_count"`
	ProcessingCount int64 `json:"processing_count"`
	ProcessedCount  int64 `json:"processed_count"`
	FailedCount     int64 `json:"failed_count"`
	TotalCount      int64 `json:"total_count"`
}
