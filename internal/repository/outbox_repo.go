package repository

import (
	"context"
	"time"

	"payhub/internal/model"

	"gorm.io/gorm"
)

type OutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Create 插入事件，必须传入业务事务 tx，保证事件与业务数据同事务落库
func (r *OutboxRepository) Create(ctx context.Context, tx *gorm.DB, event *model.OutboxEvent) error {
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(ctx).Create(event).Error
}

// GetPendingEvents 查询待投递事件，按创建时间升序（先进先出，近似保序）
func (r *OutboxRepository) GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// GetFailedForRetry 查询可重试的失败事件
// 条件：retries 未达上限，且距上次更新已过冷却窗口
func (r *OutboxRepository) GetFailedForRetry(ctx context.Context, maxRetries int, cutoff time.Time, limit int) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ? AND retries < ? AND updated_at < ?", model.OutboxStatusFailed, maxRetries, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// ClaimEvent 认领事件：条件更新实现的 CAS
//
// 【关键点】WHERE 带上期望的当前状态，RowsAffected==1 才算认领成功。
// 两个并发的调度周期（定时触发 + 手动触发，或多实例部署）抢同一条记录时，
// 只有一方能把状态从 fromStatus 改成 PROCESSING，另一方静默出局。
// 这是整个调度链路唯一的并发控制点，绝不能退化成先读后写。
func (r *OutboxRepository) ClaimEvent(ctx context.Context, id int64, fromStatus string) (bool, error) {
	if !model.CanTransitOutbox(fromStatus, model.OutboxStatusProcessing) {
		return false, nil
	}

	result := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, fromStatus).
		Update("status", model.OutboxStatusProcessing)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkProcessed 标记投递成功（终态），processed_at 仅在此处写入
func (r *OutboxRepository) MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusProcessing).
		Updates(map[string]interface{}{
			"status":       model.OutboxStatusProcessed,
			"processed_at": processedAt,
		}).Error
}

// MarkFailed 标记投递失败，记录累计重试次数和最后一次错误
func (r *OutboxRepository) MarkFailed(ctx context.Context, id int64, retries int, errMsg string) error {
	if len(errMsg) > 512 {
		errMsg = errMsg[:512]
	}
	return r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.OutboxStatusFailed,
			"retries":       retries,
			"error_message": errMsg,
		}).Error
}

// CountByStatus 按状态统计事件数量
func (r *OutboxRepository) CountByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("status = ?", status).
		Count(&count).Error
	return count, err
}

// ReclaimStuckEvents 回收卡死的 PROCESSING 事件
// 调度周期中途崩溃时，已认领的事件会一直停留在 PROCESSING，
// 超过时限后整体改回 PENDING，重新进入主调度
func (r *OutboxRepository) ReclaimStuckEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("status = ? AND updated_at < ?", model.OutboxStatusProcessing, cutoff).
		Update("status", model.OutboxStatusPending)
	return result.RowsAffected, result.Error
}

// GetByAggregate 查询某个聚合的全部事件，按时间升序，用于排障
func (r *OutboxRepository) GetByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]*model.OutboxEvent, error) {
	var events []*model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("aggregate_type = ? AND aggregate_id = ?", aggregateType, aggregateID).
		Order("created_at ASC").
		Find(&events).Error
	return events, err
}
