package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"payhub/internal/config"
	"payhub/internal/model"
)

// OutboxStore 调度器对事件存储的依赖
// 用接口隔离，便于测试时替换为内存实现
type OutboxStore interface {
	GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
	GetFailedForRetry(ctx context.Context, maxRetries int, cutoff time.Time, limit int) ([]*model.OutboxEvent, error)
	ClaimEvent(ctx context.Context, id int64, fromStatus string) (bool, error)
	MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error
	MarkFailed(ctx context.Context, id int64, retries int, errMsg string) error
	CountByStatus(ctx context.Context, status string) (int64, error)
	ReclaimStuckEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventPublisher 调度器对发送器的依赖
type EventPublisher interface {
	Publish(event *model.OutboxEvent) error
}

// CycleResult 一轮调度的结果统计
type CycleResult struct {
	Attempted int `json:"attempted"` // 认领成功并尝试投递的事件数
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// OutboxService Outbox 调度器
//
// 一轮调度：选取批次 -> 逐条认领（CAS）-> 投递 -> 落终态。
// 认领失败的记录是被并发周期抢走了，静默跳过，不算错误。
// 单条事件的任何失败都收敛成状态流转 + 计数，绝不中断批次；
// 唯一允许让整轮失败的是存储本身不可用（查询批次失败）。
type OutboxService struct {
	store     OutboxStore
	publisher EventPublisher
	cfg       *config.OutboxConfig
}

func NewOutboxService(store OutboxStore, publisher EventPublisher, cfg *config.OutboxConfig) *OutboxService {
	return &OutboxService{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
	}
}

// ProcessEvents 主调度：处理一批 PENDING 事件
// batchSize <= 0 时使用配置默认值
func (s *OutboxService) ProcessEvents(ctx context.Context, batchSize int) (*CycleResult, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}

	events, err := s.store.GetPendingEvents(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("查询待投递事件失败: %w", err)
	}

	return s.dispatch(ctx, events, model.OutboxStatusPending), nil
}

// ProcessFailedEvents 失败重试：处理 retries 未达上限且过了冷却期的 FAILED 事件
// retries 沿用之前的累计值，不重置
func (s *OutboxService) ProcessFailedEvents(ctx context.Context, maxRetries, retryDelayMinutes int) (*CycleResult, error) {
	if maxRetries <= 0 {
		maxRetries = s.cfg.MaxRetries
	}
	if retryDelayMinutes <= 0 {
		retryDelayMinutes = s.cfg.RetryDelayMinutes
	}

	cutoff := time.Now().Add(-time.Duration(retryDelayMinutes) * time.Minute)
	events, err := s.store.GetFailedForRetry(ctx, maxRetries, cutoff, s.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("查询可重试事件失败: %w", err)
	}

	return s.dispatch(ctx, events, model.OutboxStatusFailed), nil
}

// dispatch 认领 -> 投递 -> 落终态，批次内逐条处理
// 批次内顺序处理，同一聚合的事件按 created_at 先后投递
func (s *OutboxService) dispatch(ctx context.Context, events []*model.OutboxEvent, fromStatus string) *CycleResult {
	result := &CycleResult{}

	for _, event := range events {
		claimed, err := s.store.ClaimEvent(ctx, event.ID, fromStatus)
		if err != nil {
			log.Printf("[OutboxService] 认领事件失败: id=%d, err=%v", event.ID, err)
			continue
		}
		if !claimed {
			// 被并发的调度周期抢走，正常现象
			continue
		}

		result.Attempted++

		if pubErr := s.publisher.Publish(event); pubErr != nil {
			result.Failed++
			log.Printf("[OutboxService] 事件投递失败: id=%d, retries=%d, err=%v",
				event.ID, event.Retries+1, pubErr)

			if err := s.store.MarkFailed(ctx, event.ID, event.Retries+1, pubErr.Error()); err != nil {
				log.Printf("[OutboxService] 标记事件失败状态失败: id=%d, err=%v", event.ID, err)
			}
			continue
		}

		result.Succeeded++
		if err := s.store.MarkProcessed(ctx, event.ID, time.Now()); err != nil {
			// 消息已发出但状态没落上，事件停留在 PROCESSING，
			// 等卡死回收后会重新投递 —— 这正是 at-least-once 语义的来源
			log.Printf("[OutboxService] 标记事件成功状态失败: id=%d, err=%v", event.ID, err)
		}
	}

	return result
}

// ReclaimStuckEvents 回收卡死的 PROCESSING 事件
// 调度中途崩溃的事件会停留在 PROCESSING，超时后改回 PENDING 重新进入主调度
func (s *OutboxService) ReclaimStuckEvents(ctx context.Context, staleAfter time.Duration) (int64, error) {
	if staleAfter <= 0 {
		staleAfter = s.cfg.StaleTimeout()
	}

	cutoff := time.Now().Add(-staleAfter)
	count, err := s.store.ReclaimStuckEvents(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("回收卡死事件失败: %w", err)
	}
	if count > 0 {
		log.Printf("[OutboxService] 回收 %d 个卡死的 PROCESSING 事件", count)
	}
	return count, nil
}

// GetStats 统计各状态事件数量，只读，可与调度并发执行
func (s *OutboxService) GetStats(ctx context.Context) (*model.OutboxStats, error) {
	pending, err := s.store.CountByStatus(ctx, model.OutboxStatusPending)
	if err != nil {
		return nil, err
	}
	processing, err := s.store.CountByStatus(ctx, model.OutboxStatusProcessing)
	if err != nil {
		return nil, err
	}
	processed, err := s.store.CountByStatus(ctx, model.OutboxStatusProcessed)
	if err != nil {
		return nil, err
	}
	failed, err := s.store.CountByStatus(ctx, model.OutboxStatusFailed)
	if err != nil {
		return nil, err
	}

	return &model.OutboxStats{
		PendingCount:    pending,
		ProcessingCount: processing,
		ProcessedCount:  processed,
		FailedCount:     failed,
		TotalCount:      pending + processing + processed + failed,
	}, nil
}
