package job

import (
	"context"
	"log"
	"time"

	"payhub/internal/config"
	"payhub/internal/service"
)

// OutboxDispatchJob 主调度任务：周期性处理 PENDING 事件
type OutboxDispatchJob struct {
	outboxService *service.OutboxService
	cfg           *config.OutboxConfig
	stopCh        chan struct{}
	interval      time.Duration
}

func NewOutboxDispatchJob(outboxService *service.OutboxService, cfg *config.OutboxConfig) *OutboxDispatchJob {
	return &OutboxDispatchJob{
		outboxService: outboxService,
		cfg:           cfg,
		stopCh:        make(chan struct{}),
		interval:      cfg.DispatchInterval(),
	}
}

func (j *OutboxDispatchJob) Start(ctx context.Context) {
	log.Println("[OutboxDispatchJob] 事件投递任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxDispatchJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[OutboxDispatchJob] 任务停止")
			return
		case <-ticker.C:
			j.processOnce(ctx)
		}
	}
}

func (j *OutboxDispatchJob) Stop() {
	close(j.stopCh)
}

func (j *OutboxDispatchJob) processOnce(ctx context.Context) {
	result, err := j.outboxService.ProcessEvents(ctx, j.cfg.BatchSize)
	if err != nil {
		// 存储不可用，本轮放弃，等下个周期再试
		log.Printf("[OutboxDispatchJob] 本轮调度失败: %v", err)
		return
	}

	if result.Attempted > 0 {
		log.Printf("[OutboxDispatchJob] 本轮调度完成: attempted=%d, succeeded=%d, failed=%d",
			result.Attempted, result.Succeeded, result.Failed)
	}
}

// OutboxRetryJob 失败重试任务：独立节奏扫描 FAILED 事件
type OutboxRetryJob struct {
	outboxService *service.OutboxService
	cfg           *config.OutboxConfig
	stopCh        chan struct{}
	interval      time.Duration
}

func NewOutboxRetryJob(outboxService *service.OutboxService, cfg *config.OutboxConfig) *OutboxRetryJob {
	return &OutboxRetryJob{
		outboxService: outboxService,
		cfg:           cfg,
		stopCh:        make(chan struct{}),
		interval:      cfg.RetryInterval(),
	}
}

func (j *OutboxRetryJob) Start(ctx context.Context) {
	log.Println("[OutboxRetryJob] 失败事件重试任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxRetryJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[OutboxRetryJob] 任务停止")
			return
		case <-ticker.C:
			j.retryOnce(ctx)
		}
	}
}

func (j *OutboxRetryJob) Stop() {
	close(j.stopCh)
}

func (j *OutboxRetryJob) retryOnce(ctx context.Context) {
	result, err := j.outboxService.ProcessFailedEvents(ctx, j.cfg.MaxRetries, j.cfg.RetryDelayMinutes)
	if err != nil {
		log.Printf("[OutboxRetryJob] 本轮重试失败: %v", err)
		return
	}

	if result.Attempted > 0 {
		log.Printf("[OutboxRetryJob] 本轮重试完成: attempted=%d, succeeded=%d, failed=%d",
			result.Attempted, result.Succeeded, result.Failed)
	}
}

// OutboxStatsJob 统计上报任务：定期打印各状态事件数量
// FAILED 数量持续增长说明 broker 或数据有问题，需要运维介入
type OutboxStatsJob struct {
	outboxService *service.OutboxService
	stopCh        chan struct{}
	interval      time.Duration
}

func NewOutboxStatsJob(outboxService *service.OutboxService, cfg *config.OutboxConfig) *OutboxStatsJob {
	return &OutboxStatsJob{
		outboxService: outboxService,
		stopCh:        make(chan struct{}),
		interval:      cfg.StatsInterval(),
	}
}

func (j *OutboxStatsJob) Start(ctx context.Context) {
	log.Println("[OutboxStatsJob] 统计上报任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[OutboxStatsJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[OutboxStatsJob] 任务停止")
			return
		case <-ticker.C:
			j.reportOnce(ctx)
		}
	}
}

func (j *OutboxStatsJob) Stop() {
	close(j.stopCh)
}

func (j *OutboxStatsJob) reportOnce(ctx context.Context) {
	stats, err := j.outboxService.GetStats(ctx)
	if err != nil {
		log.Printf("[OutboxStatsJob] 获取统计失败: %v", err)
		return
	}

	log.Printf("[OutboxStatsJob] Outbox 统计: pending=%d, processing=%d, processed=%d, failed=%d, total=%d",
		stats.PendingCount, stats.ProcessingCount, stats.ProcessedCount, stats.FailedCount, stats.TotalCount)
}
