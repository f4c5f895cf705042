package job

import (
	"context"
	"log"
	"time"

	"payhub/internal/config"
	"payhub/internal/service"
)

// StuckEventCompensateJob 卡死事件补偿任务
//
// 调度周期认领事件后、落终态前崩溃的话，事件会一直停留在 PROCESSING，
// 任何调度都不会再碰它。本任务把超过时限的 PROCESSING 事件改回 PENDING，
// 让它重新进入主调度。消息可能已经发出过一次 —— 重复投递由下游按
// event_id 去重，这是 at-least-once 语义的约定
type StuckEventCompensateJob struct {
	outboxService *service.OutboxService
	cfg           *config.OutboxConfig
	stopCh        chan struct{}
	interval      time.Duration
}

func NewStuckEventCompensateJob(outboxService *service.OutboxService, cfg *config.OutboxConfig) *StuckEventCompensateJob {
	return &StuckEventCompensateJob{
		outboxService: outboxService,
		cfg:           cfg,
		stopCh:        make(chan struct{}),
		interval:      cfg.CompensateInterval(),
	}
}

func (j *StuckEventCompensateJob) Start(ctx context.Context) {
	log.Println("[StuckEventCompensateJob] 卡死事件补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[StuckEventCompensateJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[StuckEventCompensateJob] 任务停止")
			return
		case <-ticker.C:
			j.compensateOnce(ctx)
		}
	}
}

func (j *StuckEventCompensateJob) Stop() {
	close(j.stopCh)
}

func (j *StuckEventCompensateJob) compensateOnce(ctx context.Context) {
	count, err := j.outboxService.ReclaimStuckEvents(ctx, j.cfg.StaleTimeout())
	if err != nil {
		log.Printf("[StuckEventCompensateJob] 补偿失败: %v", err)
		return
	}

	if count > 0 {
		log.Printf("[StuckEventCompensateJob] 本轮回收 %d 个卡死事件", count)
	}
}
