package handler

import (
	"payhub/internal/config"
	"payhub/internal/service"

	"github.com/gin-gonic/gin"
)

// SetupRouter 配置路由
func SetupRouter(paymentService *service.PaymentService, outboxService *service.OutboxService, cfg *config.Config) *gin.Engine {
	// 设置 gin 为发布模式（减少日志输出）
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(paymentService, outboxService)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 支付相关
		payment := api.Group("/payment")
		{
			payment.POST("/create", h.CreatePayment)
			payment.POST("/complete", h.CompletePayment)
			payment.POST("/fail", h.FailPayment)
			payment.POST("/refund", h.RefundPayment)
			payment.GET("/detail", h.GetPayment)
			payment.GET("/audit", h.GetAuditTrail)
		}

		// Outbox 运维接口
		// stats 只读放开，手动触发的两个接口需要管理员令牌
		outbox := api.Group("/outbox")
		{
			outbox.GET("/stats", h.GetOutboxStats)

			admin := outbox.Group("")
			admin.Use(AdminAuthMiddleware(cfg.Server.AdminToken))
			{
				admin.POST("/process", h.TriggerProcess)
				admin.POST("/retry", h.TriggerRetry)
			}
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
