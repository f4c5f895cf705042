package handler

import (
	"strconv"

	"payhub/internal/service"
	"payhub/pkg/response"

	"github.com/gin-gonic/gin"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	paymentService *service.PaymentService
	outboxService  *service.OutboxService
}

// NewHandler 创建处理器实例
func NewHandler(paymentService *service.PaymentService, outboxService *service.OutboxService) *Handler {
	return &Handler{
		paymentService: paymentService,
		outboxService:  outboxService,
	}
}

// ============================================================
// 支付相关接口
// ============================================================

// CreatePayment 创建支付单
// POST /api/v1/payment/create
func (h *Handler) CreatePayment(c *gin.Context) {
	var req service.CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.paymentService.CreatePayment(c.Request.Context(), &req)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// CompletePayment 支付完成回调
// POST /api/v1/payment/complete
func (h *Handler) CompletePayment(c *gin.Context) {
	var req struct {
		PaymentNo       string `json:"payment_no" binding:"required"`
		PaymentIntentID string `json:"payment_intent_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.paymentService.CompletePayment(c.Request.Context(), req.PaymentNo, req.PaymentIntentID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// FailPayment 支付失败回调
// POST /api/v1/payment/fail
func (h *Handler) FailPayment(c *gin.Context) {
	var req struct {
		PaymentNo string `json:"payment_no" binding:"required"`
		Reason    string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.paymentService.FailPayment(c.Request.Context(), req.PaymentNo, req.Reason)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// RefundPayment 退款
// POST /api/v1/payment/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	var req struct {
		PaymentNo string `json:"payment_no" binding:"required"`
		Reason    string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	result, err := h.paymentService.RefundPayment(c.Request.Context(), req.PaymentNo, req.Reason)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, result)
}

// GetPayment 查询支付单详情
// GET /api/v1/payment/detail?payment_no=xxx
func (h *Handler) GetPayment(c *gin.Context) {
	paymentNo := c.Query("payment_no")
	if paymentNo == "" {
		response.ParamError(c, "payment_no 参数不能为空")
		return
	}

	payment, err := h.paymentService.GetPayment(c.Request.Context(), paymentNo)
	if err != nil {
		response.BusinessError(c, response.CodePaymentNotFound, err.Error())
		return
	}

	response.Success(c, payment)
}

// GetAuditTrail 查询支付单审计轨迹
// GET /api/v1/payment/audit?payment_no=xxx
func (h *Handler) GetAuditTrail(c *gin.Context) {
	paymentNo := c.Query("payment_no")
	if paymentNo == "" {
		response.ParamError(c, "payment_no 参数不能为空")
		return
	}

	audits, err := h.paymentService.GetAuditTrail(c.Request.Context(), paymentNo)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"payment_no": paymentNo,
		"trail":      audits,
	})
}

// ============================================================
// Outbox 运维接口
// ============================================================
//
// 运维接口永远返回统一信封，只暴露统计数字和消息，
// 不把 broker / 存储的原始错误栈透给调用方

// GetOutboxStats 查询 outbox 各状态事件数量
// GET /api/v1/outbox/stats
func (h *Handler) GetOutboxStats(c *gin.Context) {
	stats, err := h.outboxService.GetStats(c.Request.Context())
	if err != nil {
		response.ServerError(c, "获取统计失败")
		return
	}

	response.Success(c, stats)
}

// TriggerProcess 手动触发一轮主调度
// POST /api/v1/outbox/process?batch_size=50
func (h *Handler) TriggerProcess(c *gin.Context) {
	batchSize, _ := strconv.Atoi(c.DefaultQuery("batch_size", "50"))

	result, err := h.outboxService.ProcessEvents(c.Request.Context(), batchSize)
	if err != nil {
		response.ServerError(c, "调度执行失败")
		return
	}

	stats, err := h.outboxService.GetStats(c.Request.Context())
	if err != nil {
		response.ServerError(c, "获取统计失败")
		return
	}

	response.Success(c, gin.H{
		"message": "调度已执行",
		"result":  result,
		"stats":   stats,
	})
}

// TriggerRetry 手动触发一轮失败重试
// POST /api/v1/outbox/retry?max_retries=5&retry_delay_minutes=5
//
// 运维可以临时传入更高的 max_retries，让已经永久失败的事件
// 重新获得重试资格
func (h *Handler) TriggerRetry(c *gin.Context) {
	maxRetries, _ := strconv.Atoi(c.DefaultQuery("max_retries", "5"))
	retryDelayMinutes, _ := strconv.Atoi(c.DefaultQuery("retry_delay_minutes", "5"))

	result, err := h.outboxService.ProcessFailedEvents(c.Request.Context(), maxRetries, retryDelayMinutes)
	if err != nil {
		response.ServerError(c, "重试执行失败")
		return
	}

	stats, err := h.outboxService.GetStats(c.Request.Context())
	if err != nil {
		response.ServerError(c, "获取统计失败")
		return
	}

	response.Success(c, gin.H{
		"message": "重试已执行",
		"result":  result,
		"stats":   stats,
	})
}
