package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"payhub/internal/config"
	"payhub/internal/infrastructure/lock"
	"payhub/internal/model"
	"payhub/internal/repository"
	"payhub/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const aggregateTypePayment = "payment"

const (
	EventTypeCreated   = "created"
	EventTypeCompleted = "completed"
	EventTypeFailed    = "failed"
	EventTypeRefunded  = "refunded"
)

type PaymentService struct {
	db          *gorm.DB
	redisClient *redis.Client
	cfg         *config.Config
	paymentRepo *repository.PaymentRepository
	auditRepo   *repository.AuditRepository
	outboxRepo  *repository.OutboxRepository
}

func NewPaymentService(db *gorm.DB, redisClient *redis.Client, cfg *config.Config) *PaymentService {
	return &PaymentService{
		db:          db,
		redisClient: redisClient,
		cfg:         cfg,
		paymentRepo: repository.NewPaymentRepository(db),
		auditRepo:   repository.NewAuditRepository(db),
		outboxRepo:  repository.NewOutboxRepository(db),
	}
}

type CreatePaymentRequest struct {
	RequestID string `json:"request_id" binding:"required"` // 幂等ID，客户端生成
	OrderID   string `json:"order_id" binding:"required"`
	UserID    string `json:"user_id" binding:"required"`
	Amount    int64  `json:"amount" binding:"required,gt=0"`
	Currency  string `json:"currency"`
}

type PaymentResponse struct {
	PaymentNo string `json:"payment_no"`
	OrderID   string `json:"order_id"`
	Status    string `json:"status"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Message   string `json:"message,omitempty"`
}

// PaymentEvent 写入 outbox payload 的业务事件体
type PaymentEvent struct {
	EventID   string    `json:"event_id"`
	PaymentNo string    `json:"payment_no"`
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
	Status    string    `json:"status"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// CreatePayment 创建支付单
//
// 【关键点】
// 1. 幂等性：相同的 request_id 只会创建一笔支付单
// 2. 并发安全：按用户维度的分布式锁防止重复提交
// 3. 原子性：支付单、审计流水、outbox 事件在同一事务落库 ——
//    事件与业务数据的原子写入正是 Outbox 模式存在的全部意义
func (s *PaymentService) CreatePayment(ctx context.Context, req *CreatePaymentRequest) (*PaymentResponse, error) {
	// 幂等校验
	existing, err := s.paymentRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询支付单失败: %w", err)
	}
	if existing != nil {
		return &PaymentResponse{
			PaymentNo: existing.PaymentNo,
			OrderID:   existing.OrderID,
			Status:    existing.Status,
			Amount:    existing.Amount,
			Currency:  existing.Currency,
			Message:   "支付单已存在",
		}, nil
	}

	// 获取分布式锁
	payLock := lock.NewPaymentLock(s.redisClient, req.UserID, req.RequestID)
	if err := payLock.Lock(ctx, 100*time.Millisecond, 30); err != nil {
		return nil, fmt.Errorf("系统繁忙，请稍后重试: %w", err)
	}
	defer payLock.Unlock(ctx)

	// 获取锁后再次检查幂等
	existing, err = s.paymentRepo.GetByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("查询支付单失败: %w", err)
	}
	if existing != nil {
		return &PaymentResponse{
			PaymentNo: existing.PaymentNo,
			OrderID:   existing.OrderID,
			Status:    existing.Status,
			Amount:    existing.Amount,
			Currency:  existing.Currency,
			Message:   "支付单已存在",
		}, nil
	}

	currency := req.Currency
	if currency == "" {
		currency = s.cfg.Business.DefaultCurrency
	}

	payment := &model.Payment{
		PaymentNo: idgen.GeneratePaymentNo(),
		RequestID: req.RequestID,
		OrderID:   req.OrderID,
		UserID:    req.UserID,
		Amount:    req.Amount,
		Currency:  currency,
		Status:    model.PaymentStatusPending,
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.paymentRepo.Create(ctx, tx, payment); err != nil {
			return fmt.Errorf("创建支付单失败: %w", err)
		}

		if err := s.writeAudit(ctx, tx, payment, "CREATE", "", model.PaymentStatusPending, "创建支付单"); err != nil {
			return err
		}

		return s.writeOutboxEvent(ctx, tx, payment, EventTypeCreated)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[PaymentService] 支付单创建成功: paymentNo=%s, orderID=%s, amount=%d",
		payment.PaymentNo, payment.OrderID, payment.Amount)

	return &PaymentResponse{
		PaymentNo: payment.PaymentNo,
		OrderID:   payment.OrderID,
		Status:    payment.Status,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Message:   "支付单创建成功",
	}, nil
}

// CompletePayment 支付完成（由支付渠道回调触发）
func (s *PaymentService) CompletePayment(ctx context.Context, paymentNo, paymentIntentID string) (*PaymentResponse, error) {
	payment, err := s.paymentRepo.GetByPaymentNo(ctx, paymentNo)
	if err != nil {
		return nil, err
	}

	if payment.Status == model.PaymentStatusCompleted {
		// 渠道回调重放，直接返回
		return s.toResponse(payment, "支付已完成"), nil
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.paymentRepo.UpdateStatus(ctx, tx, paymentNo, payment.Status, model.PaymentStatusProcessing, ""); err != nil {
			return fmt.Errorf("更新支付单状态失败: %w", err)
		}
		if err := s.paymentRepo.UpdateStatus(ctx, tx, paymentNo, model.PaymentStatusProcessing, model.PaymentStatusCompleted, ""); err != nil {
			return fmt.Errorf("更新支付单状态失败: %w", err)
		}
		if paymentIntentID != "" {
			if err := tx.WithContext(ctx).Model(&model.Payment{}).
				Where("payment_no = ?", paymentNo).
				Update("payment_intent_id", paymentIntentID).Error; err != nil {
				return fmt.Errorf("记录渠道凭证失败: %w", err)
			}
		}

		payment.Status = model.PaymentStatusCompleted
		if err := s.writeAudit(ctx, tx, payment, "COMPLETE", model.PaymentStatusProcessing, model.PaymentStatusCompleted, "支付完成"); err != nil {
			return err
		}

		return s.writeOutboxEvent(ctx, tx, payment, EventTypeCompleted)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[PaymentService] 支付完成: paymentNo=%s", paymentNo)
	return s.toResponse(payment, "支付完成"), nil
}

// FailPayment 支付失败（渠道拒付或超时）
func (s *PaymentService) FailPayment(ctx context.Context, paymentNo, reason string) (*PaymentResponse, error) {
	payment, err := s.paymentRepo.GetByPaymentNo(ctx, paymentNo)
	if err != nil {
		return nil, err
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.paymentRepo.UpdateStatus(ctx, tx, paymentNo, payment.Status, model.PaymentStatusProcessing, ""); err != nil {
			return fmt.Errorf("更新支付单状态失败: %w", err)
		}
		if err := s.paymentRepo.UpdateStatus(ctx, tx, paymentNo, model.PaymentStatusProcessing, model.PaymentStatusFailed, reason); err != nil {
			return fmt.Errorf("更新支付单状态失败: %w", err)
		}

		payment.Status = model.PaymentStatusFailed
		payment.ErrorMessage = reason
		if err := s.writeAudit(ctx, tx, payment, "FAIL", model.PaymentStatusProcessing, model.PaymentStatusFailed, reason); err != nil {
			return err
		}

		return s.writeOutboxEvent(ctx, tx, payment, EventTypeFailed)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[PaymentService] 支付失败: paymentNo=%s, reason=%s", paymentNo, reason)
	return s.toResponse(payment, "支付已标记失败"), nil
}

// RefundPayment 退款（只支持全额退款，订单必须是 COMPLETED）
func (s *PaymentService) RefundPayment(ctx context.Context, paymentNo, reason string) (*PaymentResponse, error) {
	payment, err := s.paymentRepo.GetByPaymentNo(ctx, paymentNo)
	if err != nil {
		return nil, err
	}

	if payment.Status != model.PaymentStatusCompleted {
		return nil, errors.New("只有已完成的支付单才能退款")
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.paymentRepo.UpdateStatus(ctx, tx, paymentNo, model.PaymentStatusCompleted, model.PaymentStatusRefunded, ""); err != nil {
			return fmt.Errorf("更新支付单状态失败: %w", err)
		}

		payment.Status = model.PaymentStatusRefunded
		if err := s.writeAudit(ctx, tx, payment, "REFUND", model.PaymentStatusCompleted, model.PaymentStatusRefunded, reason); err != nil {
			return err
		}

		return s.writeOutboxEvent(ctx, tx, payment, EventTypeRefunded)
	})
	if err != nil {
		return nil, err
	}

	log.Printf("[PaymentService] 退款成功: paymentNo=%s", paymentNo)
	return s.toResponse(payment, "退款成功"), nil
}

func (s *PaymentService) GetPayment(ctx context.Context, paymentNo string) (*model.Payment, error) {
	return s.paymentRepo.GetByPaymentNo(ctx, paymentNo)
}

func (s *PaymentService) ListPayments(ctx context.Context, userID string, page, pageSize int) ([]*model.Payment, int64, error) {
	return s.paymentRepo.ListByUserID(ctx, userID, page, pageSize)
}

func (s *PaymentService) GetAuditTrail(ctx context.Context, paymentNo string) ([]*model.PaymentAudit, error) {
	return s.auditRepo.ListByPaymentNo(ctx, paymentNo)
}

func (s *PaymentService) writeAudit(ctx context.Context, tx *gorm.DB, payment *model.Payment, action, before, after, remark string) error {
	audit := &model.PaymentAudit{
		PaymentNo:    payment.PaymentNo,
		UserID:       payment.UserID,
		Action:       action,
		StatusBefore: before,
		StatusAfter:  after,
		Remark:       remark,
	}
	if err := s.auditRepo.Create(ctx, tx, audit); err != nil {
		return fmt.Errorf("记录审计流水失败: %w", err)
	}
	return nil
}

// writeOutboxEvent 在业务事务内插入 outbox 事件
func (s *PaymentService) writeOutboxEvent(ctx context.Context, tx *gorm.DB, payment *model.Payment, eventType string) error {
	event := PaymentEvent{
		EventID:   uuid.NewString(),
		PaymentNo: payment.PaymentNo,
		OrderID:   payment.OrderID,
		UserID:    payment.UserID,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Status:    payment.Status,
		EventType: eventType,
		Timestamp: time.Now(),
	}

	payloadBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}

	outboxEvent := &model.OutboxEvent{
		AggregateID:   payment.PaymentNo,
		AggregateType: aggregateTypePayment,
		EventType:     eventType,
		Topic:         s.cfg.Kafka.Topic.PaymentEvents,
		MessageKey:    payment.PaymentNo, // 同一支付单的事件落到同一分区，保证有序
		Payload:       string(payloadBytes),
		Status:        model.OutboxStatusPending,
	}

	if err := s.outboxRepo.Create(ctx, tx, outboxEvent); err != nil {
		return fmt.Errorf("写入 outbox 事件失败: %w", err)
	}
	return nil
}

func (s *PaymentService) toResponse(payment *model.Payment, message string) *PaymentResponse {
	return &PaymentResponse{
		PaymentNo: payment.PaymentNo,
		OrderID:   payment.OrderID,
		Status:    payment.Status,
		Amount:    payment.Amount,
		Currency:  payment.Currency,
		Message:   message,
	}
}
