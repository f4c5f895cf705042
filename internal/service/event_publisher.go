package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"payhub/internal/config"
	"payhub/internal/infrastructure/mq"
	"payhub/internal/model"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen 熔断器打开，未接触 broker 直接拒绝
var ErrCircuitOpen = errors.New("熔断器打开，跳过本次投递")

// WireEvent 投递到 Kafka 的事件信封
// payload 原样透传（本服务不解析业务事件体）
type WireEvent struct {
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     time.Time       `json:"timestamp"`
}

// ResilientPublisher 带熔断和有界重试的事件发送器
//
// 【结构】熔断器（外） -> 有界重试（内） -> Kafka 发送
//
// 1. 熔断器先行：连续失败达到阈值后打开，冷却期内的调用
//    不再触碰 broker，直接返回 ErrCircuitOpen —— 故障期间既保护
//    broker，也让调度循环快速失败，不产生积压
// 2. 内层重试只针对单次发送内的瞬时网络错误，与跨调度周期的
//    retries 计数是两回事
// 3. 任何失败都以错误值返回给调用方落库，绝不抛出、绝不丢失；
//    发送器本身从不改写 outbox 表，状态流转全部由调度器负责
type ResilientPublisher struct {
	sender      mq.Sender
	breaker     *gobreaker.CircuitBreaker
	maxAttempts int
	backoff     time.Duration
}

func NewResilientPublisher(sender mq.Sender, cfg *config.OutboxConfig) *ResilientPublisher {
	threshold := cfg.BreakerThreshold
	if threshold <= 0 {
		threshold = 5
	}
	cooldown := time.Duration(cfg.BreakerCooldownSecond) * time.Second
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	maxAttempts := cfg.PublishMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := time.Duration(cfg.PublishBackoffMs) * time.Millisecond

	settings := gobreaker.Settings{
		Name:        "kafka-producer",
		MaxRequests: 1, // 半开状态只放一个探测请求
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[ResilientPublisher] 熔断器状态变更: %s -> %s", from, to)
		},
	}

	return &ResilientPublisher{
		sender:      sender,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// Publish 发送一条事件，成功返回 nil，失败返回带原因的错误
func (p *ResilientPublisher) Publish(event *model.OutboxEvent) error {
	// 序列化放在熔断器之外：payload 坏了说明数据有问题，
	// 与 broker 健康无关，不应计入熔断统计，也没有重试的意义
	value, err := p.serialize(event)
	if err != nil {
		return fmt.Errorf("事件序列化失败: %w", err)
	}

	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.sendWithRetry(event.Topic, event.MessageKey, value)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrCircuitOpen
		}
		return err
	}
	return nil
}

func (p *ResilientPublisher) serialize(event *model.OutboxEvent) (string, error) {
	wire := WireEvent{
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		Timestamp:     time.Now(),
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// sendWithRetry 有界重试，线性退避
func (p *ResilientPublisher) sendWithRetry(topic, key, value string) error {
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		lastErr = p.sender.Send(topic, key, value)
		if lastErr == nil {
			return nil
		}
		if attempt < p.maxAttempts {
			time.Sleep(p.backoff * time.Duration(attempt))
		}
	}
	return fmt.Errorf("发送失败（已重试%d次）: %w", p.maxAttempts, lastErr)
}
