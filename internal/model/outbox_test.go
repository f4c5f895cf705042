package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutboxStatusTransitions(t *testing.T) {
	cases := []struct {
		name    string
		from    string
		to      string
		allowed bool
	}{
		{"待投递可认领", OutboxStatusPending, OutboxStatusProcessing, true},
		{"投递中可成功", OutboxStatusProcessing, OutboxStatusProcessed, true},
		{"投递中可失败", OutboxStatusProcessing, OutboxStatusFailed, true},
		{"卡死事件可回收", OutboxStatusProcessing, OutboxStatusPending, true},
		{"失败事件可重试", OutboxStatusFailed, OutboxStatusProcessing, true},
		{"成功是终态", OutboxStatusProcessed, OutboxStatusPending, false},
		{"成功不能再投递", OutboxStatusProcessed, OutboxStatusProcessing, false},
		{"失败不能直接成功", OutboxStatusFailed, OutboxStatusProcessed, false},
		{"待投递不能直接成功", OutboxStatusPending, OutboxStatusProcessed, false},
		{"未知状态拒绝", "UNKNOWN", OutboxStatusProcessing, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.allowed, CanTransitOutbox(tc.from, tc.to))
		})
	}
}

func TestPaymentStatusTransitions(t *testing.T) {
	assert.True(t, CanTransitPayment(PaymentStatusPending, PaymentStatusProcessing))
	assert.True(t, CanTransitPayment(PaymentStatusProcessing, PaymentStatusCompleted))
	assert.True(t, CanTransitPayment(PaymentStatusCompleted, PaymentStatusRefunded))
	assert.True(t, CanTransitPayment(PaymentStatusFailed, PaymentStatusProcessing))

	assert.False(t, CanTransitPayment(PaymentStatusRefunded, PaymentStatusCompleted))
	assert.False(t, CanTransitPayment(PaymentStatusCompleted, PaymentStatusPending))
	assert.False(t, CanTransitPayment(PaymentStatusCancelled, PaymentStatusProcessing))
}
