package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextIDIsUniqueAndIncreasing(t *testing.T) {
	Init(1)

	prev := NextID()
	for i := 0; i < 1000; i++ {
		id := NextID()
		assert.Greater(t, id, prev, "ID 应单调递增")
		prev = id
	}
}

func TestGeneratePaymentNoFormat(t *testing.T) {
	Init(1)

	no := GeneratePaymentNo()
	assert.True(t, strings.HasPrefix(no, "PAY"), "支付单号应以 PAY 开头: %s", no)
	assert.Len(t, no, len("PAY")+14+8)

	refund := GenerateRefundNo()
	assert.True(t, strings.HasPrefix(refund, "REF"))
}
