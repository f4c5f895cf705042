package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"testing"

	"payhub/internal/config"
	"payhub/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memoryStore OutboxStore 的内存实现，仅测试用
// 语义与 gorm 实现保持一致：认领是按期望状态的 CAS
type memoryStore struct {
	mu        sync.Mutex
	events    map[int64]*model.OutboxEvent
	nextID    int64
	selectErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{events: make(map[int64]*model.OutboxEvent), nextID: 1}
}

func (s *memoryStore) add(event *model.OutboxEvent) *model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = s.nextID
	s.nextID++
	if event.Status == "" {
		event.Status = model.OutboxStatusPending
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	if event.UpdatedAt.IsZero() {
		event.UpdatedAt = event.CreatedAt
	}
	s.events[event.ID] = event
	return event
}

func (s *memoryStore) get(id int64) *model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.events[id]
	return &copied
}

func (s *memoryStore) selectByStatus(limit int, match func(*model.OutboxEvent) bool) []*model.OutboxEvent {
	var result []*model.OutboxEvent
	for _, ev := range s.events {
		if match(ev) {
			copied := *ev
			result = append(result, &copied)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *memoryStore) GetPendingEvents(_ context.Context, limit int) ([]*model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	return s.selectByStatus(limit, func(ev *model.OutboxEvent) bool {
		return ev.Status == model.OutboxStatusPending
	}), nil
}

func (s *memoryStore) GetFailedForRetry(_ context.Context, maxRetries int, cutoff time.Time, limit int) ([]*model.OutboxEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectErr != nil {
		return nil, s.selectErr
	}
	return s.selectByStatus(limit, func(ev *model.OutboxEvent) bool {
		return ev.Status == model.OutboxStatusFailed &&
			ev.Retries < maxRetries &&
			ev.UpdatedAt.Before(cutoff)
	}), nil
}

func (s *memoryStore) ClaimEvent(_ context.Context, id int64, fromStatus string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.Status != fromStatus {
		return false, nil
	}
	ev.Status = model.OutboxStatusProcessing
	ev.UpdatedAt = time.Now()
	return true, nil
}

func (s *memoryStore) MarkProcessed(_ context.Context, id int64, processedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok || ev.Status != model.OutboxStatusProcessing {
		return nil
	}
	ev.Status = model.OutboxStatusProcessed
	ev.ProcessedAt = &processedAt
	ev.UpdatedAt = time.Now()
	return nil
}

func (s *memoryStore) MarkFailed(_ context.Context, id int64, retries int, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil
	}
	ev.Status = model.OutboxStatusFailed
	ev.Retries = retries
	ev.ErrorMessage = errMsg
	ev.UpdatedAt = time.Now()
	return nil
}

func (s *memoryStore) CountByStatus(_ context.Context, status string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, ev := range s.events {
		if ev.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *memoryStore) ReclaimStuckEvents(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, ev := range s.events {
		if ev.Status == model.OutboxStatusProcessing && ev.UpdatedAt.Before(cutoff) {
			ev.Status = model.OutboxStatusPending
			ev.UpdatedAt = time.Now()
			count++
		}
	}
	return count, nil
}

// setUpdatedAt 直接改写 updated_at，模拟时间流逝
func (s *memoryStore) setUpdatedAt(id int64, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id].UpdatedAt = t
}

// stubPublisher 发送器打桩，按事件 ID 记录调用次数
type stubPublisher struct {
	mu    sync.Mutex
	fail  error
	calls map[int64]int
}

func newStubPublisher(fail error) *stubPublisher {
	return &stubPublisher{fail: fail, calls: make(map[int64]int)}
}

func (p *stubPublisher) Publish(event *model.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[event.ID]++
	return p.fail
}

func (p *stubPublisher) callCount(id int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func (p *stubPublisher) totalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

func testOutboxConfig() *config.OutboxConfig {
	return &config.OutboxConfig{
		BatchSize:           50,
		MaxRetries:          5,
		RetryDelayMinutes:   5,
		StaleTimeoutMinutes: 10,
	}
}

func pendingEvent(aggregateID string, createdAt time.Time) *model.OutboxEvent {
	return &model.OutboxEvent{
		AggregateID:   aggregateID,
		AggregateType: "payment",
		EventType:     "completed",
		Topic:         "payment-events",
		MessageKey:    aggregateID,
		Payload:       `{"payment_no":"` + aggregateID + `"}`,
		Status:        model.OutboxStatusPending,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
	}
}

func TestProcessEventsDrainsAllPending(t *testing.T) {
	store := newMemoryStore()
	now := time.Now()
	for i := 0; i < 5; i++ {
		store.add(pendingEvent("PAY-1", now.Add(time.Duration(i)*time.Second)))
	}

	publisher := newStubPublisher(nil)
	svc := NewOutboxService(store, publisher, testOutboxConfig())

	result, err := svc.ProcessEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Attempted)
	assert.Equal(t, 5, result.Succeeded)
	assert.Equal(t, 0, result.Failed)

	// 批次足够大时，一轮之后不允许有事件还停留在 PENDING
	pending, _ := store.CountByStatus(context.Background(), model.OutboxStatusPending)
	assert.Zero(t, pending)

	for id := int64(1); id <= 5; id++ {
		ev := store.get(id)
		assert.Equal(t, model.OutboxStatusProcessed, ev.Status)
		require.NotNil(t, ev.ProcessedAt, "PROCESSED 事件必须有 processed_at")
	}
}

func TestProcessEventsRespectsBatchSizeOldestFirst(t *testing.T) {
	// 同一聚合的3个事件，t1 < t2 < t3，批次大小2
	store := newMemoryStore()
	base := time.Now().Add(-time.Minute)
	e1 := store.add(pendingEvent("order-1", base))
	e2 := store.add(pendingEvent("order-1", base.Add(time.Second)))
	e3 := store.add(pendingEvent("order-1", base.Add(2*time.Second)))

	publisher := newStubPublisher(nil)
	svc := NewOutboxService(store, publisher, testOutboxConfig())

	result, err := svc.ProcessEvents(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Succeeded)

	// 最老的两个已投递，最新的还在 PENDING
	assert.Equal(t, model.OutboxStatusProcessed, store.get(e1.ID).Status)
	assert.Equal(t, model.OutboxStatusProcessed, store.get(e2.ID).Status)
	assert.Equal(t, model.OutboxStatusPending, store.get(e3.ID).Status)

	// 第二轮处理掉剩下的
	result, err = svc.ProcessEvents(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, model.OutboxStatusProcessed, store.get(e3.ID).Status)
}

func TestPublishFailureMarksFailedAndRetrySweep(t *testing.T) {
	store := newMemoryStore()
	ev := store.add(pendingEvent("PAY-9", time.Now().Add(-time.Minute)))

	failing := newStubPublisher(errors.New("broker 不可用"))
	svc := NewOutboxService(store, failing, testOutboxConfig())

	result, err := svc.ProcessEvents(context.Background(), 10)
	require.NoError(t, err, "单条投递失败不允许让整轮失败")
	assert.Equal(t, 1, result.Failed)

	got := store.get(ev.ID)
	assert.Equal(t, model.OutboxStatusFailed, got.Status)
	assert.Equal(t, 1, got.Retries)
	assert.Contains(t, got.ErrorMessage, "broker 不可用")
	assert.Nil(t, got.ProcessedAt)

	// 刚失败的事件在冷却窗口内，重试扫描不应选中
	ok := newStubPublisher(nil)
	svc = NewOutboxService(store, ok, testOutboxConfig())
	result, err = svc.ProcessFailedEvents(context.Background(), 5, 5)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)

	// 模拟时间过了冷却窗口，事件被重新选中并投递成功
	store.setUpdatedAt(ev.ID, time.Now().Add(-10*time.Minute))
	result, err = svc.ProcessFailedEvents(context.Background(), 5, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, model.OutboxStatusProcessed, store.get(ev.ID).Status)
}

func TestRetriesAreMonotonic(t *testing.T) {
	store := newMemoryStore()
	ev := store.add(pendingEvent("PAY-10", time.Now().Add(-time.Minute)))

	failing := newStubPublisher(errors.New("发送失败"))
	svc := NewOutboxService(store, failing, testOutboxConfig())

	lastRetries := 0
	_, err := svc.ProcessEvents(context.Background(), 10)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got := store.get(ev.ID)
		assert.GreaterOrEqual(t, got.Retries, lastRetries, "retries 只增不减")
		lastRetries = got.Retries

		store.setUpdatedAt(ev.ID, time.Now().Add(-10*time.Minute))
		_, err = svc.ProcessFailedEvents(context.Background(), 10, 5)
		require.NoError(t, err)
	}

	assert.Equal(t, 4, store.get(ev.ID).Retries)
}

func TestExhaustedEventIsNeverRetried(t *testing.T) {
	// retries 达到上限后，无论 updated_at 多老都不再被选中
	store := newMemoryStore()
	ev := store.add(pendingEvent("PAY-11", time.Now().Add(-time.Hour)))

	failing := newStubPublisher(errors.New("持续失败"))
	svc := NewOutboxService(store, failing, testOutboxConfig())

	_, err := svc.ProcessEvents(context.Background(), 10)
	require.NoError(t, err)

	maxRetries := 3
	for i := 0; i < 2; i++ {
		store.setUpdatedAt(ev.ID, time.Now().Add(-time.Hour))
		_, err = svc.ProcessFailedEvents(context.Background(), maxRetries, 5)
		require.NoError(t, err)
	}
	require.Equal(t, 3, store.get(ev.ID).Retries)

	// 第四轮扫描不再选中
	store.setUpdatedAt(ev.ID, time.Now().Add(-time.Hour))
	result, err := svc.ProcessFailedEvents(context.Background(), maxRetries, 5)
	require.NoError(t, err)
	assert.Zero(t, result.Attempted)

	// 但统计里仍然能看到它
	stats, err := svc.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FailedCount)
}

func TestConcurrentCyclesClaimIsExclusive(t *testing.T) {
	// N 个并发调度周期抢同一批事件，认领互斥保证每条只被投递一次
	store := newMemoryStore()
	base := time.Now().Add(-time.Minute)
	total := 20
	for i := 0; i < total; i++ {
		store.add(pendingEvent("PAY-C", base.Add(time.Duration(i)*time.Millisecond)))
	}

	publisher := newStubPublisher(nil)
	svc := NewOutboxService(store, publisher, testOutboxConfig())

	var wg sync.WaitGroup
	results := make([]*CycleResult, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			result, err := svc.ProcessEvents(context.Background(), total)
			assert.NoError(t, err)
			results[idx] = result
		}(i)
	}
	wg.Wait()

	attempted := 0
	for _, r := range results {
		attempted += r.Attempted
	}
	assert.Equal(t, total, attempted, "各周期 attempted 之和不能超过可认领的事件数")
	assert.Equal(t, total, publisher.totalCalls())

	for id := int64(1); id <= int64(total); id++ {
		assert.Equal(t, 1, publisher.callCount(id), "事件 %d 被投递了多次", id)
		assert.Equal(t, model.OutboxStatusProcessed, store.get(id).Status)
	}
}

func TestGetStatsIsIdempotent(t *testing.T) {
	store := newMemoryStore()
	store.add(pendingEvent("PAY-12", time.Now()))
	failed := store.add(pendingEvent("PAY-13", time.Now()))
	store.MarkFailed(context.Background(), failed.ID, 1, "失败")

	svc := NewOutboxService(store, newStubPublisher(nil), testOutboxConfig())

	first, err := svc.GetStats(context.Background())
	require.NoError(t, err)
	second, err := svc.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), first.PendingCount)
	assert.Equal(t, int64(1), first.FailedCount)
	assert.Equal(t, int64(2), first.TotalCount)
}

func TestStoreFailureFailsWholeCycle(t *testing.T) {
	// 存储不可用是唯一允许让整轮失败的情况
	store := newMemoryStore()
	store.selectErr = errors.New("数据库连接失败")

	svc := NewOutboxService(store, newStubPublisher(nil), testOutboxConfig())

	_, err := svc.ProcessEvents(context.Background(), 10)
	require.Error(t, err)

	_, err = svc.ProcessFailedEvents(context.Background(), 5, 5)
	require.Error(t, err)
}

func TestPublishFailureDoesNotAbortBatch(t *testing.T) {
	store := newMemoryStore()
	base := time.Now().Add(-time.Minute)
	bad := store.add(pendingEvent("PAY-BAD", base))
	good := store.add(pendingEvent("PAY-GOOD", base.Add(time.Second)))

	// 只有第一条失败
	publisher := &selectivePublisher{failID: bad.ID}
	svc := NewOutboxService(store, publisher, testOutboxConfig())

	result, err := svc.ProcessEvents(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Attempted)
	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 1, result.Failed)

	assert.Equal(t, model.OutboxStatusFailed, store.get(bad.ID).Status)
	assert.Equal(t, model.OutboxStatusProcessed, store.get(good.ID).Status)
}

type selectivePublisher struct {
	failID int64
}

func (p *selectivePublisher) Publish(event *model.OutboxEvent) error {
	if event.ID == p.failID {
		return errors.New("事件序列化失败: payload 非法")
	}
	return nil
}

func TestReclaimStuckEvents(t *testing.T) {
	store := newMemoryStore()
	stuck := store.add(pendingEvent("PAY-STUCK", time.Now().Add(-time.Hour)))
	recent := store.add(pendingEvent("PAY-RECENT", time.Now()))

	ctx := context.Background()
	_, err := store.ClaimEvent(ctx, stuck.ID, model.OutboxStatusPending)
	require.NoError(t, err)
	_, err = store.ClaimEvent(ctx, recent.ID, model.OutboxStatusPending)
	require.NoError(t, err)

	// stuck 的认领时间在时限之外，recent 在时限之内
	store.setUpdatedAt(stuck.ID, time.Now().Add(-15*time.Minute))

	svc := NewOutboxService(store, newStubPublisher(nil), testOutboxConfig())
	count, err := svc.ReclaimStuckEvents(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	assert.Equal(t, model.OutboxStatusPending, store.get(stuck.ID).Status)
	assert.Equal(t, model.OutboxStatusProcessing, store.get(recent.ID).Status)

	// 回收后的事件能被主调度重新投递
	result, err := svc.ProcessEvents(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
}
