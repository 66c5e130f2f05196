package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"report-scheduler/execution-engine/internal/reports"
)

// =====================================================
// Fakes
// =====================================================

// fakeRedis models named Redis lists with index 0 as the head.
type fakeRedis struct {
	mu    sync.Mutex
	lists map[string][]string

	popErr     error
	onEmptyPop func()
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{lists: map[string][]string{}}
}

func asString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		f.lists[key] = append([]string{asString(v)}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) BRPopLPush(ctx context.Context, source, destination string, timeout time.Duration) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.popErr != nil {
		return redis.NewStringResult("", f.popErr)
	}
	src := f.lists[source]
	if len(src) == 0 {
		if f.onEmptyPop != nil {
			f.onEmptyPop()
		}
		return redis.NewStringResult("", redis.Nil)
	}
	v := src[len(src)-1]
	f.lists[source] = src[:len(src)-1]
	f.lists[destination] = append([]string{v}, f.lists[destination]...)
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) RPopLPush(ctx context.Context, source, destination string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.lists[source]
	if len(src) == 0 {
		return redis.NewStringResult("", redis.Nil)
	}
	v := src[len(src)-1]
	f.lists[source] = src[:len(src)-1]
	f.lists[destination] = append([]string{v}, f.lists[destination]...)
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) LRem(ctx context.Context, key string, count int64, value interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	val := asString(value)
	list := f.lists[key]
	for i, v := range list {
		if v == val {
			f.lists[key] = append(append([]string{}, list[:i]...), list[i+1:]...)
			return redis.NewIntResult(1, nil)
		}
	}
	return redis.NewIntResult(0, nil)
}

func (f *fakeRedis) list(key string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.lists[key]...)
}

type captureHandler struct {
	msgs []*Message
	err  error
}

func (h *captureHandler) handle(ctx context.Context, msg *Message) error {
	h.msgs = append(h.msgs, msg)
	return h.err
}

type stubExecutionStore struct {
	executions map[string]*reports.ReportExecution
	err        error
	lookups    int
}

func (s *stubExecutionStore) GetExecution(ctx context.Context, id string) (*reports.ReportExecution, error) {
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	if e, ok := s.executions[id]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("execution %s: %w", id, reports.ErrNotFound)
}

func testOptions() Options {
	return Options{
		Queue:               "test:executions",
		ConsumerName:        "worker-test",
		PopTimeout:          10 * time.Millisecond,
		RestartMaxAttempts:  3,
		RestartInitialDelay: time.Millisecond,
		RestartMaxDelay:     4 * time.Millisecond,
	}
}

const testProcessingList = "test:executions:processing:worker-test"

func encodedMessage(t *testing.T, msg *Message) []byte {
	t.Helper()
	payload, err := msg.Encode()
	require.NoError(t, err)
	return payload
}

// =====================================================
// Consumer tests
// =====================================================

func TestConsumerProcessesQueuedMessage(t *testing.T) {
	fake := newFakeRedis()
	scheduleID := int64(42)
	pub := newPublisher(fake, "test:executions", zap.NewNop())
	require.NoError(t, pub.Enqueue(context.Background(), &Message{
		ConfigID:   7,
		ScheduleID: &scheduleID,
		ExecutedBy: "alice",
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.onEmptyPop = cancel

	handler := &captureHandler{}
	store := &stubExecutionStore{}
	c := newConsumer(fake, store, handler.handle, zap.NewNop(), testOptions())

	require.NoError(t, c.Run(ctx))

	require.Len(t, handler.msgs, 1)
	msg := handler.msgs[0]
	assert.NotEmpty(t, msg.ExecutionID)
	assert.Equal(t, int64(7), msg.ConfigID)
	require.NotNil(t, msg.ScheduleID)
	assert.Equal(t, int64(42), *msg.ScheduleID)
	assert.Equal(t, "alice", msg.ExecutedBy)
	assert.False(t, msg.QueuedAt.IsZero())

	// Acked: nothing lingers on either list.
	assert.Empty(t, fake.list("test:executions"))
	assert.Empty(t, fake.list(testProcessingList))
	assert.Equal(t, 1, store.lookups)
}

func TestConsumerSkipsCompletedDuplicate(t *testing.T) {
	fake := newFakeRedis()
	fake.LPush(context.Background(), "test:executions", encodedMessage(t, &Message{
		ExecutionID: "done-id",
		ConfigID:    7,
		ExecutedBy:  "system",
		QueuedAt:    time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.onEmptyPop = cancel

	handler := &captureHandler{}
	store := &stubExecutionStore{executions: map[string]*reports.ReportExecution{
		"done-id": {ID: "done-id", ConfigID: 7, Status: reports.ExecutionStatusCompleted},
	}}
	c := newConsumer(fake, store, handler.handle, zap.NewNop(), testOptions())

	require.NoError(t, c.Run(ctx))

	assert.Empty(t, handler.msgs)
	assert.Empty(t, fake.list(testProcessingList))
}

func TestConsumerAcksFailedHandler(t *testing.T) {
	fake := newFakeRedis()
	fake.LPush(context.Background(), "test:executions", encodedMessage(t, &Message{
		ExecutionID: "fail-id",
		ConfigID:    7,
		ExecutedBy:  "system",
		QueuedAt:    time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.onEmptyPop = cancel

	handler := &captureHandler{err: errors.New("boom")}
	c := newConsumer(fake, &stubExecutionStore{}, handler.handle, zap.NewNop(), testOptions())

	require.NoError(t, c.Run(ctx))

	require.Len(t, handler.msgs, 1)
	assert.Empty(t, fake.list("test:executions"))
	assert.Empty(t, fake.list(testProcessingList))
}

func TestConsumerDropsMalformedPayload(t *testing.T) {
	fake := newFakeRedis()
	fake.LPush(context.Background(), "test:executions", "{not json")
	fake.LPush(context.Background(), "test:executions", encodedMessage(t, &Message{
		ExecutionID: "good-id",
		ConfigID:    7,
		ExecutedBy:  "system",
		QueuedAt:    time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.onEmptyPop = cancel

	handler := &captureHandler{}
	c := newConsumer(fake, &stubExecutionStore{}, handler.handle, zap.NewNop(), testOptions())

	require.NoError(t, c.Run(ctx))

	// The bad payload is dropped and the loop keeps going.
	require.Len(t, handler.msgs, 1)
	assert.Equal(t, "good-id", handler.msgs[0].ExecutionID)
	assert.Empty(t, fake.list(testProcessingList))
}

func TestConsumerRecoversOrphansOnStart(t *testing.T) {
	fake := newFakeRedis()
	fake.LPush(context.Background(), testProcessingList, encodedMessage(t, &Message{
		ExecutionID: "orphan-1",
		ConfigID:    7,
		ExecutedBy:  "system",
		QueuedAt:    time.Now(),
	}))
	fake.LPush(context.Background(), testProcessingList, encodedMessage(t, &Message{
		ExecutionID: "orphan-2",
		ConfigID:    7,
		ExecutedBy:  "system",
		QueuedAt:    time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.onEmptyPop = cancel

	handler := &captureHandler{}
	c := newConsumer(fake, &stubExecutionStore{}, handler.handle, zap.NewNop(), testOptions())

	require.NoError(t, c.Run(ctx))

	require.Len(t, handler.msgs, 2)
	ids := []string{handler.msgs[0].ExecutionID, handler.msgs[1].ExecutionID}
	assert.ElementsMatch(t, []string{"orphan-1", "orphan-2"}, ids)
	assert.Empty(t, fake.list(testProcessingList))
}

func TestConsumerLookupErrorStillHandles(t *testing.T) {
	fake := newFakeRedis()
	fake.LPush(context.Background(), "test:executions", encodedMessage(t, &Message{
		ExecutionID: "e1",
		ConfigID:    7,
		ExecutedBy:  "system",
		QueuedAt:    time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fake.onEmptyPop = cancel

	handler := &captureHandler{}
	store := &stubExecutionStore{err: errors.New("db down")}
	c := newConsumer(fake, store, handler.handle, zap.NewNop(), testOptions())

	require.NoError(t, c.Run(ctx))

	require.Len(t, handler.msgs, 1)
}

func TestRunStopsAfterRepeatedPopFailures(t *testing.T) {
	fake := newFakeRedis()
	fake.popErr = errors.New("connection refused")

	c := newConsumer(fake, &stubExecutionStore{}, func(ctx context.Context, msg *Message) error {
		return nil
	}, zap.NewNop(), testOptions())

	err := c.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRunStopsCleanlyDuringRestartDelay(t *testing.T) {
	fake := newFakeRedis()
	fake.popErr = errors.New("connection refused")

	opts := testOptions()
	opts.RestartInitialDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(20*time.Millisecond, cancel)

	c := newConsumer(fake, &stubExecutionStore{}, func(ctx context.Context, msg *Message) error {
		return nil
	}, zap.NewNop(), opts)

	require.NoError(t, c.Run(ctx))
}

func TestNextDelayDoublesAndCaps(t *testing.T) {
	max := 60 * time.Second

	assert.Equal(t, 10*time.Second, nextDelay(5*time.Second, max))
	assert.Equal(t, 20*time.Second, nextDelay(10*time.Second, max))
	assert.Equal(t, 60*time.Second, nextDelay(40*time.Second, max))
	assert.Equal(t, 60*time.Second, nextDelay(60*time.Second, max))
}

func TestOptionsDefaults(t *testing.T) {
	c := newConsumer(newFakeRedis(), &stubExecutionStore{}, nil, nil, Options{})

	assert.Equal(t, defaultQueueName, c.opts.Queue)
	assert.Equal(t, "worker-001", c.opts.ConsumerName)
	assert.Equal(t, 5*time.Second, c.opts.PopTimeout)
	assert.Equal(t, 5, c.opts.RestartMaxAttempts)
	assert.Equal(t, 5*time.Second, c.opts.RestartInitialDelay)
	assert.Equal(t, 60*time.Second, c.opts.RestartMaxDelay)
	assert.Equal(t, "report-scheduler:executions:processing:worker-001", c.processing)
}

// =====================================================
// Message and publisher tests
// =====================================================

func TestDecodeMessage(t *testing.T) {
	raw := []byte(`{"execution_id":"e1","config_id":7,"schedule_id":42,"executed_by":"arif","queued_at":"2025-10-08T14:00:00+07:00"}`)

	msg, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "e1", msg.ExecutionID)
	assert.Equal(t, int64(7), msg.ConfigID)
	require.NotNil(t, msg.ScheduleID)
	assert.Equal(t, int64(42), *msg.ScheduleID)
	assert.Equal(t, "arif", msg.ExecutedBy)
	assert.Equal(t, 7, msg.QueuedAt.UTC().Hour())
}

func TestDecodeMessageDefaultsActor(t *testing.T) {
	msg, err := DecodeMessage([]byte(`{"execution_id":"e1","config_id":7}`))
	require.NoError(t, err)
	assert.Equal(t, "system", msg.ExecutedBy)
	assert.Nil(t, msg.ScheduleID)
}

func TestDecodeMessageRejectsInvalid(t *testing.T) {
	_, err := DecodeMessage([]byte(`{config`))
	assert.ErrorContains(t, err, "invalid message payload")

	_, err = DecodeMessage([]byte(`{"config_id":7}`))
	assert.ErrorContains(t, err, "missing execution_id")

	_, err = DecodeMessage([]byte(`{"execution_id":"e1"}`))
	assert.ErrorContains(t, err, "invalid config_id")
}

func TestPublisherEnqueueMintsExecutionID(t *testing.T) {
	fake := newFakeRedis()
	pub := newPublisher(fake, "test:executions", zap.NewNop())

	msg := &Message{ConfigID: 7}
	require.NoError(t, pub.Enqueue(context.Background(), msg))

	assert.NotEmpty(t, msg.ExecutionID)
	assert.Equal(t, "system", msg.ExecutedBy)
	assert.False(t, msg.QueuedAt.IsZero())

	queued := fake.list("test:executions")
	require.Len(t, queued, 1)
	decoded, err := DecodeMessage([]byte(queued[0]))
	require.NoError(t, err)
	assert.Equal(t, msg.ExecutionID, decoded.ExecutionID)
	assert.Equal(t, int64(7), decoded.ConfigID)
}
