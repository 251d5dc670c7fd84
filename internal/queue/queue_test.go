package queue

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffFor_DoublesFromBase(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffFor(1))
	assert.Equal(t, 4*time.Second, backoffFor(2))
	assert.Equal(t, 8*time.Second, backoffFor(3))
}

func TestRetentionLedger_BoundsHistory(t *testing.T) {
	l := newRetentionLedger()
	for i := 0; i < 150; i++ {
		l.recordCompleted(fmt.Sprintf("job-%d", i))
	}
	for i := 0; i < 600; i++ {
		l.recordFailed(fmt.Sprintf("job-%d", i))
	}

	completed, failed := l.counts()
	assert.Equal(t, 100, completed)
	assert.Equal(t, 500, failed)

	// Retention keeps the most recent entries, dropping the oldest.
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, "job-149", l.completed[len(l.completed)-1])
	assert.Equal(t, "job-50", l.completed[0])
	assert.Equal(t, "job-100", l.failed[0])
}

func TestWorkerPool_ThrottleBoundsStartsPerWindow(t *testing.T) {
	p := newWorkerPool("test", nil, 1, RateLimit{Max: 2, Window: 50 * time.Millisecond}, nil, nil)

	start := time.Now()
	for i := 0; i < 5; i++ {
		p.throttle()
	}
	elapsed := time.Since(start)

	// Five starts at two per window need at least two full windows of waiting.
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestWorkerPool_ThrottleDisabledWithoutRate(t *testing.T) {
	p := newWorkerPool("test", nil, 1, RateLimit{}, nil, nil)

	start := time.Now()
	for i := 0; i < 1000; i++ {
		p.throttle()
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelayQueueName(t *testing.T) {
	assert.Equal(t, "booking:confirmed.delay", delayQueueName("booking:confirmed"))
}
