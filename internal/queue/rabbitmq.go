package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/iliyamo/reservation-core/internal/config"
)

// RabbitMQQueue is a durable, named job queue backed by RabbitMQ. One AMQP
// queue is declared per job name; the retry attempt count travels in the
// message header "x-attempt" so a republish after backoff carries it
// forward.
type RabbitMQQueue struct {
	log *logrus.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	workers map[string]*workerPool

	ledger *retentionLedger
	active int64

	shutdownCh chan struct{}
}

// New dials RabbitMQ and returns a RabbitMQQueue ready to register
// workers and accept Enqueue calls.
func New(cfg config.AMQPConfig, log *logrus.Logger) (*RabbitMQQueue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("queue: dial broker: %w", err)
	}
	return &RabbitMQQueue{
		log:        log,
		conn:       conn,
		workers:    make(map[string]*workerPool),
		ledger:     newRetentionLedger(),
		shutdownCh: make(chan struct{}),
	}, nil
}

func (q *RabbitMQQueue) declare(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

func delayQueueName(name string) string { return name + ".delay" }

// declareDelay declares the per-name delay queue: messages published here
// with a per-message TTL dead-letter back into the main queue once the
// TTL elapses. This is how both delayed enqueues and retry backoff wait
// without a sleeping goroutine per message.
func (q *RabbitMQQueue) declareDelay(ch *amqp.Channel, name string) error {
	_, err := ch.QueueDeclare(delayQueueName(name), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": name,
	})
	return err
}

// Enqueue appends payload to the named durable queue, routing through the
// delay queue when DelayMs is set. A non-empty CronPattern is not handled
// here; recurring jobs are registered separately on the cron scheduler
// (see cron.go), which runs them in-process on its own timer rather than
// threading a cron expression through AMQP.
func (q *RabbitMQQueue) Enqueue(ctx context.Context, name string, payload []byte, opts EnqueueOptions) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open channel: %w", err)
	}
	defer ch.Close()

	if err := q.declare(ch, name); err != nil {
		return fmt.Errorf("queue: declare %q: %w", name, err)
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Priority:     uint8(opts.Priority),
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"x-attempt": int32(1)},
		Body:         payload,
	}

	target := name
	if opts.DelayMs > 0 {
		if err := q.declareDelay(ch, name); err != nil {
			return fmt.Errorf("queue: declare delay for %q: %w", name, err)
		}
		pub.Expiration = strconv.Itoa(opts.DelayMs)
		target = delayQueueName(name)
	}
	if err := ch.PublishWithContext(ctx, "", target, false, false, pub); err != nil {
		return fmt.Errorf("queue: publish %q: %w", name, err)
	}
	return nil
}

// RegisterWorker binds handler to jobs of name, running up to concurrency
// handlers at once and throttled to rate. Each call opens its own
// consumer: registering a name again leaves the earlier pool consuming
// alongside the new one, and only the newest pool is kept in q.workers.
func (q *RabbitMQQueue) RegisterWorker(name string, handler Handler, concurrency int, rate RateLimit) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open consumer channel for %q: %w", name, err)
	}
	if err := q.declare(ch, name); err != nil {
		ch.Close()
		return fmt.Errorf("queue: declare %q: %w", name, err)
	}
	if err := ch.Qos(concurrency, 0, false); err != nil {
		q.log.WithError(err).Warn("queue: set QoS failed")
	}

	pool := newWorkerPool(name, handler, concurrency, rate, q, q.log)
	q.workers[name] = pool

	deliveries, err := ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("queue: consume %q: %w", name, err)
	}

	go pool.run(deliveries, ch)
	return nil
}

// Stats reports point-in-time counters: active handler count and the
// retention ledger's history from process memory, waiting/delayed depths
// read from the broker with passive declares over the registered names.
func (q *RabbitMQQueue) Stats() Stats {
	completed, failed := q.ledger.counts()
	s := Stats{
		Active:    int(atomic.LoadInt64(&q.active)),
		Completed: completed,
		Failed:    failed,
	}

	q.mu.Lock()
	names := make([]string, 0, len(q.workers))
	for name := range q.workers {
		names = append(names, name)
	}
	q.mu.Unlock()

	ch, err := q.conn.Channel()
	if err != nil {
		return s
	}
	defer ch.Close()
	for _, name := range names {
		if info, err := ch.QueueDeclarePassive(name, true, false, false, false, nil); err == nil {
			s.Waiting += info.Messages
		}
		if info, err := ch.QueueDeclarePassive(delayQueueName(name), true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": name,
		}); err == nil {
			s.Delayed += info.Messages
		}
	}
	return s
}

// Shutdown stops intake and waits up to ctx's deadline for active jobs to
// drain before closing the connection.
func (q *RabbitMQQueue) Shutdown(ctx context.Context) error {
	close(q.shutdownCh)

	done := make(chan struct{})
	go func() {
		for atomic.LoadInt64(&q.active) > 0 {
			time.Sleep(50 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
	return q.conn.Close()
}

// workerPool runs up to concurrency handlers at once for a single job
// name, rate-limited to rate.Max starts per rate.Window.
type workerPool struct {
	name    string
	handler Handler
	sem     *semaphore.Weighted
	rate    RateLimit
	q       *RabbitMQQueue
	log     *logrus.Logger

	mu          sync.Mutex
	windowStart time.Time
	windowCount int
}

func newWorkerPool(name string, handler Handler, concurrency int, rate RateLimit, q *RabbitMQQueue, log *logrus.Logger) *workerPool {
	return &workerPool{
		name:    name,
		handler: handler,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		rate:    rate,
		q:       q,
		log:     log,
	}
}

func (p *workerPool) throttle() {
	if p.rate.Max <= 0 || p.rate.Window <= 0 {
		return
	}
	for {
		p.mu.Lock()
		now := time.Now()
		if now.Sub(p.windowStart) > p.rate.Window {
			p.windowStart = now
			p.windowCount = 0
		}
		if p.windowCount < p.rate.Max {
			p.windowCount++
			p.mu.Unlock()
			return
		}
		wait := p.rate.Window - now.Sub(p.windowStart)
		p.mu.Unlock()
		if wait > 0 {
			time.Sleep(wait)
		}
	}
}

func (p *workerPool) run(deliveries <-chan amqp.Delivery, ch *amqp.Channel) {
	defer ch.Close()
	ctx := context.Background()

	for d := range deliveries {
		select {
		case <-p.q.shutdownCh:
			_ = d.Nack(false, true)
			continue
		default:
		}

		p.throttle()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			_ = d.Nack(false, true)
			continue
		}

		go func(d amqp.Delivery) {
			defer p.sem.Release(1)
			p.handle(ctx, d)
		}(d)
	}
}

func (p *workerPool) handle(ctx context.Context, d amqp.Delivery) {
	atomic.AddInt64(&p.q.active, 1)
	defer atomic.AddInt64(&p.q.active, -1)

	attempt := int32(1)
	if v, ok := d.Headers["x-attempt"]; ok {
		if n, ok := v.(int32); ok {
			attempt = n
		}
	}

	job := Job{Name: p.name, Payload: d.Body, AttemptNumber: int(attempt), EnqueuedAt: d.Timestamp}
	err := p.handler(ctx, job)
	jobLabel := fmt.Sprintf("%s#%d", p.name, d.DeliveryTag)

	if err == nil {
		_ = d.Ack(false)
		p.q.ledger.recordCompleted(jobLabel)
		return
	}

	if int(attempt) >= defaultMaxAttempts {
		p.log.WithFields(logrus.Fields{"job": p.name, "attempt": attempt, "error": err}).
			Warn("job exhausted retries")
		_ = d.Nack(false, false)
		p.q.ledger.recordFailed(jobLabel)
		return
	}

	delay := backoffFor(int(attempt))
	p.log.WithFields(logrus.Fields{"job": p.name, "attempt": attempt, "delay": delay, "error": err}).
		Warn("job failed, retrying")

	if rerr := p.requeueAfter(delay, d.Body, attempt+1); rerr != nil {
		p.log.WithError(rerr).WithField("job", p.name).Warn("requeue after backoff failed")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// requeueAfter reinjects the payload through the delay queue so it lands
// back at the tail of the main queue once the backoff elapses, carrying
// the incremented attempt count in its header.
func (p *workerPool) requeueAfter(delay time.Duration, payload []byte, attempt int32) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := p.q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open requeue channel: %w", err)
	}
	defer ch.Close()

	if err := p.q.declareDelay(ch, p.name); err != nil {
		return fmt.Errorf("declare delay queue: %w", err)
	}
	return ch.PublishWithContext(ctx, "", delayQueueName(p.name), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Headers:      amqp.Table{"x-attempt": attempt},
		Body:         payload,
	})
}
