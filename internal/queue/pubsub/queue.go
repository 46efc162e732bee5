// Package pubsubqueue implements the job queue on Google Cloud Pub/Sub.
package pubsubqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/queue"
	"github.com/JakeFAU/mediascrape/internal/retry"
)

const attemptAttribute = "attempt"

// Config controls the Pub/Sub queue.
type Config struct {
	Topic        string
	Subscription string
	// MaxOutstanding caps unreported messages; set it to the worker concurrency.
	MaxOutstanding int
	Policy         retry.Policy
	IDs            media.IDGenerator
	Clock          media.Clock
	Logger         *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = 1
	}
	if c.Policy.MaxAttempts <= 0 {
		c.Policy = retry.NewPolicy(0, 0, 0)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Publisher enqueues jobs onto a topic.
type Publisher struct {
	topic    *pubsub.Topic
	cfg      Config
	stopOnce sync.Once
}

// NewPublisher binds to an existing topic.
func NewPublisher(client *pubsub.Client, cfg Config) (*Publisher, error) {
	cfg.applyDefaults()
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("queue.pubsub.topic is required")
	}
	return &Publisher{topic: client.Topic(cfg.Topic), cfg: cfg}, nil
}

// Enqueue publishes one message per URL and waits for every server ack.
func (p *Publisher) Enqueue(ctx context.Context, urls ...string) ([]media.Job, error) {
	jobs, err := queue.NewJobs(p.cfg.IDs, p.cfg.Clock, p.cfg.Policy.MaxAttempts, urls)
	if err != nil {
		return nil, err
	}
	results := make([]*pubsub.PublishResult, 0, len(jobs))
	for _, job := range jobs {
		res, err := p.publish(ctx, job)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	for i, res := range results {
		if _, err := res.Get(ctx); err != nil {
			return jobs[:i], fmt.Errorf("publish job %s: %w", jobs[i].ID, err)
		}
	}
	return jobs, nil
}

func (p *Publisher) publish(ctx context.Context, job media.Job) (*pubsub.PublishResult, error) {
	body, err := queue.Encode(job)
	if err != nil {
		return nil, err
	}
	return p.topic.Publish(ctx, &pubsub.Message{
		Data:       body,
		Attributes: map[string]string{attemptAttribute: strconv.Itoa(max(job.Attempt, 1))},
	}), nil
}

// Stop flushes pending publishes.
func (p *Publisher) Stop() {
	p.stopOnce.Do(p.topic.Stop)
}

type delivery struct {
	job  media.Job
	msg  *pubsub.Message
	done chan struct{}
}

// Queue is a media.JobQueue fed by a streaming pull. Each receive callback
// stays open until the worker reports, so acks go out while the stream is live.
type Queue struct {
	*Publisher

	cfg        Config
	sub        *pubsub.Subscription
	deliveries chan *delivery
	logger     *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	cancel   context.CancelFunc
	recvDone chan struct{}
	recvErr  error

	mu       sync.Mutex
	inflight map[string]*delivery
}

// NewQueue starts receiving from the subscription.
func NewQueue(ctx context.Context, client *pubsub.Client, cfg Config, publisher *Publisher) (*Queue, error) {
	cfg.applyDefaults()
	if client == nil {
		return nil, errors.New("pubsub client is required")
	}
	if cfg.Subscription == "" {
		return nil, errors.New("queue.pubsub.subscription is required")
	}
	sub := client.Subscription(cfg.Subscription)
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstanding
	sub.ReceiveSettings.NumGoroutines = 1

	recvCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q := &Queue{
		Publisher:  publisher,
		cfg:        cfg,
		sub:        sub,
		deliveries: make(chan *delivery),
		logger:     cfg.Logger,
		stopped:    make(chan struct{}),
		cancel:     cancel,
		recvDone:   make(chan struct{}),
		inflight:   make(map[string]*delivery),
	}
	go func() {
		defer close(q.recvDone)
		if err := sub.Receive(recvCtx, q.handle); err != nil {
			q.logger.Error("pubsub receive stopped", zap.Error(err))
			q.recvErr = err
		}
	}()
	return q, nil
}

func (q *Queue) handle(ctx context.Context, msg *pubsub.Message) {
	job, err := queue.Decode(msg.Data)
	if err != nil {
		q.logger.Error("dropping undecodable message", zap.String("message_id", msg.ID), zap.Error(err))
		msg.Ack()
		return
	}
	job.Attempt = attemptOf(msg)
	job.MaxAttempts = q.cfg.Policy.MaxAttempts
	job.Receipt = msg.ID

	d := &delivery{job: job, msg: msg, done: make(chan struct{})}
	select {
	case q.deliveries <- d:
	case <-ctx.Done():
		msg.Nack()
		return
	}
	<-d.done
}

// attemptOf prefers the server-side delivery count, which is only populated
// when the subscription has a dead-letter policy.
func attemptOf(msg *pubsub.Message) int {
	if msg.DeliveryAttempt != nil {
		return max(*msg.DeliveryAttempt, 1)
	}
	if n, err := strconv.Atoi(msg.Attributes[attemptAttribute]); err == nil && n > 0 {
		return n
	}
	return 1
}

// Claim waits for the next message handed over by the receive stream.
func (q *Queue) Claim(ctx context.Context) (media.Job, error) {
	select {
	case <-q.stopped:
		return media.Job{}, media.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return media.Job{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.stopped:
		return media.Job{}, media.ErrQueueClosed
	case d := <-q.deliveries:
		q.mu.Lock()
		q.inflight[d.job.Receipt] = d
		q.mu.Unlock()
		return d.job, nil
	}
}

func (q *Queue) take(job media.Job) (*delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	d, ok := q.inflight[job.Receipt]
	if !ok {
		return nil, fmt.Errorf("job %s has no in-flight message", job.ID)
	}
	delete(q.inflight, job.Receipt)
	return d, nil
}

// Complete acks the message.
func (q *Queue) Complete(_ context.Context, job media.Job, _ media.Summary) error {
	d, err := q.take(job)
	if err != nil {
		return err
	}
	defer close(d.done)
	d.msg.Ack()
	return nil
}

// Fail nacks the message for redelivery, or acks it once attempts are used
// up. Without server-side delivery counts the retry is republished with the
// next attempt number instead.
func (q *Queue) Fail(ctx context.Context, job media.Job, cause error) error {
	d, err := q.take(job)
	if err != nil {
		return err
	}
	defer close(d.done)
	if !q.cfg.Policy.ShouldRetry(cause, job.Attempt) {
		q.logger.Warn("job dropped after final attempt",
			zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(cause))
		d.msg.Ack()
		return nil
	}
	if d.msg.DeliveryAttempt != nil || q.Publisher == nil {
		d.msg.Nack()
		return nil
	}
	next := job
	next.Attempt++
	res, err := q.publish(ctx, next)
	if err == nil {
		_, err = res.Get(ctx)
	}
	if err != nil {
		d.msg.Nack()
		return fmt.Errorf("republish job %s: %w", job.ID, err)
	}
	d.msg.Ack()
	return nil
}

// StopIntake cancels the receive stream; callbacks still waiting for a worker
// nack their messages.
func (q *Queue) StopIntake() {
	q.stopOnce.Do(func() {
		close(q.stopped)
		q.cancel()
	})
}

// Close nacks anything unreported and waits for the receive stream to end.
func (q *Queue) Close(ctx context.Context) error {
	q.StopIntake()

	q.mu.Lock()
	for receipt, d := range q.inflight {
		d.msg.Nack()
		close(d.done)
		delete(q.inflight, receipt)
	}
	q.mu.Unlock()

	var err error
	select {
	case <-q.recvDone:
		err = q.recvErr
	case <-ctx.Done():
		err = fmt.Errorf("pubsub receive stop: %w", ctx.Err())
	}
	if q.Publisher != nil {
		q.Publisher.Stop()
	}
	return err
}
