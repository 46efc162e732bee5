// Package nsqqueue implements the job queue on NSQ. A consumer hands messages
// to Claim with auto-response disabled; the worker's report finishes or
// requeues them.
package nsqqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nsqio/go-nsq"
	"go.uber.org/zap"

	"github.com/JakeFAU/mediascrape/internal/media"
	"github.com/JakeFAU/mediascrape/internal/queue"
	"github.com/JakeFAU/mediascrape/internal/retry"
)

const (
	defaultTopic   = "media-scrape"
	defaultChannel = "worker"
)

// Config controls the NSQ producer and consumer.
type Config struct {
	NSQDAddress      string
	LookupdAddresses []string
	Topic            string
	Channel          string
	// MaxInFlight caps unreported messages; set it to the worker concurrency.
	MaxInFlight int
	Policy      retry.Policy
	IDs         media.IDGenerator
	Clock       media.Clock
	Logger      *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Topic == "" {
		c.Topic = defaultTopic
	}
	if c.Channel == "" {
		c.Channel = defaultChannel
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 1
	}
	if c.Policy.MaxAttempts <= 0 {
		c.Policy = retry.NewPolicy(0, 0, 0)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// DeadLetterTopic receives jobs that ran out of attempts.
func (c Config) DeadLetterTopic() string {
	return c.Topic + ".dead"
}

// TaskPublisher is the subset of *nsq.Producer used here.
type TaskPublisher interface {
	Publish(topic string, body []byte) error
	MultiPublish(topic string, body [][]byte) error
	Stop()
}

// Publisher enqueues jobs onto the topic.
type Publisher struct {
	producer TaskPublisher
	cfg      Config
}

// NewPublisher connects a producer to nsqd.
func NewPublisher(cfg Config) (*Publisher, error) {
	cfg.applyDefaults()
	if cfg.NSQDAddress == "" {
		return nil, errors.New("queue.nsq.nsqd_address is required")
	}
	producer, err := nsq.NewProducer(cfg.NSQDAddress, nsq.NewConfig())
	if err != nil {
		return nil, fmt.Errorf("nsq producer: %w", err)
	}
	producer.SetLogger(zap.NewStdLog(cfg.Logger.Named("nsq")), nsq.LogLevelWarning)
	return NewPublisherWithProducer(producer, cfg), nil
}

// NewPublisherWithProducer wraps an existing producer (primarily for testing).
func NewPublisherWithProducer(producer TaskPublisher, cfg Config) *Publisher {
	cfg.applyDefaults()
	return &Publisher{producer: producer, cfg: cfg}
}

// Enqueue publishes one message per URL in a single MPUB.
func (p *Publisher) Enqueue(_ context.Context, urls ...string) ([]media.Job, error) {
	jobs, err := queue.NewJobs(p.cfg.IDs, p.cfg.Clock, p.cfg.Policy.MaxAttempts, urls)
	if err != nil {
		return nil, err
	}
	bodies := make([][]byte, 0, len(jobs))
	for _, job := range jobs {
		body, err := queue.Encode(job)
		if err != nil {
			return nil, err
		}
		bodies = append(bodies, body)
	}
	if err := p.producer.MultiPublish(p.cfg.Topic, bodies); err != nil {
		return nil, fmt.Errorf("nsq publish: %w", err)
	}
	return jobs, nil
}

// Stop disconnects the producer.
func (p *Publisher) Stop() {
	p.producer.Stop()
}

type delivery struct {
	job media.Job
	msg *nsq.Message
}

// Queue is a media.JobQueue fed by an NSQ consumer.
type Queue struct {
	*Publisher

	cfg        Config
	consumer   *nsq.Consumer
	deliveries chan delivery
	logger     *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}

	mu       sync.Mutex
	inflight map[string]*nsq.Message
}

// NewQueue subscribes to the topic and connects to lookupd or nsqd.
func NewQueue(cfg Config, publisher *Publisher) (*Queue, error) {
	cfg.applyDefaults()
	nsqCfg := nsq.NewConfig()
	nsqCfg.MaxInFlight = cfg.MaxInFlight
	consumer, err := nsq.NewConsumer(cfg.Topic, cfg.Channel, nsqCfg)
	if err != nil {
		return nil, fmt.Errorf("nsq consumer: %w", err)
	}
	consumer.SetLogger(zap.NewStdLog(cfg.Logger.Named("nsq")), nsq.LogLevelWarning)

	q := newQueue(cfg, publisher)
	q.consumer = consumer
	consumer.AddConcurrentHandlers(q, cfg.MaxInFlight)

	if len(cfg.LookupdAddresses) > 0 {
		err = consumer.ConnectToNSQLookupds(cfg.LookupdAddresses)
	} else {
		err = consumer.ConnectToNSQD(cfg.NSQDAddress)
	}
	if err != nil {
		consumer.Stop()
		return nil, fmt.Errorf("nsq connect: %w", err)
	}
	return q, nil
}

func newQueue(cfg Config, publisher *Publisher) *Queue {
	cfg.applyDefaults()
	return &Queue{
		Publisher:  publisher,
		cfg:        cfg,
		deliveries: make(chan delivery),
		logger:     cfg.Logger,
		stopped:    make(chan struct{}),
		inflight:   make(map[string]*nsq.Message),
	}
}

// HandleMessage blocks until a worker claims the message or intake stops.
func (q *Queue) HandleMessage(m *nsq.Message) error {
	m.DisableAutoResponse()
	job, err := queue.Decode(m.Body)
	if err != nil {
		q.logger.Error("dropping undecodable message", zap.Error(err))
		m.Finish()
		return nil
	}
	job.Attempt = max(int(m.Attempts), 1)
	job.MaxAttempts = q.cfg.Policy.MaxAttempts
	job.Receipt = string(m.ID[:])

	select {
	case q.deliveries <- delivery{job: job, msg: m}:
	case <-q.stopped:
		m.RequeueWithoutBackoff(0)
	}
	return nil
}

// Claim waits for the next message handed over by the consumer.
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
		q.inflight[d.job.Receipt] = d.msg
		q.mu.Unlock()
		return d.job, nil
	}
}

func (q *Queue) take(job media.Job) (*nsq.Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.inflight[job.Receipt]
	if !ok {
		return nil, fmt.Errorf("job %s has no in-flight message", job.ID)
	}
	delete(q.inflight, job.Receipt)
	return m, nil
}

// Complete finishes the message.
func (q *Queue) Complete(_ context.Context, job media.Job, _ media.Summary) error {
	m, err := q.take(job)
	if err != nil {
		return err
	}
	m.Finish()
	return nil
}

// Fail requeues the message with backoff, or finishes it and publishes the
// job to the dead-letter topic once attempts are used up.
func (q *Queue) Fail(_ context.Context, job media.Job, cause error) error {
	m, err := q.take(job)
	if err != nil {
		return err
	}
	if q.cfg.Policy.ShouldRetry(cause, job.Attempt) {
		m.RequeueWithoutBackoff(q.cfg.Policy.Backoff(job.Attempt))
		return nil
	}
	m.Finish()
	if q.Publisher == nil {
		return nil
	}
	body, err := queue.Encode(job)
	if err != nil {
		return err
	}
	if err := q.producer.Publish(q.cfg.DeadLetterTopic(), body); err != nil {
		return fmt.Errorf("nsq dead letter: %w", err)
	}
	return nil
}

// StopIntake stops new deliveries; messages waiting in handlers are requeued.
func (q *Queue) StopIntake() {
	q.stopOnce.Do(func() {
		if q.consumer != nil {
			q.consumer.ChangeMaxInFlight(0)
		}
		close(q.stopped)
	})
}

// Close requeues anything still unreported, stops the consumer and producer.
func (q *Queue) Close(ctx context.Context) error {
	q.StopIntake()

	q.mu.Lock()
	for receipt, m := range q.inflight {
		m.RequeueWithoutBackoff(0)
		delete(q.inflight, receipt)
	}
	q.mu.Unlock()

	var err error
	if q.consumer != nil {
		q.consumer.Stop()
		select {
		case <-q.consumer.StopChan:
		case <-ctx.Done():
			err = fmt.Errorf("nsq consumer stop: %w", ctx.Err())
		}
	}
	if q.Publisher != nil {
		q.Publisher.Stop()
	}
	return err
}
