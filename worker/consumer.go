package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/coderunner/config"
	"github.com/isdmx/coderunner/job"
	"github.com/isdmx/coderunner/queue"
	"github.com/isdmx/coderunner/sandbox"
	"github.com/isdmx/coderunner/store"
)

// DefaultPublishTimeout bounds a single result write
const DefaultPublishTimeout = 10 * time.Second

var errBackpressure = errors.New("sandbox ceiling reached")

// Executor runs one job to an outcome
type Executor interface {
	Execute(ctx context.Context, j job.Job, onCreated func()) sandbox.Outcome
}

// Publisher records the outcome of a job
type Publisher interface {
	Publish(ctx context.Context, jobID string, outcome sandbox.Outcome) (job.Result, error)
}

// SandboxCounter lists the live sandboxes carrying a label set
type SandboxCounter interface {
	List(ctx context.Context, labels map[string]string) ([]string, error)
}

// Recoverer is implemented by queues that can requeue unacknowledged work
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Config holds admission and pacing settings
type Config struct {
	MaxConcurrent        int
	Parallel             int
	PopTimeout           time.Duration
	BackpressureInterval time.Duration
	RetryBackoff         time.Duration
	ErrorPause           time.Duration
	PublishTimeout       time.Duration
	Labels               map[string]string
}

// NewConfig derives consumer settings from the application configuration
func NewConfig(cfg *config.Config) Config {
	return Config{
		MaxConcurrent:        cfg.Worker.MaxConcurrent,
		Parallel:             cfg.Worker.Parallel,
		PopTimeout:           cfg.Worker.PopTimeout,
		BackpressureInterval: cfg.Worker.BackpressureInterval,
		RetryBackoff:         cfg.Worker.RetryBackoff,
		ErrorPause:           cfg.Worker.ErrorPause,
		PublishTimeout:       DefaultPublishTimeout,
		Labels:               cfg.MarkerLabel(),
	}
}

// Stats is a point-in-time view of the consumer
type Stats struct {
	MaxConcurrent int   `json:"maxConcurrent"`
	LiveSandboxes int   `json:"liveSandboxes"`
	Launching     int64 `json:"launching"`
	InFlight      int64 `json:"inFlight"`
	Processed     int64 `json:"processed"`
	Failed        int64 `json:"failed"`
}

// Consumer pops jobs while the runtime has room and publishes one result per job
type Consumer struct {
	logger    *zap.Logger
	queue     queue.Queue
	counter   SandboxCounter
	executor  Executor
	publisher Publisher
	config    Config

	slots     chan struct{}
	wg        sync.WaitGroup
	launching atomic.Int64
	inFlight  atomic.Int64
	live      atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

// NewConsumer creates a consumer. Parallel below one is treated as one.
func NewConsumer(logger *zap.Logger, q queue.Queue, counter SandboxCounter, executor Executor, publisher Publisher, cfg Config) *Consumer {
	if cfg.Parallel < 1 {
		cfg.Parallel = 1
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}
	return &Consumer{
		logger:    logger,
		queue:     q,
		counter:   counter,
		executor:  executor,
		publisher: publisher,
		config:    cfg,
		slots:     make(chan struct{}, cfg.Parallel),
	}
}

// Stats returns current counters
func (c *Consumer) Stats() Stats {
	return Stats{
		MaxConcurrent: c.config.MaxConcurrent,
		LiveSandboxes: int(c.live.Load()),
		Launching:     c.launching.Load(),
		InFlight:      c.inFlight.Load(),
		Processed:     c.processed.Load(),
		Failed:        c.failed.Load(),
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight jobs.
// Running jobs are not cancelled by ctx; they finish within their own timeout.
func (c *Consumer) Run(ctx context.Context) error {
	if r, ok := c.queue.(Recoverer); ok {
		if _, err := r.Recover(ctx); err != nil {
			c.logger.Error("Failed to requeue unacknowledged jobs", zap.Error(err))
		}
	}

	c.logger.Info("Waiting for jobs",
		zap.Int("max_concurrent", c.config.MaxConcurrent),
		zap.Int("parallel", c.config.Parallel))

	for ctx.Err() == nil {
		if pause := c.cycle(ctx); pause > 0 {
			sleep(ctx, pause)
		}
	}

	c.logger.Info("Shutting down, waiting for running jobs", zap.Int64("in_flight", c.inFlight.Load()))
	c.wg.Wait()
	return nil
}

// cycle runs one admission step and returns how long to pause before the next
func (c *Consumer) cycle(ctx context.Context) (pause time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Recovered panic in consumer loop", zap.Any("panic", r))
			pause = c.config.ErrorPause
		}
	}()

	return c.pauseFor(ctx, c.step(ctx))
}

func (c *Consumer) pauseFor(ctx context.Context, err error) time.Duration {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errBackpressure):
		return c.config.BackpressureInterval
	case ctx.Err() != nil:
		return 0
	case errors.Is(err, queue.ErrUnavailable), errors.Is(err, store.ErrUnavailable):
		c.logger.Warn("Redis connection error", zap.Error(err))
		return c.config.RetryBackoff
	default:
		c.logger.Error("Unexpected error", zap.Error(err))
		return c.config.ErrorPause
	}
}

func (c *Consumer) step(ctx context.Context) error {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	handedOff := false
	defer func() {
		if !handedOff {
			<-c.slots
		}
	}()

	live, err := c.counter.List(ctx, c.config.Labels)
	if err != nil {
		return fmt.Errorf("failed to count sandboxes: %w", err)
	}
	c.live.Store(int64(len(live)))
	if int64(len(live))+c.launching.Load() >= int64(c.config.MaxConcurrent) {
		return errBackpressure
	}

	msg, err := c.queue.Pop(ctx, c.config.PopTimeout)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	j, parseErr := job.Parse(msg.Body)
	if parseErr != nil && j.JobID == "" {
		// Nowhere to publish a result without a job id
		if err := c.queue.Ack(ctx, msg); err != nil {
			c.logger.Warn("Failed to acknowledge dropped message", zap.Error(err))
		}
		return fmt.Errorf("dropping job message: %w", parseErr)
	}

	handedOff = true
	c.launching.Add(1)
	c.inFlight.Add(1)

	// Jobs outlive loop cancellation so shutdown drains instead of killing them
	jobCtx := context.WithoutCancel(ctx)

	if c.config.Parallel == 1 {
		return c.process(jobCtx, msg, j, parseErr)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("Recovered panic in job", zap.String("job_id", j.JobID), zap.Any("panic", r))
			}
		}()
		if err := c.process(jobCtx, msg, j, parseErr); err != nil {
			c.logger.Error("Job processing failed", zap.String("job_id", j.JobID), zap.Error(err))
		}
	}()
	return nil
}

// process executes an admitted job, publishes its result and acknowledges it.
// It owns one slot and one launching reservation.
func (c *Consumer) process(ctx context.Context, msg *queue.Message, j job.Job, parseErr error) error {
	defer func() { <-c.slots }()
	defer c.inFlight.Add(-1)

	created := false
	onCreated := func() {
		if !created {
			created = true
			c.launching.Add(-1)
		}
	}
	defer onCreated()

	log := c.logger.With(zap.String("job_id", j.JobID))
	log.Info("Processing job", zap.Int("files", len(j.Files)), zap.Int("packages", len(j.Packages)))

	var outcome sandbox.Outcome
	if parseErr != nil {
		log.Warn("Rejecting invalid job", zap.Error(parseErr))
		outcome = sandbox.Outcome{Kind: sandbox.OutcomeLaunchFailure, Output: parseErr.Error(), ExitCode: -1, Err: parseErr}
	} else {
		outcome = c.executor.Execute(ctx, j, onCreated)
	}
	onCreated()

	publishCtx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()

	result, err := c.publisher.Publish(publishCtx, j.JobID, outcome)
	c.processed.Add(1)
	if err != nil || result.Status != job.StatusCompleted {
		c.failed.Add(1)
	}
	if err != nil {
		return err
	}

	if err := c.queue.Ack(publishCtx, msg); err != nil {
		log.Warn("Failed to acknowledge job", zap.Error(err))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
