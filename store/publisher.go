package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/coderunner/job"
	"github.com/isdmx/coderunner/sandbox"
)

// DefaultKeyPrefix is prepended to job ids to form result keys
const DefaultKeyPrefix = "result:"

// PublisherOption configures a Publisher
type PublisherOption func(*Publisher)

// WithClock overrides the source of completedAt timestamps
func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		p.now = now
	}
}

// WithKeyPrefix overrides DefaultKeyPrefix
func WithKeyPrefix(prefix string) PublisherOption {
	return func(p *Publisher) {
		p.prefix = prefix
	}
}

// WithTTL overrides job.ResultTTL
func WithTTL(ttl time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.ttl = ttl
	}
}

// Publisher writes one Result per job to the result store
type Publisher struct {
	logger *zap.Logger
	store  ResultStore
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewPublisher creates a publisher backed by store
func NewPublisher(logger *zap.Logger, store ResultStore, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		logger: logger,
		store:  store,
		prefix: DefaultKeyPrefix,
		ttl:    job.ResultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Key returns the result key for jobID
func (p *Publisher) Key(jobID string) string {
	return p.prefix + jobID
}

// BuildResult converts an outcome into the published record
func (p *Publisher) BuildResult(outcome sandbox.Outcome) job.Result {
	plots := outcome.Plots
	if plots == nil {
		plots = []job.Plot{}
	}

	result := job.Result{
		Status:      job.StatusCompleted,
		Output:      outcome.Output,
		Plots:       plots,
		ExitCode:    outcome.ExitCode,
		CompletedAt: job.CompletedAtMillis(p.now()),
	}

	switch {
	case outcome.Kind != sandbox.OutcomeCompleted:
		result.Status = job.StatusError
		result.Error = outcome.Output
		result.Plots = []job.Plot{}
		result.ExitCode = -1
	case outcome.ExitCode != 0:
		result.Status = job.StatusError
	}

	return result
}

// Publish stores the result for jobID with its TTL in a single write
func (p *Publisher) Publish(ctx context.Context, jobID string, outcome sandbox.Outcome) (job.Result, error) {
	result := p.BuildResult(outcome)

	data, err := json.Marshal(result)
	if err != nil {
		return result, fmt.Errorf("failed to encode result: %w", err)
	}

	if err := p.store.SetWithTTL(ctx, p.Key(jobID), data, p.ttl); err != nil {
		return result, fmt.Errorf("failed to publish result for %s: %w", jobID, err)
	}

	p.logger.Info("Published result",
		zap.String("job_id", jobID),
		zap.String("status", string(result.Status)),
		zap.String("outcome", outcome.Kind.String()),
		zap.Int("exit_code", result.ExitCode),
		zap.Int("plots", len(result.Plots)))

	return result, nil
}

// Fetch reads a previously published result
func (p *Publisher) Fetch(ctx context.Context, jobID string) (job.Result, error) {
	data, err := p.store.Get(ctx, p.Key(jobID))
	if err != nil {
		return job.Result{}, err
	}

	var result job.Result
	if err := json.Unmarshal(data, &result); err != nil {
		return job.Result{}, fmt.Errorf("failed to decode result for %s: %w", jobID, err)
	}
	return result, nil
}
