package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"parley/pkg/metrics"
	"parley/pkg/models"
	"parley/pkg/store"
)

const dedupePrefix = "task:"

// Source is the consuming side of the queue. kafka.Reader satisfies it
// directly; tests and development runs substitute ChannelQueue or fakes.
type Source interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func NewKafkaSource(cfg ReaderConfig) (Source, error) {
	brokers, err := WriterConfig{Brokers: cfg.Brokers, Topic: cfg.Topic}.validate()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	}), nil
}

// RetryPolicy caps in-process retries of a fetched work item. Backoff is
// exponential from Base, doubling per attempt, never above Cap.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Cap <= 0 {
		p.Cap = 10 * time.Second
	}
	return p
}

// Backoff returns the delay before the given retry attempt (1-based; the
// first retry waits Base).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Cap {
			return p.Cap
		}
	}
	if d > p.Cap {
		return p.Cap
	}
	return d
}

// Worker consumes work items and runs them through Execute. Messages are
// committed only after a terminal outcome (late ack), so a crash mid-task
// redelivers; the dedupe key makes the redelivery a no-op once a task has
// finished.
type Worker struct {
	Source  Source
	Cache   store.Cache
	Metrics *metrics.Registry

	// Execute runs one attempt of a work item.
	Execute func(ctx context.Context, item models.WorkItem) error
	// Fail emits the terminal failure to the conversation after retries are
	// exhausted. It must not fail the commit path; errors are logged only.
	Fail func(ctx context.Context, item models.WorkItem, cause error) error

	Retry       RetryPolicy
	SoftTimeout time.Duration
	HardTimeout time.Duration
	DedupeTTL   time.Duration

	// sleep is swapped out by tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func (w *Worker) withDefaults() {
	w.Retry = w.Retry.withDefaults()
	if w.SoftTimeout <= 0 {
		w.SoftTimeout = 60 * time.Second
	}
	if w.HardTimeout <= 0 {
		w.HardTimeout = 120 * time.Second
	}
	if w.DedupeTTL <= 0 {
		w.DedupeTTL = 24 * time.Hour
	}
	if w.sleep == nil {
		w.sleep = sleepCtx
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes until ctx is cancelled. It is safe to run several Run
// goroutines against kafka sources in the same group; partition assignment
// keeps per-conversation order.
func (w *Worker) Run(ctx context.Context) error {
	w.withDefaults()
	for {
		msg, err := w.Source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("dispatch: fetch failed: %v", err)
			if err := w.sleep(ctx, time.Second); err != nil {
				return err
			}
			continue
		}
		w.handle(ctx, msg)
		if err := w.Source.CommitMessages(ctx, msg); err != nil {
			// The work already reached a terminal outcome; redelivery after
			// a failed commit is absorbed by the dedupe key.
			log.Printf("dispatch: commit failed: %v", err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	var item models.WorkItem
	if err := json.Unmarshal(msg.Value, &item); err != nil {
		log.Printf("dispatch: drop undecodable work item: %v", err)
		w.count("poison")
		return
	}
	if err := item.Validate(); err != nil {
		log.Printf("dispatch: drop invalid work item: %v", err)
		w.count("poison")
		return
	}

	// The dedupe key is written only after a terminal outcome, so a crash
	// mid-task still re-executes on redelivery. A degraded check prefers a
	// duplicate execution over a dropped task.
	if w.Cache != nil {
		if _, err := w.Cache.Get(ctx, dedupePrefix+item.TaskID); err == nil {
			w.count("deduped")
			return
		} else if !errors.Is(err, store.ErrCacheMiss) {
			log.Printf("dispatch: dedupe check degraded for %s: %v", item.TaskID, err)
		}
	}

	start := time.Now()
	err := w.process(ctx, item)
	if w.Metrics != nil {
		w.Metrics.ObserveLatency("task_execute", time.Since(start))
	}
	outcome := "completed"
	if err != nil {
		outcome = "failed"
		log.Printf("dispatch: task %s failed terminally: %v", item.TaskID, err)
		if w.Fail != nil {
			if ferr := w.Fail(ctx, item, err); ferr != nil {
				log.Printf("dispatch: failure notice for %s not delivered: %v", item.TaskID, ferr)
			}
		}
	}
	w.count(outcome)
	if w.Cache != nil {
		if err := w.Cache.Set(ctx, dedupePrefix+item.TaskID, outcome, w.DedupeTTL); err != nil {
			log.Printf("dispatch: dedupe mark degraded for %s: %v", item.TaskID, err)
		}
	}
}

// process runs the retry loop under the hard deadline; each attempt gets
// the soft deadline.
func (w *Worker) process(ctx context.Context, item models.WorkItem) error {
	hardCtx, cancel := context.WithTimeout(ctx, w.HardTimeout)
	defer cancel()

	var last error
	for attempt := 1; attempt <= w.Retry.MaxAttempts; attempt++ {
		item.Attempt = attempt
		attemptCtx, cancelAttempt := context.WithTimeout(hardCtx, w.SoftTimeout)
		err := w.Execute(attemptCtx, item)
		cancelAttempt()
		if err == nil {
			return nil
		}
		last = err
		if hardCtx.Err() != nil {
			return fmt.Errorf("hard deadline exceeded after attempt %d: %w", attempt, last)
		}
		if attempt == w.Retry.MaxAttempts {
			break
		}
		w.count("retried")
		if err := w.sleep(hardCtx, w.Retry.Backoff(attempt)); err != nil {
			return fmt.Errorf("hard deadline exceeded in backoff: %w", last)
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", w.Retry.MaxAttempts, last)
}

func (w *Worker) count(outcome string) {
	if w.Metrics != nil {
		w.Metrics.IncTask(outcome)
	}
}
