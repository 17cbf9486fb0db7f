// Package processor drains pending key queues: it fetches each record, hands
// it to the normalizer and settles the batch against control state.
package processor

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
	"github.com/santarrsgrotto/readarr-server/internal/control"
	"github.com/santarrsgrotto/readarr-server/internal/metrics"
	"github.com/santarrsgrotto/readarr-server/internal/pacing"
	"github.com/santarrsgrotto/readarr-server/internal/telemetry"
)

const tracerName = "github.com/santarrsgrotto/readarr-server/internal/processor"

// Fetcher retrieves the current document of a key.
type Fetcher interface {
	Record(ctx context.Context, key catalog.Key) (catalog.Envelope, error)
}

// Persister stores an envelope.
type Persister interface {
	Persist(ctx context.Context, env catalog.Envelope) error
}

// Queue is the part of control state the processor consumes.
type Queue interface {
	Queue(ctx context.Context, kind catalog.Kind) ([]string, error)
	CompleteBatch(ctx context.Context, res control.BatchResult) (control.BatchOutcome, error)
}

// Config controls batching and back-off.
type Config struct {
	BatchSize    int
	FetchTimeout time.Duration
	Cooldown     time.Duration
	// MaxAttempts moves keys to the dead-letter list after that many
	// failures; zero requeues them forever.
	MaxAttempts int
	// ArchivePrefix roots raw envelope copies in the archive.
	ArchivePrefix string
}

// Stats summarises one Drain call.
type Stats struct {
	Kind         catalog.Kind `json:"kind"`
	Batches      int          `json:"batches"`
	Succeeded    int          `json:"succeeded"`
	Failed       int          `json:"failed"`
	DeadLettered int          `json:"dead_lettered"`
	Cooldowns    int          `json:"cooldowns"`
}

// Processor drains queues one batch at a time.
type Processor struct {
	fetcher   Fetcher
	persister Persister
	queue     Queue
	gate      pacing.Waiter
	sleeper   pacing.Sleeper
	archive   catalog.BlobStore
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Processor. archive may be nil.
func New(
	fetcher Fetcher,
	persister Persister,
	queue Queue,
	gate pacing.Waiter,
	sleeper pacing.Sleeper,
	archive catalog.BlobStore,
	cfg Config,
	logger *zap.Logger,
) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gate == nil {
		gate = pacing.NewGate("record", 0)
	}
	if sleeper == nil {
		sleeper = pacing.TimerSleeper{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "records"
	}
	return &Processor{
		fetcher:   fetcher,
		persister: persister,
		queue:     queue,
		gate:      gate,
		sleeper:   sleeper,
		archive:   archive,
		cfg:       cfg,
		logger:    logger,
	}
}

// Drain processes the queue of kind until it is empty. Failed keys go back to
// the tail, so Drain only returns early on a control-state error or when ctx
// ends; an interrupted batch is left on the queue untouched.
func (p *Processor) Drain(ctx context.Context, kind catalog.Kind) (Stats, error) {
	stats := Stats{Kind: kind}
	logger := p.logger.With(zap.String("kind", string(kind)))
	for {
		queue, err := p.queue.Queue(ctx, kind)
		if err != nil {
			return stats, fmt.Errorf("load %s queue: %w", kind, err)
		}
		metrics.SetQueueDepth(string(kind), len(queue))
		if len(queue) == 0 {
			return stats, nil
		}
		batch := queue[:min(p.cfg.BatchSize, len(queue))]

		failed, err := p.processBatch(ctx, logger, kind, batch)
		if err != nil {
			return stats, err
		}
		outcome, err := p.queue.CompleteBatch(ctx, control.BatchResult{
			Kind:        kind,
			Batch:       batch,
			Failed:      failed,
			MaxAttempts: p.cfg.MaxAttempts,
		})
		if err != nil {
			return stats, err
		}
		stats.Batches++
		stats.Succeeded += len(batch) - len(failed)
		stats.Failed += len(failed)
		stats.DeadLettered += len(outcome.DeadLettered)
		metrics.SetQueueDepth(string(kind), outcome.Remaining)
		logger.Info("batch complete",
			zap.Int("size", len(batch)),
			zap.Int("failed", len(failed)),
			zap.Int("dead_lettered", len(outcome.DeadLettered)),
			zap.Int("remaining", outcome.Remaining),
		)

		if len(failed)*2 > len(batch) && outcome.Remaining > 0 {
			stats.Cooldowns++
			metrics.ObserveCooldown(string(kind))
			logger.Warn("failure rate above half, cooling down", zap.Duration("cooldown", p.cfg.Cooldown))
			if err := p.sleeper.Sleep(ctx, p.cfg.Cooldown); err != nil {
				return stats, err
			}
		}
	}
}

func (p *Processor) processBatch(
	ctx context.Context,
	logger *zap.Logger,
	kind catalog.Kind,
	batch []string,
) (failed []string, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "processor.batch", trace.WithAttributes(
		attribute.String("sync.kind", string(kind)),
		attribute.Int("sync.batch_size", len(batch)),
	))
	defer func() {
		span.SetAttributes(attribute.Int("sync.failed", len(failed)))
		telemetry.RecordError(span, err)
		span.End()
	}()

	for _, raw := range batch {
		start := time.Now()
		err := p.processKey(ctx, raw)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("batch interrupted at %s: %w", raw, ctxErr)
		}
		if err != nil {
			failed = append(failed, raw)
			metrics.ObserveRecord(string(kind), "failure", time.Since(start))
			logger.Warn("record failed", zap.String("key", raw), zap.Error(err))
			continue
		}
		metrics.ObserveRecord(string(kind), "success", time.Since(start))
	}
	return failed, nil
}

func (p *Processor) processKey(ctx context.Context, raw string) error {
	key, err := catalog.ParseKey(raw)
	if err != nil {
		return err
	}
	if err := p.gate.Wait(ctx); err != nil {
		return err
	}
	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	env, err := p.fetcher.Record(fetchCtx, key)
	cancel()
	if err != nil {
		return err
	}
	if err := p.persister.Persist(ctx, env); err != nil {
		return err
	}
	p.archiveEnvelope(ctx, env)
	return nil
}

func (p *Processor) archiveEnvelope(ctx context.Context, env catalog.Envelope) {
	if p.archive == nil || len(env.Raw) == 0 {
		return
	}
	objectPath := path.Join(p.cfg.ArchivePrefix, env.Key.Kind.Plural(), env.Key.ID+".json")
	if _, err := p.archive.PutObject(ctx, objectPath, "application/json", bytes.NewReader(env.Raw)); err != nil {
		p.logger.Warn("archive envelope failed", zap.String("key", env.Key.String()), zap.Error(err))
	}
}
