// Package discovery walks the upstream recent-changes feeds day by day and
// turns them into per-kind pending key queues.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
	"github.com/santarrsgrotto/readarr-server/internal/clock/system"
	"github.com/santarrsgrotto/readarr-server/internal/control"
	"github.com/santarrsgrotto/readarr-server/internal/metrics"
	"github.com/santarrsgrotto/readarr-server/internal/pacing"
	"github.com/santarrsgrotto/readarr-server/internal/telemetry"
	"github.com/santarrsgrotto/readarr-server/internal/upstream"
)

const tracerName = "github.com/santarrsgrotto/readarr-server/internal/discovery"

// ErrDiscoveryFailed is returned once a feed page exhausts its retries.
var ErrDiscoveryFailed = errors.New("discovery failed")

// Source returns one page of a day's change feed and the URL it requested.
type Source interface {
	RecentChanges(
		ctx context.Context,
		day time.Time,
		kind catalog.ChangeKind,
		offset, limit int,
	) ([]catalog.ChangeEntry, string, error)
}

// Checkpointer persists discovery progress.
type Checkpointer interface {
	Checkpoint(ctx context.Context, st control.State) error
	RecordDiscoveryError(ctx context.Context, detail control.DiscoveryError) error
}

// Config controls paging and retries.
type Config struct {
	PageLimit           int
	MaxPages            int
	MaxRetries          int
	RetryDelay          time.Duration
	InitialLookbackDays int
	// PartialDay also queues the keys changed so far today. The watermark
	// still stops at yesterday, so today is visited again once it is whole.
	PartialDay bool
}

func (c Config) withDefaults() Config {
	if c.PageLimit <= 0 {
		c.PageLimit = 1000
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialLookbackDays <= 0 {
		c.InitialLookbackDays = 1
	}
	return c
}

// Crawler discovers changed keys.
type Crawler struct {
	source  Source
	state   Checkpointer
	gate    pacing.Waiter
	sleeper pacing.Sleeper
	clock   catalog.Clock
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Crawler. gate spaces feed requests; sleeper implements the
// pause between retries.
func New(
	source Source,
	state Checkpointer,
	gate pacing.Waiter,
	sleeper pacing.Sleeper,
	clock catalog.Clock,
	cfg Config,
	logger *zap.Logger,
) *Crawler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	if sleeper == nil {
		sleeper = pacing.TimerSleeper{}
	}
	if gate == nil {
		gate = pacing.NewGate("feed", 0)
	}
	return &Crawler{
		source:  source,
		state:   state,
		gate:    gate,
		sleeper: sleeper,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// Discover visits every whole day after the watermark up to yesterday (UTC)
// and checkpoints the queues and the watermark after each one. With
// Config.PartialDay the current day is visited last and checkpointed without
// moving the watermark. On failure the returned state is the last
// checkpointed one.
func (c *Crawler) Discover(ctx context.Context, st control.State) (_ control.State, err error) {
	ctx, span := telemetry.Start(ctx, tracerName, "discovery.discover")
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	today := system.StartOfDay(c.clock.Now())
	watermark := st.Watermark
	if watermark.IsZero() {
		watermark = today.AddDate(0, 0, -(c.cfg.InitialLookbackDays + 1))
	} else {
		watermark = system.StartOfDay(watermark)
	}

	queues := st.Queues.Clone()
	seen := make(map[string]struct{})
	for _, kind := range catalog.Kinds {
		for _, key := range queues.Get(kind) {
			seen[key] = struct{}{}
		}
	}

	for day := watermark.AddDate(0, 0, 1); day.Before(today); day = day.AddDate(0, 0, 1) {
		next, err := c.visit(ctx, day, false, control.State{Watermark: day, Queues: queues}, seen)
		if err != nil {
			return control.State{Watermark: watermark, Queues: queues}, err
		}
		queues = next
		watermark = day
		metrics.SetWatermark(day)
	}

	if c.cfg.PartialDay && watermark.Before(today) {
		next, err := c.visit(ctx, today, true, control.State{Watermark: watermark, Queues: queues}, seen)
		if err != nil {
			return control.State{Watermark: watermark, Queues: queues}, err
		}
		queues = next
	}
	span.SetAttributes(attribute.String("sync.watermark", watermark.Format(time.DateOnly)))
	return control.State{Watermark: watermark, Queues: queues}, nil
}

// visit discovers one day, appends its new keys to st.Queues and checkpoints
// st. It returns the appended queues.
func (c *Crawler) visit(
	ctx context.Context,
	day time.Time,
	partial bool,
	st control.State,
	seen map[string]struct{},
) (_ control.Queues, err error) {
	label := day.Format(time.DateOnly)
	ctx, span := telemetry.Start(ctx, tracerName, "discovery.day",
		trace.WithAttributes(attribute.String("sync.day", label), attribute.Bool("sync.partial", partial)))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	found, err := c.discoverDay(ctx, day, seen)
	if err != nil {
		return control.Queues{}, err
	}
	next := st.Queues.Clone()
	for _, kind := range catalog.Kinds {
		next.Append(kind, found.Get(kind)...)
	}
	if err := c.state.Checkpoint(ctx, control.State{Watermark: st.Watermark, Queues: next}); err != nil {
		return control.Queues{}, fmt.Errorf("checkpoint %s: %w", label, err)
	}
	for _, kind := range catalog.Kinds {
		for _, key := range found.Get(kind) {
			seen[key] = struct{}{}
		}
		metrics.AddDiscoveredKeys(string(kind), len(found.Get(kind)))
	}
	span.SetAttributes(
		attribute.Int("sync.authors", len(found.Authors)),
		attribute.Int("sync.works", len(found.Works)),
		attribute.Int("sync.editions", len(found.Editions)),
	)
	c.logger.Info("day discovered",
		zap.String("day", label),
		zap.Bool("partial", partial),
		zap.Int("authors", len(found.Authors)),
		zap.Int("works", len(found.Works)),
		zap.Int("editions", len(found.Editions)),
	)
	return next, nil
}

func (c *Crawler) discoverDay(ctx context.Context, day time.Time, seen map[string]struct{}) (control.Queues, error) {
	var found control.Queues
	daySeen := make(map[string]struct{})
	for _, changeKind := range catalog.ChangeKinds {
		for page := 0; page < c.cfg.MaxPages; page++ {
			entries, err := c.fetchPage(ctx, day, changeKind, page*c.cfg.PageLimit)
			if err != nil {
				return control.Queues{}, err
			}
			for _, entry := range entries {
				for _, change := range entry.Changes {
					key, err := catalog.ParseKey(change.Key)
					if err != nil {
						continue
					}
					raw := key.String()
					if _, ok := seen[raw]; ok {
						continue
					}
					if _, ok := daySeen[raw]; ok {
						continue
					}
					daySeen[raw] = struct{}{}
					found.Append(key.Kind, raw)
				}
			}
			if len(entries) < c.cfg.PageLimit {
				break
			}
		}
	}
	return found, nil
}

func (c *Crawler) fetchPage(
	ctx context.Context,
	day time.Time,
	changeKind catalog.ChangeKind,
	offset int,
) ([]catalog.ChangeEntry, error) {
	var (
		lastErr error
		lastURL string
	)
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleeper.Sleep(ctx, c.cfg.RetryDelay); err != nil {
				return nil, err
			}
		}
		if err := c.gate.Wait(ctx); err != nil {
			return nil, err
		}
		entries, target, err := c.source.RecentChanges(ctx, day, changeKind, offset, c.cfg.PageLimit)
		if err == nil {
			metrics.ObserveFeedPage(string(changeKind), true)
			return entries, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", target, ctxErr)
		}
		metrics.ObserveFeedPage(string(changeKind), false)
		lastErr, lastURL = err, target
		c.logger.Warn("feed page failed",
			zap.String("url", target),
			zap.String("change_kind", string(changeKind)),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	detail := control.DiscoveryError{
		Timestamp:  c.clock.Now().UTC(),
		URL:        lastURL,
		StatusCode: upstream.StatusCode(lastErr),
		Message:    lastErr.Error(),
	}
	if err := c.state.RecordDiscoveryError(ctx, detail); err != nil {
		return nil, fmt.Errorf("record discovery error: %w", err)
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrDiscoveryFailed, lastURL, lastErr)
}
