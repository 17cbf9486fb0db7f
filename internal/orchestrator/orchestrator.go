// Package orchestrator sequences a sync run: discovery when every queue is
// empty, then the author, work and edition queues in that order.
package orchestrator

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
	"github.com/santarrsgrotto/readarr-server/internal/processor"
	"github.com/santarrsgrotto/readarr-server/internal/telemetry"
)

// EventCompleted names the notification published after a finished run.
const EventCompleted = "sync.completed"

const (
	failureWriteTimeout = 10 * time.Second
	tracerName          = "github.com/santarrsgrotto/readarr-server/internal/orchestrator"
)

// StateStore is the control state the orchestrator drives.
type StateStore interface {
	Load(ctx context.Context) (control.State, error)
	BeginRun(ctx context.Context, runID string, at time.Time) error
	SetPhase(ctx context.Context, phase control.Phase) error
	FinishRun(ctx context.Context, at time.Time) error
	FailRun(ctx context.Context, cause string) error
}

// Discoverer fills the queues from the change feeds.
type Discoverer interface {
	Discover(ctx context.Context, st control.State) (control.State, error)
}

// Drainer empties the queue of one kind.
type Drainer interface {
	Drain(ctx context.Context, kind catalog.Kind) (processor.Stats, error)
}

// Config controls run notifications.
type Config struct {
	// Topic receives a notification after each finished run; empty disables it.
	Topic string
}

// Report describes one run.
type Report struct {
	RunID      string            `json:"run_id"`
	Source     string            `json:"source"`
	Start      time.Time         `json:"start"`
	Finish     time.Time         `json:"finish,omitzero"`
	Discovered bool              `json:"discovered"`
	Watermark  time.Time         `json:"watermark,omitzero"`
	Stats      []processor.Stats `json:"stats"`
}

// Notification is the payload published to Config.Topic.
type Notification struct {
	Event string `json:"event"`
	Report
}

// Orchestrator runs the sync state machine.
type Orchestrator struct {
	state      StateStore
	discoverer Discoverer
	drainer    Drainer
	publisher  catalog.Publisher
	clock      catalog.Clock
	ids        catalog.IDGenerator
	cfg        Config
	logger     *zap.Logger
}

// New constructs an Orchestrator. publisher may be nil.
func New(
	state StateStore,
	discoverer Discoverer,
	drainer Drainer,
	publisher catalog.Publisher,
	clock catalog.Clock,
	ids catalog.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = system.New()
	}
	return &Orchestrator{
		state:      state,
		discoverer: discoverer,
		drainer:    drainer,
		publisher:  publisher,
		clock:      clock,
		ids:        ids,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run executes one full run. Any returned error has already been recorded as
// the run error.
func (o *Orchestrator) Run(ctx context.Context, source string) (Report, error) {
	if o.ids == nil {
		return Report{}, errors.New("run id generator is not configured")
	}
	runID, err := o.ids.NewID()
	if err != nil {
		return Report{}, err
	}
	report := Report{RunID: runID, Source: source, Start: o.clock.Now().UTC()}
	logger := o.logger.With(zap.String("run_id", runID), zap.String("source", source))
	ctx, span := telemetry.Start(ctx, tracerName, "sync.run", trace.WithAttributes(
		attribute.String("sync.run_id", runID),
		attribute.String("sync.source", source),
	))
	defer span.End()

	if err := o.state.BeginRun(ctx, runID, report.Start); err != nil {
		err = fmt.Errorf("begin run: %w", err)
		o.fail(ctx, logger, report, err)
		return report, err
	}
	logger.Info("sync run started")

	if err := o.run(ctx, logger, &report); err != nil {
		o.fail(ctx, logger, report, err)
		return report, err
	}

	report.Finish = o.clock.Now().UTC()
	if err := o.state.FinishRun(ctx, report.Finish); err != nil {
		err = fmt.Errorf("finish run: %w", err)
		report.Finish = time.Time{}
		o.fail(ctx, logger, report, err)
		return report, err
	}
	metrics.ObserveRun("success", report.Finish.Sub(report.Start))
	if !report.Watermark.IsZero() {
		metrics.SetWatermark(report.Watermark)
	}
	logger.Info("sync run finished",
		zap.Duration("elapsed", report.Finish.Sub(report.Start)),
		zap.Bool("discovered", report.Discovered),
		zap.Time("watermark", report.Watermark),
	)
	span.SetAttributes(attribute.Bool("sync.discovered", report.Discovered))
	o.notify(ctx, logger, report)
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, logger *zap.Logger, report *Report) error {
	st, err := o.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("load control state: %w", err)
	}
	if st.Queues.Empty() {
		if err := o.state.SetPhase(ctx, control.PhaseDiscoveringKeys); err != nil {
			return err
		}
		st, err = o.discoverer.Discover(ctx, st)
		if err != nil {
			return fmt.Errorf("discover keys: %w", err)
		}
		report.Discovered = true
	} else {
		logger.Info("resuming pending queues",
			zap.Int("authors", len(st.Queues.Authors)),
			zap.Int("works", len(st.Queues.Works)),
			zap.Int("editions", len(st.Queues.Editions)),
		)
	}
	report.Watermark = st.Watermark

	for _, kind := range catalog.Kinds {
		if len(st.Queues.Get(kind)) == 0 {
			continue
		}
		if err := o.state.SetPhase(ctx, control.ProcessingPhase(kind)); err != nil {
			return err
		}
		stats, err := o.drainer.Drain(ctx, kind)
		report.Stats = append(report.Stats, stats)
		if err != nil {
			return fmt.Errorf("process %s: %w", kind.Plural(), err)
		}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, logger *zap.Logger, report Report, cause error) {
	metrics.ObserveRun("failure", o.clock.Now().Sub(report.Start))
	telemetry.RecordError(trace.SpanFromContext(ctx), cause)
	logger.Error("sync run failed", zap.Error(cause))

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()
	if err := o.state.FailRun(writeCtx, cause.Error()); err != nil {
		logger.Error("record run failure", zap.Error(err))
	}
}

func (o *Orchestrator) notify(ctx context.Context, logger *zap.Logger, report Report) {
	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	id, err := o.publisher.Publish(ctx, o.cfg.Topic, Notification{Event: EventCompleted, Report: report})
	if err != nil {
		logger.Warn("publish run notification", zap.String("topic", o.cfg.Topic), zap.Error(err))
		return
	}
	logger.Debug("run notification published", zap.String("message_id", id))
}
