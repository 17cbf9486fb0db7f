package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/santarrsgrotto/readarr-server/internal/catalog"
	"github.com/santarrsgrotto/readarr-server/internal/control"
	"github.com/santarrsgrotto/readarr-server/internal/discovery"
	"github.com/santarrsgrotto/readarr-server/internal/normalizer"
	"github.com/santarrsgrotto/readarr-server/internal/orchestrator"
	"github.com/santarrsgrotto/readarr-server/internal/processor"
	pubmemory "github.com/santarrsgrotto/readarr-server/internal/publisher/memory"
	"github.com/santarrsgrotto/readarr-server/internal/storage/memory"
	"github.com/santarrsgrotto/readarr-server/internal/upstream"
)

var now = time.Date(2024, 3, 4, 3, 0, 0, 0, time.UTC)

type env struct {
	state     *control.Store
	records   *memory.RecordStore
	source    *feedSource
	fetcher   *docFetcher
	drains    *recordingDrainer
	publisher *pubmemory.Publisher
	orch      *orchestrator.Orchestrator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		state:     control.New(memory.NewKVStore()),
		records:   memory.NewRecordStore(),
		source:    &feedSource{pages: map[time.Time][]catalog.ChangeEntry{}},
		fetcher:   &docFetcher{docs: map[string]string{}},
		publisher: pubmemory.New(),
	}
	clock := fixedClock{now}
	crawler := discovery.New(e.source, e.state, nil, noSleep{}, clock, discovery.Config{MaxRetries: 1}, nil)
	n, err := normalizer.New(e.records)
	require.NoError(t, err)
	proc := processor.New(e.fetcher, n, e.state, nil, noSleep{}, nil, processor.Config{BatchSize: 2}, nil)
	e.drains = &recordingDrainer{next: proc}
	e.orch = orchestrator.New(e.state, crawler, e.drains, e.publisher, clock, &sequenceIDs{},
		orchestrator.Config{Topic: "sync-events"}, nil)
	return e
}

func TestRunDiscoversAndProcessesInKindOrder(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.NoError(t, e.state.Checkpoint(context.Background(), control.State{Watermark: now.AddDate(0, 0, -2).Truncate(24 * time.Hour)}))
	e.source.pages[time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)] = []catalog.ChangeEntry{{Changes: []catalog.Change{
		{Key: "/books/OL1M"}, {Key: "/works/OL1W"}, {Key: "/authors/OL1A"},
	}}}
	e.fetcher.docs["/authors/OL1A"] = `{"key":"/authors/OL1A","name":"Roald Dahl","revision":1}`
	e.fetcher.docs["/works/OL1W"] = `{"key":"/works/OL1W","title":"Matilda","authors":[{"author":{"key":"/authors/OL1A"}}]}`
	e.fetcher.docs["/books/OL1M"] = `{"key":"/books/OL1M","title":"Matilda","works":[{"key":"/works/OL1W"}]}`

	report, err := e.orch.Run(context.Background(), "test")
	require.NoError(t, err)
	require.True(t, report.Discovered)
	require.Equal(t, "run-1", report.RunID)
	require.True(t, report.Watermark.Equal(time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, []catalog.Kind{catalog.KindAuthor, catalog.KindWork, catalog.KindEdition}, e.drains.order())

	_, ok := e.records.Edition("/books/OL1M")
	require.True(t, ok)
	require.Equal(t, []string{"/works/OL1W"}, e.records.WorksByAuthor("/authors/OL1A"))

	status, err := e.state.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, control.PhaseFinished, status.Phase)
	require.NotNil(t, status.RunFinish)
	require.Nil(t, status.RunError)
	for _, kind := range catalog.Kinds {
		require.Zero(t, status.Pending[kind])
	}

	msgs := e.publisher.Messages("sync-events")
	require.Len(t, msgs, 1)
	var note map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &note))
	require.Equal(t, orchestrator.EventCompleted, note["event"])
	require.Equal(t, "run-1", note["run_id"])
}

func TestRunZeroChangeDayStillAdvancesWatermark(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.NoError(t, e.state.Checkpoint(context.Background(), control.State{Watermark: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}))

	report, err := e.orch.Run(context.Background(), "test")
	require.NoError(t, err)
	require.Empty(t, e.drains.order())
	require.True(t, report.Watermark.Equal(time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)))

	st, err := e.state.Load(context.Background())
	require.NoError(t, err)
	require.True(t, st.Watermark.Equal(time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)))
}

func TestRunResumesPendingQueuesWithoutDiscovery(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	var st control.State
	st.Watermark = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	st.Queues.Append(catalog.KindEdition, "/books/OL2M")
	st.Queues.Append(catalog.KindWork, "/works/OL2W")
	require.NoError(t, e.state.Checkpoint(context.Background(), st))
	require.NoError(t, e.state.FailRun(context.Background(), "process interrupted"))
	e.fetcher.docs["/works/OL2W"] = `{"key":"/works/OL2W","title":"BFG"}`
	e.fetcher.docs["/books/OL2M"] = `{"key":"/books/OL2M","title":"BFG","works":[{"key":"/works/OL2W"}]}`

	report, err := e.orch.Run(context.Background(), "test")
	require.NoError(t, err)
	require.False(t, report.Discovered)
	require.Empty(t, e.source.requests())
	require.Equal(t, []catalog.Kind{catalog.KindWork, catalog.KindEdition}, e.drains.order())

	status, err := e.state.Status(context.Background())
	require.NoError(t, err)
	require.Nil(t, status.RunError)
	require.True(t, status.RunStart.Equal(now))
	require.True(t, status.Watermark.Equal(st.Watermark))
}

func TestRunDiscoveryFailureMarksRunFailed(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, e.state.Checkpoint(context.Background(), control.State{Watermark: start}))
	e.source.failDay = time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	e.source.pages[time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)] = []catalog.ChangeEntry{{Changes: []catalog.Change{{Key: "/works/OL5W"}}}}

	_, err := e.orch.Run(context.Background(), "test")
	require.ErrorIs(t, err, discovery.ErrDiscoveryFailed)
	require.Empty(t, e.drains.order())

	status, err := e.state.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, control.PhaseFailed, status.Phase)
	require.NotNil(t, status.RunError)
	require.Contains(t, *status.RunError, "discovery failed")
	require.Nil(t, status.RunFinish)
	require.NotNil(t, status.DiscoveryError)
	require.Equal(t, http.StatusBadGateway, status.DiscoveryError.StatusCode)
	require.True(t, status.Watermark.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)))
	require.Equal(t, 1, status.Pending[catalog.KindWork])
	require.Empty(t, e.publisher.Messages(""))
}

func TestRunDrainErrorMarksRunFailed(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	var st control.State
	st.Queues.Append(catalog.KindAuthor, "/authors/OL1A")
	require.NoError(t, e.state.Checkpoint(context.Background(), st))
	e.drains.err = errors.New("control store unavailable")

	_, err := e.orch.Run(context.Background(), "test")
	require.ErrorContains(t, err, "process authors")

	status, err := e.state.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, control.PhaseFailed, status.Phase)
	require.Contains(t, *status.RunError, "control store unavailable")
}

func TestRunPublishFailureDoesNotFailRun(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	require.NoError(t, e.state.Checkpoint(context.Background(), control.State{Watermark: time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)}))
	e.publisher.FailWith(errors.New("broker down"))

	_, err := e.orch.Run(context.Background(), "test")
	require.NoError(t, err)
	status, err := e.state.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, control.PhaseFinished, status.Phase)
}

func TestRunTracesDiscoveryAndBatches(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })

	e := newEnv(t)
	require.NoError(t, e.state.Checkpoint(context.Background(), control.State{Watermark: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}))
	e.source.pages[time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)] = []catalog.ChangeEntry{{Changes: []catalog.Change{{Key: "/authors/OL1A"}}}}
	e.fetcher.docs["/authors/OL1A"] = `{"key":"/authors/OL1A","name":"Roald Dahl","revision":1}`

	_, err := e.orch.Run(context.Background(), "test")
	require.NoError(t, err)

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, span := range rec.Ended() {
		spans[span.Name()] = span
	}
	run, ok := spans["sync.run"]
	require.True(t, ok)
	require.Contains(t, run.Attributes(), attribute.String("sync.run_id", "run-1"))
	require.Contains(t, run.Attributes(), attribute.Bool("sync.discovered", true))
	require.Equal(t, codes.Unset, run.Status().Code)
	for _, name := range []string{"discovery.discover", "discovery.day", "processor.batch"} {
		child, ok := spans[name]
		require.True(t, ok, name)
		require.Equal(t, run.SpanContext().TraceID(), child.SpanContext().TraceID(), name)
	}
	require.Equal(t, run.SpanContext().SpanID(), spans["discovery.discover"].Parent().SpanID())

	failing := newEnv(t)
	require.NoError(t, failing.state.Checkpoint(context.Background(), control.State{Watermark: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}))
	failing.source.failDay = time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC)
	_, err = failing.orch.Run(context.Background(), "test")
	require.ErrorIs(t, err, discovery.ErrDiscoveryFailed)

	var failed []sdktrace.ReadOnlySpan
	for _, span := range rec.Ended() {
		if span.Name() == "sync.run" && span.Status().Code == codes.Error {
			failed = append(failed, span)
		}
	}
	require.Len(t, failed, 1)
	require.Contains(t, failed[0].Status().Description, "discovery failed")
}

func TestRunBeginFailure(t *testing.T) {
	t.Parallel()

	state := &failingState{err: errors.New("control store down")}
	orch := orchestrator.New(state, nil, nil, nil, fixedClock{now}, &sequenceIDs{}, orchestrator.Config{}, nil)
	_, err := orch.Run(context.Background(), "test")
	require.ErrorContains(t, err, "begin run")
	require.Equal(t, 1, state.failures)
}

type feedSource struct {
	mu      sync.Mutex
	pages   map[time.Time][]catalog.ChangeEntry
	failDay time.Time
	log     []string
}

func (f *feedSource) RecentChanges(
	_ context.Context,
	day time.Time,
	kind catalog.ChangeKind,
	offset, _ int,
) ([]catalog.ChangeEntry, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	url := fmt.Sprintf("feed/%s/%s?offset=%d", day.Format(time.DateOnly), kind, offset)
	f.log = append(f.log, url)
	if !f.failDay.IsZero() && day.Equal(f.failDay) {
		return nil, url, &upstream.StatusError{URL: url, StatusCode: http.StatusBadGateway}
	}
	if kind != catalog.ChangeAddBook {
		return nil, url, nil
	}
	return f.pages[day], url, nil
}

func (f *feedSource) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...)
}

type docFetcher struct {
	mu   sync.Mutex
	docs map[string]string
}

func (f *docFetcher) Record(_ context.Context, key catalog.Key) (catalog.Envelope, error) {
	f.mu.Lock()
	doc, ok := f.docs[key.String()]
	f.mu.Unlock()
	if !ok {
		return catalog.Envelope{}, &upstream.StatusError{URL: key.String(), StatusCode: http.StatusNotFound}
	}
	return catalog.ParseEnvelope([]byte(doc))
}

type recordingDrainer struct {
	mu    sync.Mutex
	next  orchestrator.Drainer
	kinds []catalog.Kind
	err   error
}

func (d *recordingDrainer) Drain(ctx context.Context, kind catalog.Kind) (processor.Stats, error) {
	d.mu.Lock()
	d.kinds = append(d.kinds, kind)
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return processor.Stats{Kind: kind}, err
	}
	return d.next.Drain(ctx, kind)
}

func (d *recordingDrainer) order() []catalog.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]catalog.Kind(nil), d.kinds...)
}

type failingState struct {
	err      error
	failures int
}

func (s *failingState) Load(context.Context) (control.State, error)     { return control.State{}, s.err }
func (s *failingState) BeginRun(context.Context, string, time.Time) error { return s.err }
func (s *failingState) SetPhase(context.Context, control.Phase) error    { return s.err }
func (s *failingState) FinishRun(context.Context, time.Time) error       { return s.err }
func (s *failingState) FailRun(context.Context, string) error {
	s.failures++
	return s.err
}

type sequenceIDs struct {
	mu sync.Mutex
	n  int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("run-%d", s.n), nil
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

type noSleep struct{}

func (noSleep) Sleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
