package regwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Trigger says what started a refresh cycle.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerTimer    Trigger = "timer"
	TriggerManual   Trigger = "manual"
	TriggerColdRead Trigger = "coldread"
)

// State is the coordinator's position in a refresh cycle.
type State string

const (
	StateIdle        State = "idle"
	StateLocating    State = "locating"
	StateUnchanged   State = "unchanged"
	StateDownloading State = "downloading"
	StateParsing     State = "parsing"
	StatePublishing  State = "publishing"
	StateNotifying   State = "notifying"
	StateFailed      State = "failed"
)

// Outcome is how a refresh cycle ended.
type Outcome string

const (
	OutcomeUnchanged Outcome = "unchanged"
	OutcomePublished Outcome = "published"
	OutcomeReloaded  Outcome = "reloaded" // cold read re-published the current document
	OutcomeFailed    Outcome = "failed"
)

// Downloader stores the document at url in a new file under dir.
type Downloader interface {
	Download(ctx context.Context, url, dir string) (string, error)
}

// CoordinatorConfig bounds the blocking steps of a cycle.
type CoordinatorConfig struct {
	TempDir       string
	FetchTimeout  time.Duration // locate and download, each
	ParseTimeout  time.Duration
	NotifyTimeout time.Duration
	CheckEvery    time.Duration
}

func (c *CoordinatorConfig) defaults() {
	if c.TempDir == "" {
		c.TempDir = os.TempDir()
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 2 * time.Minute
	}
	if c.ParseTimeout <= 0 {
		c.ParseTimeout = 2 * time.Minute
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	if c.CheckEvery <= 0 {
		c.CheckEvery = time.Hour
	}
}

// Result summarises one cycle.
type Result struct {
	ID          string        `json:"id"`
	Trigger     Trigger       `json:"trigger"`
	Outcome     Outcome       `json:"outcome"`
	DocumentURL string        `json:"documentURL,omitempty"`
	Records     int           `json:"records"`
	Duration    time.Duration `json:"duration"`
}

// Status is a point-in-time view of the coordinator.
type Status struct {
	State       State     `json:"state"`
	CurrentURL  string    `json:"currentDocumentURL,omitempty"`
	LastTrigger Trigger   `json:"lastTrigger,omitempty"`
	LastOutcome Outcome   `json:"lastOutcome,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	LastAttempt time.Time `json:"lastAttempt"`
	LastSuccess time.Time `json:"lastSuccess"`
	Cycles      int64     `json:"cycles"`
}

// refreshState is only touched with Coordinator.mu held.
type refreshState struct {
	currentURL   string    // document behind the published snapshot
	discoveredAt time.Time // when currentURL was first seen
	pending      string    // transient download kept for cold reloads
}

// Coordinator runs refresh cycles: locate, compare, download, parse,
// publish, notify. At most one cycle runs at a time.
type Coordinator struct {
	cfg        CoordinatorConfig
	locator    Locator
	downloader Downloader
	parse      ParseFunc
	store      *Store
	notifier   Notifier
	recorder   Recorder
	metrics    *Metrics
	log        zerolog.Logger
	now        func() time.Time
	newID      func() string

	mu    sync.Mutex // held for a whole cycle
	rs    refreshState
	loads singleflight.Group

	statusMu sync.Mutex
	status   Status
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

func WithParser(p ParseFunc) CoordinatorOption {
	return func(c *Coordinator) { c.parse = p }
}

func WithNotifier(n Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

// WithRecorder sends every cycle outcome to r, typically a *Journal.
func WithRecorder(r Recorder) CoordinatorOption {
	return func(c *Coordinator) { c.recorder = r }
}

func WithMetrics(m *Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

func NewCoordinator(cfg CoordinatorConfig, loc Locator, dl Downloader, store *Store, opts ...CoordinatorOption) *Coordinator {
	cfg.defaults()
	c := &Coordinator{
		cfg:        cfg,
		locator:    loc,
		downloader: dl,
		parse:      ParseRegister,
		store:      store,
		notifier:   nopNotifier{},
		log:        zerolog.Nop(),
		now:        time.Now,
		newID:      uuid.NewString,
		status:     Status{State: StateIdle},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check runs one refresh cycle. Concurrent calls queue behind the running
// cycle. The returned error is the cycle's locate, fetch or parse failure;
// notification failures are only logged.
func (c *Coordinator) Check(ctx context.Context, trigger Trigger) (Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkLocked(ctx, trigger)
}

func (c *Coordinator) checkLocked(ctx context.Context, trigger Trigger) (Result, error) {
	run := c.begin(trigger)
	run.log.Info().Msg("checking for new register")

	c.setState(StateLocating)
	lctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	url, err := c.locator.Locate(lctx)
	cancel()
	if err != nil {
		return run.fail(stageErr(StageLocate, "", err))
	}

	if url == c.rs.currentURL {
		c.setState(StateUnchanged)
		run.log.Info().Str("url", url).Msg("no new register found, keeping current one")
		records := 0
		if snap, ok := c.store.Peek(); ok {
			records = snap.Metadata.RecordCount
		}
		return run.finish(OutcomeUnchanged, url, records, nil), nil
	}
	run.log.Info().Str("url", url).Str("previous", c.rs.currentURL).Msg("register found")

	snap, err := c.ingest(ctx, run, url, c.now())
	if err != nil {
		return run.fail(err)
	}
	c.publish(run, snap, url)
	c.notify(ctx, run)
	return run.finish(OutcomePublished, url, snap.Metadata.RecordCount, nil), nil
}

// Load returns the published snapshot, loading it first when the store is
// empty. Concurrent misses share one load.
func (c *Coordinator) Load(ctx context.Context) (*Snapshot, error) {
	if snap, ok := c.store.Read(); ok {
		return snap, nil
	}
	// The load outlives any single reader; its steps carry their own timeouts.
	ctx = context.WithoutCancel(ctx)
	v, err, _ := c.loads.Do("load", func() (any, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		// A cycle may have published while we queued.
		if snap, ok := c.store.Read(); ok {
			return snap, nil
		}
		if c.metrics != nil {
			c.metrics.ColdLoadsTotal.Inc()
		}
		return c.reloadLocked(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (c *Coordinator) reloadLocked(ctx context.Context) (*Snapshot, error) {
	if c.rs.currentURL == "" {
		res, err := c.checkLocked(ctx, TriggerColdRead)
		if err != nil {
			return nil, err
		}
		if snap, ok := c.store.Peek(); ok {
			return snap, nil
		}
		return nil, fmt.Errorf("%w after %s cycle", ErrNoSnapshot, res.Outcome)
	}

	run := c.begin(TriggerColdRead)
	url := c.rs.currentURL
	run.log.Info().Str("url", url).Msg("snapshot not in store, reloading current register")

	var snap *Snapshot
	if c.rs.pending != "" {
		s, err := c.parseFile(ctx, run, c.rs.pending, url, c.rs.discoveredAt)
		if err != nil {
			run.log.Warn().Err(err).Msg("retained download unusable, downloading again")
		}
		snap = s
	}
	if snap == nil {
		s, err := c.ingest(ctx, run, url, c.rs.discoveredAt)
		if err != nil {
			_, err = run.fail(err)
			return nil, err
		}
		snap = s
	}
	c.publish(run, snap, url)
	run.finish(OutcomeReloaded, url, snap.Metadata.RecordCount, nil)
	return snap, nil
}

// ingest downloads and parses url, stamping the snapshot with discovered.
// The previous transient download is released first; the new one is kept
// only if it parses.
func (c *Coordinator) ingest(ctx context.Context, run *cycleRun, url string, discovered time.Time) (*Snapshot, error) {
	c.setState(StateDownloading)
	c.releasePending(run.log)

	dctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	path, err := c.downloader.Download(dctx, url, c.cfg.TempDir)
	cancel()
	if err != nil {
		return nil, stageErr(StageFetch, url, err)
	}
	if info, err := os.Stat(path); err == nil {
		run.log.Debug().Str("file", path).Int64("bytes", info.Size()).Msg("register downloaded")
		if c.metrics != nil {
			c.metrics.DownloadedBytes.Add(float64(info.Size()))
		}
	}

	snap, err := c.parseFile(ctx, run, path, url, discovered)
	if err != nil {
		c.removeFile(run.log, path)
		return nil, err
	}
	c.rs.pending = path
	return snap, nil
}

func (c *Coordinator) parseFile(ctx context.Context, run *cycleRun, path, url string, discovered time.Time) (*Snapshot, error) {
	c.setState(StateParsing)
	pctx, cancel := context.WithTimeout(ctx, c.cfg.ParseTimeout)
	defer cancel()

	start := time.Now()
	snap, err := c.parse(pctx, path, url, discovered)
	if err != nil {
		return nil, stageErr(StageParse, url, err)
	}
	run.log.Info().
		Int("registers", snap.Metadata.RecordCount).
		Int("columns", len(snap.Metadata.ColumnHeaders)).
		Dur("took", time.Since(start)).
		Msg("register parsed")
	return snap, nil
}

// publish swaps the snapshot in and advances currentURL with it.
func (c *Coordinator) publish(run *cycleRun, snap *Snapshot, url string) {
	c.setState(StatePublishing)
	c.store.Publish(snap)
	c.rs.currentURL = url
	c.rs.discoveredAt = snap.Metadata.DiscoveryTime

	c.statusMu.Lock()
	c.status.CurrentURL = url
	c.statusMu.Unlock()

	if c.metrics != nil {
		c.metrics.observePublish(snap, c.now())
	}
	run.log.Info().Str("url", url).Int("registers", snap.Metadata.RecordCount).Msg("snapshot published")
}

func (c *Coordinator) notify(ctx context.Context, run *cycleRun) {
	if _, ok := c.notifier.(nopNotifier); ok {
		return
	}
	c.setState(StateNotifying)
	nctx, cancel := context.WithTimeout(ctx, c.cfg.NotifyTimeout)
	defer cancel()
	err := c.notifier.Notify(nctx)
	if err != nil {
		run.log.Error().Err(err).Msg("unable to perform callback")
	}
	if c.metrics != nil {
		c.metrics.observeNotify(err)
	}
}

func (c *Coordinator) releasePending(log zerolog.Logger) {
	if c.rs.pending == "" {
		return
	}
	c.removeFile(log, c.rs.pending)
	c.rs.pending = ""
}

func (c *Coordinator) removeFile(log zerolog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("file", path).Msg("failed to delete transient download")
	}
}

// Run performs the startup check and then one check per CheckEvery,
// aligned to wall-clock multiples of the interval. Blocks until ctx ends.
func (c *Coordinator) Run(ctx context.Context) {
	_, _ = c.Check(ctx, TriggerStartup)
	for {
		t := time.NewTimer(c.untilNextTick())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		_, _ = c.Check(ctx, TriggerTimer)
	}
}

func (c *Coordinator) untilNextTick() time.Duration {
	now := c.now()
	return now.Truncate(c.cfg.CheckEvery).Add(c.cfg.CheckEvery).Sub(now)
}

// Reset forgets the current document, drops the transient download and
// empties the store.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasePending(c.log)
	c.rs = refreshState{}
	c.store.Invalidate()

	c.statusMu.Lock()
	c.status = Status{State: StateIdle}
	c.statusMu.Unlock()
}

// Close waits for a running cycle and deletes the transient download.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releasePending(c.log)
}

// Status returns a copy of the current status.
func (c *Coordinator) Status() Status {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	return c.status
}

func (c *Coordinator) setState(s State) {
	c.statusMu.Lock()
	c.status.State = s
	c.statusMu.Unlock()
}

// cycleRun carries the bookkeeping of one cycle.
type cycleRun struct {
	c       *Coordinator
	id      string
	trigger Trigger
	started time.Time
	log     zerolog.Logger
}

func (c *Coordinator) begin(trigger Trigger) *cycleRun {
	id := c.newID()
	return &cycleRun{
		c:       c,
		id:      id,
		trigger: trigger,
		started: c.now(),
		log:     c.log.With().Str("cycle", id).Str("trigger", string(trigger)).Logger(),
	}
}

func (r *cycleRun) fail(err error) (Result, error) {
	r.c.setState(StateFailed)
	url := ""
	var se *StageError
	if errors.As(err, &se) {
		url = se.URL
	}
	ev := r.log.Error().Err(err)
	if stage, ok := StageOf(err); ok {
		ev = ev.Str("stage", string(stage))
	}
	ev.Msg("refresh failed, keeping current snapshot")
	return r.finish(OutcomeFailed, url, 0, err), err
}

func (r *cycleRun) finish(outcome Outcome, url string, records int, err error) Result {
	c := r.c
	finished := c.now()
	d := finished.Sub(r.started)
	stage, _ := StageOf(err)

	c.statusMu.Lock()
	c.status.State = StateIdle
	c.status.LastTrigger = r.trigger
	c.status.LastOutcome = outcome
	c.status.LastAttempt = r.started
	c.status.Cycles++
	c.status.LastError = ""
	if err != nil {
		c.status.LastError = err.Error()
	} else {
		c.status.LastSuccess = finished
	}
	c.statusMu.Unlock()

	if c.metrics != nil {
		c.metrics.observeCycle(r.trigger, outcome, stage, d)
	}
	if c.recorder != nil {
		e := JournalEntry{
			ID:          r.id,
			Trigger:     r.trigger,
			Outcome:     outcome,
			Stage:       stage,
			DocumentURL: url,
			Records:     records,
			StartedAt:   r.started,
			FinishedAt:  finished,
		}
		if err != nil {
			e.Error = err.Error()
		}
		c.recorder.Record(e)
	}

	return Result{
		ID:          r.id,
		Trigger:     r.trigger,
		Outcome:     outcome,
		DocumentURL: url,
		Records:     records,
		Duration:    d,
	}
}
