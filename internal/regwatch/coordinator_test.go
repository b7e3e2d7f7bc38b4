package regwatch

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"regwatch/internal/ods/odstest"
)

const (
	docA = "https://example.nl/docs/2024-01/register.ods"
	docB = "https://example.nl/docs/2024-02/register.ods"
)

type coordFixture struct {
	loc      *fakeLocator
	dl       *fakeDownloader
	notifier *countingNotifier
	rec      *memRecorder
	store    *Store
	clock    *stepClock
	dir      string
	c        *Coordinator
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	f := &coordFixture{
		loc:      &fakeLocator{},
		dl:       newFakeDownloader(),
		notifier: &countingNotifier{},
		rec:      &memRecorder{},
		store:    NewStore(0),
		clock:    newStepClock(),
		dir:      t.TempDir(),
	}
	f.dl.put(docA, registerRows(2, "a"))
	f.dl.put(docB, registerRows(3, "b"))
	f.c = NewCoordinator(CoordinatorConfig{TempDir: f.dir}, f.loc, f.dl, f.store,
		WithNotifier(f.notifier),
		WithRecorder(f.rec),
		WithMetrics(NewMetrics()),
		WithClock(f.clock.Now),
	)
	t.Cleanup(f.c.Close)
	return f
}

func (f *coordFixture) check(t *testing.T, trigger Trigger) (Result, error) {
	t.Helper()
	return f.c.Check(context.Background(), trigger)
}

func TestCoordinator_FirstCheckPublishes(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)

	res, err := f.check(t, TriggerStartup)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != OutcomePublished || res.DocumentURL != docA || res.Records != 2 {
		t.Errorf("result = %+v", res)
	}
	snap, ok := f.store.Read()
	if !ok || snap.Metadata.DocumentURL != docA {
		t.Fatalf("store = %v, %v", snap, ok)
	}
	if !snap.Metadata.DiscoveryTime.Equal(f.clock.Now()) {
		t.Errorf("discovery time = %s", snap.Metadata.DiscoveryTime)
	}
	if n := f.notifier.calls.Load(); n != 1 {
		t.Errorf("notifications = %d", n)
	}
	st := f.c.Status()
	if st.State != StateIdle || st.CurrentURL != docA || st.LastOutcome != OutcomePublished {
		t.Errorf("status = %+v", st)
	}
}

// WHAT: a check that finds the same document URL again.
// WHY: no download, no notification, and the published snapshot (including
// its discovery time) stays exactly as it was.
func TestCoordinator_UnchangedURLIsNoop(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)
	if _, err := f.check(t, TriggerStartup); err != nil {
		t.Fatal(err)
	}
	before, _ := f.store.Read()

	f.clock.Advance(time.Hour)
	res, err := f.check(t, TriggerTimer)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.Outcome != OutcomeUnchanged || res.Records != 2 {
		t.Errorf("result = %+v", res)
	}
	if n := f.dl.calls.Load(); n != 1 {
		t.Errorf("downloads = %d, want 1", n)
	}
	if n := f.notifier.calls.Load(); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
	after, _ := f.store.Read()
	if after != before {
		t.Error("snapshot replaced on unchanged URL")
	}
	if !after.Metadata.DiscoveryTime.Equal(before.Metadata.DiscoveryTime) {
		t.Error("discovery time moved")
	}
}

func TestCoordinator_SequenceABB(t *testing.T) {
	f := newCoordFixture(t)

	steps := []struct {
		url     string
		outcome Outcome
		records int
	}{
		{docA, OutcomePublished, 2},
		{docB, OutcomePublished, 3},
		{docB, OutcomeUnchanged, 3},
	}
	for i, s := range steps {
		f.loc.set(s.url, nil)
		f.clock.Advance(time.Hour)
		res, err := f.check(t, TriggerTimer)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.Outcome != s.outcome || res.Records != s.records {
			t.Errorf("step %d: result = %+v", i, res)
		}
		snap, _ := f.store.Read()
		if snap.Metadata.DocumentURL != s.url || len(snap.Records) != s.records {
			t.Errorf("step %d: store holds %s with %d records", i, snap.Metadata.DocumentURL, len(snap.Records))
		}
	}
	if n := f.notifier.calls.Load(); n != 2 {
		t.Errorf("notifications = %d, want 2", n)
	}
	if n := f.dl.calls.Load(); n != 2 {
		t.Errorf("downloads = %d, want 2", n)
	}
	// Only B's download is retained.
	if left := tempFiles(t, f.dir); len(left) != 1 {
		t.Errorf("transient files = %v", left)
	}

	entries := f.rec.all()
	if len(entries) != 3 {
		t.Fatalf("journal entries = %d", len(entries))
	}
	if entries[1].DocumentURL != docB || entries[2].Outcome != OutcomeUnchanged {
		t.Errorf("entries = %+v", entries)
	}
}

// WHAT: B fails to parse after A was published.
// WHY: readers keep A, currentURL stays A so B is retried next cycle, and the
// bad download is deleted.
func TestCoordinator_ParseFailureKeepsPrevious(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)
	if _, err := f.check(t, TriggerStartup); err != nil {
		t.Fatal(err)
	}
	prev, _ := f.store.Read()

	f.dl.putRaw(docB, odstest.Build([][]string{{"5"}, {"URL"}, {"only one"}}))
	f.loc.set(docB, nil)
	res, err := f.check(t, TriggerTimer)
	if !errors.Is(err, ErrMalformedRegister) {
		t.Fatalf("err = %v", err)
	}
	if stage, _ := StageOf(err); stage != StageParse {
		t.Errorf("stage = %q", stage)
	}
	if res.Outcome != OutcomeFailed || res.DocumentURL != docB {
		t.Errorf("result = %+v", res)
	}
	if snap, _ := f.store.Read(); snap != prev {
		t.Error("previous snapshot not retained")
	}
	if n := f.notifier.calls.Load(); n != 1 {
		t.Errorf("notifications = %d", n)
	}
	st := f.c.Status()
	if st.CurrentURL != docA || st.LastOutcome != OutcomeFailed || st.LastError == "" {
		t.Errorf("status = %+v", st)
	}
	// A's retained download was released when B's started; B's was removed.
	if left := tempFiles(t, f.dir); len(left) != 0 {
		t.Errorf("transient files = %v", left)
	}

	// Fixed upstream: the same URL is attempted again.
	f.dl.put(docB, registerRows(3, "b"))
	res, err = f.check(t, TriggerTimer)
	if err != nil || res.Outcome != OutcomePublished {
		t.Fatalf("retry = %+v, %v", res, err)
	}
	if n := f.dl.calls.Load(); n != 3 {
		t.Errorf("downloads = %d, want 3", n)
	}
}

func TestCoordinator_FetchFailure(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)
	f.dl.setErr(errors.New("unexpected status 503: busy"))

	_, err := f.check(t, TriggerStartup)
	if stage, _ := StageOf(err); stage != StageFetch {
		t.Fatalf("err = %v", err)
	}
	if _, ok := f.store.Read(); ok {
		t.Error("store should still be empty")
	}
	if n := f.notifier.calls.Load(); n != 0 {
		t.Errorf("notifications = %d", n)
	}
	if st := f.c.Status(); st.CurrentURL != "" {
		t.Errorf("currentURL advanced to %q", st.CurrentURL)
	}
}

func TestCoordinator_LocateFailure(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set("", &StageError{Stage: StageLocate, URL: "https://example.nl/page", Err: ErrLinkNotFound})

	res, err := f.check(t, TriggerManual)
	if !errors.Is(err, ErrLinkNotFound) {
		t.Fatalf("err = %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("outcome = %s", res.Outcome)
	}
	if n := f.dl.calls.Load(); n != 0 {
		t.Errorf("downloads = %d", n)
	}
	entries := f.rec.all()
	if len(entries) != 1 || entries[0].Stage != StageLocate || entries[0].Trigger != TriggerManual {
		t.Errorf("entries = %+v", entries)
	}
}

func TestCoordinator_NotifyFailureDoesNotFailCycle(t *testing.T) {
	f := newCoordFixture(t)
	f.notifier.err = errors.New("callback down")
	f.loc.set(docA, nil)

	res, err := f.check(t, TriggerStartup)
	if err != nil || res.Outcome != OutcomePublished {
		t.Fatalf("result = %+v, %v", res, err)
	}
	if _, ok := f.store.Read(); !ok {
		t.Error("snapshot not published")
	}
}

func TestCoordinator_LoadColdRunsCycle(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)

	snap, err := f.c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Metadata.DocumentURL != docA {
		t.Errorf("document = %s", snap.Metadata.DocumentURL)
	}
	entries := f.rec.all()
	if len(entries) != 1 || entries[0].Trigger != TriggerColdRead {
		t.Errorf("entries = %+v", entries)
	}
	// Warm reads do not touch the pipeline.
	if _, err := f.c.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := f.loc.calls.Load(); n != 1 {
		t.Errorf("locates = %d", n)
	}
}

func TestCoordinator_LoadColdFailure(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set("", &StageError{Stage: StageLocate, Err: errors.New("dns")})

	if _, err := f.c.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

// WHAT: many readers miss an empty store at once.
// WHY: exactly one load runs and everyone gets its result.
func TestCoordinator_LoadSingleflight(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)
	f.dl.gate = make(chan struct{})

	const readers = 16
	var wg sync.WaitGroup
	results := make([]*Snapshot, readers)
	errs := make([]error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.c.Load(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(f.dl.gate)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Fatalf("reader %d: %v", i, errs[i])
		}
		if results[i] != results[0] {
			t.Errorf("reader %d got a different snapshot", i)
		}
	}
	if n := f.dl.calls.Load(); n != 1 {
		t.Errorf("downloads = %d, want 1", n)
	}
}

func TestCoordinator_LoadReparsesRetainedDownload(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)
	if _, err := f.check(t, TriggerStartup); err != nil {
		t.Fatal(err)
	}
	f.store.Invalidate()

	snap, err := f.c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Metadata.DocumentURL != docA || len(snap.Records) != 2 {
		t.Errorf("snapshot = %s / %d", snap.Metadata.DocumentURL, len(snap.Records))
	}
	if n := f.dl.calls.Load(); n != 1 {
		t.Errorf("downloads = %d, want 1", n)
	}
	if n := f.loc.calls.Load(); n != 1 {
		t.Errorf("locates = %d, want 1", n)
	}
	if n := f.notifier.calls.Load(); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
	entries := f.rec.all()
	if last := entries[len(entries)-1]; last.Outcome != OutcomeReloaded {
		t.Errorf("last entry = %+v", last)
	}
}

// WHAT: cold reloads of the current document, from the retained file and
// from a fresh download.
// WHY: nothing new was discovered, so metadata keeps the original discovery
// time; only a new document URL moves it.
func TestCoordinator_ReloadKeepsDiscoveryTime(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)
	if _, err := f.check(t, TriggerStartup); err != nil {
		t.Fatal(err)
	}
	first, _ := f.store.Peek()
	discovered := first.Metadata.DiscoveryTime

	f.clock.Advance(time.Hour)
	f.store.Invalidate()
	reparsed, err := f.c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reparsed.Metadata.DiscoveryTime.Equal(discovered) {
		t.Errorf("reparsed discovery = %s, want %s", reparsed.Metadata.DiscoveryTime, discovered)
	}
	if string(reparsed.MetadataJSON()) != string(first.MetadataJSON()) {
		t.Errorf("metadata = %s, want %s", reparsed.MetadataJSON(), first.MetadataJSON())
	}

	f.clock.Advance(time.Hour)
	for _, p := range tempFiles(t, f.dir) {
		os.Remove(p)
	}
	f.store.Invalidate()
	redownloaded, err := f.c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !redownloaded.Metadata.DiscoveryTime.Equal(discovered) {
		t.Errorf("redownloaded discovery = %s, want %s", redownloaded.Metadata.DiscoveryTime, discovered)
	}

	f.loc.set(docB, nil)
	if _, err := f.check(t, TriggerTimer); err != nil {
		t.Fatal(err)
	}
	next, _ := f.store.Peek()
	if !next.Metadata.DiscoveryTime.Equal(f.clock.Now()) {
		t.Errorf("new document discovery = %s, want %s", next.Metadata.DiscoveryTime, f.clock.Now())
	}
}

func TestCoordinator_LoadRedownloadsWhenRetainedFileGone(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)
	if _, err := f.check(t, TriggerStartup); err != nil {
		t.Fatal(err)
	}
	for _, p := range tempFiles(t, f.dir) {
		os.Remove(p)
	}
	f.store.Invalidate()

	snap, err := f.c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Metadata.DocumentURL != docA {
		t.Errorf("document = %s", snap.Metadata.DocumentURL)
	}
	if n := f.dl.calls.Load(); n != 2 {
		t.Errorf("downloads = %d, want 2", n)
	}
	if n := f.loc.calls.Load(); n != 1 {
		t.Errorf("locates = %d, want 1", n)
	}
}

func TestCoordinator_LoadAfterExpiry(t *testing.T) {
	f := newCoordFixture(t)
	f.store = NewStore(15 * time.Minute)
	f.store.now = f.clock.Now
	f.c = NewCoordinator(CoordinatorConfig{TempDir: f.dir}, f.loc, f.dl, f.store, WithClock(f.clock.Now))
	f.loc.set(docA, nil)

	first, err := f.c.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(20 * time.Minute)
	second, err := f.c.Load(context.Background())
	if err != nil {
		t.Fatalf("Load after expiry: %v", err)
	}
	if second == first {
		t.Error("expected a reloaded snapshot")
	}
	if string(second.RecordsJSON()) != string(first.RecordsJSON()) {
		t.Error("reloaded records differ")
	}
	if n := f.dl.calls.Load(); n != 1 {
		t.Errorf("downloads = %d, want 1 (retained file reparsed)", n)
	}
}

// WHAT: overlapping triggers.
// WHY: cycles serialize, so a burst of checks for one new URL downloads it
// once and notifies once.
func TestCoordinator_ConcurrentChecksSerialize(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.c.Check(context.Background(), TriggerManual)
		}()
	}
	wg.Wait()
	if n := f.dl.calls.Load(); n != 1 {
		t.Errorf("downloads = %d, want 1", n)
	}
	if n := f.notifier.calls.Load(); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
}

func TestCoordinator_Reset(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)
	if _, err := f.check(t, TriggerStartup); err != nil {
		t.Fatal(err)
	}
	f.c.Reset()

	if _, ok := f.store.Peek(); ok {
		t.Error("store not emptied")
	}
	if left := tempFiles(t, f.dir); len(left) != 0 {
		t.Errorf("transient files = %v", left)
	}
	// Same URL counts as new after a reset.
	res, err := f.check(t, TriggerManual)
	if err != nil || res.Outcome != OutcomePublished {
		t.Errorf("after reset = %+v, %v", res, err)
	}
}

func TestCoordinator_UntilNextTickAligns(t *testing.T) {
	clock := newStepClock()
	clock.Advance(17*time.Minute + 30*time.Second)
	c := NewCoordinator(CoordinatorConfig{CheckEvery: time.Hour}, nil, nil, NewStore(0), WithClock(clock.Now))
	if got := c.untilNextTick(); got != 42*time.Minute+30*time.Second {
		t.Errorf("untilNextTick = %s", got)
	}
}

func TestCoordinator_RunStopsOnCancel(t *testing.T) {
	f := newCoordFixture(t)
	f.loc.set(docA, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.c.Run(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for len(f.rec.all()) == 0 {
		select {
		case <-deadline:
			t.Fatal("startup check did not publish")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if _, ok := f.store.Peek(); !ok {
		t.Error("startup check did not publish")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if entries := f.rec.all(); entries[0].Trigger != TriggerStartup {
		t.Errorf("first trigger = %s", entries[0].Trigger)
	}
}
