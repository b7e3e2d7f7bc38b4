package regwatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"regwatch/internal/ods/odstest"
)

// registerRows returns a well-formed register with n data rows.
func registerRows(n int, tag string) [][]string {
	rows := [][]string{
		{strconv.Itoa(n)},
		{"URL", "Organisatie", "Status"},
	}
	for i := 0; i < n; i++ {
		rows = append(rows, []string{
			fmt.Sprintf("https://%s-%d.example.nl", tag, i),
			fmt.Sprintf("Org %s %d", tag, i),
			"actief",
		})
	}
	return rows
}

func writeRegister(t *testing.T, rows [][]string) string {
	t.Helper()
	return odstest.WriteFile(t, "register.ods", odstest.Build(rows))
}

// fakeLocator returns whatever url/err is currently set.
type fakeLocator struct {
	mu    sync.Mutex
	url   string
	err   error
	calls atomic.Int32
}

func (l *fakeLocator) set(url string, err error) {
	l.mu.Lock()
	l.url, l.err = url, err
	l.mu.Unlock()
}

func (l *fakeLocator) Locate(ctx context.Context) (string, error) {
	l.calls.Add(1)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.url, l.err
}

// fakeDownloader serves documents from memory, writing them the way the
// real Fetcher does.
type fakeDownloader struct {
	mu    sync.Mutex
	docs  map[string][]byte
	err   error
	gate  chan struct{} // if set, Download blocks until it is closed
	calls atomic.Int32
}

func newFakeDownloader() *fakeDownloader {
	return &fakeDownloader{docs: map[string][]byte{}}
}

func (d *fakeDownloader) put(url string, rows [][]string) {
	d.putRaw(url, odstest.Build(rows))
}

func (d *fakeDownloader) putRaw(url string, data []byte) {
	d.mu.Lock()
	d.docs[url] = data
	d.mu.Unlock()
}

func (d *fakeDownloader) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDownloader) Download(ctx context.Context, url, dir string) (string, error) {
	d.calls.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	d.mu.Lock()
	data, ok := d.docs[url]
	err := d.err
	d.mu.Unlock()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("unexpected status 404: not found")
	}
	f, err := os.CreateTemp(dir, "register-*.ods")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}

type countingNotifier struct {
	calls atomic.Int32
	err   error
}

func (n *countingNotifier) Notify(context.Context) error {
	n.calls.Add(1)
	return n.err
}

type memRecorder struct {
	mu      sync.Mutex
	entries []JournalEntry
}

func (r *memRecorder) Record(e JournalEntry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *memRecorder) all() []JournalEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]JournalEntry(nil), r.entries...)
}

// tempFiles lists the transient downloads left in dir.
func tempFiles(t *testing.T, dir string) []string {
	t.Helper()
	m, err := filepath.Glob(filepath.Join(dir, "register-*.ods"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// stepClock is a manual clock for tests.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
