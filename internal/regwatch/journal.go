package regwatch

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// JournalEntry is the persisted outcome of one refresh cycle. The journal
// never holds register data; a restart always re-downloads.
type JournalEntry struct {
	ID          string    `json:"id"`
	Trigger     Trigger   `json:"trigger"`
	Outcome     Outcome   `json:"outcome"`
	Stage       Stage     `json:"stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	DocumentURL string    `json:"documentURL,omitempty"`
	Records     int       `json:"records"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// Recorder receives cycle outcomes.
type Recorder interface {
	Record(e JournalEntry)
}

var journalPrefix = []byte("j:")

type journalOp struct {
	entry   *JournalEntry
	flushed chan struct{}
}

// Journal is a bounded refresh history in leveldb. Writes go through a
// single writer goroutine; Record never waits on disk.
type Journal struct {
	db         *leveldb.DB
	maxEntries int
	log        zerolog.Logger

	mu    sync.Mutex // guards count
	count int

	sendMu sync.RWMutex // held for reading while sending on ops
	closed bool

	ops  chan journalOp
	done chan struct{}
}

// OpenJournal opens or creates the journal at path. Write failures are
// logged to log; they never reach the cycle that recorded the entry.
func OpenJournal(path string, maxEntries int, log zerolog.Logger) (*Journal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	j := &Journal{
		db:         db,
		maxEntries: maxEntries,
		log:        log,
		ops:        make(chan journalOp, 64),
		done:       make(chan struct{}),
	}
	if err := j.loadCount(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go j.writerLoop()
	return j, nil
}

func (j *Journal) loadCount() error {
	it := j.db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	if err := it.Error(); err != nil {
		return err
	}
	j.count = n
	return nil
}

// Record queues e for writing. Entries recorded after Close are dropped.
func (j *Journal) Record(e JournalEntry) {
	j.sendMu.RLock()
	defer j.sendMu.RUnlock()
	if j.closed {
		return
	}
	j.ops <- journalOp{entry: &e}
}

// Flush waits until every entry recorded so far is on disk.
func (j *Journal) Flush() {
	ch := make(chan struct{})
	j.sendMu.RLock()
	if j.closed {
		j.sendMu.RUnlock()
		return
	}
	j.ops <- journalOp{flushed: ch}
	j.sendMu.RUnlock()
	<-ch
}

// Recent returns up to limit entries, newest first.
func (j *Journal) Recent(limit int) ([]JournalEntry, error) {
	j.Flush()
	if limit <= 0 {
		return nil, nil
	}
	it := j.db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	defer it.Release()

	out := make([]JournalEntry, 0, min(limit, 64))
	for ok := it.Last(); ok && len(out) < limit; ok = it.Prev() {
		var e JournalEntry
		if err := decodeGob(it.Value(), &e); err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, it.Error()
}

// Len returns the number of stored entries.
func (j *Journal) Len() int {
	j.Flush()
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.count
}

// Ping reports whether the database is usable.
func (j *Journal) Ping() error {
	_, err := j.db.GetProperty("leveldb.num-files-at-level0")
	return err
}

func (j *Journal) Close() error {
	j.sendMu.Lock()
	if j.closed {
		j.sendMu.Unlock()
		return nil
	}
	j.closed = true
	close(j.ops)
	j.sendMu.Unlock()
	<-j.done
	return j.db.Close()
}

func (j *Journal) writerLoop() {
	defer close(j.done)
	for op := range j.ops {
		if op.entry != nil {
			j.apply(*op.entry)
		}
		if op.flushed != nil {
			close(op.flushed)
		}
	}
}

func journalKey(e JournalEntry) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", journalPrefix, e.StartedAt.UnixNano(), e.ID))
}

func (j *Journal) apply(e JournalEntry) {
	b, err := encodeGob(e)
	if err != nil {
		j.log.Warn().Err(err).Str("cycle", e.ID).Msg("journal encode failed")
		return
	}
	if err := j.db.Put(journalKey(e), b, nil); err != nil {
		j.log.Warn().Err(err).Str("cycle", e.ID).Msg("journal write failed")
		return
	}
	j.mu.Lock()
	j.count++
	over := j.count - j.maxEntries
	j.mu.Unlock()
	if over > 0 {
		j.evictOldest(over)
	}
}

func (j *Journal) evictOldest(n int) {
	it := j.db.NewIterator(util.BytesPrefix(journalPrefix), nil)
	batch := new(leveldb.Batch)
	for i := 0; i < n && it.Next(); i++ {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err == nil {
		err = j.db.Write(batch, nil)
	}
	if err != nil {
		j.log.Warn().Err(err).Int("entries", n).Msg("journal eviction failed")
		return
	}
	j.mu.Lock()
	j.count -= batch.Len()
	j.mu.Unlock()
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
