package regwatch

import (
	"sync/atomic"
	"time"
)

// Store holds the one published snapshot. Reads never block; Publish and
// Invalidate are single pointer swaps, so metadata and records always change
// together.
type Store struct {
	cur atomic.Pointer[Snapshot]

	// expireAfterAccess > 0 drops the snapshot after that much read
	// inactivity.
	expireAfterAccess time.Duration
	lastAccess        atomic.Int64 // unix nanos
	now               func() time.Time
}

func NewStore(expireAfterAccess time.Duration) *Store {
	return &Store{expireAfterAccess: expireAfterAccess, now: time.Now}
}

// Read returns the published snapshot, or false when the store is empty or
// the snapshot expired.
func (s *Store) Read() (*Snapshot, bool) {
	snap := s.cur.Load()
	if snap == nil {
		return nil, false
	}
	now := s.now().UnixNano()
	if s.expireAfterAccess > 0 {
		last := s.lastAccess.Load()
		if now-last > int64(s.expireAfterAccess) {
			s.cur.CompareAndSwap(snap, nil)
			return nil, false
		}
	}
	s.lastAccess.Store(now)
	return snap, true
}

// Peek returns the published snapshot without counting as an access.
func (s *Store) Peek() (*Snapshot, bool) {
	snap := s.cur.Load()
	return snap, snap != nil
}

// Publish replaces the snapshot.
func (s *Store) Publish(snap *Snapshot) {
	s.lastAccess.Store(s.now().UnixNano())
	s.cur.Store(snap)
}

// Invalidate empties the store.
func (s *Store) Invalidate() {
	s.cur.Store(nil)
}
