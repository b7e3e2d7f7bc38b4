package regwatch

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// servedStats tracks the sizes of register payloads written to clients.
type servedStats struct {
	responses atomic.Uint64
	total     atomic.Uint64
	min       atomic.Uint64
	max       atomic.Uint64
}

func newServedStats() *servedStats {
	s := &servedStats{}
	s.min.Store(math.MaxUint64)
	return s
}

func (s *servedStats) Observe(n int) {
	if n < 0 {
		n = 0
	}
	v := uint64(n)
	s.responses.Add(1)
	s.total.Add(v)

	for {
		cur := s.min.Load()
		if v >= cur || s.min.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := s.max.Load()
		if v <= cur || s.max.CompareAndSwap(cur, v) {
			break
		}
	}
}

type servedSummary struct {
	Responses uint64
	Total     uint64
	Min       uint64
	Avg       uint64
	Max       uint64
}

func (s *servedStats) Summary() servedSummary {
	count := s.responses.Load()
	if count == 0 {
		return servedSummary{}
	}
	total := s.total.Load()
	minv := s.min.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	return servedSummary{
		Responses: count,
		Total:     total,
		Min:       minv,
		Avg:       total / count,
		Max:       s.max.Load(),
	}
}

// statsLoop logs the served summary, snapshot size and process RSS every
// interval until stop is closed.
func (s *Service) statsLoop(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	sum := s.served.Summary()
	ev := s.log.Info().
		Uint64("responses", sum.Responses).
		Str("served", formatBytes(sum.Total)).
		Str("min", formatBytes(sum.Min)).
		Str("avg", formatBytes(sum.Avg)).
		Str("max", formatBytes(sum.Max))
	if snap, ok := s.store.Peek(); ok {
		ev = ev.Int("registers", snap.Metadata.RecordCount).
			Str("snapshot", formatBytes(uint64(len(snap.RecordsJSON()))))
	}
	if rss, ok := processRSSBytes(); ok {
		ev = ev.Str("rss", formatBytes(rss))
	}
	ev.Msg("stats")
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
