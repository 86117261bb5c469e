package segment

import (
	"context"
	"sync"
	"time"

	"github.com/lexiqai/avatar-gateway/internal/observability"
)

// Stats is the telemetry of one stream. It is safe to read while the stream
// is running.
type Stats struct {
	mu          sync.Mutex
	startedAt   time.Time
	firstUnitAt time.Time
	completedAt time.Time
	units       int
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	StartedAt        time.Time     `json:"started_at"`
	FirstUnitAt      time.Time     `json:"first_unit_at,omitempty"`
	CompletedAt      time.Time     `json:"completed_at,omitempty"`
	Units            int           `json:"units"`
	FirstUnitLatency time.Duration `json:"first_unit_latency"`
}

func newStats(now time.Time) *Stats {
	return &Stats{startedAt: now}
}

func (s *Stats) recordUnit(now time.Time) {
	s.mu.Lock()
	first := s.units == 0
	s.units++
	if first {
		s.firstUnitAt = now
	}
	s.mu.Unlock()

	observability.RecordPushUnit()
	if first {
		observability.RecordFirstUnitLatency(now.Sub(s.startedAt))
	}
}

func (s *Stats) complete(now time.Time) {
	s.mu.Lock()
	s.completedAt = now
	s.mu.Unlock()
}

// Snapshot copies the current telemetry
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		StartedAt:   s.startedAt,
		FirstUnitAt: s.firstUnitAt,
		CompletedAt: s.completedAt,
		Units:       s.units,
	}
	if !s.firstUnitAt.IsZero() {
		snap.FirstUnitLatency = s.firstUnitAt.Sub(s.startedAt)
	}
	return snap
}

// Stream segments fragments read from in until in is closed or ctx is done.
// Units are delivered on the returned channel in input order by a single
// goroutine; the channel is closed when the stream ends. The remainder is
// only delivered when in closes normally.
func Stream(ctx context.Context, in <-chan string, opts Options) (<-chan PushUnit, *Stats) {
	return StreamUntil(ctx, in, func() bool { return true }, opts)
}

// StreamUntil is Stream for producers that can fail after closing in. When in
// closes, clean reports whether the producer finished without error; the
// buffered remainder is dropped if it did not.
func StreamUntil(ctx context.Context, in <-chan string, clean func() bool, opts Options) (<-chan PushUnit, *Stats) {
	out := make(chan PushUnit)
	stats := newStats(time.Now())

	go func() {
		defer close(out)
		defer func() { stats.complete(time.Now()) }()

		buf := NewBuffer(opts)
		send := func(units []PushUnit) bool {
			for _, u := range units {
				select {
				case out <- u:
					stats.recordUnit(time.Now())
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		for {
			select {
			case <-ctx.Done():
				return
			case fragment, ok := <-in:
				if !ok {
					if !clean() {
						return
					}
					rest, _ := buf.Close()
					send(rest)
					return
				}
				if !send(buf.Feed(fragment)) {
					return
				}
			}
		}
	}()

	return out, stats
}

// FromText feeds text into a channel word by word
func FromText(ctx context.Context, text string) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for _, w := range Words(text) {
			select {
			case ch <- w:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
