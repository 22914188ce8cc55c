package engine

import (
	"sync"
	"time"

	"github.com/rjboer/GoFFT/internal/dsp"
)

// Snapshot is the complete result of one analysis iteration. A published
// Snapshot is never modified.
type Snapshot struct {
	Timestamp    time.Time
	Iteration    uint64
	VirtualTime  float64
	Peaks        []dsp.Peak
	Frequencies  []float64
	Magnitudes   []float64
	TimeSeries   []float64
	MaxAmplitude float64
	TotalPower   float64
	Running      bool
}

// Summary is the peak view of the latest snapshot.
type Summary struct {
	Timestamp    time.Time
	Iteration    uint64
	Peaks        []dsp.Peak
	MaxAmplitude float64
	TotalPower   float64
	Running      bool
}

// Raw is the plotting view of the latest snapshot.
type Raw struct {
	Timestamp   time.Time
	Frequencies []float64
	Magnitudes  []float64
	TimeSeries  []float64
	Running     bool
}

// Store holds the latest snapshot and the running flag behind one lock and
// fans new snapshots out to live subscribers.
type Store struct {
	mu          sync.RWMutex
	latest      *Snapshot
	running     bool
	subscribers map[chan Summary]struct{}
}

// NewStore builds an empty store.
func NewStore() *Store {
	return &Store{
		latest:      &Snapshot{},
		subscribers: make(map[chan Summary]struct{}),
	}
}

// Publish replaces the latest snapshot. The caller must not modify snap
// afterwards.
func (s *Store) Publish(snap *Snapshot) {
	s.mu.Lock()
	s.latest = snap
	running := s.running
	subs := make([]chan Summary, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	if len(subs) == 0 {
		return
	}
	sum := summaryOf(snap, running)
	s.mu.RLock()
	for _, ch := range subs {
		if _, ok := s.subscribers[ch]; !ok {
			continue
		}
		select {
		case ch <- sum:
		default:
		}
	}
	s.mu.RUnlock()
}

// SetRunning updates the running flag.
func (s *Store) SetRunning(running bool) {
	s.mu.Lock()
	s.running = running
	s.mu.Unlock()
}

// Running reports the current running flag.
func (s *Store) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Snapshot returns a copy of the latest snapshot with the current running flag.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	snap, running := s.latest, s.running
	s.mu.RUnlock()

	out := *snap
	out.Peaks = append([]dsp.Peak{}, snap.Peaks...)
	out.Frequencies = append([]float64{}, snap.Frequencies...)
	out.Magnitudes = append([]float64{}, snap.Magnitudes...)
	out.TimeSeries = append([]float64{}, snap.TimeSeries...)
	out.Running = running
	return out
}

// Summary returns the peak view of the latest snapshot.
func (s *Store) Summary() Summary {
	s.mu.RLock()
	snap, running := s.latest, s.running
	s.mu.RUnlock()
	return summaryOf(snap, running)
}

// Raw returns the plotting view of the latest snapshot.
func (s *Store) Raw() Raw {
	s.mu.RLock()
	snap, running := s.latest, s.running
	s.mu.RUnlock()
	return Raw{
		Timestamp:   snap.Timestamp,
		Frequencies: append([]float64{}, snap.Frequencies...),
		Magnitudes:  append([]float64{}, snap.Magnitudes...),
		TimeSeries:  append([]float64{}, snap.TimeSeries...),
		Running:     running,
	}
}

// Subscribe registers a listener for published summaries. Slow listeners miss
// updates rather than block the publisher.
func (s *Store) Subscribe() (<-chan Summary, func()) {
	ch := make(chan Summary, 16)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}

func summaryOf(snap *Snapshot, running bool) Summary {
	return Summary{
		Timestamp:    snap.Timestamp,
		Iteration:    snap.Iteration,
		Peaks:        append([]dsp.Peak{}, snap.Peaks...),
		MaxAmplitude: snap.MaxAmplitude,
		TotalPower:   snap.TotalPower,
		Running:      running,
	}
}

// setRunningIf sets the running flag when cond holds, evaluated under the
// store lock.
func (s *Store) setRunningIf(running bool, cond func() bool) {
	s.mu.Lock()
	if cond() {
		s.running = running
	}
	s.mu.Unlock()
}
