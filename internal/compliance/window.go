package compliance

import (
	"sync"
	"time"

	"github.com/bibank-exchange/bibank/internal/money"
)

const windowBuckets = 60 // one bucket per minute, per spec.md §9's velocity-check fix

type bucket struct {
	minute int64 // unix minute this bucket covers; 0 means empty
	count  int
	volume money.Amount
}

type userWindow struct {
	buckets [windowBuckets]bucket
}

// record adds one observation of amount at `when` into the user's circular
// buffer, overwriting any bucket whose minute has rolled out of the
// 60-minute window.
func (w *userWindow) record(when time.Time, amount money.Amount) {
	minute := when.Unix() / 60
	idx := int(minute % windowBuckets)
	b := &w.buckets[idx]
	if b.minute != minute {
		*b = bucket{minute: minute, count: 0, volume: money.Zero()}
	}
	b.count++
	b.volume = b.volume.CheckedAdd(amount)
}

func (w *userWindow) countInWindow(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window).Unix() / 60
	nowMinute := now.Unix() / 60
	total := 0
	for _, b := range w.buckets {
		if b.minute != 0 && b.minute >= cutoff && b.minute <= nowMinute {
			total += b.count
		}
	}
	return total
}

func (w *userWindow) volumeInWindow(now time.Time, window time.Duration) money.Amount {
	cutoff := now.Add(-window).Unix() / 60
	nowMinute := now.Unix() / 60
	total := money.Zero()
	for _, b := range w.buckets {
		if b.minute != 0 && b.minute >= cutoff && b.minute <= nowMinute {
			total = total.CheckedAdd(b.volume)
		}
	}
	return total
}

// SlidingWindow holds a 60x1-minute circular buffer per user, used for
// tx_count_gte/volume_gte velocity conditions. CheckPerformed entries
// carry amount and asset (spec.md §9's Open Question fix) so the window
// can be rebuilt faithfully from the decision log on restart.
type SlidingWindow struct {
	mu    sync.Mutex
	users map[string]*userWindow
}

func NewSlidingWindow() *SlidingWindow {
	return &SlidingWindow{users: map[string]*userWindow{}}
}

// Record observes one transaction for velocity accounting.
func (s *SlidingWindow) Record(userID string, when time.Time, amount money.Amount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.users[userID]
	if !ok {
		w = &userWindow{}
		s.users[userID] = w
	}
	w.record(when, amount)
}

// CountInWindow returns the transaction count observed for userID within
// the trailing `window` duration ending at now.
func (s *SlidingWindow) CountInWindow(userID string, now time.Time, window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.users[userID]
	if !ok {
		return 0
	}
	return w.countInWindow(now, window)
}

// VolumeInWindow returns the total transacted amount observed for userID
// within the trailing `window` duration ending at now.
func (s *SlidingWindow) VolumeInWindow(userID string, now time.Time, window time.Duration) money.Amount {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.users[userID]
	if !ok {
		return money.Zero()
	}
	return w.volumeInWindow(now, window)
}
