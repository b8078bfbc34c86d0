package quota

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrQuotaExceeded is returned when a key has used its allowance for the period
var ErrQuotaExceeded = errors.New("quota exceeded")

type usage struct {
	used            int
	periodStartedAt time.Time
}

// Service counts story generations per API key. Usage is kept in memory and
// starts over when the process restarts.
type Service struct {
	mu     sync.Mutex
	limit  int
	period time.Duration
	usage  map[int]*usage
	now    func() time.Time
}

// NewService creates a new quota service. A limit of 0 disables it.
func NewService(limit int, period string) *Service {
	return &Service{
		limit:  limit,
		period: getPeriodDuration(period),
		usage:  make(map[int]*usage),
		now:    time.Now,
	}
}

// Enabled reports whether generations are limited
func (s *Service) Enabled() bool {
	return s != nil && s.limit > 0
}

// CheckAndConsume checks if quota is available and consumes it
func (s *Service) CheckAndConsume(key, n int) error {
	if !s.Enabled() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.current(key)
	if u.used+n > s.limit {
		return fmt.Errorf("%w: %d/%d stories used", ErrQuotaExceeded, u.used, s.limit)
	}
	u.used += n
	return nil
}

// Refund returns n generations to key, e.g. when the story never started
func (s *Service) Refund(key, n int) {
	if !s.Enabled() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.current(key)
	u.used = max(u.used-n, 0)
}

// Remaining returns how many generations key has left in the current period
func (s *Service) Remaining(key int) int {
	if !s.Enabled() {
		return -1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit - s.current(key).used
}

// current returns key's usage, resetting it when the period has elapsed.
// Callers hold s.mu.
func (s *Service) current(key int) *usage {
	now := s.now()
	u, ok := s.usage[key]
	if !ok {
		u = &usage{periodStartedAt: now}
		s.usage[key] = u
	}
	if now.Sub(u.periodStartedAt) > s.period {
		u.used = 0
		u.periodStartedAt = now
	}
	return u
}

func getPeriodDuration(period string) time.Duration {
	switch period {
	case "hourly":
		return time.Hour
	case "daily":
		return 24 * time.Hour
	case "weekly":
		return 7 * 24 * time.Hour
	case "monthly":
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}
