package phclient

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Quota is the last rate-limit state reported by the upstream.
type Quota struct {
	Known     bool
	Limit     int
	Remaining int
	ResetAt   time.Time
	UpdatedAt time.Time
}

// Exhausted reports whether remaining requests are at or below floor and the
// window has not reset yet.
func (q Quota) Exhausted(floor int, now time.Time) bool {
	return q.Known && q.Remaining <= floor && q.ResetAt.After(now)
}

type quotaTracker struct {
	mu    sync.Mutex
	quota Quota
}

var (
	limitHeaders     = []string{"X-Rate-Limit-Limit", "X-RateLimit-Limit"}
	remainingHeaders = []string{"X-Rate-Limit-Remaining", "X-RateLimit-Remaining"}
	resetHeaders     = []string{"X-Rate-Limit-Reset", "X-RateLimit-Reset"}
)

// epochThreshold separates "seconds until reset" values from unix timestamps.
const epochThreshold = 1_000_000_000

func (t *quotaTracker) observe(h http.Header, now time.Time) {
	remaining, ok := headerInt(h, remainingHeaders)
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	q := Quota{Known: true, Remaining: remaining, UpdatedAt: now}
	if limit, ok := headerInt(h, limitHeaders); ok {
		q.Limit = limit
	}
	if reset, ok := headerInt(h, resetHeaders); ok {
		if reset >= epochThreshold {
			q.ResetAt = time.Unix(int64(reset), 0).UTC()
		} else {
			q.ResetAt = now.Add(time.Duration(reset) * time.Second)
		}
	}
	t.quota = q
}

func (t *quotaTracker) snapshot() Quota {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.quota
}

func headerInt(h http.Header, names []string) (int, bool) {
	for _, name := range names {
		raw := strings.TrimSpace(h.Get(name))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		return n, true
	}
	return 0, false
}

func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		if delta := ts.Sub(now); delta > 0 {
			return delta
		}
	}
	return 0
}
