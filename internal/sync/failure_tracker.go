package sync

import (
	"log/slog"
	"sort"
	stdsync "sync"
	"time"
)

// Malformed-record escalation constants.
const (
	failureThreshold = 3                // escalate after this many reports
	failureCooldown  = 30 * time.Minute // forget reports older than this
)

// MalformedRecord is a remote entity that keeps arriving malformed.
type MalformedRecord struct {
	Key       string // entity type/id
	Count     int
	LastError string
	LastAt    time.Time
}

// failureRecord tracks reports for a single entity.
type failureRecord struct {
	count   int
	lastErr string
	lastAt  time.Time
}

// failureTracker counts malformed reports per entity. Thread-safe. An
// entity reported failureThreshold times within failureCooldown is logged
// at Error level once and listed by escalated until it decodes cleanly or
// the reports age out. A valid record clears its entry.
type failureTracker struct {
	mu      stdsync.Mutex
	records map[string]*failureRecord
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for testing
}

func newFailureTracker(logger *slog.Logger) *failureTracker {
	return &failureTracker{
		records: make(map[string]*failureRecord),
		logger:  logger,
		nowFunc: time.Now,
	}
}

// recordFailure counts one malformed report for key.
func (ft *failureTracker) recordFailure(key, errMsg string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	rec, ok := ft.records[key]
	if !ok {
		rec = &failureRecord{}
		ft.records[key] = rec
	}

	// Reset if the previous report is older than the cooldown.
	if ft.nowFunc().Sub(rec.lastAt) > failureCooldown {
		rec.count = 0
	}

	rec.count++
	rec.lastErr = errMsg
	rec.lastAt = ft.nowFunc()

	if rec.count == failureThreshold {
		ft.logger.Error("remote record repeatedly malformed",
			slog.String("entity", key),
			slog.Int("reports", rec.count),
			slog.String("last_error", errMsg),
			slog.Duration("window", failureCooldown),
		)
	}
}

// recordSuccess clears the entry for key.
func (ft *failureTracker) recordSuccess(key string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	delete(ft.records, key)
}

// escalated returns the entities at or past the threshold within the
// cooldown, sorted by key.
func (ft *failureTracker) escalated() []MalformedRecord {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	now := ft.nowFunc()

	var out []MalformedRecord

	for key, rec := range ft.records {
		if now.Sub(rec.lastAt) > failureCooldown {
			delete(ft.records, key)
			continue
		}

		if rec.count >= failureThreshold {
			out = append(out, MalformedRecord{Key: key, Count: rec.count, LastError: rec.lastErr, LastAt: rec.lastAt})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out
}
