// Package changes tracks which upstream collections received writes since
// the scheduler last consumed a snapshot. Ingestion publishes advisory
// notifications; the orchestrator owns the state.
package changes

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Upstream collection names the core reacts to.
const (
	CollectionHistoricalRides  = "historical_rides"
	CollectionCompetitorPrices = "competitor_prices"
	CollectionEvents           = "events"
	CollectionTrafficData      = "traffic_data"
	CollectionNewsArticles     = "news_articles"
)

// Tracker is a process-wide coalesced set of dirty collection names. Safe
// under parallel producers and a single consumer; exactly-once handoff is
// not part of the contract.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]struct{}
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{pending: make(map[string]struct{})}
}

// Record marks a collection dirty. Idempotent.
func (t *Tracker) Record(collection string) {
	if collection == "" {
		return
	}
	t.mu.Lock()
	t.pending[collection] = struct{}{}
	t.mu.Unlock()
}

// HasPending reports whether any collection is dirty.
func (t *Tracker) HasPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// Pending returns the current dirty set, sorted, without clearing it.
func (t *Tracker) Pending() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sortedKeys(t.pending)
}

// SnapshotAndClear atomically takes the dirty set and replaces it with an
// empty one. Returns the snapshot sorted for deterministic logs.
func (t *Tracker) SnapshotAndClear() []string {
	t.mu.Lock()
	snapshot := t.pending
	t.pending = make(map[string]struct{})
	t.mu.Unlock()
	return sortedKeys(snapshot)
}

// Contains reports whether a snapshot slice holds the given name.
func Contains(snapshot []string, name string) bool {
	for _, s := range snapshot {
		if s == name {
			return true
		}
	}
	return false
}

// Listen consumes change notifications from ch until ctx is cancelled or
// ch closes. Ingestion sides send collection names on the channel instead
// of touching the tracker directly.
func (t *Tracker) Listen(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case name, ok := <-ch:
			if !ok {
				return
			}
			t.Record(name)
			log.Debug().Str("collection", name).Msg("Upstream change recorded")
		}
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
