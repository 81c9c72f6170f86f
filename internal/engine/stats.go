package engine

import (
	"sync"

	"campaign_engine/internal/model"
)

// StatsAggregator keeps the campaign ledger. It tracks its own in-flight
// count so that successful + failed == launched - active holds for every
// snapshot, not just eventually.
type StatsAggregator struct {
	mu         sync.Mutex
	launched   int
	inFlight   int
	succeeded  int
	failed     int
	counters   model.Counters
	identities map[string]struct{}
}

func NewStatsAggregator() *StatsAggregator {
	return &StatsAggregator{identities: make(map[string]struct{})}
}

// RecordLaunchAttempt counts a dispatch. A synchronous failure is settled
// as failed immediately; an accepted launch stays in flight until
// RecordCompletion.
func (a *StatsAggregator) RecordLaunchAttempt(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.launched++
	if success {
		a.inFlight++
	} else {
		a.failed++
	}
}

func (a *StatsAggregator) RecordCompletion(id model.Identity, res model.SessionResult) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight > 0 {
		a.inFlight--
	}
	if res.Success {
		a.succeeded++
	} else {
		a.failed++
	}
	a.counters = a.counters.Add(res.Counters)
	a.identities[id.Key()] = struct{}{}
}

func (a *StatsAggregator) Snapshot() model.CampaignStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := model.CampaignStats{
		ActiveSessions:     a.inFlight,
		TotalLaunched:      a.launched,
		SuccessfulSessions: a.succeeded,
		FailedSessions:     a.failed,
		Counters:           a.counters,
		DistinctIdentities: len(a.identities),
	}
	if a.launched > 0 {
		out.SuccessRate = float64(a.succeeded) / float64(a.launched)
	}
	return out
}
