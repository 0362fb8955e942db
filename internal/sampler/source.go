package sampler

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/flywheel-ml/flywheel/internal/conf"
)

// PredictionSource caches the prediction sets of unlabeled cases as supplied
// by the inference collaborator. Entries expire so stale predictions from a
// superseded production model fall out on their own.
type PredictionSource struct {
	cache *gocache.Cache
}

// NewPredictionSource creates a prediction cache with TTL and sweep interval
// taken from the sampler settings.
func NewPredictionSource(settings *conf.SamplerSettings) *PredictionSource {
	ttl := time.Duration(settings.CacheTTLMinutes) * time.Minute
	sweep := time.Duration(settings.CacheSweepMinutes) * time.Minute
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	if sweep <= 0 {
		sweep = time.Minute
	}
	return &PredictionSource{
		cache: gocache.New(ttl, sweep),
	}
}

// Put stores or refreshes the prediction set of one case.
func (s *PredictionSource) Put(c Case) {
	s.cache.SetDefault(c.CaseID, c)
}

// Remove drops a case, typically after its label arrived.
func (s *PredictionSource) Remove(caseID string) {
	s.cache.Delete(caseID)
}

// Snapshot returns all currently cached cases.
func (s *PredictionSource) Snapshot() []Case {
	items := s.cache.Items()
	cases := make([]Case, 0, len(items))
	for _, item := range items {
		if c, ok := item.Object.(Case); ok {
			cases = append(cases, c)
		}
	}
	return cases
}

// TopK ranks the cached cases and returns the k most uncertain unlabeled ones.
func (s *PredictionSource) TopK(ctx context.Context, k int, labeled LabeledSet) ([]Candidate, error) {
	return TopKCandidates(ctx, s.Snapshot(), k, labeled)
}
