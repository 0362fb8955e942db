package retrain

import (
	"hash/fnv"
	"sort"

	"github.com/flywheel-ml/flywheel/internal/trainer"
)

// SplitDataset partitions samples into train and validation sets. Assignment
// hashes the case id, so the split is reproducible across runs and stable as
// the pool grows: a case stays on its side of the split forever. When both
// sides would not be populated, the sets are fixed up deterministically so a
// run always has something to train on and something to evaluate against.
func SplitDataset(samples []trainer.Sample, validationFraction float64) (train, validation *trainer.Dataset) {
	sorted := make([]trainer.Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].CaseID < sorted[j].CaseID })

	threshold := uint32(validationFraction * 1000)

	train = &trainer.Dataset{}
	validation = &trainer.Dataset{}
	for i := range sorted {
		if hashBucket(sorted[i].CaseID) < threshold {
			validation.Samples = append(validation.Samples, sorted[i])
		} else {
			train.Samples = append(train.Samples, sorted[i])
		}
	}

	if len(sorted) >= 2 {
		if validation.Len() == 0 {
			last := train.Samples[train.Len()-1]
			train.Samples = train.Samples[:train.Len()-1]
			validation.Samples = append(validation.Samples, last)
		} else if train.Len() == 0 {
			last := validation.Samples[validation.Len()-1]
			validation.Samples = validation.Samples[:validation.Len()-1]
			train.Samples = append(train.Samples, last)
		}
	}

	return train, validation
}

// hashBucket maps a case id onto [0, 1000).
func hashBucket(caseID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(caseID))
	return h.Sum32() % 1000
}
