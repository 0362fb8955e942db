package registry

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// NextVersionID generates the next model version id for the given date, in
// the form v{YYYYMMDD}_{NNN}. The sequence number is derived by scanning the
// ids already in the registry rather than a separate counter, so the scheme
// survives registry rebuilds.
func (r *Registry) NextVersionID(ctx context.Context, now time.Time) (string, error) {
	prefix := "v" + now.Format("20060102")

	ids, err := r.store.ListModelVersionIDs(ctx, prefix)
	if err != nil {
		return "", err
	}

	maxSeq := 0
	for _, id := range ids {
		seq, ok := parseSequence(id, prefix)
		if !ok {
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}

	return fmt.Sprintf("%s_%03d", prefix, maxSeq+1), nil
}

// parseSequence extracts the numeric suffix of a version id with the given
// date prefix. Malformed ids are skipped rather than treated as errors.
func parseSequence(id, prefix string) (int, bool) {
	rest, found := strings.CutPrefix(id, prefix+"_")
	if !found {
		return 0, false
	}
	seq, err := strconv.Atoi(rest)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}
