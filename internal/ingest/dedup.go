package ingest

import (
	"context"
	"fmt"
	"sort"

	"tank-monitor/etl/internal/domain"
)

// existsChunkSize bounds the id sets handed to the archive per lookup, to
// respect query parameter limits on large backfills.
const existsChunkSize = 1000

// Archive is the slice of the position store the deduplicator needs.
type Archive interface {
	ExistingPositionIDs(ctx context.Context, ids []int64) (map[int64]struct{}, error)
}

// Dedupe collapses in-batch duplicates by provider id, drops records already
// durably stored, and returns the survivors sorted ascending by
// (event_time, id) — the order the trend detector requires.
func Dedupe(ctx context.Context, archive Archive, recs []domain.PositionRecord) ([]domain.PositionRecord, error) {
	if len(recs) == 0 {
		return nil, nil
	}

	seen := make(map[int64]struct{}, len(recs))
	batch := make([]domain.PositionRecord, 0, len(recs))
	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		if _, dup := seen[r.PositionID]; dup {
			continue
		}
		seen[r.PositionID] = struct{}{}
		batch = append(batch, r)
		ids = append(ids, r.PositionID)
	}

	stored := make(map[int64]struct{})
	for start := 0; start < len(ids); start += existsChunkSize {
		end := start + existsChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		existing, err := archive.ExistingPositionIDs(ctx, ids[start:end])
		if err != nil {
			return nil, fmt.Errorf("check existing position ids: %w", err)
		}
		for id := range existing {
			stored[id] = struct{}{}
		}
	}

	fresh := batch[:0]
	for _, r := range batch {
		if _, ok := stored[r.PositionID]; ok {
			continue
		}
		fresh = append(fresh, r)
	}

	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].EventTime.Equal(fresh[j].EventTime) {
			return fresh[i].PositionID < fresh[j].PositionID
		}
		return fresh[i].EventTime.Before(fresh[j].EventTime)
	})
	return fresh, nil
}
