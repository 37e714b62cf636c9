package memory

import (
	"sort"
	"time"
)

// SortField orders query results.
type SortField string

const (
	SortCreated     SortField = "created"
	SortAccessed    SortField = "accessed"
	SortAccessCount SortField = "accessCount"
)

// QueryOptions filters and orders working-memory entries. Filters are
// conjunctive.
type QueryOptions struct {
	Limit          int
	Sort           SortField
	CreatedAfter   time.Time
	AccessedAfter  time.Time
	MinAccessCount int
}

// QueryResult is one matched entry.
type QueryResult struct {
	Key   string
	Value interface{}
	Entry Entry
}

// Query returns working-memory entries matching the options, expired entries
// excluded. The durable tier is not consulted.
func (s *Store) Query(opts QueryOptions) []QueryResult {
	now := s.clock()

	s.mu.RLock()
	results := make([]QueryResult, 0, len(s.entries))
	for key, entry := range s.entries {
		if entry.expired(now) {
			continue
		}
		if !opts.CreatedAfter.IsZero() && !entry.CreatedAt.After(opts.CreatedAfter) {
			continue
		}
		if !opts.AccessedAfter.IsZero() && !entry.LastAccessed.After(opts.AccessedAfter) {
			continue
		}
		if entry.AccessCount < opts.MinAccessCount {
			continue
		}
		results = append(results, QueryResult{Key: key, Value: entry.Value, Entry: *entry})
	}
	s.mu.RUnlock()

	switch opts.Sort {
	case SortCreated:
		sort.Slice(results, func(i, j int) bool {
			return results[i].Entry.CreatedAt.After(results[j].Entry.CreatedAt)
		})
	case SortAccessed:
		sort.Slice(results, func(i, j int) bool {
			return results[i].Entry.LastAccessed.After(results[j].Entry.LastAccessed)
		})
	case SortAccessCount:
		sort.Slice(results, func(i, j int) bool {
			return results[i].Entry.AccessCount > results[j].Entry.AccessCount
		})
	default:
		// Stable order for callers that only filter
		sort.Slice(results, func(i, j int) bool {
			return results[i].Key < results[j].Key
		})
	}

	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results
}
