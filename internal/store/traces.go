package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TaskResult is one completed task inside an execution trace row.
type TaskResult struct {
	ToolID     string `json:"tool_id"`
	Success    bool   `json:"success"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// InsertExecutionTrace appends one workflow's task results.
func (s *Store) InsertExecutionTrace(userID string, results []TaskResult, capabilityID string) error {
	payload, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode task results: %w", err)
	}
	var capID any
	if capabilityID != "" {
		capID = capabilityID
	}
	if _, err := s.db.Exec(
		`INSERT INTO execution_trace (user_id, task_results, capability_id) VALUES (?, ?, ?)`,
		userID, string(payload), capID); err != nil {
		return fmt.Errorf("insert execution trace: %w", err)
	}
	return nil
}

// GetExecutedToolIDs returns the distinct tool ids a user executed since
// the cutoff, sorted. Deterministic for an unchanged database.
func (s *Store) GetExecutedToolIDs(userID string, since time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT task_results FROM execution_trace WHERE user_id = ? AND executed_at >= ? ORDER BY id`,
		userID, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("query execution traces: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan execution trace: %w", err)
		}
		var results []TaskResult
		if err := json.Unmarshal([]byte(payload), &results); err != nil {
			continue // tolerate malformed legacy rows
		}
		for _, r := range results {
			if r.ToolID != "" {
				seen[r.ToolID] = struct{}{}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution traces: %w", err)
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// InsertAlgorithmTrace records one algorithmic decision for the emergence
// timeseries.
func (s *Store) InsertAlgorithmTrace(decision, detail string) error {
	if _, err := s.db.Exec(
		`INSERT INTO algorithm_traces (decision, detail) VALUES (?, ?)`,
		decision, detail); err != nil {
		return fmt.Errorf("insert algorithm trace: %w", err)
	}
	return nil
}

// TraceCountsSince returns execution-trace row counts bucketed by hour for
// the emergence timeseries.
func (s *Store) TraceCountsSince(userID string, since time.Time) (map[string]int, error) {
	rows, err := s.db.Query(
		`SELECT strftime('%Y-%m-%dT%H:00:00Z', executed_at) AS bucket, COUNT(*)
		 FROM execution_trace
		 WHERE user_id = ? AND executed_at >= ?
		 GROUP BY bucket ORDER BY bucket`,
		userID, since.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, fmt.Errorf("query trace counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var bucket string
		var count int
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, fmt.Errorf("scan trace counts: %w", err)
		}
		out[bucket] = count
	}
	return out, rows.Err()
}

// SaveCapabilityDependency upserts a durable parent→child capability row,
// bumping the observation count on conflict.
func (s *Store) SaveCapabilityDependency(parentID, childID string) error {
	if _, err := s.db.Exec(
		`INSERT INTO capability_dependency (parent_id, child_id) VALUES (?, ?)
		 ON CONFLICT(parent_id, child_id) DO UPDATE SET
		   observed_count = observed_count + 1,
		   last_seen = CURRENT_TIMESTAMP`,
		parentID, childID); err != nil {
		return fmt.Errorf("save capability dependency: %w", err)
	}
	return nil
}

// CapabilityDependencies lists the persisted parent→child pairs, sorted.
func (s *Store) CapabilityDependencies() ([][2]string, error) {
	rows, err := s.db.Query(
		`SELECT parent_id, child_id FROM capability_dependency ORDER BY parent_id, child_id`)
	if err != nil {
		return nil, fmt.Errorf("query capability dependencies: %w", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var pair [2]string
		if err := rows.Scan(&pair[0], &pair[1]); err != nil {
			return nil, fmt.Errorf("scan capability dependency: %w", err)
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}
