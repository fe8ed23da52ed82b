package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestParamsRoundTrip(t *testing.T) {
	s := openTest(t)
	blob := []byte{1, 2, 3, 4}
	if err := s.SaveParams("u1", blob); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.LoadParams("u1")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if string(got) != string(blob) {
		t.Fatalf("blob mismatch: %v", got)
	}
}

func TestParamsUpsertReplaces(t *testing.T) {
	s := openTest(t)
	if err := s.SaveParams("u1", []byte{1}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveParams("u1", []byte{2}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, _, _ := s.LoadParams("u1")
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("upsert must replace: %v", got)
	}
}

func TestLoadParamsMissing(t *testing.T) {
	s := openTest(t)
	_, ok, err := s.LoadParams("ghost")
	if err != nil {
		t.Fatalf("load missing: %v", err)
	}
	if ok {
		t.Fatalf("missing params must report ok=false")
	}
}

// Repeated reads over an unchanged database return equal sets.
func TestGetExecutedToolIDsDeterministic(t *testing.T) {
	s := openTest(t)
	since := time.Now().Add(-time.Hour)
	results := []TaskResult{
		{ToolID: "read_file", Success: true},
		{ToolID: "parse_json", Success: true},
		{ToolID: "read_file", Success: false},
	}
	if err := s.InsertExecutionTrace("u1", results, "ingest"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := s.GetExecutedToolIDs("u1", since)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	second, err := s.GetExecutedToolIDs("u1", since)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if len(first) != 2 || first[0] != "parse_json" || first[1] != "read_file" {
		t.Fatalf("tool ids: got %v", first)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("reads differ: %v vs %v", first, second)
		}
	}
}

func TestGetExecutedToolIDsScopedByUser(t *testing.T) {
	s := openTest(t)
	since := time.Now().Add(-time.Hour)
	if err := s.InsertExecutionTrace("u1", []TaskResult{{ToolID: "a"}}, ""); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := s.GetExecutedToolIDs("u2", since)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("u2 must see nothing, got %v", got)
	}
}

func TestCapabilityDependencyUpsert(t *testing.T) {
	s := openTest(t)
	if err := s.SaveCapabilityDependency("parent", "child"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveCapabilityDependency("parent", "child"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	pairs, err := s.CapabilityDependencies()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pairs) != 1 || pairs[0] != [2]string{"parent", "child"} {
		t.Fatalf("pairs: got %v", pairs)
	}

	var count int
	if err := s.DB().QueryRow(
		`SELECT observed_count FROM capability_dependency WHERE parent_id = 'parent'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("observed count: want 2, got %d", count)
	}
}

func TestAlgorithmTraceInsert(t *testing.T) {
	s := openTest(t)
	if err := s.InsertAlgorithmTrace("speculate", "tool=a conf=0.8"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	var count int
	if err := s.DB().QueryRow(`SELECT COUNT(*) FROM algorithm_traces`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("algorithm traces: want 1, got %d", count)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	s.Close()
	s, err = Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	s.Close()
}
