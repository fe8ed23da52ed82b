package graph

import (
	"sort"
	"sync"
	"time"

	"github.com/casys-ai/toolmind/internal/logger"
)

type edgeKey struct {
	from, to string
	typ      EdgeType
}

// Limits caps graph growth. Zero values mean unlimited.
type Limits struct {
	MaxNodes int
	MaxEdges int
}

// Store owns all tool and capability nodes and every edge between them. All
// mutation paths take the write lock; readers must never observe a partially
// applied upsert.
type Store struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	caps   map[string]*Capability
	edges  map[edgeKey]*Edge
	out    map[string]map[string]struct{} // adjacency: from -> set of to
	in     map[string]map[string]struct{}
	limits Limits

	now func() time.Time // test seam
}

// NewStore returns an empty graph store.
func NewStore(limits Limits) *Store {
	return &Store{
		tools:  make(map[string]*Tool),
		caps:   make(map[string]*Capability),
		edges:  make(map[edgeKey]*Edge),
		out:    make(map[string]map[string]struct{}),
		in:     make(map[string]map[string]struct{}),
		limits: limits,
		now:    time.Now,
	}
}

// RegisterTool adds a tool node. Idempotent: re-registering replaces only the
// embedding (the embedding model may have changed).
func (s *Store) RegisterTool(id string, embedding []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tools[id]; ok {
		if embedding != nil {
			t.Embedding = embedding
		}
		return nil
	}
	if s.limits.MaxNodes > 0 && len(s.tools)+len(s.caps) >= s.limits.MaxNodes {
		return &GraphFullError{Limit: s.limits.MaxNodes, What: "nodes"}
	}
	s.tools[id] = &Tool{ID: id, Embedding: embedding}
	return nil
}

// CapabilityOptions carries the optional fields of RegisterCapability.
type CapabilityOptions struct {
	Name        string
	Embedding   []float32
	Members     []string
	SuccessRate float64
	Code        string
	Source      CapabilitySource
}

// RegisterCapability adds or updates a capability node. Every member must
// already be registered, and the declared members must not introduce a
// containment cycle. On success the affected hierarchy levels are recomputed
// and contains edges are upserted for each member.
func (s *Store) RegisterCapability(id string, opts CapabilityOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range opts.Members {
		if !s.hasNodeLocked(m) {
			return &UnknownNodeError{ID: m}
		}
	}

	existing, ok := s.caps[id]
	if !ok {
		if s.limits.MaxNodes > 0 && len(s.tools)+len(s.caps) >= s.limits.MaxNodes {
			return &GraphFullError{Limit: s.limits.MaxNodes, What: "nodes"}
		}
	}

	c := &Capability{
		ID:          id,
		Name:        opts.Name,
		Embedding:   opts.Embedding,
		Members:     append([]string(nil), opts.Members...),
		SuccessRate: opts.SuccessRate,
		Code:        opts.Code,
		Source:      opts.Source,
	}
	if ok && c.Embedding == nil {
		c.Embedding = existing.Embedding
	}
	s.caps[id] = c

	if _, err := s.computeHierarchyLocked(); err != nil {
		// Reject the mutation wholesale: restore or drop.
		if ok {
			s.caps[id] = existing
		} else {
			delete(s.caps, id)
		}
		s.computeHierarchyLocked() //nolint:errcheck // previous state was acyclic
		return err
	}

	for _, m := range c.Members {
		s.upsertEdgeLocked(id, m, EdgeContains, SourceObserved, 1, 0)
	}
	return nil
}

// EdgeOptions carries the optional fields of AddEdge.
type EdgeOptions struct {
	Type   EdgeType
	Source EdgeSource
	Count  int     // defaults to 1
	Weight float64 // 0 means derive from type and source
}

// AddEdge upserts a typed edge. Both endpoints must exist. The stored weight
// follows the derivation rules; counts accumulate and an inferred edge is
// promoted to observed once its count reaches ObservedThreshold.
func (s *Store) AddEdge(from, to string, opts EdgeOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasNodeLocked(from) {
		return &UnknownNodeError{ID: from}
	}
	if !s.hasNodeLocked(to) {
		return &UnknownNodeError{ID: to}
	}
	count := opts.Count
	if count <= 0 {
		count = 1
	}
	if s.limits.MaxEdges > 0 {
		if _, ok := s.edges[edgeKey{from, to, opts.Type}]; !ok && len(s.edges) >= s.limits.MaxEdges {
			return &GraphFullError{Limit: s.limits.MaxEdges, What: "edges"}
		}
	}
	s.upsertEdgeLocked(from, to, opts.Type, opts.Source, count, opts.Weight)
	return nil
}

// upsertEdgeLocked merges an edge observation. weight 0 means "derive".
func (s *Store) upsertEdgeLocked(from, to string, typ EdgeType, src EdgeSource, count int, weight float64) *Edge {
	key := edgeKey{from, to, typ}
	e, ok := s.edges[key]
	if !ok {
		e = &Edge{From: from, To: to, Type: typ, Source: src}
		s.edges[key] = e
		addAdj(s.out, from, to)
		addAdj(s.in, to, from)
	}
	e.Count += count
	// Direct observation wins; inferred promotes on enough observations.
	if src == SourceObserved {
		e.Source = SourceObserved
	}
	if e.Source == SourceInferred && e.Count >= ObservedThreshold {
		e.Source = SourceObserved
	}
	if weight > 0 {
		e.Weight = weight
	} else {
		e.Weight = BaseWeight(typ) * SourceModifier(e.Source)
	}
	e.LastUpdated = s.now()
	return e
}

// ReinforcePattern strengthens the learned sequence edge from->to after a
// speculation hit: existing weight is boosted by ReinforceFactor up to
// ReinforceCap; a missing edge starts at LearnedEdgeInitial.
func (s *Store) ReinforcePattern(from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasNodeLocked(from) {
		return &UnknownNodeError{ID: from}
	}
	if !s.hasNodeLocked(to) {
		return &UnknownNodeError{ID: to}
	}
	key := edgeKey{from, to, EdgeSequence}
	e, ok := s.edges[key]
	if !ok {
		e = &Edge{From: from, To: to, Type: EdgeSequence, Source: SourceLearned, Weight: LearnedEdgeInitial}
		s.edges[key] = e
		addAdj(s.out, from, to)
		addAdj(s.in, to, from)
	} else {
		e.Weight = e.Weight * ReinforceFactor
		if e.Weight > ReinforceCap {
			e.Weight = ReinforceCap
		}
	}
	e.Count++
	e.LastUpdated = s.now()
	logger.Debug("reinforced pattern", "from", from, "to", to, "weight", e.Weight)
	return nil
}

// DecayEdges multiplies every edge weight by factor, dropping none. Called
// periodically so stale patterns fade.
func (s *Store) DecayEdges(factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.edges {
		e.Weight *= factor
	}
}

// GetEdgeData returns a copy of the edge from->to of the given type. Edges of
// other types between the same nodes are not considered; see AnyEdge.
func (s *Store) GetEdgeData(from, to string, typ EdgeType) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.edges[edgeKey{from, to, typ}]; ok {
		return *e, true
	}
	return Edge{}, false
}

// AnyEdge returns the highest-weight edge from->to across types.
func (s *Store) AnyEdge(from, to string) (Edge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Edge
	for _, typ := range []EdgeType{EdgeContains, EdgeSequence, EdgeProvides, EdgeCooccurrence} {
		if e, ok := s.edges[edgeKey{from, to, typ}]; ok {
			if best == nil || e.Weight > best.Weight {
				best = e
			}
		}
	}
	if best == nil {
		return Edge{}, false
	}
	return *best, true
}

// HasEdge reports whether any edge from->to exists.
func (s *Store) HasEdge(from, to string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set, ok := s.out[from]
	if !ok {
		return false
	}
	_, ok = set[to]
	return ok
}

// HasNode reports whether id is a registered tool or capability.
func (s *Store) HasNode(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hasNodeLocked(id)
}

func (s *Store) hasNodeLocked(id string) bool {
	if _, ok := s.tools[id]; ok {
		return true
	}
	_, ok := s.caps[id]
	return ok
}

// Neighbors returns the sorted successor ids of a node.
func (s *Store) Neighbors(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.out[id]
	out := make([]string, 0, len(set))
	for to := range set {
		out = append(out, to)
	}
	sort.Strings(out)
	return out
}

// Predecessors returns the sorted predecessor ids of a node.
func (s *Store) Predecessors(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.in[id]
	out := make([]string, 0, len(set))
	for from := range set {
		out = append(out, from)
	}
	sort.Strings(out)
	return out
}

// Density returns |E| / (|V|·(|V|-1)) for the directed simple projection.
func (s *Store) Density() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.tools) + len(s.caps)
	if n < 2 {
		return 0
	}
	var pairs int
	for _, set := range s.out {
		pairs += len(set)
	}
	return float64(pairs) / float64(n*(n-1))
}

// Tool returns a copy of the tool node.
func (s *Store) Tool(id string) (Tool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tools[id]
	if !ok {
		return Tool{}, false
	}
	return *t, true
}

// Capability returns a copy of the capability node.
func (s *Store) Capability(id string) (Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.caps[id]
	if !ok {
		return Capability{}, false
	}
	out := *c
	out.Members = append([]string(nil), c.Members...)
	out.Parents = append([]string(nil), c.Parents...)
	return out, true
}

// ToolIDs returns all tool ids, sorted.
func (s *Store) ToolIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.tools))
	for id := range s.tools {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// CapabilityIDs returns all capability ids, sorted.
func (s *Store) CapabilityIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.caps))
	for id := range s.caps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Edges returns copies of every edge, ordered by (from, to, type).
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		if out[i].To != out[j].To {
			return out[i].To < out[j].To
		}
		return out[i].Type < out[j].Type
	})
	return out
}

// ContextMatch is a capability ranked by member overlap with a tool context.
type ContextMatch struct {
	ID      string
	Overlap float64 // Jaccard over member tool ids
}

// SearchByContext ranks capabilities by fuzzy overlap between their member
// tools and the given context tools.
func (s *Store) SearchByContext(contextTools []string) []ContextMatch {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ctx := make(map[string]struct{}, len(contextTools))
	for _, t := range contextTools {
		ctx[t] = struct{}{}
	}
	var out []ContextMatch
	for id, c := range s.caps {
		members := s.memberToolsLocked(c, make(map[string]struct{}))
		if len(members) == 0 {
			continue
		}
		var inter int
		for m := range members {
			if _, ok := ctx[m]; ok {
				inter++
			}
		}
		union := len(members) + len(ctx) - inter
		if inter == 0 || union == 0 {
			continue
		}
		out = append(out, ContextMatch{ID: id, Overlap: float64(inter) / float64(union)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Overlap != out[j].Overlap {
			return out[i].Overlap > out[j].Overlap
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// memberToolsLocked collects the transitive tool members of a capability.
func (s *Store) memberToolsLocked(c *Capability, seen map[string]struct{}) map[string]struct{} {
	if _, ok := seen[c.ID]; ok {
		return nil
	}
	seen[c.ID] = struct{}{}
	tools := make(map[string]struct{})
	for _, m := range c.Members {
		if _, ok := s.tools[m]; ok {
			tools[m] = struct{}{}
		} else if child, ok := s.caps[m]; ok {
			for t := range s.memberToolsLocked(child, seen) {
				tools[t] = struct{}{}
			}
		}
	}
	return tools
}

func addAdj(adj map[string]map[string]struct{}, a, b string) {
	set, ok := adj[a]
	if !ok {
		set = make(map[string]struct{})
		adj[a] = set
	}
	set[b] = struct{}{}
}
