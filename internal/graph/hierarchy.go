package graph

import "sort"

// ComputeHierarchyLevels recomputes every capability's level and rebuilds
// parent pointers. Level 0 means the capability contains no sub-capabilities;
// otherwise level is 1 + max over child capability levels. A containment
// cycle yields HierarchyCycleError. Idempotent, and deterministic: members
// are visited in id order.
func (s *Store) ComputeHierarchyLevels() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.computeHierarchyLocked()
}

// computeHierarchyLocked returns the maximum level across capabilities.
func (s *Store) computeHierarchyLocked() (int, error) {
	levels := make(map[string]int, len(s.caps))
	visiting := make(map[string]bool)
	var path []string

	var visit func(id string) (int, error)
	visit = func(id string) (int, error) {
		if lvl, ok := levels[id]; ok {
			return lvl, nil
		}
		if visiting[id] {
			return 0, &HierarchyCycleError{Node: id, Path: append([]string(nil), path...)}
		}
		visiting[id] = true
		path = append(path, id)
		defer func() {
			visiting[id] = false
			path = path[:len(path)-1]
		}()

		c := s.caps[id]
		members := append([]string(nil), c.Members...)
		sort.Strings(members)
		level := 0
		for _, m := range members {
			if _, isCap := s.caps[m]; !isCap {
				continue
			}
			childLvl, err := visit(m)
			if err != nil {
				return 0, err
			}
			if childLvl+1 > level {
				level = childLvl + 1
			}
		}
		levels[id] = level
		return level, nil
	}

	ids := make([]string, 0, len(s.caps))
	for id := range s.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	maxLevel := 0
	for _, id := range ids {
		lvl, err := visit(id)
		if err != nil {
			return 0, err
		}
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	// Commit levels and rebuild the denormalized parent view.
	for id, lvl := range levels {
		s.caps[id].Level = lvl
		s.caps[id].Parents = nil
	}
	for _, id := range ids {
		for _, m := range s.caps[id].Members {
			if child, ok := s.caps[m]; ok {
				child.Parents = append(child.Parents, id)
			}
		}
	}
	for _, c := range s.caps {
		sort.Strings(c.Parents)
	}
	return maxLevel, nil
}

// MaxLevel returns the current maximum capability level.
func (s *Store) MaxLevel() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, c := range s.caps {
		if c.Level > max {
			max = c.Level
		}
	}
	return max
}

// CapabilitiesAtLevel returns the sorted ids of capabilities at a level.
func (s *Store) CapabilitiesAtLevel(level int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, c := range s.caps {
		if c.Level == level {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
