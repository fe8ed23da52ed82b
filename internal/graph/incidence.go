package graph

import (
	"sort"

	"github.com/casys-ai/toolmind/internal/mathx"
)

// MultiLevelIncidence is the indicator-matrix view of the hierarchy the
// attention model consumes. ToolCap marks direct tool membership in any
// capability; CapCap[ℓ] marks capability membership in level-ℓ owners.
type MultiLevelIncidence struct {
	ToolIDs []string
	ToolIdx map[string]int

	CapIDs []string
	CapIdx map[string]int

	// Levels[ℓ] lists capability ids at level ℓ, sorted; LevelIdx[ℓ] maps an
	// id to its column in CapCap[ℓ].
	Levels   [][]string
	LevelIdx []map[string]int

	// ToolCap is |tools|×|caps|: 1 when the tool is a direct member.
	ToolCap *mathx.Dense

	// CapCap[ℓ] (ℓ ≥ 1) is |caps|×|Levels[ℓ]|: 1 when the row capability is a
	// direct member of the column capability. CapCap[0] is nil.
	CapCap []*mathx.Dense
}

// OwnersOfTool returns the capability ids that directly contain a tool.
func (m *MultiLevelIncidence) OwnersOfTool(toolID string) []string {
	ti, ok := m.ToolIdx[toolID]
	if !ok {
		return nil
	}
	var out []string
	for ci, capID := range m.CapIDs {
		if m.ToolCap.At(ti, ci) != 0 {
			out = append(out, capID)
		}
	}
	return out
}

// MembersOfCapability returns the direct member tool ids of a capability.
func (m *MultiLevelIncidence) MembersOfCapability(capID string) []string {
	ci, ok := m.CapIdx[capID]
	if !ok {
		return nil
	}
	var out []string
	for ti, toolID := range m.ToolIDs {
		if m.ToolCap.At(ti, ci) != 0 {
			out = append(out, toolID)
		}
	}
	return out
}

// BuildMultiLevelIncidence computes the incidence view from the current
// graph. Levels must be current (RegisterCapability keeps them so).
func (s *Store) BuildMultiLevelIncidence() *MultiLevelIncidence {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inc := &MultiLevelIncidence{
		ToolIdx: make(map[string]int),
		CapIdx:  make(map[string]int),
	}

	for id := range s.tools {
		inc.ToolIDs = append(inc.ToolIDs, id)
	}
	sort.Strings(inc.ToolIDs)
	for i, id := range inc.ToolIDs {
		inc.ToolIdx[id] = i
	}

	maxLevel := 0
	for id, c := range s.caps {
		inc.CapIDs = append(inc.CapIDs, id)
		if c.Level > maxLevel {
			maxLevel = c.Level
		}
	}
	sort.Strings(inc.CapIDs)
	for i, id := range inc.CapIDs {
		inc.CapIdx[id] = i
	}

	inc.Levels = make([][]string, maxLevel+1)
	inc.LevelIdx = make([]map[string]int, maxLevel+1)
	for _, id := range inc.CapIDs { // sorted, so levels stay sorted
		lvl := s.caps[id].Level
		inc.Levels[lvl] = append(inc.Levels[lvl], id)
	}
	for lvl := range inc.Levels {
		inc.LevelIdx[lvl] = make(map[string]int, len(inc.Levels[lvl]))
		for i, id := range inc.Levels[lvl] {
			inc.LevelIdx[lvl][id] = i
		}
	}

	inc.ToolCap = mathx.NewDense(len(inc.ToolIDs), len(inc.CapIDs))
	inc.CapCap = make([]*mathx.Dense, maxLevel+1)
	for lvl := 1; lvl <= maxLevel; lvl++ {
		inc.CapCap[lvl] = mathx.NewDense(len(inc.CapIDs), len(inc.Levels[lvl]))
	}

	for _, ownerID := range inc.CapIDs {
		owner := s.caps[ownerID]
		for _, m := range owner.Members {
			if ti, ok := inc.ToolIdx[m]; ok {
				inc.ToolCap.Set(ti, inc.CapIdx[ownerID], 1)
				continue
			}
			if _, ok := s.caps[m]; ok && owner.Level >= 1 {
				col := inc.LevelIdx[owner.Level][ownerID]
				inc.CapCap[owner.Level].Set(inc.CapIdx[m], col, 1)
			}
		}
	}
	return inc
}
