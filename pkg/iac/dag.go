package iac

import (
	"fmt"
	"sort"
	"strings"
)

// levelize assigns every unit its execution level: zero for units with no
// dependencies, otherwise one past the deepest dependency. Units sharing a
// level never depend on each other. The returned levels hold sorted unit IDs.
func levelize(units []PlanUnit) ([][]string, error) {
	if len(units) == 0 {
		return nil, nil
	}

	byID := make(map[string]*PlanUnit, len(units))
	for i := range units {
		u := &units[i]
		if u.ID == "" {
			return nil, NewPermanentError("plan unit has empty ID", nil).WithCode(ErrCodeValidation)
		}
		if _, dup := byID[u.ID]; dup {
			return nil, NewPermanentError("duplicate plan unit ID: "+u.ID, nil).WithCode(ErrCodeValidation)
		}
		byID[u.ID] = u
	}
	for i := range units {
		for _, dep := range units[i].DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, NewPermanentError(
					fmt.Sprintf("plan unit %s depends on non-existent unit %s", units[i].ID, dep), nil,
				).WithCode(ErrCodeValidation).WithResource(units[i].ResourceID)
			}
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	const (
		unvisited = iota
		visiting
		done
	)
	mark := make(map[string]int, len(ids))
	depth := make(map[string]int, len(ids))
	var stack []string

	var walk func(id string) error
	walk = func(id string) error {
		switch mark[id] {
		case done:
			return nil
		case visiting:
			start := 0
			for i, s := range stack {
				if s == id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), stack[start:]...), id)
			return NewPermanentError("circular dependency detected: "+strings.Join(cycle, " -> "), nil).
				WithCode(ErrCodeValidation)
		}

		mark[id] = visiting
		stack = append(stack, id)
		deps := append([]string(nil), byID[id].DependsOn...)
		sort.Strings(deps)
		level := 0
		for _, dep := range deps {
			if err := walk(dep); err != nil {
				return err
			}
			if depth[dep]+1 > level {
				level = depth[dep] + 1
			}
		}
		stack = stack[:len(stack)-1]
		mark[id] = done
		depth[id] = level
		return nil
	}

	levels := [][]string{}
	for _, id := range ids {
		if err := walk(id); err != nil {
			return nil, err
		}
	}
	for _, id := range ids {
		l := depth[id]
		for len(levels) <= l {
			levels = append(levels, nil)
		}
		levels[l] = append(levels[l], id)
		byID[id].Level = l
	}
	return levels, nil
}
