package statestore

import (
	"fmt"
	"slices"

	"github.com/specialistvlad/gridtune/internal/tuning"
)

// State is the typed view of the tuning section: the search space and the
// three disjoint combination sets.
type State struct {
	Spec       tuning.Spec
	Unassigned []tuning.Combination
	// Assigned maps every known worker to its active combination; a nil
	// value is an empty slot.
	Assigned map[string]tuning.Combination
	Finished []tuning.Combination
}

// Counts summarizes a State.
type Counts struct {
	Unassigned int `json:"unassigned"`
	Assigned   int `json:"assigned"`
	Finished   int `json:"finished"`
	Total      int `json:"total"`
}

// Fresh derives a new state in which every combination of spec is
// unassigned and every worker has an empty slot.
func Fresh(spec tuning.Spec, workers []string) (*State, error) {
	combos, err := tuning.Generate(spec)
	if err != nil {
		return nil, err
	}
	st := &State{
		Spec:       spec,
		Unassigned: combos,
		Assigned:   make(map[string]tuning.Combination, len(workers)),
		Finished:   []tuning.Combination{},
	}
	for _, w := range workers {
		st.Assigned[w] = nil
	}
	return st, nil
}

// Counts returns the size of each set.
func (s *State) Counts() Counts {
	c := Counts{Unassigned: len(s.Unassigned), Finished: len(s.Finished)}
	for _, combo := range s.Assigned {
		if combo != nil {
			c.Assigned++
		}
	}
	c.Total = c.Unassigned + c.Assigned + c.Finished
	return c
}

// Assignment returns the worker's active combination, if any.
func (s *State) Assignment(worker string) (tuning.Combination, bool) {
	combo := s.Assigned[worker]
	return combo, combo != nil
}

// Assign moves Unassigned[idx] into the worker's slot.
func (s *State) Assign(worker string, idx int) (tuning.Combination, error) {
	if idx < 0 || idx >= len(s.Unassigned) {
		return nil, fmt.Errorf("unassigned index %d out of range [0,%d)", idx, len(s.Unassigned))
	}
	if cur := s.Assigned[worker]; cur != nil {
		return nil, fmt.Errorf("worker %s already holds %s", worker, cur)
	}
	combo := s.Unassigned[idx]
	s.Unassigned = append(s.Unassigned[:idx:idx], s.Unassigned[idx+1:]...)
	if s.Assigned == nil {
		s.Assigned = make(map[string]tuning.Combination)
	}
	s.Assigned[worker] = combo
	return combo, nil
}

// FinishAssigned moves the worker's active combination to Finished and
// clears the slot.
func (s *State) FinishAssigned(worker string) (tuning.Combination, bool) {
	combo := s.Assigned[worker]
	if combo == nil {
		return nil, false
	}
	s.Finished = append(s.Finished, combo)
	s.Assigned[worker] = nil
	return combo, true
}

// FinishUnassigned moves Unassigned[idx] straight to Finished.
func (s *State) FinishUnassigned(idx int) (tuning.Combination, error) {
	if idx < 0 || idx >= len(s.Unassigned) {
		return nil, fmt.Errorf("unassigned index %d out of range [0,%d)", idx, len(s.Unassigned))
	}
	combo := s.Unassigned[idx]
	s.Unassigned = append(s.Unassigned[:idx:idx], s.Unassigned[idx+1:]...)
	s.Finished = append(s.Finished, combo)
	return combo, nil
}

// Combos returns every combination held by the state across the three sets.
// Under the state invariant each combination of the tuning spec appears once.
func (s *State) Combos() []tuning.Combination {
	out := make([]tuning.Combination, 0, len(s.Unassigned)+len(s.Assigned)+len(s.Finished))
	out = append(out, s.Unassigned...)
	for _, combo := range s.Assigned {
		if combo != nil {
			out = append(out, combo)
		}
	}
	return append(out, s.Finished...)
}

// Duplicates lists, in Key form, the combinations held more than once across
// the three sets. It is empty unless the document was edited or written by
// two schedulers at once.
func (s *State) Duplicates() []string {
	seen := make(map[string]int)
	var out []string
	for _, combo := range s.Combos() {
		key := combo.Key()
		seen[key]++
		if seen[key] == 2 {
			out = append(out, key)
		}
	}
	slices.Sort(out)
	return out
}

func (s *State) validate() error {
	check := func(set string, combo tuning.Combination) error {
		if !tuning.Contains(s.Spec, combo) {
			return fmt.Errorf("%s holds %s, which does not fit the tuning spec", set, combo)
		}
		return nil
	}
	for _, c := range s.Unassigned {
		if err := check("unassigned", c); err != nil {
			return err
		}
	}
	for w, c := range s.Assigned {
		if c == nil {
			continue
		}
		if err := check("assigned["+w+"]", c); err != nil {
			return err
		}
	}
	for _, c := range s.Finished {
		if err := check("finished", c); err != nil {
			return err
		}
	}
	return nil
}
