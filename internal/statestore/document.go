package statestore

import (
	"encoding/json"
	"fmt"

	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
	"github.com/specialistvlad/gridtune/internal/tuning"
)

// Document keys.
const (
	keyTune        = "tune"
	keyContinueRun = "continue_run"
	keyTuning      = "tuning"

	keyOptions       = "tuning_options"
	keyWorkers       = "availableWorkers"
	keyLegacyWorkers = "availibleStudios"
	keySpec          = "spec"
	keyCompact       = "compact"
	keyUnassigned    = "unassigned"
	keyAssigned      = "assigned"
	keyFinished      = "finished"
)

// Document is the persisted tuning-state document. Everything outside the
// `tuning` section is the base worker config and is kept verbatim, in
// document order.
type Document struct {
	root    *ordered.Object
	section *ordered.Object

	// Options is the tuning-options tree.
	Options *ordered.Object
	// Workers is the worker set the state was derived for; nil when absent.
	Workers []string
	// State is nil until every derived section is present.
	State *State
}

// Tune reports the document's `tune` flag.
func (d *Document) Tune() bool {
	v, _ := d.root.Get(keyTune)
	b, _ := v.(bool)
	return b
}

// ContinueRun reports the document's `continue_run` flag.
func (d *Document) ContinueRun() bool {
	v, _ := d.root.Get(keyContinueRun)
	b, _ := v.(bool)
	return b
}

// BaseConfig returns a copy of the document without the `tune` and `tuning`
// keys: the config every combination is applied on top of.
func (d *Document) BaseConfig() *ordered.Object {
	cfg := d.root.Clone()
	cfg.Delete(keyTune)
	cfg.Delete(keyTuning)
	return cfg
}

// ConfigFor materializes the worker config for combo along with the flat
// overrides that produced it.
func (d *Document) ConfigFor(combo tuning.Combination) (*ordered.Object, []tuning.Override, error) {
	if d.State == nil {
		return nil, nil, tuneerr.Configf("tuning state is not initialized")
	}
	overrides, err := tuning.Resolve(d.State.Spec, combo)
	if err != nil {
		return nil, nil, err
	}
	return tuning.Apply(d.BaseConfig(), overrides), overrides, nil
}

// parseDocument validates the top-level shape and decodes the tuning section.
// Shape problems in user-authored fields are configuration errors; damaged
// derived sections are reported as corruption.
func parseDocument(path string, data []byte) (*Document, error) {
	var root ordered.Object
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, &tuneerr.PersistenceError{Path: path, Op: "parse", Err: err}
	}
	doc := &Document{root: &root}

	if !doc.Tune() {
		return nil, tuneerr.Configf("%s: `tune` is not true", path)
	}
	raw, ok := root.Get(keyTuning)
	if !ok || raw == nil {
		return nil, tuneerr.Configf("%s: no `tuning` section is provided", path)
	}
	section, ok := raw.(*ordered.Object)
	if !ok {
		return nil, tuneerr.Configf("%s: `tuning` must be an object, got %T", path, raw)
	}
	doc.section = section

	if v, ok := section.Get(keyOptions); ok && v != nil {
		opts, ok := v.(*ordered.Object)
		if !ok {
			return nil, &tuneerr.ConfigError{Path: keyOptions, Msg: fmt.Sprintf("must be an object, got %T", v)}
		}
		doc.Options = opts
	}

	corrupt := func(err error) error {
		return &tuneerr.PersistenceError{Path: path, Op: "decode", Err: err}
	}

	workersRaw, ok := section.Get(keyWorkers)
	if !ok {
		workersRaw, ok = section.Get(keyLegacyWorkers)
	}
	if ok && workersRaw != nil {
		workers, err := decodeStrings(workersRaw)
		if err != nil {
			return nil, corrupt(fmt.Errorf("%s: %w", keyWorkers, err))
		}
		doc.Workers = workers
	}

	specRaw, hasSpec := section.Get(keySpec)
	unRaw, hasUn := section.Get(keyUnassigned)
	asRaw, hasAs := section.Get(keyAssigned)
	finRaw, hasFin := section.Get(keyFinished)
	if !hasSpec || !hasUn || !hasAs || !hasFin || specRaw == nil || unRaw == nil || asRaw == nil || finRaw == nil {
		return doc, nil
	}

	st := &State{}
	specJSON, err := json.Marshal(specRaw)
	if err != nil {
		return nil, corrupt(err)
	}
	if err := json.Unmarshal(specJSON, &st.Spec); err != nil {
		return nil, corrupt(fmt.Errorf("%s: %w", keySpec, err))
	}
	if err := st.Spec.Validate(); err != nil {
		return nil, corrupt(fmt.Errorf("%s: %w", keySpec, err))
	}
	if st.Unassigned, err = decodeCombos(unRaw); err != nil {
		return nil, corrupt(fmt.Errorf("%s: %w", keyUnassigned, err))
	}
	if st.Finished, err = decodeCombos(finRaw); err != nil {
		return nil, corrupt(fmt.Errorf("%s: %w", keyFinished, err))
	}
	if st.Assigned, err = decodeAssigned(asRaw); err != nil {
		return nil, corrupt(fmt.Errorf("%s: %w", keyAssigned, err))
	}
	if err := st.validate(); err != nil {
		return nil, corrupt(err)
	}
	doc.State = st
	return doc, nil
}

// encode writes the typed fields back into the ordered document.
func (d *Document) encode() *ordered.Object {
	if d.section == nil {
		d.section = ordered.New()
		d.root.Set(keyTuning, d.section)
	}
	if d.Options != nil {
		d.section.Set(keyOptions, d.Options)
	}
	if d.Workers != nil {
		d.section.Set(keyWorkers, d.Workers)
		d.section.Delete(keyLegacyWorkers)
	}
	if st := d.State; st != nil {
		assigned := ordered.New()
		for _, w := range d.assignedOrder() {
			slot := []tuning.Combination{}
			if combo := st.Assigned[w]; combo != nil {
				slot = append(slot, combo)
			}
			assigned.Set(w, slot)
		}
		d.section.Set(keySpec, st.Spec)
		d.section.Set(keyUnassigned, nonNil(st.Unassigned))
		d.section.Set(keyAssigned, assigned)
		d.section.Set(keyFinished, nonNil(st.Finished))
	}
	return d.root
}

// assignedOrder lists workers in registry order first, then any extra
// workers recorded in the state.
func (d *Document) assignedOrder() []string {
	seen := make(map[string]bool, len(d.State.Assigned))
	out := make([]string, 0, len(d.State.Assigned))
	for _, w := range d.Workers {
		if _, ok := d.State.Assigned[w]; ok && !seen[w] {
			out = append(out, w)
			seen[w] = true
		}
	}
	if prev, ok := d.section.Get(keyAssigned); ok {
		if obj, ok := prev.(*ordered.Object); ok {
			for _, w := range obj.Keys() {
				if _, ok := d.State.Assigned[w]; ok && !seen[w] {
					out = append(out, w)
					seen[w] = true
				}
			}
		}
	}
	for w := range d.State.Assigned {
		if !seen[w] {
			out = append(out, w)
			seen[w] = true
		}
	}
	return out
}

func nonNil(c []tuning.Combination) []tuning.Combination {
	if c == nil {
		return []tuning.Combination{}
	}
	return c
}

func decodeStrings(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array, got %T", v)
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			return nil, fmt.Errorf("expected strings, got %T", e)
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeCombos(v any) ([]tuning.Combination, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected an array of combinations, got %T", v)
	}
	out := make([]tuning.Combination, 0, len(list))
	for _, e := range list {
		combo, err := decodeCombo(e)
		if err != nil {
			return nil, err
		}
		out = append(out, combo)
	}
	return out, nil
}

func decodeCombo(v any) (tuning.Combination, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("combination must be an array, got %T", v)
	}
	combo := make(tuning.Combination, len(list))
	for i, e := range list {
		num, ok := e.(json.Number)
		if !ok {
			return nil, fmt.Errorf("combination index must be a number, got %T", e)
		}
		idx, err := num.Int64()
		if err != nil {
			return nil, fmt.Errorf("combination index %q: %w", num, err)
		}
		combo[i] = int(idx)
	}
	return combo, nil
}

// decodeAssigned reads the `assigned` map, where each worker holds either an
// empty list or a one-element list with its combination.
func decodeAssigned(v any) (map[string]tuning.Combination, error) {
	obj, ok := v.(*ordered.Object)
	if !ok {
		return nil, fmt.Errorf("expected an object, got %T", v)
	}
	out := make(map[string]tuning.Combination, obj.Len())
	for _, w := range obj.Keys() {
		raw, _ := obj.Get(w)
		slot, err := decodeCombos(raw)
		if err != nil {
			return nil, fmt.Errorf("worker %s: %w", w, err)
		}
		switch len(slot) {
		case 0:
			out[w] = nil
		case 1:
			out[w] = slot[0]
		default:
			return nil, fmt.Errorf("worker %s holds %d combinations, at most one is allowed", w, len(slot))
		}
	}
	return out, nil
}
