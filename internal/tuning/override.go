package tuning

import (
	"fmt"
	"strings"

	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
)

// Override sets Value at a dotted Path.
type Override struct {
	Path  string
	Value any
}

// Resolve maps combo onto concrete values, one Override per Spec path in
// Spec order.
func Resolve(spec Spec, combo Combination) ([]Override, error) {
	if !Contains(spec, combo) {
		return nil, tuneerr.Configf("combination %s does not fit a spec of %d paths", combo, spec.Len())
	}
	out := make([]Override, spec.Len())
	for i, path := range spec.Paths {
		out[i] = Override{Path: path, Value: spec.Values[i][combo[i]]}
	}
	return out, nil
}

// KeysToOverride renders overrides as a flat {path: value} object.
func KeysToOverride(overrides []Override) *ordered.Object {
	obj := ordered.New()
	for _, o := range overrides {
		obj.Set(o.Path, ordered.CloneValue(o.Value))
	}
	return obj
}

// Apply returns a deep copy of base with every override set. Missing
// intermediate objects are created and non-object intermediates are
// replaced. Overrides apply in order, so a later path that overlaps an
// earlier one wins. base is never modified.
func Apply(base *ordered.Object, overrides []Override) *ordered.Object {
	cfg := base.Clone()
	if cfg == nil {
		cfg = ordered.New()
	}
	for _, o := range overrides {
		setPath(cfg, o.Path, ordered.CloneValue(o.Value))
	}
	return cfg
}

func setPath(root *ordered.Object, dotted string, value any) {
	keys := strings.Split(dotted, ".")
	cur := root
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur.Get(k)
		child, isObj := next.(*ordered.Object)
		if !ok || !isObj {
			child = ordered.New()
			cur.Set(k, child)
		}
		cur = child
	}
	cur.Set(keys[len(keys)-1], value)
}

// Lookup reads the value at a dotted path.
func Lookup(root *ordered.Object, dotted string) (any, error) {
	keys := strings.Split(dotted, ".")
	cur := root
	for i, k := range keys {
		v, ok := cur.Get(k)
		if !ok {
			return nil, fmt.Errorf("path %q: key %q not found", dotted, k)
		}
		if i == len(keys)-1 {
			return v, nil
		}
		next, ok := v.(*ordered.Object)
		if !ok {
			return nil, fmt.Errorf("path %q: %q is not an object", dotted, k)
		}
		cur = next
	}
	return nil, fmt.Errorf("path %q is empty", dotted)
}
