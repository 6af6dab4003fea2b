// Package tuning turns a nested tuning-options tree into a flat search space,
// enumerates the combinations of that space, and materializes worker configs
// for individual combinations.
//
// A Spec is the flattened form of the tree: dotted paths into a config paired
// one-to-one with their candidate values. A Combination picks one candidate
// index per path. Combinations are indexed against the Spec's path order, so
// that order is derived deterministically from the tree and persisted with
// the tuning state.
package tuning

import (
	"fmt"
	"strings"

	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
)

// MaxDepth bounds how deeply a tuning-options tree may nest.
const MaxDepth = 64

// Spec is the flattened search space.
type Spec struct {
	Paths  []string `json:"paths"`
	Values [][]any  `json:"values"`
}

// Len returns the number of tunable paths.
func (s Spec) Len() int { return len(s.Paths) }

// Validate checks the one-to-one pairing of paths and candidate lists.
func (s Spec) Validate() error {
	if len(s.Paths) != len(s.Values) {
		return tuneerr.Configf("spec has %d paths but %d value lists", len(s.Paths), len(s.Values))
	}
	for i, vals := range s.Values {
		if len(vals) == 0 {
			return &tuneerr.ConfigError{Path: s.Paths[i], Msg: "candidate list is empty"}
		}
	}
	return nil
}

type frame struct {
	prefix []string
	node   *ordered.Object
	next   int
}

// Flatten walks tree depth-first in document key order and returns the
// resulting Spec. Every leaf must be a non-empty sequence of candidates.
func Flatten(tree *ordered.Object) (Spec, error) {
	spec := Spec{Paths: []string{}, Values: [][]any{}}
	if tree == nil {
		return spec, nil
	}

	stack := []*frame{{node: tree}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		keys := top.node.Keys()
		if top.next >= len(keys) {
			stack = stack[:len(stack)-1]
			continue
		}
		key := keys[top.next]
		top.next++

		path := make([]string, len(top.prefix)+1)
		copy(path, top.prefix)
		path[len(top.prefix)] = key
		dotted := strings.Join(path, ".")

		val, _ := top.node.Get(key)
		switch v := val.(type) {
		case *ordered.Object:
			if len(stack) >= MaxDepth {
				return Spec{}, &tuneerr.ConfigError{Path: dotted, Msg: fmt.Sprintf("tuning options nest deeper than %d levels", MaxDepth)}
			}
			stack = append(stack, &frame{prefix: path, node: v})
		case []any:
			if len(v) == 0 {
				return Spec{}, &tuneerr.ConfigError{Path: dotted, Msg: "candidate list is empty"}
			}
			spec.Paths = append(spec.Paths, dotted)
			spec.Values = append(spec.Values, v)
		default:
			return Spec{}, &tuneerr.ConfigError{Path: dotted, Msg: fmt.Sprintf("tuning_options leaf values must be arrays, got %T", val)}
		}
	}
	return spec, nil
}

// UnmarshalJSON decodes a persisted spec, keeping object-valued candidates
// in document order and numbers exact.
func (s *Spec) UnmarshalJSON(data []byte) error {
	raw, err := ordered.Decode(data)
	if err != nil {
		return err
	}
	obj, ok := raw.(*ordered.Object)
	if !ok {
		return tuneerr.Configf("spec must be an object, got %T", raw)
	}

	out := Spec{Paths: []string{}, Values: [][]any{}}
	if v, ok := obj.Get("paths"); ok && v != nil {
		list, ok := v.([]any)
		if !ok {
			return tuneerr.Configf("spec.paths must be an array, got %T", v)
		}
		for _, p := range list {
			ps, ok := p.(string)
			if !ok {
				return tuneerr.Configf("spec.paths entries must be strings, got %T", p)
			}
			out.Paths = append(out.Paths, ps)
		}
	}
	if v, ok := obj.Get("values"); ok && v != nil {
		list, ok := v.([]any)
		if !ok {
			return tuneerr.Configf("spec.values must be an array, got %T", v)
		}
		for i, e := range list {
			vals, ok := e.([]any)
			if !ok {
				return tuneerr.Configf("spec.values[%d] must be an array, got %T", i, e)
			}
			out.Values = append(out.Values, vals)
		}
	}
	*s = out
	return nil
}
