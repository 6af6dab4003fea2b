// Package statestore persists the tuning-state document: the tuning options,
// the flattened spec, and the unassigned/assigned/finished combination sets.
//
// The document lives in a single JSON file that operators may also edit by
// hand. Every load re-reads the file so external edits are picked up on the
// next turn. Writes replace the whole file with a snapshot; there is no
// locking, so concurrent writers race and the last write wins.
package statestore

import (
	"context"
	"encoding/json"
	"os"
	"slices"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
	"github.com/specialistvlad/gridtune/internal/fsutil"
	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
	"github.com/specialistvlad/gridtune/internal/tuning"
)

// Store reads and writes the tuning-state document at a fixed path.
type Store struct {
	path string
}

// New creates a store for the document at path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads and parses the document.
func (s *Store) Load(ctx context.Context) (*Document, error) {
	logger := ctxlog.FromContext(ctx)
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, &tuneerr.PersistenceError{Path: s.path, Op: "read", Err: err}
	}
	doc, err := parseDocument(s.path, data)
	if err != nil {
		return nil, err
	}
	if doc.State != nil {
		if dups := doc.State.Duplicates(); len(dups) > 0 {
			logger.Warn("Tuning state holds duplicate combinations.", "path", s.path, "combinations", dups)
		}
	}
	logger.Debug("Tuning state loaded.", "path", s.path, "initialized", doc.State != nil)
	return doc, nil
}

// Save overwrites the document with a full snapshot of doc.
func (s *Store) Save(ctx context.Context, doc *Document) error {
	root := doc.encode()
	data, err := json.MarshalIndent(root, "", "    ")
	if err != nil {
		return &tuneerr.PersistenceError{Path: s.path, Op: "encode", Err: err}
	}
	if err := fsutil.WriteFileAtomic(s.path, data, 0o644); err != nil {
		return &tuneerr.PersistenceError{Path: s.path, Op: "write", Err: err}
	}
	if st := doc.State; st != nil {
		c := st.Counts()
		ctxlog.FromContext(ctx).Debug("Tuning state saved.", "path", s.path,
			"unassigned", c.Unassigned, "assigned", c.Assigned, "finished", c.Finished)
	}
	return nil
}

// InitializeIfAbsent loads the document and, if any derived section or the
// worker list is missing, recomputes the whole state from the tuning options
// and workers and persists it. It reports whether a fresh state was written.
// Tuning mode always runs with `continue_run` set, so that flag is forced on
// as well.
func (s *Store) InitializeIfAbsent(ctx context.Context, workers []string) (*Document, bool, error) {
	logger := ctxlog.FromContext(ctx)
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, false, err
	}

	dirty := false
	if !doc.ContinueRun() {
		doc.root.Set(keyContinueRun, true)
		dirty = true
	}

	fresh := false
	if doc.State == nil || doc.Workers == nil {
		spec, err := tuning.Flatten(doc.Options)
		if err != nil {
			return nil, false, err
		}
		st, err := Fresh(spec, workers)
		if err != nil {
			return nil, false, err
		}
		if doc.Options == nil {
			doc.Options = ordered.New()
		}
		doc.Workers = append([]string{}, workers...)
		doc.State = st
		doc.section.Set(keyCompact, compact{Paths: spec.Paths, Values: spec.Values, Combos: slices.Clone(nonNil(st.Unassigned))})
		fresh = true
		dirty = true
		logger.Info("Derived fresh tuning state.", "paths", spec.Len(), "combinations", len(st.Unassigned), "workers", len(workers))
	} else {
		// Workers added to the registry after initialization start empty.
		for _, w := range workers {
			if _, ok := doc.State.Assigned[w]; !ok {
				doc.State.Assigned[w] = nil
				dirty = true
			}
		}
	}

	if dirty {
		if err := s.Save(ctx, doc); err != nil {
			return nil, false, err
		}
	}
	return doc, fresh, nil
}

// compact mirrors the tuning spec and full combination list in one block for
// readers that want the whole search space at a glance.
type compact struct {
	Paths  []string             `json:"paths"`
	Values [][]any              `json:"values"`
	Combos []tuning.Combination `json:"combos"`
}
