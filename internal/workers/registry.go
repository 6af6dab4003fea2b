// Package workers loads the worker registry: the fleet of remote training
// targets, each identified by a key and carrying opaque credentials that are
// handed to the job runner verbatim.
package workers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/specialistvlad/gridtune/internal/ctxlog"
	"github.com/specialistvlad/gridtune/internal/ordered"
	"github.com/specialistvlad/gridtune/internal/tuneerr"
)

// Worker is one remote compute target.
type Worker struct {
	ID string
	// Identity is the human-facing account name (the credentials' `user`),
	// falling back to ID.
	Identity string
	// Credentials is the worker's registry entry, serialized as JSON.
	Credentials json.RawMessage
}

// Registry is the static worker set, in registry file order.
type Registry struct {
	workers []Worker
	byID    map[string]int
}

// Load reads a registry file shaped as {id: {user, ...credentials}}.
func Load(ctx context.Context, path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &tuneerr.PersistenceError{Path: path, Op: "read", Err: err}
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("worker registry %s: %w", path, err)
	}
	ctxlog.FromContext(ctx).Debug("Worker registry loaded.", "path", path, "workers", reg.Len())
	return reg, nil
}

// Parse decodes registry content.
func Parse(data []byte) (*Registry, error) {
	var root ordered.Object
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, tuneerr.Configf("worker registry is not a JSON object: %v", err)
	}
	reg := &Registry{byID: make(map[string]int, root.Len())}
	for _, id := range root.Keys() {
		raw, _ := root.Get(id)
		entry, ok := raw.(*ordered.Object)
		if !ok {
			return nil, &tuneerr.ConfigError{Path: id, Msg: fmt.Sprintf("worker entry must be an object, got %T", raw)}
		}
		creds, err := json.Marshal(entry)
		if err != nil {
			return nil, &tuneerr.ConfigError{Path: id, Msg: err.Error()}
		}
		identity := id
		if user, ok := entry.Get("user"); ok {
			if s, ok := user.(string); ok && s != "" {
				identity = s
			}
		}
		reg.byID[id] = len(reg.workers)
		reg.workers = append(reg.workers, Worker{ID: id, Identity: identity, Credentials: creds})
	}
	return reg, nil
}

// New builds a registry from workers, keeping their order. Intended for
// tests and embedding.
func New(ws ...Worker) *Registry {
	reg := &Registry{byID: make(map[string]int, len(ws))}
	for _, w := range ws {
		if w.Identity == "" {
			w.Identity = w.ID
		}
		if w.Credentials == nil {
			w.Credentials = json.RawMessage(`{}`)
		}
		reg.byID[w.ID] = len(reg.workers)
		reg.workers = append(reg.workers, w)
	}
	return reg
}

// Len returns the number of workers.
func (r *Registry) Len() int { return len(r.workers) }

// All returns the workers in registry order.
func (r *Registry) All() []Worker {
	out := make([]Worker, len(r.workers))
	copy(out, r.workers)
	return out
}

// IDs returns the worker ids in registry order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.workers))
	for i, w := range r.workers {
		out[i] = w.ID
	}
	return out
}

// Get looks a worker up by id.
func (r *Registry) Get(id string) (Worker, bool) {
	i, ok := r.byID[id]
	if !ok {
		return Worker{}, false
	}
	return r.workers[i], true
}
