// Package identity resolves actor ids to the roles the workflow core checks
// transitions against. Role membership is owned by an external identity
// system; this package only reads it.
package identity

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stageflow/model"
)

// Resolver maps an actor id to an Actor carrying its roles. Unknown or
// disabled actors resolve to an UNAUTHORIZED error.
type Resolver interface {
	Resolve(ctx context.Context, actorID string) (model.Actor, error)
}

type directoryFile struct {
	Actors []actorEntry `yaml:"actors"`
}

type actorEntry struct {
	ID       string   `yaml:"id"`
	Roles    []string `yaml:"roles"`
	Disabled bool     `yaml:"disabled"`
}

// StaticDirectory resolves actors from a YAML file listing each actor id
// with its roles.
type StaticDirectory struct {
	path   string
	mu     sync.RWMutex
	actors map[string]actorEntry
}

// NewStaticDirectory creates a directory that loads actors from path.
func NewStaticDirectory(path string) (*StaticDirectory, error) {
	d := &StaticDirectory{path: path}
	if err := d.Sync(); err != nil {
		return nil, err
	}
	return d, nil
}

// NewDirectory builds an in-memory directory from actor id to roles.
func NewDirectory(roles map[string][]string) *StaticDirectory {
	actors := make(map[string]actorEntry, len(roles))
	for id, r := range roles {
		actors[id] = actorEntry{ID: id, Roles: slices.Clone(r)}
	}
	return &StaticDirectory{actors: actors}
}

// Resolve returns the actor with its roles.
func (d *StaticDirectory) Resolve(_ context.Context, actorID string) (model.Actor, error) {
	if actorID == "" {
		return model.Actor{}, model.NewUnauthorizedError("actor id is required")
	}

	d.mu.RLock()
	entry, ok := d.actors[actorID]
	d.mu.RUnlock()

	if !ok || entry.Disabled {
		return model.Actor{}, model.NewUnauthorizedError(fmt.Sprintf("actor %q is not known", actorID))
	}
	return model.Actor{ID: entry.ID, Roles: slices.Clone(entry.Roles)}, nil
}

// Len returns the number of actors in the directory, disabled ones included.
func (d *StaticDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.actors)
}

// Sync reloads the directory file from disk. On error the previously loaded
// actors stay in place.
func (d *StaticDirectory) Sync() error {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("identity: reading directory file %s: %w", d.path, err)
	}

	var f directoryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("identity: parsing directory file %s: %w", d.path, err)
	}

	actors := make(map[string]actorEntry, len(f.Actors))
	for i, a := range f.Actors {
		if a.ID == "" {
			return fmt.Errorf("identity: %s: actors[%d] has no id", d.path, i)
		}
		if _, dup := actors[a.ID]; dup {
			return fmt.Errorf("identity: %s: actor %q is listed twice", d.path, a.ID)
		}
		actors[a.ID] = a
	}

	d.mu.Lock()
	d.actors = actors
	d.mu.Unlock()

	return nil
}
