// Package orchestrator reads the orchestrator's object directory and resolves
// the short aliases operators type on the command line.
package orchestrator

import (
	"context"
	"strings"

	"github.com/drblury/silverline/internal/runtime/errors"
	"github.com/drblury/silverline/internal/runtime/ids"
)

// Object kinds, as used in UnknownTargetError.
const (
	KindRuntime = "Runtime"
	KindModule  = "Module"
)

// Module is a module known to the orchestrator.
type Module struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	Filename string `json:"filename,omitempty"`
}

// Runtime is a runtime known to the orchestrator, with the modules it hosts.
type Runtime struct {
	UUID     string   `json:"uuid"`
	Name     string   `json:"name"`
	Children []Module `json:"children,omitempty"`
}

// Directory lists the orchestrator's objects.
type Directory interface {
	Runtimes(ctx context.Context) ([]Runtime, error)
	Modules(ctx context.Context) ([]Module, error)
}

// Resolver maps aliases to UUIDs. An alias is tried as a full UUID, then as
// the last four characters of a UUID, then as a name. When several objects
// share a short id or name the last one listed wins.
type Resolver struct {
	kind   string
	full   map[string]struct{}
	short  map[string]string
	byName map[string]string
}

// NewResolver indexes objects given as uuid to name.
func NewResolver(kind string, objects map[string]string) *Resolver {
	r := &Resolver{
		kind:   kind,
		full:   make(map[string]struct{}, len(objects)),
		short:  make(map[string]string, len(objects)),
		byName: make(map[string]string, len(objects)),
	}
	for id, name := range objects {
		r.full[id] = struct{}{}
		r.short[ids.ShortID(id)] = id
		r.byName[name] = id
	}
	return r
}

// Resolve returns the UUID alias refers to.
func (r *Resolver) Resolve(alias string) (string, error) {
	if _, ok := r.full[alias]; ok {
		return alias, nil
	}
	if id, ok := r.short[alias]; ok {
		return id, nil
	}
	if id, ok := r.byName[alias]; ok {
		return id, nil
	}
	return "", &errors.UnknownTargetError{Kind: r.kind, Alias: alias}
}

// ResolveAll resolves every alias, stopping at the first unknown one.
func (r *Resolver) ResolveAll(aliases []string) ([]string, error) {
	out := make([]string, 0, len(aliases))
	for _, a := range aliases {
		id, err := r.Resolve(strings.TrimSpace(a))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// InferRuntimes resolves runtime aliases against dir.
func InferRuntimes(ctx context.Context, dir Directory, aliases []string) ([]string, error) {
	runtimes, err := dir.Runtimes(ctx)
	if err != nil {
		return nil, err
	}
	objects := make(map[string]string, len(runtimes))
	for _, rt := range runtimes {
		objects[rt.UUID] = rt.Name
	}
	return NewResolver(KindRuntime, objects).ResolveAll(aliases)
}

// InferModules resolves module aliases against dir.
func InferModules(ctx context.Context, dir Directory, aliases []string) ([]string, error) {
	modules, err := dir.Modules(ctx)
	if err != nil {
		return nil, err
	}
	objects := make(map[string]string, len(modules))
	for _, m := range modules {
		objects[m.UUID] = m.Name
	}
	return NewResolver(KindModule, objects).ResolveAll(aliases)
}
