// Package datasource resolves datasource names and provides the built-in
// testdata and SQL datasources.
package datasource

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/templating"
)

// SharedDashboardDatasource is the name of the virtual datasource that
// reuses the results of another panel on the same dashboard.
const SharedDashboardDatasource = "-- Dashboard --"

var (
	// ErrNotFound is returned by Get for unknown names.
	ErrNotFound = errors.New("datasource not found")

	// ErrDuplicate is returned by Register when the name is taken.
	ErrDuplicate = errors.New("datasource already registered")
)

// IsSharedDashboardQuery reports whether a run targets the shared dashboard
// datasource, either by name or through a resolved handle.
func IsSharedDashboardQuery(name string, ds model.DataSource) bool {
	if ds != nil {
		return ds.Name() == SharedDashboardDatasource
	}
	return name == SharedDashboardDatasource
}

// Info describes a registered datasource.
type Info struct {
	Name     string           `json:"name"`
	Meta     model.PluginMeta `json:"meta"`
	Interval string           `json:"interval,omitempty"`
	Default  bool             `json:"isDefault"`
}

// Registry maps names to datasources.
type Registry struct {
	mu          sync.RWMutex
	sources     map[string]model.DataSource
	defaultName string
}

// NewRegistry creates an empty registry. The first registered datasource
// becomes the default unless SetDefault is called.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]model.DataSource)}
}

// Register adds ds under ds.Name().
func (r *Registry) Register(ds model.DataSource) error {
	name := ds.Name()
	if strings.TrimSpace(name) == "" {
		return errors.New("datasource name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; ok {
		return errors.Wrap(ErrDuplicate, name)
	}
	r.sources[name] = ds
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

// SetDefault selects the datasource used for empty names.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; !ok {
		return errors.Wrap(ErrNotFound, name)
	}
	r.defaultName = name
	return nil
}

// Get resolves name after substituting template variables. An empty name
// resolves to the default datasource.
func (r *Registry) Get(_ context.Context, name string, vars model.ScopedVars) (model.DataSource, error) {
	name = strings.TrimSpace(templating.Replace(name, vars))

	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" || name == "default" {
		name = r.defaultName
	}
	ds, ok := r.sources[name]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return ds, nil
}

// List returns the registered datasources sorted by name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sources))
	for name, ds := range r.sources {
		out = append(out, Info{
			Name:     name,
			Meta:     ds.Meta(),
			Interval: ds.Interval(),
			Default:  name == r.defaultName,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
