// Package transform applies ordered, configurable transformations to the
// frames of a panel result.
package transform

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/frame"
)

// ErrUnknownTransformer is returned for configs naming an unregistered id.
var ErrUnknownTransformer = errors.New("unknown transformer")

// Config selects a transformer and its options.
type Config struct {
	ID       string         `json:"id" yaml:"id"`
	Disabled bool           `json:"disabled,omitempty" yaml:"disabled,omitempty"`
	Options  map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Transformer turns a list of frames into a new list of frames. It must not
// modify its input.
type Transformer interface {
	ID() string
	Transform(opts map[string]any, frames []*frame.Frame) ([]*frame.Frame, error)
}

// Registry holds the available transformers.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]Transformer
	logger logrus.FieldLogger
}

// NewRegistry returns a registry holding the built-in transformers.
func NewRegistry(logger logrus.FieldLogger) *Registry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Registry{byID: make(map[string]Transformer), logger: logger}
	for _, t := range builtins() {
		r.Register(t)
	}
	return r
}

// Register adds or replaces t.
func (r *Registry) Register(t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[t.ID()] = t
}

// Get returns the transformer registered as id.
func (r *Registry) Get(id string) (Transformer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTransformer, "%q", id)
	}
	return t, nil
}

// IDs lists registered transformer ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Apply runs configs in order. Disabled configs are skipped. A step that
// fails is logged and leaves the frames as they were before it.
func (r *Registry) Apply(configs []Config, series []*frame.Frame) []*frame.Frame {
	out := series
	for _, cfg := range configs {
		if cfg.Disabled {
			continue
		}
		t, err := r.Get(cfg.ID)
		if err != nil {
			r.logger.WithError(err).Warn("transform: skipping step")
			continue
		}
		next, err := t.Transform(cfg.Options, out)
		if err != nil {
			r.logger.WithError(err).WithField("transformer", cfg.ID).Warn("transform: step failed")
			continue
		}
		out = next
	}
	return out
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry of built-in transformers.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry(nil)
	})
	return defaultRegistry
}

// Apply runs configs against series using the default registry.
func Apply(configs []Config, series []*frame.Frame) []*frame.Frame {
	return Default().Apply(configs, series)
}

func builtins() []Transformer {
	return []Transformer{
		filterFieldsByName{},
		organize{},
		reduce{},
		calculateField{},
		filterByValue{},
	}
}
