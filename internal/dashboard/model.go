// Package dashboard loads dashboards and runs the queries of their panels.
package dashboard

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tinytelemetry/panels/internal/fieldconfig"
	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/rangeutil"
	"github.com/tinytelemetry/panels/internal/runner"
	"github.com/tinytelemetry/panels/internal/transform"
)

// Variable is a dashboard template variable with its current selection.
type Variable struct {
	Name    string `json:"name" yaml:"name"`
	Label   string `json:"label,omitempty" yaml:"label,omitempty"`
	Type    string `json:"type,omitempty" yaml:"type,omitempty"`
	Current struct {
		Text  string `json:"text" yaml:"text"`
		Value any    `json:"value" yaml:"value"`
	} `json:"current" yaml:"current"`
}

// Panel is one visualization and its queries.
type Panel struct {
	ID              int64                `json:"id" yaml:"id"`
	Title           string               `json:"title" yaml:"title"`
	Type            string               `json:"type,omitempty" yaml:"type,omitempty"`
	Datasource      string               `json:"datasource,omitempty" yaml:"datasource,omitempty"`
	Targets         []model.DataQuery    `json:"targets" yaml:"targets"`
	Transforms      []transform.Config   `json:"transformations,omitempty" yaml:"transformations,omitempty"`
	FieldConfig     *fieldconfig.Options `json:"fieldConfig,omitempty" yaml:"fieldConfig,omitempty"`
	MaxDataPoints   int                  `json:"maxDataPoints,omitempty" yaml:"maxDataPoints,omitempty"`
	Interval        string               `json:"interval,omitempty" yaml:"interval,omitempty"`
	CacheTimeout    string               `json:"cacheTimeout,omitempty" yaml:"cacheTimeout,omitempty"`

	mu     sync.RWMutex
	inView bool
	runner *runner.PanelQueryRunner
}

// Transformations and FieldOverrideOptions make a Panel the data config
// source of its runner.
func (p *Panel) Transformations() []transform.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.Transforms
}

func (p *Panel) FieldOverrideOptions() *fieldconfig.Options {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.FieldConfig
}

// SetTransformations replaces the panel's transformations. Subscribers see
// the change with the next delivered result.
func (p *Panel) SetTransformations(configs []transform.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Transforms = configs
}

// SetFieldConfig replaces the panel's field config.
func (p *Panel) SetFieldConfig(opts *fieldconfig.Options) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FieldConfig = opts
}

// SetInView marks whether something is currently showing the panel.
func (p *Panel) SetInView(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inView = v
}

// InView reports whether something is currently showing the panel.
func (p *Panel) InView() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.inView
}

// QueryRunner returns the panel's runner. It is nil until the panel is
// attached to a Service.
func (p *Panel) QueryRunner() *runner.PanelQueryRunner {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runner
}

// Dashboard is a set of panels sharing a time range and variables.
type Dashboard struct {
	UID       string                 `json:"uid" yaml:"uid"`
	Title     string                 `json:"title" yaml:"title"`
	Timezone  string                 `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Time      rangeutil.RawTimeRange `json:"time" yaml:"time"`
	Variables []Variable             `json:"variables,omitempty" yaml:"variables,omitempty"`
	Panels    []*Panel               `json:"panels" yaml:"panels"`

	mu sync.RWMutex
}

// Parse decodes a YAML dashboard and fills in defaults. A missing uid is
// generated.
func Parse(data []byte) (*Dashboard, error) {
	var d Dashboard
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, errors.Wrap(err, "dashboard: decode yaml")
	}
	if err := d.normalize(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Dashboard) normalize() error {
	if strings.TrimSpace(d.UID) == "" {
		d.UID = uuid.NewString()
	}
	if d.Timezone == "" {
		d.Timezone = model.DefaultTimeZone
	}
	if d.Time.From == "" {
		d.Time.From = model.DefaultTimeRangeFrom
	}
	if d.Time.To == "" {
		d.Time.To = model.DefaultTimeRangeTo
	}
	seen := make(map[int64]bool, len(d.Panels))
	for _, p := range d.Panels {
		if p == nil {
			return errors.Errorf("dashboard %s: empty panel entry", d.UID)
		}
		if p.ID <= 0 {
			return errors.Errorf("dashboard %s: panel %q has no id", d.UID, p.Title)
		}
		if seen[p.ID] {
			return errors.Errorf("dashboard %s: duplicate panel id %d", d.UID, p.ID)
		}
		seen[p.ID] = true
		for i := range p.Targets {
			if p.Targets[i].RefID == "" {
				p.Targets[i].RefID = string(rune('A' + i%26))
			}
		}
	}
	return nil
}

// GetPanelByID returns the panel with id, or nil.
func (d *Dashboard) GetPanelByID(id int64) *Panel {
	for _, p := range d.Panels {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ScopedVars returns the current values of the dashboard variables.
func (d *Dashboard) ScopedVars() model.ScopedVars {
	d.mu.RLock()
	defer d.mu.RUnlock()
	vars := make(model.ScopedVars, len(d.Variables))
	for _, v := range d.Variables {
		text := v.Current.Text
		if text == "" {
			if s, ok := v.Current.Value.(string); ok {
				text = s
			}
		}
		vars[v.Name] = model.ScopedVar{Text: text, Value: v.Current.Value}
	}
	return vars
}

// SetVariable changes the current value of a variable.
func (d *Dashboard) SetVariable(name string, text string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.Variables {
		if d.Variables[i].Name == name {
			d.Variables[i].Current.Text = text
			d.Variables[i].Current.Value = value
			return nil
		}
	}
	return errors.Errorf("dashboard %s: unknown variable %q", d.UID, name)
}

// SetTimeRange changes the dashboard time range.
func (d *Dashboard) SetTimeRange(raw rangeutil.RawTimeRange) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Time = raw
}

// TimeRange returns the dashboard time range and timezone.
func (d *Dashboard) TimeRange() (rangeutil.RawTimeRange, string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Time, d.Timezone
}
