package dashboard

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/panels/internal/model"
	"github.com/tinytelemetry/panels/internal/runner"
)

// ErrNotFound is returned for unknown dashboard uids.
var ErrNotFound = errors.New("dashboard not found")

// Summary describes a loaded dashboard.
type Summary struct {
	UID    string         `json:"uid"`
	Title  string         `json:"title"`
	Panels []PanelSummary `json:"panels"`
}

// PanelSummary describes one panel of a dashboard.
type PanelSummary struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Datasource string `json:"datasource,omitempty"`
	State      string `json:"state"`
}

// Service owns the loaded dashboards and their panel runners.
type Service struct {
	opts   runner.Options
	logger logrus.FieldLogger

	mu         sync.RWMutex
	dashboards map[string]*Dashboard
}

// NewService creates an empty service. opts is passed to every panel
// runner; its Shared field is set per dashboard.
func NewService(opts runner.Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Service{
		opts:       opts,
		logger:     opts.Logger.WithField("component", "dashboards"),
		dashboards: make(map[string]*Dashboard),
	}
}

// LoadDir loads every .yaml and .yml file in dir, in name order.
func (s *Service) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, errors.Wrap(err, "dashboards: read dir")
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return loaded, errors.Wrapf(err, "dashboards: read %s", name)
		}
		d, err := Parse(data)
		if err != nil {
			return loaded, errors.Wrapf(err, "dashboards: %s", name)
		}
		if err := s.Add(d); err != nil {
			return loaded, errors.Wrapf(err, "dashboards: %s", name)
		}
		s.logger.WithFields(logrus.Fields{"uid": d.UID, "file": name, "panels": len(d.Panels)}).Info("dashboard loaded")
		loaded++
	}
	return loaded, nil
}

// Add registers d and creates its panel runners.
func (s *Service) Add(d *Dashboard) error {
	if err := d.normalize(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dashboards[d.UID]; ok {
		return errors.Errorf("dashboard uid %s already loaded", d.UID)
	}
	d.attach(s.opts)
	s.dashboards[d.UID] = d
	return nil
}

// Get returns the dashboard with uid.
func (s *Service) Get(uid string) (*Dashboard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.dashboards[uid]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, uid)
	}
	return d, nil
}

// List summarizes the dashboards sorted by title, then uid.
func (s *Service) List() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.dashboards))
	for _, d := range s.dashboards {
		sum := Summary{UID: d.UID, Title: d.Title, Panels: make([]PanelSummary, 0, len(d.Panels))}
		for _, p := range d.Panels {
			state := model.LoadingStateNotStarted
			if r := p.QueryRunner(); r != nil {
				if last := r.GetLastResult(); last != nil {
					state = last.State
				}
			}
			sum.Panels = append(sum.Panels, PanelSummary{ID: p.ID, Title: p.Title, Datasource: p.Datasource, State: string(state)})
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].UID < out[j].UID
	})
	return out
}

// RefreshPanel runs a panel and waits for its processed result.
func (s *Service) RefreshPanel(ctx context.Context, uid string, panelID int64) (*model.PanelData, error) {
	d, err := s.Get(uid)
	if err != nil {
		return nil, err
	}
	return d.RefreshPanel(ctx, panelID)
}

// RunPanel starts a panel run without waiting.
func (s *Service) RunPanel(ctx context.Context, uid string, panelID int64) error {
	d, err := s.Get(uid)
	if err != nil {
		return err
	}
	return d.RunPanel(ctx, panelID)
}

// PanelData returns the panel's last result with transformations and field
// config applied, or nil when it has not run yet.
func (s *Service) PanelData(uid string, panelID int64) (*model.PanelData, error) {
	d, err := s.Get(uid)
	if err != nil {
		return nil, err
	}
	_, r, err := d.panelRunner(panelID)
	if err != nil {
		return nil, err
	}
	return r.Process(r.GetLastResult(), runner.GetDataOptions{WithTransforms: true, WithFieldConfig: true}), nil
}

// CancelPanel cancels the panel's active run.
func (s *Service) CancelPanel(uid string, panelID int64) error {
	d, err := s.Get(uid)
	if err != nil {
		return err
	}
	_, r, err := d.panelRunner(panelID)
	if err != nil {
		return err
	}
	r.CancelQuery()
	return nil
}

// Query runs an ad-hoc request on a throwaway runner that has no
// dashboard, so shared dashboard queries are not available to it.
func (s *Service) Query(ctx context.Context, opts runner.QueryRunnerOptions) (*model.PanelData, error) {
	o := s.opts
	o.Shared = nil
	r := runner.New(nil, o)
	defer r.Destroy()
	if opts.App == "" {
		opts.App = model.CoreAppAPI
	}
	return r.RunAndWait(ctx, opts, runner.GetDataOptions{})
}

// Close destroys every panel runner.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid, d := range s.dashboards {
		d.destroy()
		delete(s.dashboards, uid)
	}
}
