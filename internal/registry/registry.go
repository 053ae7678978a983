package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mExOms/gateway/pkg/types"
	"github.com/sirupsen/logrus"
)

// snapshot is an immutable view of every venue
type snapshot struct {
	byID    map[string]types.VenueConfig
	ordered []string
}

// Registry is the catalog of tradable venues.
// Reads are lock-free; SetActive publishes a new snapshot.
type Registry struct {
	current   atomic.Pointer[snapshot]
	writeMu   sync.Mutex
	listeners []func(types.VenueConfig)
	logger    *logrus.Entry
}

// New creates a registry from venue configurations
func New(venues []types.VenueConfig) (*Registry, error) {
	snap := &snapshot{byID: make(map[string]types.VenueConfig, len(venues))}
	for _, v := range venues {
		id := strings.TrimSpace(v.ID)
		if id == "" {
			return nil, fmt.Errorf("venue id is required")
		}
		if _, exists := snap.byID[id]; exists {
			return nil, fmt.Errorf("venue %s already exists", id)
		}
		cfg := v.Clone()
		cfg.ID = id
		snap.byID[id] = cfg
		snap.ordered = append(snap.ordered, id)
	}
	sortByPriority(snap)

	r := &Registry{logger: logrus.WithField("component", "registry")}
	r.current.Store(snap)
	return r, nil
}

func sortByPriority(s *snapshot) {
	sort.SliceStable(s.ordered, func(i, j int) bool {
		a, b := s.byID[s.ordered[i]], s.byID[s.ordered[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.ID < b.ID
	})
}

// Get looks up a venue by id
func (r *Registry) Get(id string) (types.VenueConfig, bool) {
	cfg, ok := r.current.Load().byID[id]
	if !ok {
		return types.VenueConfig{}, false
	}
	return cfg.Clone(), true
}

// IsActive reports whether a venue exists and is active
func (r *Registry) IsActive(id string) bool {
	cfg, ok := r.current.Load().byID[id]
	return ok && cfg.Active
}

// List returns every venue ordered by priority
func (r *Registry) List() []types.VenueConfig {
	return r.filter(func(types.VenueConfig) bool { return true })
}

// Active returns the active venues ordered by priority
func (r *Registry) Active() []types.VenueConfig {
	return r.filter(func(c types.VenueConfig) bool { return c.Active })
}

// SupportingSymbol returns active venues that trade the symbol
func (r *Registry) SupportingSymbol(symbol string) []types.VenueConfig {
	return r.filter(func(c types.VenueConfig) bool { return c.Active && c.Supports(symbol) })
}

// SupportingFeature returns active venues advertising the feature
func (r *Registry) SupportingFeature(feature string) []types.VenueConfig {
	return r.filter(func(c types.VenueConfig) bool { return c.Active && c.HasFeature(feature) })
}

// IDs returns every venue id ordered by priority
func (r *Registry) IDs() []string {
	return append([]string(nil), r.current.Load().ordered...)
}

func (r *Registry) filter(keep func(types.VenueConfig) bool) []types.VenueConfig {
	snap := r.current.Load()
	out := make([]types.VenueConfig, 0, len(snap.ordered))
	for _, id := range snap.ordered {
		if cfg := snap.byID[id]; keep(cfg) {
			out = append(out, cfg.Clone())
		}
	}
	return out
}

// SetActive toggles a venue; the change is visible to readers as soon as it returns
func (r *Registry) SetActive(id string, active bool) error {
	r.writeMu.Lock()
	old := r.current.Load()
	cfg, ok := old.byID[id]
	if !ok {
		r.writeMu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrVenueNotFound, id)
	}
	if cfg.Active == active {
		r.writeMu.Unlock()
		return nil
	}

	// Copy on write
	next := &snapshot{
		byID:    make(map[string]types.VenueConfig, len(old.byID)),
		ordered: append([]string(nil), old.ordered...),
	}
	for k, v := range old.byID {
		next.byID[k] = v
	}
	cfg.Active = active
	next.byID[id] = cfg
	r.current.Store(next)
	listeners := append([]func(types.VenueConfig){}, r.listeners...)
	r.writeMu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"venue":  id,
		"active": active,
	}).Info("Venue activation changed")

	for _, fn := range listeners {
		fn(cfg.Clone())
	}
	return nil
}

// OnChange registers a callback invoked after every activation change
func (r *Registry) OnChange(fn func(types.VenueConfig)) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.listeners = append(r.listeners, fn)
}
