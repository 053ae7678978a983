package exchange

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mExOms/gateway/internal/connection"
	"github.com/mExOms/gateway/pkg/types"
)

// Manager holds the connection manager of every venue keyed by venue id
type Manager struct {
	mu       sync.RWMutex
	managers map[string]*connection.Manager
}

// NewManager creates an empty manager set
func NewManager() *Manager {
	return &Manager{
		managers: make(map[string]*connection.Manager),
	}
}

// Add registers a venue's connection manager
func (m *Manager) Add(cm *connection.Manager) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	venue := cm.Venue()
	if _, exists := m.managers[venue]; exists {
		return fmt.Errorf("venue %s already exists", venue)
	}
	m.managers[venue] = cm
	return nil
}

// Get returns a venue's connection manager
func (m *Manager) Get(venue string) (*connection.Manager, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cm, exists := m.managers[venue]
	if !exists {
		return nil, fmt.Errorf("%w: %s", types.ErrVenueNotFound, venue)
	}
	return cm, nil
}

// List returns the venue ids in sorted order
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.managers))
	for name := range m.managers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remove stops and forgets a venue's connection manager
func (m *Manager) Remove(venue string) error {
	m.mu.Lock()
	cm, exists := m.managers[venue]
	delete(m.managers, venue)
	m.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", types.ErrVenueNotFound, venue)
	}
	cm.Stop()
	return nil
}

// StartAll starts streaming on every venue; failures are joined, started venues keep running
func (m *Manager) StartAll(ctx context.Context) error {
	var errs []error
	for _, venue := range m.List() {
		cm, err := m.Get(venue)
		if err != nil {
			continue
		}
		if err := cm.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to start %s: %w", venue, err))
		}
	}
	return errors.Join(errs...)
}

// StopAll stops every venue in reverse order
func (m *Manager) StopAll() {
	venues := m.List()
	for i := len(venues) - 1; i >= 0; i-- {
		if cm, err := m.Get(venues[i]); err == nil {
			cm.Stop()
		}
	}
}
