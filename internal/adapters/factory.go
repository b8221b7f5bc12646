package adapters

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"github.com/rs/zerolog/log"
)

// Constructor builds a connector bound to one archive configuration
type Constructor func(config models.ArchiveConfig) (Connector, error)

type entry struct {
	connector Connector
	updatedAt time.Time
}

// Factory manages connector instances, one per archive name
type Factory struct {
	mu           sync.RWMutex
	connectors   map[string]entry
	constructors map[models.ArchiveKind]Constructor
}

// NewFactory creates a factory knowing the SQL, DIMSE and DICOMweb kinds
func NewFactory() *Factory {
	f := &Factory{
		connectors:   make(map[string]entry),
		constructors: make(map[models.ArchiveKind]Constructor),
	}
	f.Register(models.ArchiveKindSQL, func(c models.ArchiveConfig) (Connector, error) { return NewSQLConnector(c) })
	f.Register(models.ArchiveKindDIMSE, func(c models.ArchiveConfig) (Connector, error) { return NewDIMSEConnector(c) })
	f.Register(models.ArchiveKindDICOMWeb, func(c models.ArchiveConfig) (Connector, error) { return NewDICOMWebConnector(c) })
	return f
}

// Register sets the constructor used for an archive kind
func (f *Factory) Register(kind models.ArchiveKind, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.constructors[kind] = ctor
}

// Get gets or creates the connector of an archive. A connector whose
// configuration changed since it was created is replaced.
func (f *Factory) Get(config models.ArchiveConfig) (Connector, error) {
	f.mu.RLock()
	e, exists := f.connectors[config.Name]
	f.mu.RUnlock()

	if exists && e.updatedAt.Equal(config.UpdatedAt) {
		return e.connector, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// Double-check after acquiring write lock
	e, exists = f.connectors[config.Name]
	if exists && e.updatedAt.Equal(config.UpdatedAt) {
		return e.connector, nil
	}

	ctor, ok := f.constructors[config.Kind]
	if !ok {
		return nil, fmt.Errorf("unsupported archive kind: %s", config.Kind)
	}
	connector, err := ctor(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connector for archive %s: %w", config.Name, err)
	}

	if exists {
		if err := e.connector.Close(); err != nil {
			log.Warn().Err(err).Str("archive", config.Name).Msg("Failed to close replaced connector")
		}
	}
	f.connectors[config.Name] = entry{connector: connector, updatedAt: config.UpdatedAt}
	return connector, nil
}

// Remove closes and forgets the connector of an archive
func (f *Factory) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, exists := f.connectors[name]
	if !exists {
		return nil
	}
	delete(f.connectors, name)

	if err := e.connector.Close(); err != nil {
		return fmt.Errorf("failed to close connector: %w", err)
	}
	return nil
}

// CloseAll closes all connectors
func (f *Factory) CloseAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for name, e := range f.connectors {
		if err := e.connector.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connector for archive %s: %w", name, err))
		}
		delete(f.connectors, name)
	}
	return errors.Join(errs...)
}
