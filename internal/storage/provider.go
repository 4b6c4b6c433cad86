// Package storage persists accepted bundles keyed by RID.
package storage

import (
	"fmt"

	"github.com/starford/koinet-node/internal/models"
	"github.com/starford/koinet-node/internal/rid"
)

// Provider is the object-store contract used by the node.
// Read returns apperr.ErrNotFound when no bundle is cached for a RID.
// Bundles are superseded by newer versions, never removed.
type Provider interface {
	Read(r rid.RID) (*models.Bundle, error)
	Exists(r rid.RID) (bool, error)
	Write(b *models.Bundle) error
	// List returns cached RIDs of the given types, or every RID when none are given.
	List(types ...rid.Type) ([]rid.RID, error)
	Close() error
}

// Drivers.
const (
	DriverFS     = "fs"
	DriverSQLite = "sqlite"
)

// Open returns a Provider for driver rooted at path.
func Open(driver, path string) (Provider, error) {
	switch driver {
	case DriverFS, "":
		return NewFS(path)
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", driver)
	}
}
