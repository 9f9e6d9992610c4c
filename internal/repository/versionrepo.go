// Package repository declares storage interfaces consumed by the service layer.
package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/arx-os/bim-collab/internal/model"
)

// VersionRepository archives folded versions durably. The engine itself keeps
// versions in memory for the life of the process; the archive is a downstream
// consumer fed from the engine's event stream.
type VersionRepository interface {
	// SaveVersion persists a version and its folded changes atomically.
	SaveVersion(ctx context.Context, sessionID uuid.UUID, modelID string, v *model.Version) error
	// ListVersions returns archived version metadata for a session ordered
	// by version number. The folded changes are not loaded.
	ListVersions(ctx context.Context, sessionID uuid.UUID) ([]model.Version, error)
}
