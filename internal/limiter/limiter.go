// Package limiter defines interfaces and implementations for change rate limiting.
package limiter

import (
	"context"

	"github.com/arx-os/bim-collab/internal/model"
)

// Limiter controls how many changes of each type a user may submit per window.
type Limiter interface {
	// Allow records an attempt and reports whether the user is within the
	// limit for the given change type.
	Allow(ctx context.Context, userID string, changeType model.ChangeType) (bool, error)
}
