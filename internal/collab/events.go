package collab

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/arx-os/bim-collab/internal/model"
)

// EventType classifies engine events.
type EventType string

// Engine event types.
const (
	EventUserJoined       EventType = "user_joined"
	EventUserLeft         EventType = "user_left"
	EventChangeApplied    EventType = "change_applied"
	EventConflictDetected EventType = "conflict_detected"
	EventConflictResolved EventType = "conflict_resolved"
	EventVersionCreated   EventType = "version_created"
)

// Event is a notification emitted by the engine for downstream consumers
// (broadcast, durable version archiving). Emission is non-blocking: a consumer
// that cannot keep up loses events, it never stalls the engine.
type Event struct {
	Type      EventType
	SessionID uuid.UUID
	ModelID   string
	Time      time.Time
	UserID    string

	// Payloads are copies; the engine never hands out live journal state.
	Change   *model.Change
	Conflict *model.Conflict
	Version  *model.Version
}
