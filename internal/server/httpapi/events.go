package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/arx-os/bim-collab/internal/collab"
	"github.com/arx-os/bim-collab/internal/convert"
)

// EventDTO is the wire form of an engine event.
type EventDTO struct {
	Type      string               `json:"type"`
	SessionID string               `json:"session_id"`
	ModelID   string               `json:"model_id"`
	Time      time.Time            `json:"time"`
	UserID    string               `json:"user_id,omitempty"`
	Change    *convert.ChangeDTO   `json:"change,omitempty"`
	Conflict  *convert.ConflictDTO `json:"conflict,omitempty"`
	Version   *convert.VersionDTO  `json:"version,omitempty"`
}

func toEventDTO(ev collab.Event) EventDTO {
	dto := EventDTO{
		Type:      string(ev.Type),
		SessionID: ev.SessionID.String(),
		ModelID:   ev.ModelID,
		Time:      ev.Time,
		UserID:    ev.UserID,
	}
	if ev.Change != nil {
		c := convert.ToChangeDTO(*ev.Change)
		dto.Change = &c
	}
	if ev.Conflict != nil {
		c := convert.ToConflictDTO(*ev.Conflict)
		dto.Conflict = &c
	}
	if ev.Version != nil {
		v := convert.ToVersionDTO(*ev.Version)
		dto.Version = &v
	}
	return dto
}

func eventChannel(sessionID uuid.UUID) string {
	return fmt.Sprintf("collab.events.%s", sessionID)
}

// Broadcaster relays engine events to per-session Redis channels so that
// WebSocket subscribers on any instance see them.
type Broadcaster struct {
	rdb *redis.Client
	log *zap.Logger
}

// NewBroadcaster builds a Broadcaster.
func NewBroadcaster(rdb *redis.Client, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{rdb: rdb, log: log}
}

// Publish sends one event to the session's channel. Failures are logged, not
// returned; a lost broadcast must not stall the engine's event loop.
func (b *Broadcaster) Publish(ctx context.Context, ev collab.Event) {
	payload, err := json.Marshal(toEventDTO(ev))
	if err != nil {
		b.log.Error("marshal event", zap.Error(err))
		return
	}
	if err := b.rdb.Publish(ctx, eventChannel(ev.SessionID), payload).Err(); err != nil {
		b.log.Warn("publish event", zap.String("session_id", ev.SessionID.String()), zap.Error(err))
	}
}
