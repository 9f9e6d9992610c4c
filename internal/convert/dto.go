// Package convert maps domain entities to the JSON DTOs served by the HTTP API.
package convert

import (
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/arx-os/bim-collab/internal/collab"
	"github.com/arx-os/bim-collab/internal/model"
)

// --- DTOs ---

// ChangeDTO is the wire form of a change journal entry.
type ChangeDTO struct {
	ChangeID    string         `json:"change_id"`
	UserID      string         `json:"user_id"`
	Timestamp   time.Time      `json:"timestamp"`
	ChangeType  string         `json:"change_type"`
	ElementID   string         `json:"element_id"`
	ElementType string         `json:"element_type,omitempty"`
	OldValue    map[string]any `json:"old_value,omitempty"`
	NewValue    map[string]any `json:"new_value,omitempty"`
	Description string         `json:"description,omitempty"`
}

// ConflictDTO is the wire form of a conflict record.
type ConflictDTO struct {
	ConflictID   string     `json:"conflict_id"`
	ElementID    string     `json:"element_id"`
	UserID1      string     `json:"user_id_1"`
	UserID2      string     `json:"user_id_2"`
	Change1      ChangeDTO  `json:"change_1"`
	Change2      ChangeDTO  `json:"change_2"`
	ConflictType string     `json:"conflict_type"`
	Severity     float64    `json:"severity"`
	Resolution   string     `json:"resolution,omitempty"`
	ResolvedBy   string     `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// VersionDTO is the wire form of version metadata.
type VersionDTO struct {
	VersionID     string    `json:"version_id"`
	VersionNumber int       `json:"version_number"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id"`
	Description   string    `json:"description,omitempty"`
	ChangeCount   int       `json:"change_count"`
	ParentVersion string    `json:"parent_version,omitempty"`
	Tags          []string  `json:"tags,omitempty"`
}

// UserDTO is the wire form of a session member.
type UserDTO struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	Email      string    `json:"email,omitempty"`
	Role       string    `json:"role"`
	LastActive time.Time `json:"last_active"`
}

// StatusDTO is the wire form of a session status snapshot.
type StatusDTO struct {
	SessionID     string    `json:"session_id"`
	ModelID       string    `json:"model_id"`
	UserCount     int       `json:"user_count"`
	ChangeCount   int       `json:"active_changes"`
	ConflictCount int       `json:"conflicts"`
	VersionCount  int       `json:"versions"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	Users         []UserDTO `json:"users"`
}

// ExportDTO is the wire form of a full session export.
type ExportDTO struct {
	SessionID    string        `json:"session_id"`
	ModelID      string        `json:"model_id"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
	Users        []UserDTO     `json:"users"`
	Changes      []ChangeDTO   `json:"changes"`
	Conflicts    []ConflictDTO `json:"conflicts"`
	Versions     []VersionDTO  `json:"versions"`
}

// --- model -> DTO ---

// ToChangeDTO converts a domain change.
func ToChangeDTO(c model.Change) ChangeDTO {
	return ChangeDTO{
		ChangeID:    c.ChangeID.String(),
		UserID:      c.UserID,
		Timestamp:   c.Timestamp,
		ChangeType:  string(c.ChangeType),
		ElementID:   c.ElementID,
		ElementType: c.ElementType,
		OldValue:    c.OldValue,
		NewValue:    c.NewValue,
		Description: c.Description,
	}
}

// ToChangeDTOs converts a slice of domain changes.
func ToChangeDTOs(cs []model.Change) []ChangeDTO {
	out := make([]ChangeDTO, 0, len(cs))
	for _, c := range cs {
		out = append(out, ToChangeDTO(c))
	}
	return out
}

// ToConflictDTO converts a domain conflict.
func ToConflictDTO(c model.Conflict) ConflictDTO {
	dto := ConflictDTO{
		ConflictID:   c.ConflictID.String(),
		ElementID:    c.ElementID,
		UserID1:      c.UserID1,
		UserID2:      c.UserID2,
		Change1:      ToChangeDTO(c.Change1),
		Change2:      ToChangeDTO(c.Change2),
		ConflictType: c.ConflictType,
		Severity:     c.Severity,
		Resolution:   string(c.Resolution),
		ResolvedBy:   c.ResolvedBy,
	}
	if !c.ResolvedAt.IsZero() {
		t := c.ResolvedAt
		dto.ResolvedAt = &t
	}
	return dto
}

// ToConflictDTOs converts a slice of domain conflicts.
func ToConflictDTOs(cs []model.Conflict) []ConflictDTO {
	out := make([]ConflictDTO, 0, len(cs))
	for _, c := range cs {
		out = append(out, ToConflictDTO(c))
	}
	return out
}

// ToVersionDTO converts a domain version to metadata form.
func ToVersionDTO(v model.Version) VersionDTO {
	dto := VersionDTO{
		VersionID:     v.VersionID.String(),
		VersionNumber: v.VersionNumber,
		Timestamp:     v.Timestamp,
		UserID:        v.UserID,
		Description:   v.Description,
		ChangeCount:   len(v.Changes),
		Tags:          v.Tags,
	}
	if v.ParentVersion != uuid.Nil {
		dto.ParentVersion = v.ParentVersion.String()
	}
	return dto
}

// ToVersionDTOs converts a slice of domain versions.
func ToVersionDTOs(vs []model.Version) []VersionDTO {
	out := make([]VersionDTO, 0, len(vs))
	for _, v := range vs {
		out = append(out, ToVersionDTO(v))
	}
	return out
}

// ToUserDTO converts a domain user.
func ToUserDTO(u model.User) UserDTO {
	return UserDTO{
		UserID:     u.UserID,
		Username:   u.Username,
		Email:      u.Email,
		Role:       string(u.Role),
		LastActive: u.LastActive,
	}
}

// ToStatusDTO converts a session status snapshot.
func ToStatusDTO(st model.SessionStatus) StatusDTO {
	dto := StatusDTO{
		SessionID:     st.SessionID.String(),
		ModelID:       st.ModelID,
		UserCount:     st.UserCount,
		ChangeCount:   st.ChangeCount,
		ConflictCount: st.ConflictCount,
		VersionCount:  st.VersionCount,
		CreatedAt:     st.CreatedAt,
		LastActivity:  st.LastActivity,
	}
	for _, u := range st.Users {
		dto.Users = append(dto.Users, UserDTO{
			UserID:     u.UserID,
			Username:   u.Username,
			Role:       string(u.Role),
			LastActive: u.LastActive,
		})
	}
	return dto
}

// ToExportDTO converts a full session export.
func ToExportDTO(ex collab.Export) ExportDTO {
	dto := ExportDTO{
		SessionID:    ex.SessionID.String(),
		ModelID:      ex.ModelID,
		CreatedAt:    ex.CreatedAt,
		LastActivity: ex.LastActivity,
		Changes:      ToChangeDTOs(ex.Changes),
		Conflicts:    ToConflictDTOs(ex.Conflicts),
		Versions:     ToVersionDTOs(ex.Versions),
	}
	for _, u := range ex.Users {
		dto.Users = append(dto.Users, ToUserDTO(u))
	}
	return dto
}
