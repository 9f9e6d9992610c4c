package convert

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/arx-os/bim-collab/internal/model"
)

func TestToConflictDTO_ResolvedFields(t *testing.T) {
	t.Parallel()
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	c := model.Conflict{
		ConflictID:   uuid.Must(uuid.NewV4()),
		ElementID:    "wall_1",
		UserID1:      "alice",
		UserID2:      "bob",
		ConflictType: "element_modification",
		Severity:     0.8,
	}

	dto := ToConflictDTO(c)
	if dto.Resolution != "" || dto.ResolvedAt != nil {
		t.Fatalf("unresolved conflict must not carry resolution fields: %+v", dto)
	}

	c.Resolution = model.ResolutionReject
	c.ResolvedBy = "alice"
	c.ResolvedAt = ts
	dto = ToConflictDTO(c)
	if dto.Resolution != "reject" || dto.ResolvedBy != "alice" || dto.ResolvedAt == nil || !dto.ResolvedAt.Equal(ts) {
		t.Fatalf("resolved conflict DTO = %+v", dto)
	}
}

func TestToVersionDTO_ParentAndCount(t *testing.T) {
	t.Parallel()
	parent := uuid.Must(uuid.NewV4())
	v := model.Version{
		VersionID:     uuid.Must(uuid.NewV4()),
		VersionNumber: 3,
		UserID:        "alice",
		ParentVersion: parent,
		Changes:       []model.Change{{}, {}},
	}
	dto := ToVersionDTO(v)
	if dto.ParentVersion != parent.String() || dto.ChangeCount != 2 {
		t.Fatalf("version DTO = %+v", dto)
	}

	v.ParentVersion = uuid.Nil
	if got := ToVersionDTO(v); got.ParentVersion != "" {
		t.Fatalf("nil parent must map to empty string, got %q", got.ParentVersion)
	}
}

func TestToChangeDTO(t *testing.T) {
	t.Parallel()
	id := uuid.Must(uuid.NewV4())
	c := model.Change{
		ChangeID:    id,
		UserID:      "bob",
		ChangeType:  model.ChangeResize,
		ElementID:   "door_2",
		ElementType: "door",
		NewValue:    map[string]any{"width": 90},
	}
	dto := ToChangeDTO(c)
	if dto.ChangeID != id.String() || dto.ChangeType != "resize" || dto.NewValue["width"] != 90 {
		t.Fatalf("change DTO = %+v", dto)
	}
}
