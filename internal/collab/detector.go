package collab

import (
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/arx-os/bim-collab/internal/model"
)

// conflictWindow is the time span within which two changes to the same element
// by different users are considered concurrent.
const conflictWindow = 300 * time.Second

const (
	conflictTypeElementModification = "element_modification"
	conflictSeverity                = 0.8
)

// changesConflict reports whether two changes compete: same element, different
// authors, timestamps within the conflict window. The predicate uses the change
// timestamps, not processing order.
func changesConflict(a, b *model.Change) bool {
	if a.UserID == b.UserID || a.ElementID != b.ElementID {
		return false
	}
	d := a.Timestamp.Sub(b.Timestamp)
	if d < 0 {
		d = -d
	}
	return d < conflictWindow
}

// detectConflicts compares a new change against every entry in the session's
// active journal except itself. O(n) per change; the journal is bounded by the
// versioning cadence, so n stays small. Folded versions are not consulted: a
// change arriving right after a fold cannot conflict with folded changes.
// A pair the session has already recorded is skipped: both sides of a conflict
// pass through here, once as the journal entry and once as the new change, and
// only the first pass may produce the record.
func detectConflicts(sess *model.Session, newChange *model.Change) []*model.Conflict {
	var conflicts []*model.Conflict
	for _, existing := range sess.ActiveChanges {
		if existing.ChangeID == newChange.ChangeID {
			continue
		}
		if !changesConflict(existing, newChange) {
			continue
		}
		if conflictExists(sess, existing.ChangeID, newChange.ChangeID) {
			continue
		}
		conflicts = append(conflicts, &model.Conflict{
			ConflictID:   uuid.Must(uuid.NewV4()),
			ElementID:    newChange.ElementID,
			UserID1:      existing.UserID,
			UserID2:      newChange.UserID,
			Change1:      *existing,
			Change2:      *newChange,
			ConflictType: conflictTypeElementModification,
			Severity:     conflictSeverity,
		})
	}
	return conflicts
}

// conflictExists reports whether the session already holds a conflict record
// for the pair of change ids, in either order and regardless of resolution
// state.
func conflictExists(sess *model.Session, a, b uuid.UUID) bool {
	for _, c := range sess.Conflicts {
		if (c.Change1.ChangeID == a && c.Change2.ChangeID == b) ||
			(c.Change1.ChangeID == b && c.Change2.ChangeID == a) {
			return true
		}
	}
	return false
}

// pendingConflict reports whether the change is a party to an unresolved
// conflict.
func pendingConflict(sess *model.Session, changeID uuid.UUID) bool {
	for _, c := range sess.Conflicts {
		if !c.Resolved() && (c.Change1.ChangeID == changeID || c.Change2.ChangeID == changeID) {
			return true
		}
	}
	return false
}

// laterChange returns whichever of the pair has the later timestamp.
func laterChange(c *model.Conflict) *model.Change {
	if c.Change1.Timestamp.After(c.Change2.Timestamp) {
		return &c.Change1
	}
	return &c.Change2
}

// mergeChanges produces a synthetic change combining both NewValue maps, with
// the chronologically later change's keys winning on collisions. The merged
// change is authored as "userA+userB".
func mergeChanges(a, b *model.Change, now time.Time) *model.Change {
	earlier, later := a, b
	if a.Timestamp.After(b.Timestamp) {
		earlier, later = b, a
	}
	merged := make(map[string]any, len(earlier.NewValue)+len(later.NewValue))
	for k, v := range earlier.NewValue {
		merged[k] = v
	}
	for k, v := range later.NewValue {
		merged[k] = v
	}
	return &model.Change{
		ChangeID:    uuid.Must(uuid.NewV4()),
		UserID:      a.UserID + "+" + b.UserID,
		Timestamp:   now,
		ChangeType:  a.ChangeType,
		ElementID:   a.ElementID,
		ElementType: a.ElementType,
		OldValue:    a.OldValue,
		NewValue:    merged,
		Description: fmt.Sprintf("Merged changes from %s and %s", a.UserID, b.UserID),
	}
}
