// Package model defines domain entities shared by the engine, repositories and the API.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Role is a user's role within a collaboration session.
type Role string

// Session roles.
const (
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
	RoleEditor   Role = "editor"
	RoleViewer   Role = "viewer"
	RoleReviewer Role = "reviewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleEditor, RoleViewer, RoleReviewer:
		return true
	}
	return false
}

// Permission is a single capability within a session.
type Permission string

// Capabilities derived from roles.
const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermAdmin  Permission = "admin"
	PermDelete Permission = "delete"
	PermReview Permission = "review"
)

// PermissionSet is the set of capabilities held by a user.
type PermissionSet map[Permission]struct{}

// Has reports whether the set contains p.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Clone returns an independent copy of the set.
func (s PermissionSet) Clone() PermissionSet {
	c := make(PermissionSet, len(s))
	for p := range s {
		c[p] = struct{}{}
	}
	return c
}

// ChangeType classifies a proposed element mutation.
type ChangeType string

// Change types.
const (
	ChangeCreate         ChangeType = "create"
	ChangeUpdate         ChangeType = "update"
	ChangeDelete         ChangeType = "delete"
	ChangeMove           ChangeType = "move"
	ChangeResize         ChangeType = "resize"
	ChangePropertyChange ChangeType = "property_change"
)

// Valid reports whether t is a known change type.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeCreate, ChangeUpdate, ChangeDelete, ChangeMove, ChangeResize, ChangePropertyChange:
		return true
	}
	return false
}

// Resolution is a conflict resolution strategy.
type Resolution string

// Resolution strategies. Automatic is an alias of LastWriterWins kept distinct
// for future extension.
const (
	ResolutionManual         Resolution = "manual"
	ResolutionAutomatic      Resolution = "automatic"
	ResolutionLastWriterWins Resolution = "last_writer_wins"
	ResolutionMerge          Resolution = "merge"
	ResolutionReject         Resolution = "reject"
)

// Valid reports whether r is a known strategy.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionManual, ResolutionAutomatic, ResolutionLastWriterWins, ResolutionMerge, ResolutionReject:
		return true
	}
	return false
}

// User is an identity participating in a session. Permissions are derived from
// the role at join time; re-joining with a new role replaces both.
type User struct {
	UserID      string
	Username    string
	Email       string
	Role        Role
	Permissions PermissionSet
	LastActive  time.Time
}

// Change is a single proposed mutation to one model element. Immutable once created.
type Change struct {
	ChangeID    uuid.UUID
	UserID      string
	Timestamp   time.Time
	ChangeType  ChangeType
	ElementID   string
	ElementType string
	OldValue    map[string]any // optional snapshot of prior state, never interpreted
	NewValue    map[string]any // opaque beyond shallow merge
	Description string
}

// Conflict records two time-overlapping changes by different users to the same
// element. Terminal once Resolution is set; retained afterwards for audit.
type Conflict struct {
	ConflictID   uuid.UUID
	ElementID    string
	UserID1      string
	UserID2      string
	Change1      Change
	Change2      Change
	ConflictType string
	Severity     float64 // 0.0 to 1.0
	Resolution   Resolution
	ResolvedBy   string
	ResolvedAt   time.Time
}

// Resolved reports whether the conflict has been settled.
func (c *Conflict) Resolved() bool { return c.Resolution != "" }

// Version is an immutable snapshot folding the active journal at a point in time.
type Version struct {
	VersionID     uuid.UUID
	VersionNumber int // 1-based, strictly increasing and gapless per session
	Timestamp     time.Time
	UserID        string
	Description   string
	Changes       []Change
	ParentVersion uuid.UUID // uuid.Nil for the first version
	Tags          []string
}

// Session is the unit of collaboration for a single model.
type Session struct {
	SessionID     uuid.UUID
	ModelID       string
	Users         map[string]*User
	Permissions   map[string]PermissionSet
	ActiveChanges map[uuid.UUID]*Change // the change journal, cleared on every fold
	Conflicts     []*Conflict
	Versions      []*Version
	CreatedAt     time.Time
	LastActivity  time.Time

	// Applied counts changes applied since the last fold; the worker folds a
	// version when it reaches the versioning cadence.
	Applied int
}

// SessionStatus is a read-only view of a session returned by status queries.
type SessionStatus struct {
	SessionID     uuid.UUID
	ModelID       string
	UserCount     int
	ChangeCount   int
	ConflictCount int
	VersionCount  int
	CreatedAt     time.Time
	LastActivity  time.Time
	Users         []UserStatus
}

// UserStatus is the per-user slice of a session status.
type UserStatus struct {
	UserID     string
	Username   string
	Role       Role
	LastActive time.Time
}
