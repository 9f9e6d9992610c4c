package collab

import "github.com/arx-os/bim-collab/internal/model"

// PermissionsForRole returns the fixed capability set derived from a role.
// Owner/Admin get full control, Editor gets read/write, Reviewer additionally
// gets review, Viewer is read-only. There are no per-user overrides: a user's
// effective permissions are always recomputed from the role at join time.
func PermissionsForRole(role model.Role) model.PermissionSet {
	perms := model.PermissionSet{model.PermRead: {}}
	switch role {
	case model.RoleOwner, model.RoleAdmin:
		perms[model.PermWrite] = struct{}{}
		perms[model.PermAdmin] = struct{}{}
		perms[model.PermDelete] = struct{}{}
	case model.RoleEditor:
		perms[model.PermWrite] = struct{}{}
	case model.RoleReviewer:
		perms[model.PermWrite] = struct{}{}
		perms[model.PermReview] = struct{}{}
	}
	return perms
}
