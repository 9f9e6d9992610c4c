package collab

import (
	"testing"

	"github.com/arx-os/bim-collab/internal/model"
)

func TestPermissionsForRole(t *testing.T) {
	t.Parallel()
	cases := []struct {
		role model.Role
		want []model.Permission
	}{
		{model.RoleOwner, []model.Permission{model.PermRead, model.PermWrite, model.PermAdmin, model.PermDelete}},
		{model.RoleAdmin, []model.Permission{model.PermRead, model.PermWrite, model.PermAdmin, model.PermDelete}},
		{model.RoleEditor, []model.Permission{model.PermRead, model.PermWrite}},
		{model.RoleReviewer, []model.Permission{model.PermRead, model.PermWrite, model.PermReview}},
		{model.RoleViewer, []model.Permission{model.PermRead}},
	}
	for _, tc := range cases {
		got := PermissionsForRole(tc.role)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: permissions = %v, want %v", tc.role, got, tc.want)
		}
		for _, p := range tc.want {
			if !got.Has(p) {
				t.Fatalf("%s: missing %q", tc.role, p)
			}
		}
	}
}

func TestPermissionSet_Clone(t *testing.T) {
	t.Parallel()
	orig := PermissionsForRole(model.RoleEditor)
	clone := orig.Clone()
	clone[model.PermAdmin] = struct{}{}
	if orig.Has(model.PermAdmin) {
		t.Fatalf("clone must be independent of the original")
	}
}
