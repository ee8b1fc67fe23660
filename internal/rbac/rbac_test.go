package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer edit", role: RoleViewer, action: ActionEdit, allow: false},
		{name: "viewer chat", role: RoleViewer, action: ActionChat, allow: true},
		{name: "editor edit", role: RoleEditor, action: ActionEdit, allow: true},
		{name: "editor remove member", role: RoleEditor, action: ActionRemoveMember, allow: false},
		{name: "owner delete room", role: RoleOwner, action: ActionDeleteRoom, allow: true},
		{name: "unknown role", role: Role("GUEST"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("VIEWER"); got != RoleViewer {
		t.Fatalf("Normalize(VIEWER) = %q", got)
	}
	if got := Normalize("admin"); got != RoleEditor {
		t.Fatalf("Normalize(admin) = %q, want EDITOR", got)
	}
}
