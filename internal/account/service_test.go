package account

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestService() *Service {
	return NewService(NewMemoryRepository()).WithHashCost(bcrypt.MinCost)
}

func TestEnsureAdminAndAuthenticate(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	admin, created, err := svc.EnsureAdmin(ctx, "Root@Example.com", "supersecret")
	if err != nil {
		t.Fatalf("ensure admin: %v", err)
	}
	if !created || admin.Role != RoleAdmin {
		t.Fatalf("expected new admin, got created=%v role=%s", created, admin.Role)
	}

	again, created, err := svc.EnsureAdmin(ctx, "root@example.com", "supersecret")
	if err != nil {
		t.Fatalf("ensure admin again: %v", err)
	}
	if created || again.ID != admin.ID {
		t.Fatalf("expected existing admin to be reused")
	}

	authed, err := svc.Authenticate(ctx, " ROOT@example.com ", "supersecret")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.ID != admin.ID {
		t.Fatalf("authenticated wrong account")
	}

	if _, err := svc.Authenticate(ctx, "root@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Authenticate(ctx, "nobody@example.com", "supersecret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown email, got %v", err)
	}
}

func TestCreateChildFollowsHierarchy(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	admin, _, _ := svc.EnsureAdmin(ctx, "admin@example.com", "supersecret")

	parent := admin
	want := []Role{RoleND, RoleSS, RoleDB, RoleRetailer}
	for i, role := range want {
		child, err := svc.CreateChild(ctx, parent, ChildInput{
			Name:     string(role),
			Email:    string(role) + "@example.com",
			Password: "password1",
		})
		if err != nil {
			t.Fatalf("step %d: create child: %v", i, err)
		}
		if child.Role != role || child.CreatedBy != parent.ID {
			t.Fatalf("step %d: got role=%s parent=%s", i, child.Role, child.CreatedBy)
		}
		parent = child
	}

	if _, err := svc.CreateChild(ctx, parent, ChildInput{Name: "x", Email: "x@example.com", Password: "password1"}); !errors.Is(err, ErrNoChildTier) {
		t.Fatalf("expected retailer to be unable to create children, got %v", err)
	}
}

func TestCreateChildValidation(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	admin, _, _ := svc.EnsureAdmin(ctx, "admin@example.com", "supersecret")

	cases := []struct {
		name string
		in   ChildInput
	}{
		{"missing name", ChildInput{Email: "a@example.com", Password: "password1"}},
		{"bad email", ChildInput{Name: "a", Email: "not-an-email", Password: "password1"}},
		{"short password", ChildInput{Name: "a", Email: "a@example.com", Password: "short"}},
		{"letters in phone", ChildInput{Name: "a", Email: "a@example.com", Password: "password1", Phone: "12ab"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.CreateChild(ctx, admin, tc.in); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	if _, err := svc.CreateChild(ctx, admin, ChildInput{Name: "dup", Email: "admin@example.com", Password: "password1"}); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
}

func TestSetChildStatusBlocksLogin(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	admin, _, _ := svc.EnsureAdmin(ctx, "admin@example.com", "supersecret")
	nd, err := svc.CreateChild(ctx, admin, ChildInput{Name: "nd", Email: "nd@example.com", Password: "password1"})
	if err != nil {
		t.Fatalf("create nd: %v", err)
	}

	if _, err := svc.SetChildStatus(ctx, nd, admin.ID, StatusBlocked); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected child-only status change, got %v", err)
	}

	updated, err := svc.SetChildStatus(ctx, admin, nd.ID, StatusBlocked)
	if err != nil {
		t.Fatalf("block: %v", err)
	}
	if updated.Status != StatusBlocked {
		t.Fatalf("expected blocked, got %s", updated.Status)
	}

	if _, err := svc.Authenticate(ctx, "nd@example.com", "password1"); !errors.Is(err, ErrAccountDisabled) {
		t.Fatalf("expected disabled account, got %v", err)
	}
}

func TestRoleHelpers(t *testing.T) {
	if r, ok := ParseRole(" DB "); !ok || r != RoleDB {
		t.Fatalf("parse role: %v %v", r, ok)
	}
	if _, ok := RoleRetailer.Child(); ok {
		t.Fatalf("retailer must not have a child tier")
	}
	if RoleDB.Label() != "Distributor" {
		t.Fatalf("unexpected label %q", RoleDB.Label())
	}
	if RoleSS.Rank() >= RoleDB.Rank() {
		t.Fatalf("ss must rank above db")
	}
}
