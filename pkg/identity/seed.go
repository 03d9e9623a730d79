package identity

import (
	"context"
	"fmt"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

// StaticPermission is a seeded permission code.
type StaticPermission struct {
	Code        string
	Description string
}

// StaticPermissions are provisioned at every server start. Per-node
// node:read:<id> / node:write:<id> codes are created lazily instead.
var StaticPermissions = []StaticPermission{
	{Code: "health:read", Description: "Read service health"},
	{Code: "nodes:read", Description: "Read all nodes"},
	{Code: "nodes:create", Description: "Register new nodes"},
	{Code: "nodes:delete", Description: "Delete nodes"},
	{Code: "users:create", Description: "Invite users"},
	{Code: "users:read", Description: "List users"},
	{Code: "roles:assign", Description: "Assign roles"},
	{Code: "auth:me", Description: "Read own identity"},
}

// userRoleCodes are the read-only codes granted to the seeded "user" role.
var userRoleCodes = []string{"health:read", "nodes:read", "auth:me"}

// Seed ensures the reserved roles and static permission codes exist:
// "admin" holds every static code, "user" the read-only subset. Idempotent.
func (s *Service) Seed(ctx context.Context) error {
	adminDesc := "Full administrative access"
	userDesc := "Standard read access"

	admin, err := s.store.EnsureRole(ctx, store.RoleAdmin, &adminDesc)
	if err != nil {
		return fmt.Errorf("seeding admin role: %w", err)
	}

	user, err := s.store.EnsureRole(ctx, store.RoleUser, &userDesc)
	if err != nil {
		return fmt.Errorf("seeding user role: %w", err)
	}

	adminCodes := make([]string, 0, len(StaticPermissions))

	for _, perm := range StaticPermissions {
		desc := perm.Description
		if _, err := s.store.EnsurePermission(ctx, perm.Code, &desc); err != nil {
			return fmt.Errorf("seeding permission %s: %w", perm.Code, err)
		}

		adminCodes = append(adminCodes, perm.Code)
	}

	// Union with whatever the role already holds so operator-granted
	// dynamic codes survive restarts.
	if err := s.grantUnion(ctx, admin.Name, adminCodes); err != nil {
		return fmt.Errorf("granting admin permissions: %w", err)
	}

	if err := s.grantUnion(ctx, user.Name, userRoleCodes); err != nil {
		return fmt.Errorf("granting user permissions: %w", err)
	}

	return nil
}

func (s *Service) grantUnion(ctx context.Context, roleName string, codes []string) error {
	role, err := s.store.FindRoleByName(ctx, roleName)
	if err != nil {
		return err
	}

	merged := make([]string, 0, len(role.Permissions)+len(codes))
	for _, perm := range role.Permissions {
		merged = append(merged, perm.Code)
	}

	merged = append(merged, codes...)

	return s.GrantPermissions(ctx, role.ID, dedupe(merged))
}
