package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// RoleWithPermissions is a role joined with its permission codes and the
// number of users holding it.
type RoleWithPermissions struct {
	Role
	UsersCount int64 `json:"users_count"`
}

func (s *store) EnsureRole(
	ctx context.Context, name string, description *string,
) (*Role, error) {
	var role Role

	err := s.db.WithContext(ctx).
		Where("name = ?", name).
		First(&role).Error
	if err == nil {
		return &role, nil
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("loading role: %w", err)
	}

	role = Role{Name: name, Description: description}
	if err := s.db.WithContext(ctx).Create(&role).Error; err != nil {
		return nil, fmt.Errorf("creating role: %w", err)
	}

	return &role, nil
}

func (s *store) FindRoleByName(ctx context.Context, name string) (*Role, error) {
	var role Role
	if err := s.db.WithContext(ctx).
		Preload("Permissions").
		Where("name = ?", name).
		First(&role).Error; err != nil {
		return nil, fmt.Errorf("finding role: %w", notFound(err))
	}

	return &role, nil
}

func (s *store) FindRolesByNames(ctx context.Context, names []string) ([]Role, error) {
	var roles []Role
	if err := s.db.WithContext(ctx).
		Where("name IN ?", names).
		Find(&roles).Error; err != nil {
		return nil, fmt.Errorf("finding roles: %w", err)
	}

	return roles, nil
}

// AssignRole grants a role to a user. Idempotent.
func (s *store) AssignRole(ctx context.Context, userID string, roleID uint) error {
	var count int64
	if err := s.db.WithContext(ctx).
		Table("user_roles").
		Where("user_id = ? AND role_id = ?", userID, roleID).
		Count(&count).Error; err != nil {
		return fmt.Errorf("checking role assignment: %w", err)
	}

	if count > 0 {
		return nil
	}

	if err := s.db.WithContext(ctx).Exec(
		"INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)",
		userID, roleID,
	).Error; err != nil {
		return fmt.Errorf("assigning role: %w", err)
	}

	return nil
}

// ReplaceUserRoles swaps a user's role set atomically. The new set must
// not be empty once a role has ever been assigned.
func (s *store) ReplaceUserRoles(ctx context.Context, userID string, roleIDs []uint) error {
	if len(roleIDs) == 0 {
		return fmt.Errorf("replacing user roles: empty role set: %w", ErrConflict)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			"DELETE FROM user_roles WHERE user_id = ?", userID,
		).Error; err != nil {
			return fmt.Errorf("clearing user roles: %w", err)
		}

		for _, roleID := range roleIDs {
			if err := tx.Exec(
				"INSERT INTO user_roles (user_id, role_id) VALUES (?, ?)",
				userID, roleID,
			).Error; err != nil {
				return fmt.Errorf("assigning role %d: %w", roleID, err)
			}
		}

		return nil
	})
}

func (s *store) ListRolesWithPermissions(ctx context.Context) ([]RoleWithPermissions, error) {
	var roles []Role
	if err := s.db.WithContext(ctx).
		Preload("Permissions").
		Order("id ASC").
		Find(&roles).Error; err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}

	out := make([]RoleWithPermissions, 0, len(roles))

	for i := range roles {
		entry := RoleWithPermissions{Role: roles[i]}

		if err := s.db.WithContext(ctx).
			Table("user_roles").
			Where("role_id = ?", roles[i].ID).
			Count(&entry.UsersCount).Error; err != nil {
			return nil, fmt.Errorf("counting role users: %w", err)
		}

		out = append(out, entry)
	}

	return out, nil
}

func (s *store) EnsurePermission(
	ctx context.Context, code string, description *string,
) (*Permission, error) {
	var perm Permission

	err := s.db.WithContext(ctx).
		Where("code = ?", code).
		First(&perm).Error
	if err == nil {
		return &perm, nil
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("loading permission: %w", err)
	}

	perm = Permission{Code: code, Description: description}
	if err := s.db.WithContext(ctx).Create(&perm).Error; err != nil {
		return nil, fmt.Errorf("creating permission: %w", err)
	}

	return &perm, nil
}

func (s *store) ListPermissions(ctx context.Context) ([]Permission, error) {
	var perms []Permission
	if err := s.db.WithContext(ctx).
		Order("code ASC").
		Find(&perms).Error; err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}

	return perms, nil
}

// ReplaceRolePermissions swaps a role's permission set atomically.
func (s *store) ReplaceRolePermissions(
	ctx context.Context, roleID uint, permissionIDs []uint,
) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(
			"DELETE FROM role_permissions WHERE role_id = ?", roleID,
		).Error; err != nil {
			return fmt.Errorf("clearing role permissions: %w", err)
		}

		for _, permID := range permissionIDs {
			if err := tx.Exec(
				"INSERT INTO role_permissions (role_id, permission_id) VALUES (?, ?)",
				roleID, permID,
			).Error; err != nil {
				return fmt.Errorf("granting permission %d: %w", permID, err)
			}
		}

		return nil
	})
}
