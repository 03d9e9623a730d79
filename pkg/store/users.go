package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// NormalizeEmail lowercases and trims an email address. Email and
// EmailNormalized always move together.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *store) CreateShellUser(ctx context.Context, user *User) error {
	user.EmailNormalized = NormalizeEmail(user.Email)

	var existing User

	err := s.db.WithContext(ctx).
		Where("email_normalized = ?", user.EmailNormalized).
		First(&existing).Error
	if err == nil {
		return fmt.Errorf("creating user: email already registered: %w", ErrConflict)
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("checking email: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		return fmt.Errorf("creating user: %w", err)
	}

	return nil
}

func (s *store) FindUserByEmail(ctx context.Context, emailNormalized string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Preload("Roles").
		Where("email_normalized = ?", emailNormalized).
		First(&user).Error; err != nil {
		return nil, fmt.Errorf("finding user by email: %w", notFound(err))
	}

	return &user, nil
}

func (s *store) FindUserByID(ctx context.Context, id string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).
		Preload("Roles").
		Where("id = ?", id).
		First(&user).Error; err != nil {
		return nil, fmt.Errorf("finding user by id: %w", notFound(err))
	}

	return &user, nil
}

// credentialedAdminQuery matches users that hold the admin role and have
// completed password setup.
func (s *store) credentialedAdminQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&User{}).
		Joins("JOIN user_roles ON user_roles.user_id = users.id").
		Joins("JOIN roles ON roles.id = user_roles.role_id").
		Where("roles.name = ?", RoleAdmin).
		Where("users.password_hash IS NOT NULL")
}

func (s *store) HasCredentialedAdmin(ctx context.Context) (bool, error) {
	var count int64
	if err := s.credentialedAdminQuery(ctx).Count(&count).Error; err != nil {
		return false, fmt.Errorf("counting credentialed admins: %w", err)
	}

	return count > 0, nil
}

func (s *store) HasCredentialedAdminExcludingEmail(
	ctx context.Context, emailNormalized string,
) (bool, error) {
	var count int64
	if err := s.credentialedAdminQuery(ctx).
		Where("users.email_normalized <> ?", emailNormalized).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("counting credentialed admins: %w", err)
	}

	return count > 0, nil
}

func (s *store) HasCredentialedAdminExcludingUser(
	ctx context.Context, userID string,
) (bool, error) {
	var count int64
	if err := s.credentialedAdminQuery(ctx).
		Where("users.id <> ?", userID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("counting credentialed admins: %w", err)
	}

	return count > 0, nil
}

// UpdateProfileAndPassword completes a shell account: email, display
// name, and password in one write. Used by the bootstrap claim.
func (s *store) UpdateProfileAndPassword(
	ctx context.Context, userID, email, displayName, passwordHash string,
) error {
	now := time.Now().UTC()

	updates := map[string]any{
		"email":              email,
		"email_normalized":   NormalizeEmail(email),
		"password_hash":      passwordHash,
		"email_verified_at":  now,
		"failed_login_count": 0,
		"locked_until":       nil,
	}

	if displayName != "" {
		updates["display_name"] = displayName
	}

	res := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("updating profile: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("updating profile: %w", ErrNotFound)
	}

	return nil
}

// UpdatePassword sets a new password hash, marks the email verified, and
// clears lockout state.
func (s *store) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"password_hash":      passwordHash,
			"email_verified_at":  time.Now().UTC(),
			"failed_login_count": 0,
			"locked_until":       nil,
		})
	if res.Error != nil {
		return fmt.Errorf("updating password: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("updating password: %w", ErrNotFound)
	}

	return nil
}

func (s *store) RecordLoginSuccess(ctx context.Context, userID, ip string) error {
	if err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{
			"failed_login_count": 0,
			"locked_until":       nil,
			"last_login_at":      time.Now().UTC(),
			"last_login_ip":      ip,
		}).Error; err != nil {
		return fmt.Errorf("recording login success: %w", err)
	}

	return nil
}

func (s *store) RecordLoginFailure(
	ctx context.Context, userID string, lockedUntil *time.Time,
) error {
	updates := map[string]any{
		"failed_login_count": gorm.Expr("failed_login_count + 1"),
	}

	if lockedUntil != nil {
		updates["locked_until"] = *lockedUntil
	}

	if err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ?", userID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("recording login failure: %w", err)
	}

	return nil
}

// DeleteUserByID removes a user with its sessions, tokens, and role
// assignments. Audit rows survive with user_id nulled.
func (s *store) DeleteUserByID(ctx context.Context, id string) (bool, error) {
	var affected int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", id).
			Delete(&Session{}).Error; err != nil {
			return fmt.Errorf("deleting user sessions: %w", err)
		}

		if err := tx.Where("user_id = ?", id).
			Delete(&AuthToken{}).Error; err != nil {
			return fmt.Errorf("deleting user tokens: %w", err)
		}

		if err := tx.Exec(
			"DELETE FROM user_roles WHERE user_id = ?", id,
		).Error; err != nil {
			return fmt.Errorf("deleting user roles: %w", err)
		}

		if err := tx.Model(&AuditLog{}).
			Where("user_id = ?", id).
			Update("user_id", nil).Error; err != nil {
			return fmt.Errorf("detaching audit rows: %w", err)
		}

		res := tx.Where("id = ?", id).Delete(&User{})
		if res.Error != nil {
			return fmt.Errorf("deleting user: %w", res.Error)
		}

		affected = res.RowsAffected

		return nil
	})
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (s *store) ListUsersWithRoles(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).
		Preload("Roles").
		Order("created_at ASC").
		Find(&users).Error; err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}

	return users, nil
}
