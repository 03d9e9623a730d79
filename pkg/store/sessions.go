package store

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// SessionPrincipal is a joined view of an active session: the user, the
// role names, and the sorted union of permission codes inherited through
// those roles.
type SessionPrincipal struct {
	Session     Session
	User        User
	Roles       []string
	Permissions []string
}

// HasPermission reports set membership. Checks never parse the code.
func (p *SessionPrincipal) HasPermission(code string) bool {
	for _, c := range p.Permissions {
		if c == code {
			return true
		}
	}

	return false
}

// HasRole reports whether the principal holds the named role.
func (p *SessionPrincipal) HasRole(name string) bool {
	for _, r := range p.Roles {
		if r == name {
			return true
		}
	}

	return false
}

func (s *store) CreateSession(ctx context.Context, session *Session) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	return nil
}

// FindActiveSessionByTokenHash resolves a bearer hash to its principal.
// Expired and revoked sessions resolve to ErrNotFound.
func (s *store) FindActiveSessionByTokenHash(
	ctx context.Context, tokenHash string,
) (*SessionPrincipal, error) {
	var session Session
	if err := s.db.WithContext(ctx).
		Where("token_hash = ?", tokenHash).
		Where("revoked_at IS NULL").
		Where("expires_at > ?", time.Now().UTC()).
		First(&session).Error; err != nil {
		return nil, fmt.Errorf("finding session: %w", notFound(err))
	}

	var user User
	if err := s.db.WithContext(ctx).
		Preload("Roles.Permissions").
		Where("id = ?", session.UserID).
		First(&user).Error; err != nil {
		return nil, fmt.Errorf("loading session user: %w", notFound(err))
	}

	principal := &SessionPrincipal{
		Session: session,
		User:    user,
	}

	seen := make(map[string]struct{})

	for _, role := range user.Roles {
		principal.Roles = append(principal.Roles, role.Name)

		for _, perm := range role.Permissions {
			if _, ok := seen[perm.Code]; ok {
				continue
			}

			seen[perm.Code] = struct{}{}
			principal.Permissions = append(principal.Permissions, perm.Code)
		}
	}

	sort.Strings(principal.Roles)
	sort.Strings(principal.Permissions)

	return principal, nil
}

func (s *store) TouchSession(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("id = ?", id).
		Update("last_seen_at", time.Now().UTC()).Error; err != nil {
		return fmt.Errorf("touching session: %w", err)
	}

	return nil
}

// RevokeSessionByTokenHash marks a session revoked. Idempotent: revoking
// a missing or already-revoked session is not an error.
func (s *store) RevokeSessionByTokenHash(ctx context.Context, tokenHash string) error {
	if err := s.db.WithContext(ctx).
		Model(&Session{}).
		Where("token_hash = ? AND revoked_at IS NULL", tokenHash).
		Update("revoked_at", time.Now().UTC()).Error; err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}

	return nil
}
