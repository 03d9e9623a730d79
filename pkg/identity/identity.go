// Package identity owns authentication, session management,
// authorization decisions, and the user lifecycle.
package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/config"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

// Error taxonomy surfaced to the HTTP layer. Login and token failures
// are deliberately opaque: they never reveal whether the email or token
// existed.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDisabled    = errors.New("account disabled")
	ErrAccountLocked      = errors.New("account locked")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrLastAdmin          = errors.New("cannot remove the last credentialed admin")
	ErrUnknownRole        = errors.New("unknown role name")
	ErrUnknownPermission  = errors.New("unknown permission code")
)

// Lockout policy: consecutive failures before a temporary lock.
const (
	lockoutThreshold = 10
	lockoutDuration  = 15 * time.Minute
)

var roleNamePattern = regexp.MustCompile(`^[a-z][a-z0-9:_-]*$`)

// Service implements the identity operations over the store.
type Service struct {
	log   logrus.FieldLogger
	store store.Store
	cfg   *config.AuthConfig
}

// NewService creates the identity service.
func NewService(
	log logrus.FieldLogger, st store.Store, cfg *config.AuthConfig,
) *Service {
	return &Service{
		log:   log.WithField("component", "identity"),
		store: st,
		cfg:   cfg,
	}
}

// UserSnapshot is the user view returned by login and /auth/me.
type UserSnapshot struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	DisplayName *string    `json:"display_name"`
	IsDisabled  bool       `json:"is_disabled"`
	LastLoginAt *time.Time `json:"last_login_at"`
	CreatedAt   time.Time  `json:"created_at"`
	Roles       []string   `json:"roles"`
	Permissions []string   `json:"permissions,omitempty"`
}

// LoginResult carries the one-time bearer plaintext and its session.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	User      UserSnapshot
}

// Login authenticates email+password and mints a session. All
// credential failures surface as ErrInvalidCredentials.
func (s *Service) Login(
	ctx context.Context, email, password, ip, userAgent string,
) (*LoginResult, error) {
	user, err := s.store.FindUserByEmail(ctx, store.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.audit(ctx, nil, store.AuditLoginFailed, ip, userAgent, "unknown email")

			return nil, ErrInvalidCredentials
		}

		return nil, err
	}

	if user.PasswordHash == nil {
		s.audit(ctx, &user.ID, store.AuditLoginFailed, ip, userAgent, "shell account")

		return nil, ErrInvalidCredentials
	}

	if user.LockedUntil != nil && user.LockedUntil.After(time.Now().UTC()) {
		return nil, ErrAccountLocked
	}

	if !VerifyPassword(password, *user.PasswordHash) {
		var lockedUntil *time.Time

		if user.FailedLoginCount+1 >= lockoutThreshold {
			until := time.Now().UTC().Add(lockoutDuration)
			lockedUntil = &until
		}

		if err := s.store.RecordLoginFailure(ctx, user.ID, lockedUntil); err != nil {
			s.log.WithError(err).Warn("Failed to record login failure")
		}

		s.audit(ctx, &user.ID, store.AuditLoginFailed, ip, userAgent, "bad password")

		return nil, ErrInvalidCredentials
	}

	if user.IsDisabled {
		return nil, ErrAccountDisabled
	}

	plaintext, hash, err := RandomToken()
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(s.cfg.SessionTTLDuration())

	session := &store.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: hash,
		ExpiresAt: expiresAt,
		IP:        &ip,
		UserAgent: &userAgent,
	}

	if err := s.store.CreateSession(ctx, session); err != nil {
		return nil, err
	}

	if err := s.store.RecordLoginSuccess(ctx, user.ID, ip); err != nil {
		s.log.WithError(err).Warn("Failed to record login success")
	}

	s.audit(ctx, &user.ID, store.AuditLoginSuccess, ip, userAgent, "")

	return &LoginResult{
		Token:     plaintext,
		ExpiresAt: expiresAt,
		User:      snapshotUser(user, nil),
	}, nil
}

// Authenticate resolves a bearer plaintext to its session principal and
// touches the session.
func (s *Service) Authenticate(
	ctx context.Context, bearer string,
) (*store.SessionPrincipal, error) {
	principal, err := s.store.FindActiveSessionByTokenHash(ctx, HashToken(bearer))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInvalidCredentials
		}

		return nil, err
	}

	if err := s.store.TouchSession(ctx, principal.Session.ID); err != nil {
		s.log.WithError(err).Warn("Failed to touch session")
	}

	return principal, nil
}

// Logout revokes the session behind the bearer. Idempotent.
func (s *Service) Logout(ctx context.Context, bearer string, principal *store.SessionPrincipal) error {
	if err := s.store.RevokeSessionByTokenHash(ctx, HashToken(bearer)); err != nil {
		return err
	}

	if principal != nil {
		s.audit(ctx, &principal.User.ID, store.AuditLogout, "", "", "")
	}

	return nil
}

// Snapshot builds the /auth/me view for a principal.
func Snapshot(principal *store.SessionPrincipal) UserSnapshot {
	snap := snapshotUser(&principal.User, principal.Roles)
	snap.Permissions = principal.Permissions

	return snap
}

// InviteResult carries a new shell user and its one-time setup token.
type InviteResult struct {
	User                *store.User
	SetupToken          string
	SetupTokenExpiresAt time.Time
}

// CreateUser creates a shell user with the "user" role and a setup
// token. The setup plaintext is returned exactly once.
func (s *Service) CreateUser(
	ctx context.Context, actor *store.SessionPrincipal, email, displayName string,
) (*InviteResult, error) {
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: invalid email %q", ErrInvalidInput, email)
	}

	user := &store.User{
		ID:    uuid.NewString(),
		Email: email,
	}

	if displayName != "" {
		user.DisplayName = &displayName
	}

	if err := s.store.CreateShellUser(ctx, user); err != nil {
		return nil, err
	}

	role, err := s.store.FindRoleByName(ctx, store.RoleUser)
	if err != nil {
		return nil, err
	}

	if err := s.store.AssignRole(ctx, user.ID, role.ID); err != nil {
		return nil, err
	}

	plaintext, hash, err := RandomToken()
	if err != nil {
		return nil, err
	}

	expiresAt := time.Now().UTC().Add(s.cfg.ResetTokenTTLDuration())

	token := &store.AuthToken{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Type:      store.TokenTypeResetPassword,
		TokenHash: hash,
		ExpiresAt: expiresAt,
	}

	if err := s.store.CreateResetToken(ctx, token); err != nil {
		return nil, err
	}

	s.audit(ctx, &actor.User.ID, store.AuditUserCreated, "", "", user.Email)

	return &InviteResult{
		User:                user,
		SetupToken:          plaintext,
		SetupTokenExpiresAt: expiresAt,
	}, nil
}

// SetPassword completes an invite or reset: consumes the token and
// stores the new password hash.
func (s *Service) SetPassword(ctx context.Context, tokenPlaintext, password string) error {
	token, err := s.store.FindUsableResetToken(ctx, HashToken(tokenPlaintext))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}

		return err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	if err := s.store.UpdatePassword(ctx, token.UserID, hash); err != nil {
		return err
	}

	if err := s.store.ConsumeToken(ctx, token.ID); err != nil {
		return err
	}

	s.audit(ctx, &token.UserID, store.AuditPasswordSet, "", "", "")

	return nil
}

// ReplaceUserRoles swaps a user's roles by name with set-equality
// semantics. Refuses to strip admin from the last credentialed admin.
func (s *Service) ReplaceUserRoles(
	ctx context.Context, actor *store.SessionPrincipal, userID string, roleNames []string,
) (*store.User, error) {
	target, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	roles, err := s.store.FindRolesByNames(ctx, roleNames)
	if err != nil {
		return nil, err
	}

	if len(roles) != len(dedupe(roleNames)) {
		return nil, ErrUnknownRole
	}

	keepsAdmin := false
	roleIDs := make([]uint, 0, len(roles))

	for _, role := range roles {
		roleIDs = append(roleIDs, role.ID)

		if role.Name == store.RoleAdmin {
			keepsAdmin = true
		}
	}

	hadAdmin := false

	for _, role := range target.Roles {
		if role.Name == store.RoleAdmin {
			hadAdmin = true
		}
	}

	if hadAdmin && !keepsAdmin && target.PasswordHash != nil {
		other, err := s.store.HasCredentialedAdminExcludingUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		if !other {
			return nil, ErrLastAdmin
		}
	}

	if err := s.store.ReplaceUserRoles(ctx, userID, roleIDs); err != nil {
		return nil, err
	}

	s.audit(ctx, &actor.User.ID, store.AuditRolesReplaced, "", "",
		fmt.Sprintf("user=%s roles=%s", userID, strings.Join(roleNames, ",")))

	return s.store.FindUserByID(ctx, userID)
}

// DeleteUser removes an account, refusing to delete the last
// credentialed admin.
func (s *Service) DeleteUser(
	ctx context.Context, actor *store.SessionPrincipal, userID string,
) error {
	target, err := s.store.FindUserByID(ctx, userID)
	if err != nil {
		return err
	}

	isAdmin := false

	for _, role := range target.Roles {
		if role.Name == store.RoleAdmin {
			isAdmin = true
		}
	}

	if isAdmin && target.PasswordHash != nil {
		other, err := s.store.HasCredentialedAdminExcludingUser(ctx, userID)
		if err != nil {
			return err
		}

		if !other {
			return ErrLastAdmin
		}
	}

	if _, err := s.store.DeleteUserByID(ctx, userID); err != nil {
		return err
	}

	s.audit(ctx, &actor.User.ID, store.AuditUserDeleted, "", "", target.Email)

	return nil
}

// CreateRole creates a role with an optional permission grant. Dynamic
// node:read:<id> / node:write:<id> codes are provisioned on first
// reference; unknown static codes are rejected.
func (s *Service) CreateRole(
	ctx context.Context, name string, description *string, permissionCodes []string,
) (*store.Role, error) {
	if !roleNamePattern.MatchString(name) {
		return nil, fmt.Errorf("%w: invalid role name %q", ErrInvalidInput, name)
	}

	role, err := s.store.EnsureRole(ctx, name, description)
	if err != nil {
		return nil, err
	}

	if len(permissionCodes) > 0 {
		if err := s.GrantPermissions(ctx, role.ID, permissionCodes); err != nil {
			return nil, err
		}
	}

	return s.store.FindRoleByName(ctx, name)
}

// GrantPermissions replaces a role's permission set by code.
func (s *Service) GrantPermissions(
	ctx context.Context, roleID uint, codes []string,
) error {
	permIDs := make([]uint, 0, len(codes))

	for _, code := range dedupe(codes) {
		perm, err := s.resolvePermission(ctx, code)
		if err != nil {
			return err
		}

		permIDs = append(permIDs, perm.ID)
	}

	return s.store.ReplaceRolePermissions(ctx, roleID, permIDs)
}

// resolvePermission maps a code to its row, auto-provisioning dynamic
// per-node codes.
func (s *Service) resolvePermission(
	ctx context.Context, code string,
) (*store.Permission, error) {
	if IsDynamicNodeCode(code) {
		return s.store.EnsurePermission(ctx, code, nil)
	}

	for _, static := range StaticPermissions {
		if static.Code == code {
			return s.store.EnsurePermission(ctx, code, &static.Description)
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrUnknownPermission, code)
}

// IsDynamicNodeCode reports whether a permission code is one of the
// auto-provisioned per-node forms.
func IsDynamicNodeCode(code string) bool {
	return strings.HasPrefix(code, "node:read:") ||
		strings.HasPrefix(code, "node:write:")
}

func (s *Service) audit(
	ctx context.Context, userID *string, action, ip, userAgent, details string,
) {
	entry := &store.AuditLog{
		UserID: userID,
		Action: action,
	}

	if ip != "" {
		entry.IP = &ip
	}

	if userAgent != "" {
		entry.UserAgent = &userAgent
	}

	if details != "" {
		entry.Details = &details
	}

	if err := s.store.InsertAudit(ctx, entry); err != nil {
		s.log.WithError(err).WithField("action", action).
			Warn("Failed to record audit entry")
	}
}

func snapshotUser(user *store.User, roleNames []string) UserSnapshot {
	if roleNames == nil {
		for _, role := range user.Roles {
			roleNames = append(roleNames, role.Name)
		}
	}

	return UserSnapshot{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		IsDisabled:  user.IsDisabled,
		LastLoginAt: user.LastLoginAt,
		CreatedAt:   user.CreatedAt,
		Roles:       roleNames,
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))

	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}

		seen[s] = struct{}{}
		out = append(out, s)
	}

	return out
}
