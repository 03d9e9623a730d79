package identity_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/config"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/identity"
	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

func setupService(t *testing.T) (*identity.Service, store.Store) {
	t.Helper()

	cfg := &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: ":memory:"},
	}

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := store.NewStore(log, cfg)
	require.NoError(t, s.Start(context.Background()))

	t.Cleanup(func() { _ = s.Stop() })

	svc := identity.NewService(log, s, &config.AuthConfig{})
	require.NoError(t, svc.Seed(context.Background()))

	return svc, s
}

// claimAdmin walks the bootstrap flow and returns the admin's principal.
func claimAdmin(t *testing.T, svc *identity.Service, s store.Store) *store.SessionPrincipal {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, svc.Prestart(ctx))

	shell, err := s.FindUserByEmail(ctx, store.NormalizeEmail(config.DefaultBootstrapEmail))
	require.NoError(t, err)

	token, err := s.FindActiveResetTokenByUser(ctx, shell.ID)
	require.NoError(t, err)
	require.NotNil(t, token.Metadata)

	plaintext := bootstrapPlaintext(t, *token.Metadata)

	require.NoError(t, svc.Claim(ctx, plaintext, "root@example.com", "hunter22", "Root"))

	result, err := svc.Login(ctx, "root@example.com", "hunter22", "127.0.0.1", "test")
	require.NoError(t, err)

	principal, err := svc.Authenticate(ctx, result.Token)
	require.NoError(t, err)

	return principal
}

func TestBootstrapFlow(t *testing.T) {
	svc, s := setupService(t)
	ctx := context.Background()

	needs, err := svc.NeedsBootstrap(ctx)
	require.NoError(t, err)
	assert.True(t, needs)

	principal := claimAdmin(t, svc, s)
	assert.True(t, principal.HasRole(store.RoleAdmin))
	assert.True(t, principal.HasPermission("nodes:create"))

	needs, err = svc.NeedsBootstrap(ctx)
	require.NoError(t, err)
	assert.False(t, needs)

	// A second prestart with a credentialed admin purges nothing and
	// stages no new token.
	require.NoError(t, svc.Prestart(ctx))

	needs, err = svc.NeedsBootstrap(ctx)
	require.NoError(t, err)
	assert.False(t, needs)
}

func TestBootstrapClaim_ConsumedTokenRejected(t *testing.T) {
	svc, s := setupService(t)
	ctx := context.Background()

	require.NoError(t, svc.Prestart(ctx))

	shell, err := s.FindUserByEmail(ctx, store.NormalizeEmail(config.DefaultBootstrapEmail))
	require.NoError(t, err)

	token, err := s.FindActiveResetTokenByUser(ctx, shell.ID)
	require.NoError(t, err)

	plaintext := bootstrapPlaintext(t, *token.Metadata)

	require.NoError(t, svc.Claim(ctx, plaintext, "root@example.com", "hunter22", ""))

	err = svc.Claim(ctx, plaintext, "other@example.com", "hunter22", "")
	assert.ErrorIs(t, err, identity.ErrInvalidToken)
}

func TestLogin_OpaqueFailures(t *testing.T) {
	svc, s := setupService(t)
	ctx := context.Background()

	claimAdmin(t, svc, s)

	// Unknown email and wrong password are indistinguishable.
	_, err := svc.Login(ctx, "nobody@example.com", "pw", "", "")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	_, err = svc.Login(ctx, "root@example.com", "wrong", "", "")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	// Shell users cannot log in before setup.
	admin := adminPrincipal(t, svc, s)

	_, err = svc.CreateUser(ctx, admin, "shell@example.com", "")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "shell@example.com", "anything", "", "")
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestInviteAndSetPassword(t *testing.T) {
	svc, s := setupService(t)
	ctx := context.Background()

	admin := claimAdmin(t, svc, s)

	invite, err := svc.CreateUser(ctx, admin, "new@example.com", "New User")
	require.NoError(t, err)
	require.NotEmpty(t, invite.SetupToken)

	require.NoError(t, svc.SetPassword(ctx, invite.SetupToken, "s3cretpass"))

	// The setup token is single-use.
	err = svc.SetPassword(ctx, invite.SetupToken, "another")
	assert.ErrorIs(t, err, identity.ErrInvalidToken)

	result, err := svc.Login(ctx, "new@example.com", "s3cretpass", "", "")
	require.NoError(t, err)
	assert.Contains(t, result.User.Roles, store.RoleUser)
}

func TestReplaceUserRoles_LastAdminFloor(t *testing.T) {
	svc, s := setupService(t)
	ctx := context.Background()

	admin := claimAdmin(t, svc, s)

	// Demoting the only credentialed admin is refused.
	_, err := svc.ReplaceUserRoles(ctx, admin, admin.User.ID, []string{store.RoleUser})
	assert.ErrorIs(t, err, identity.ErrLastAdmin)

	// With a second credentialed admin the demotion goes through.
	invite, err := svc.CreateUser(ctx, admin, "second@example.com", "")
	require.NoError(t, err)
	require.NoError(t, svc.SetPassword(ctx, invite.SetupToken, "s3cretpass"))

	_, err = svc.ReplaceUserRoles(ctx, admin, invite.User.ID,
		[]string{store.RoleAdmin, store.RoleUser})
	require.NoError(t, err)

	updated, err := svc.ReplaceUserRoles(ctx, admin, admin.User.ID, []string{store.RoleUser})
	require.NoError(t, err)
	require.Len(t, updated.Roles, 1)
	assert.Equal(t, store.RoleUser, updated.Roles[0].Name)
}

func TestReplaceUserRoles_UnknownRole(t *testing.T) {
	svc, s := setupService(t)
	ctx := context.Background()

	admin := claimAdmin(t, svc, s)

	_, err := svc.ReplaceUserRoles(ctx, admin, admin.User.ID,
		[]string{store.RoleAdmin, "ghost"})
	assert.ErrorIs(t, err, identity.ErrUnknownRole)
}

func TestLogout_RevokesSession(t *testing.T) {
	svc, s := setupService(t)
	ctx := context.Background()

	claimAdmin(t, svc, s)

	result, err := svc.Login(ctx, "root@example.com", "hunter22", "", "")
	require.NoError(t, err)

	principal, err := svc.Authenticate(ctx, result.Token)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, result.Token, principal))

	_, err = svc.Authenticate(ctx, result.Token)
	assert.ErrorIs(t, err, identity.ErrInvalidCredentials)

	// Logout is idempotent.
	require.NoError(t, svc.Logout(ctx, result.Token, nil))
}

func TestCreateRole_DynamicNodePermissions(t *testing.T) {
	svc, s := setupService(t)
	ctx := context.Background()

	claimAdmin(t, svc, s)

	role, err := svc.CreateRole(ctx, "edge-viewer", nil,
		[]string{"node:read:01ABC", "auth:me"})
	require.NoError(t, err)

	codes := make([]string, 0, len(role.Permissions))
	for _, perm := range role.Permissions {
		codes = append(codes, perm.Code)
	}

	assert.ElementsMatch(t, []string{"node:read:01ABC", "auth:me"}, codes)

	// Unknown static codes are rejected.
	_, err = svc.CreateRole(ctx, "broken", nil, []string{"nodes:fly"})
	assert.ErrorIs(t, err, identity.ErrUnknownPermission)

	// Invalid role names are rejected.
	_, err = svc.CreateRole(ctx, "Bad Name", nil, nil)
	assert.Error(t, err)
}

func TestDeleteUser_LastAdminFloor(t *testing.T) {
	svc, s := setupService(t)
	ctx := context.Background()

	admin := claimAdmin(t, svc, s)

	err := svc.DeleteUser(ctx, admin, admin.User.ID)
	assert.ErrorIs(t, err, identity.ErrLastAdmin)
}

// bootstrapPlaintext extracts the staged token from its metadata blob,
// the same value Prestart surfaces on the startup log.
func bootstrapPlaintext(t *testing.T, metadata string) string {
	t.Helper()

	var meta struct {
		BootstrapToken string `json:"bootstrapToken"`
	}

	require.NoError(t, json.Unmarshal([]byte(metadata), &meta))
	require.NotEmpty(t, meta.BootstrapToken)

	return meta.BootstrapToken
}

// adminPrincipal re-authenticates the claimed admin.
func adminPrincipal(t *testing.T, svc *identity.Service, s store.Store) *store.SessionPrincipal {
	t.Helper()

	result, err := svc.Login(context.Background(), "root@example.com", "hunter22", "", "")
	require.NoError(t, err)

	principal, err := svc.Authenticate(context.Background(), result.Token)
	require.NoError(t, err)

	return principal
}
