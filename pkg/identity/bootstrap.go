package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/GustavPetterssonBjorklund/Statix/pkg/store"
)

// ErrNotBootstrapToken is returned when a claim presents a token that is
// not eligible for bootstrap (403-class).
var ErrNotBootstrapToken = errors.New("token is not eligible for bootstrap claim")

// bootstrapMetadata tags the reset token that carries the first-admin
// claim. The plaintext lives only here and in the startup log.
type bootstrapMetadata struct {
	BootstrapToken string `json:"bootstrapToken"`
}

// NeedsBootstrap reports whether no credentialed admin exists yet.
func (s *Service) NeedsBootstrap(ctx context.Context) (bool, error) {
	has, err := s.store.HasCredentialedAdmin(ctx)
	if err != nil {
		return false, err
	}

	return !has, nil
}

// Prestart enforces the bootstrap invariant on server start. With a
// credentialed admin present the shell admin account is purged;
// otherwise the shell admin row is ensured together with an outstanding
// reset token whose plaintext is surfaced on the startup log, the only
// operator-visible channel for it.
func (s *Service) Prestart(ctx context.Context) error {
	shellEmail := store.NormalizeEmail(s.cfg.BootstrapEmailAddress())

	hasAdmin, err := s.store.HasCredentialedAdminExcludingEmail(ctx, shellEmail)
	if err != nil {
		return fmt.Errorf("checking for credentialed admin: %w", err)
	}

	if hasAdmin {
		shell, err := s.store.FindUserByEmail(ctx, shellEmail)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}

			return err
		}

		if shell.PasswordHash == nil {
			if _, err := s.store.DeleteUserByID(ctx, shell.ID); err != nil {
				return fmt.Errorf("purging shell admin: %w", err)
			}

			s.log.Info("Removed unclaimed bootstrap account")
		}

		return nil
	}

	shell, err := s.store.FindUserByEmail(ctx, shellEmail)
	if errors.Is(err, store.ErrNotFound) {
		shell = &store.User{
			ID:    uuid.NewString(),
			Email: s.cfg.BootstrapEmailAddress(),
		}

		if err := s.store.CreateShellUser(ctx, shell); err != nil {
			return fmt.Errorf("creating shell admin: %w", err)
		}
	} else if err != nil {
		return err
	} else if shell.PasswordHash != nil {
		// The reserved address was claimed directly; nothing to stage.
		return nil
	}

	adminRole, err := s.store.FindRoleByName(ctx, store.RoleAdmin)
	if err != nil {
		return err
	}

	if err := s.store.AssignRole(ctx, shell.ID, adminRole.ID); err != nil {
		return err
	}

	// Rotate only when no usable token remains, so a restart does not
	// invalidate a token the operator already copied.
	if _, err := s.store.FindActiveResetTokenByUser(ctx, shell.ID); err == nil {
		s.log.Info("Bootstrap pending; existing token still valid")

		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	plaintext, hash, err := RandomToken()
	if err != nil {
		return err
	}

	metadata, err := json.Marshal(bootstrapMetadata{BootstrapToken: plaintext})
	if err != nil {
		return fmt.Errorf("encoding bootstrap metadata: %w", err)
	}

	metadataStr := string(metadata)

	token := &store.AuthToken{
		ID:        uuid.NewString(),
		UserID:    shell.ID,
		Type:      store.TokenTypeResetPassword,
		TokenHash: hash,
		ExpiresAt: time.Now().UTC().Add(s.cfg.ResetTokenTTLDuration()),
		Metadata:  &metadataStr,
	}

	if err := s.store.RotateResetToken(ctx, token); err != nil {
		return err
	}

	s.log.Warnf("[bootstrap] token=%s", plaintext)

	return nil
}

// Claim converts the shell admin into a credentialed admin: consumes the
// bootstrap token, sets email/password/display name, and keeps the admin
// role.
func (s *Service) Claim(
	ctx context.Context, tokenPlaintext, email, password, displayName string,
) error {
	token, err := s.store.FindUsableResetToken(ctx, HashToken(tokenPlaintext))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrInvalidToken
		}

		return err
	}

	// The token must be the bootstrap one: its user is still a shell
	// account holding the admin role.
	if token.Metadata == nil {
		return ErrNotBootstrapToken
	}

	var meta bootstrapMetadata
	if err := json.Unmarshal([]byte(*token.Metadata), &meta); err != nil ||
		meta.BootstrapToken == "" {
		return ErrNotBootstrapToken
	}

	if token.User.PasswordHash != nil {
		return ErrNotBootstrapToken
	}

	isAdmin := false

	for _, role := range token.User.Roles {
		if role.Name == store.RoleAdmin {
			isAdmin = true
		}
	}

	if !isAdmin {
		return ErrNotBootstrapToken
	}

	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	if err := s.store.UpdateProfileAndPassword(
		ctx, token.UserID, email, displayName, hash,
	); err != nil {
		return err
	}

	if err := s.store.ConsumeToken(ctx, token.ID); err != nil {
		return err
	}

	s.audit(ctx, &token.UserID, store.AuditBootstrapClaimed, "", "", email)
	s.log.WithField("email", store.NormalizeEmail(email)).
		Info("Bootstrap claimed")

	return nil
}
