package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

func (s *store) CreateResetToken(ctx context.Context, token *AuthToken) error {
	if err := s.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("creating reset token: %w", err)
	}

	return nil
}

// RotateResetToken deletes any outstanding unconsumed reset token for the
// same user and inserts the new one, so at most one reset token per user
// is ever usable.
func (s *store) RotateResetToken(ctx context.Context, token *AuthToken) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where(
			"user_id = ? AND type = ? AND consumed_at IS NULL",
			token.UserID, TokenTypeResetPassword,
		).Delete(&AuthToken{}).Error; err != nil {
			return fmt.Errorf("deleting outstanding reset tokens: %w", err)
		}

		if err := tx.Create(token).Error; err != nil {
			return fmt.Errorf("creating reset token: %w", err)
		}

		return nil
	})
}

// FindUsableResetToken returns the unconsumed, unexpired reset token with
// the given hash, with the owning user and roles preloaded.
func (s *store) FindUsableResetToken(
	ctx context.Context, tokenHash string,
) (*AuthToken, error) {
	var token AuthToken
	if err := s.db.WithContext(ctx).
		Preload("User.Roles").
		Where("token_hash = ?", tokenHash).
		Where("type = ?", TokenTypeResetPassword).
		Where("consumed_at IS NULL").
		Where("expires_at > ?", time.Now().UTC()).
		First(&token).Error; err != nil {
		return nil, fmt.Errorf("finding reset token: %w", notFound(err))
	}

	return &token, nil
}

func (s *store) FindActiveResetTokenByUser(
	ctx context.Context, userID string,
) (*AuthToken, error) {
	var token AuthToken
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("type = ?", TokenTypeResetPassword).
		Where("consumed_at IS NULL").
		Where("expires_at > ?", time.Now().UTC()).
		First(&token).Error; err != nil {
		return nil, fmt.Errorf("finding active reset token: %w", notFound(err))
	}

	return &token, nil
}

func (s *store) ConsumeToken(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).
		Model(&AuthToken{}).
		Where("id = ? AND consumed_at IS NULL", id).
		Update("consumed_at", time.Now().UTC())
	if res.Error != nil {
		return fmt.Errorf("consuming token: %w", res.Error)
	}

	if res.RowsAffected == 0 {
		return fmt.Errorf("consuming token: %w", ErrNotFound)
	}

	return nil
}
