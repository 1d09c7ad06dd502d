package main

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	"github.com/suPer8Hu/supportdesk/internal/apperr"
	"github.com/suPer8Hu/supportdesk/internal/auth"
	"github.com/suPer8Hu/supportdesk/internal/chat"
	"github.com/suPer8Hu/supportdesk/internal/config"
	"github.com/suPer8Hu/supportdesk/internal/models"
)

// bootstrapAdmin creates the configured admin account once.
func bootstrapAdmin(ctx context.Context, repo *chat.Repo, cfg config.Config, log zerolog.Logger) error {
	email := strings.ToLower(strings.TrimSpace(cfg.AdminEmail))
	if email == "" || cfg.AdminPassword == "" {
		return nil
	}
	_, err := repo.FindUserByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !apperr.IsNotFound(err) {
		return err
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	admin := &models.User{
		Email:        email,
		Username:     "admin",
		PasswordHash: hash,
		Role:         models.RoleAdmin,
	}
	if err := repo.CreateUser(ctx, admin); err != nil {
		return err
	}
	log.Info().Str("email", email).Uint64("user_id", admin.ID).Msg("admin account created")
	return nil
}
