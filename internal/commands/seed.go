// Package commands implements the operator CLI actions used to seed users
// and sectors before the server first starts. They open the database
// directly, so the server must not be running.
package commands

import (
	"context"
	"fmt"

	"atendo/internal/auth"
	"atendo/internal/config"
	"atendo/internal/content"
	"atendo/internal/models"
	"atendo/internal/storage"

	"github.com/google/uuid"
)

type AddUserOptions struct {
	Name     string
	Password string
	Role     string
	SectorID string
}

func AddUser(ctx context.Context, cfg *config.Config, opts AddUserOptions) error {
	if err := content.ValidateName(opts.Name); err != nil {
		return err
	}
	role := models.Role(opts.Role)
	if !role.Valid() {
		return fmt.Errorf("invalid role %q (client, agent, supervisor or admin)", opts.Role)
	}
	if opts.Password == "" {
		return fmt.Errorf("password is required")
	}

	store, err := storage.NewBboltStorage(ctx, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if opts.SectorID != "" {
		if _, err := store.GetSector(opts.SectorID); err != nil {
			return fmt.Errorf("sector %q: %w", opts.SectorID, err)
		}
	}
	if _, err := store.FindCredentialsByName(opts.Name); err == nil {
		return fmt.Errorf("user %q already exists", opts.Name)
	}

	hash, err := auth.HashPassword(opts.Password)
	if err != nil {
		return err
	}

	user := models.User{
		ID:       uuid.NewString(),
		Name:     opts.Name,
		Role:     role,
		SectorID: opts.SectorID,
	}
	if err := store.UpsertCredentials(storage.Credentials{User: user, PasswordHash: hash}); err != nil {
		return err
	}

	fmt.Printf("\nUser created\n")
	fmt.Printf("ID:   %s\n", user.ID)
	fmt.Printf("Name: %s\n", user.Name)
	fmt.Printf("Role: %s\n", user.Role)
	if user.SectorID != "" {
		fmt.Printf("Sector: %s\n", user.SectorID)
	}
	return nil
}

func AddSector(ctx context.Context, cfg *config.Config, id, name string) error {
	if err := content.ValidateSectorCode(id); err != nil {
		return err
	}
	if name == "" {
		name = id
	}

	store, err := storage.NewBboltStorage(ctx, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	if err := store.UpsertSector(models.Sector{ID: id, Name: name}); err != nil {
		return err
	}

	fmt.Printf("Sector %q (%s) created\n", id, name)
	return nil
}
