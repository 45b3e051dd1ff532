// Copyright 2025 B0GARTT00
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/B0GARTT00/StrideQuest-V2-sub000/stridesync"
)

type questDefConfig struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
}

// newQuestDefCmd registers or updates a quest definition. Clients can only
// report progress against quests defined here.
func newQuestDefCmd() *cobra.Command {
	var target int64
	var rewardXP int64

	cmd := &cobra.Command{
		Use:   "quest-def <quest-id>",
		Short: "Register or update a quest definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg questDefConfig
			if err := env.Parse(&cfg); err != nil {
				return fmt.Errorf("parse env: %w", err)
			}
			if target <= 0 {
				return fmt.Errorf("--target must be positive")
			}
			if rewardXP < 0 {
				return fmt.Errorf("--reward-xp cannot be negative")
			}

			ctx := cmd.Context()
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("failed to create pgx pool: %w", err)
			}
			defer pool.Close()

			service, err := stridesync.NewService(pool, nil, logger)
			if err != nil {
				return err
			}
			if err := service.InitSchema(ctx); err != nil {
				return fmt.Errorf("failed to initialize schema: %w", err)
			}
			if err := service.RegisterQuestDef(ctx, args[0], target, rewardXP); err != nil {
				return err
			}
			fmt.Printf("quest %q registered: target=%d reward_xp=%d\n", args[0], target, rewardXP)
			return nil
		},
	}

	cmd.Flags().Int64Var(&target, "target", 0, "progress target that completes the quest")
	cmd.Flags().Int64Var(&rewardXP, "reward-xp", 0, "XP granted once on completion")
	return cmd
}

// newTokenCmd mints a device JWT for manual testing against a running server.
func newTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <user-id> <device-id>",
		Short: "Mint a device JWT for testing",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := os.Getenv("JWT_SECRET")
			if secret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}
			token, err := stridesync.NewJWTAuth(secret).GenerateToken(args[0], args[1], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
