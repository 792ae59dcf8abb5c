package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"serotonyl.ru/qvote/internal/app"
	"serotonyl.ru/qvote/internal/common"
	"serotonyl.ru/qvote/internal/features/access"
)

func replenishCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replenish",
		Short: "Run one replenishment sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withLedger(cmd, func(ctx context.Context, a *app.App) error {
				granted, err := a.Ledger.ReplenishDue(ctx)
				fmt.Fprintf(cmd.OutOrStdout(), "granted %d %s\n", granted, common.Pluralize(int64(granted), "user", "users"))
				return err
			})
		},
	}
}

func auditCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <user-id>",
		Short: "Check that a user's balance reconciles with the transaction log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Ledger.Audit(ctx, args[0])
				if report != nil {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if encErr := enc.Encode(report); encErr != nil {
						return encErr
					}
				}
				return err
			})
		},
	}
}

// hashTokenCommand prints the Argon2id hash to put in AUTH_SERVICE_TOKEN_HASH.
func hashTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Hash a service token for AUTH_SERVICE_TOKEN_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args[0]) < 16 {
				return errors.New("service token must be at least 16 characters")
			}
			hash, err := access.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func issueTokenCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-token <user-id>",
		Short: "Issue a user JWT signed with AUTH_JWT_SECRET",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AuthJWTSecret == "" {
				fmt.Fprintln(os.Stderr, "AUTH_JWT_SECRET is not set")
				return errors.New("user tokens are disabled")
			}
			auth := access.NewAuthenticator(cfg.AuthJWTSecret, cfg.AuthJWTIssuer, "")
			token, err := auth.IssueToken(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
