package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/siteboost/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed bearer token for a caller",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			if subject == "" {
				return errors.New("--subject is required")
			}
			var audience []string
			if cfg.Auth.JWTAudience != "" {
				audience = append(audience, cfg.Auth.JWTAudience)
			}
			token, err := auth.IssueToken(
				[]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, subject, ttl, time.Now(), audience...,
			)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "caller ID placed in the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
