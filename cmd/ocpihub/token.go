package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"ocpihub.org/internal/auth"
)

func adminTokenCommand() *cobra.Command {
	var (
		subject string
		roles   []string
	)
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Mint an operator JWT for the /admin endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.AdminJWTSecret == "" {
				return errors.New("no admin JWT secret configured (OCPIHUB_ADMIN_JWT_SECRET)")
			}
			issuer, err := auth.NewIssuer(cfg.AdminJWTSecret)
			if err != nil {
				return err
			}
			ttl, err := cmd.Flags().GetDuration("ttl")
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ttl") {
				ttl = cfg.AdminTokenTTL
			}
			token, err := issuer.GenerateToken(subject, roles, ttl)
			if err != nil {
				return fmt.Errorf("generate token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject, logged with every admin action")
	cmd.Flags().StringSliceVar(&roles, "role", []string{auth.RoleAdmin}, "roles to embed")
	cmd.Flags().Duration("ttl", 0, "token lifetime (defaults to the configured admin token TTL)")
	return cmd
}
