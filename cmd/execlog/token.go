// cmd/execlog/token.go
package main

import (
	"fmt"
	"time"

	"chatbot-execlog/internal/auth"

	"github.com/spf13/cobra"
)

func newTokenCmd(a *app) *cobra.Command {
	var (
		subject string
		tenant  string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a dashboard bearer token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver := auth.NewTenantResolver(a.cfg.Auth.JWTSecret, a.cfg.Auth.TenantClaim, false)
			token, err := resolver.IssueToken(subject, tenant, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-dev", "token subject")
	cmd.Flags().StringVar(&tenant, "tenant", "", "client_id carried by the token; empty sees only unscoped logs")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
