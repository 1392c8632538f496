package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/noah-isme/coi-compliance-api/internal/models"
	"github.com/noah-isme/coi-compliance-api/internal/service"
	"github.com/noah-isme/coi-compliance-api/pkg/config"
)

type tokenIssuer interface {
	IssueToken(user models.User, ttl time.Duration) (string, time.Time, error)
}

func newTokenCmd() *cobra.Command {
	var (
		email string
		name  string
		role  string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a development access token",
		Long:  `Sign an access token with the configured JWT secret. Intended for local testing against the API.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()
			if a.cfg.Env == config.EnvProduction {
				return fmt.Errorf("token issuing is disabled in production")
			}
			auth := service.NewAuthService(a.logger, service.AuthConfigFromConfig(a.cfg.JWT))
			return issueToken(cmd.OutOrStdout(), auth, email, name, role, ttl)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email claim of the token")
	cmd.Flags().StringVar(&name, "name", "", "Display name claim")
	cmd.Flags().StringVar(&role, "role", string(models.RoleAdmin), "Role claim: admin, gc or broker")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func issueToken(w io.Writer, issuer tokenIssuer, email, name, role string, ttl time.Duration) error {
	userRole := models.UserRole(strings.ToLower(strings.TrimSpace(role)))
	switch userRole {
	case models.RoleAdmin, models.RoleGC, models.RoleBroker:
	default:
		return fmt.Errorf("unsupported role %q", role)
	}
	email = models.NormalizeEmail(email)
	if email == "" {
		return fmt.Errorf("email is required")
	}

	token, expiresAt, err := issuer.IssueToken(models.User{Email: email, FullName: name, Role: userRole, Active: true}, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, token)
	fmt.Fprintf(w, "expires %s\n", expiresAt.UTC().Format(time.RFC3339))
	return nil
}
