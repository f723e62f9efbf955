package cli

import (
	"fmt"

	"preflight/internal/core/services"
	"preflight/pkg/validation"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an access or messaging token",
	Long: `Sign a token with the configured JWT secret. Use it to bootstrap the first
operator token, or to mint the messaging token a run logs in with.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		subject, _ := cmd.Flags().GetString("subject")
		scopeFlag, _ := cmd.Flags().GetString("scope")
		scope := services.Scope(scopeFlag)

		ttl := cfg.Auth.AccessTokenTTL
		switch scope {
		case services.ScopeViewer, services.ScopeOperator:
		case services.ScopeMessaging:
			ttl = cfg.Auth.MessagingTokenTTL
			if subject == "" {
				subject = cfg.Diagnostics.Session.MessagingUserID
			}
		default:
			return fmt.Errorf("unknown scope %q (want viewer, operator or messaging)", scope)
		}
		if subject == "" {
			return fmt.Errorf("--subject is required")
		}
		if err := validation.ValidateIdentifier(subject, "subject"); err != nil {
			return err
		}

		token, err := services.NewAuthService(cfg.Auth.JWTSecret, ttl).GenerateToken(subject, scope)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("subject", "", "Token subject (defaults to the messaging user for messaging tokens)")
	tokenCmd.Flags().String("scope", string(services.ScopeOperator), "Token scope: viewer, operator or messaging")
}
