package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zepia/keygate/internal/service"
)

func newAdminCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator API credentials",
		Long:  "Issue bearer tokens for the operator API under /api/v1/admin.",
	}

	cmd.AddCommand(newAdminTokenCmd())

	return cmd
}

// ---------- admin token ----------

func newAdminTokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator JWT",
		Long: `Sign an HS256 token with auth.jwt_secret. When no secret is configured the
secret is prompted for, so tokens can be minted for a remote server.`,
		Example: `  keygate admin token --subject ops@example.com
  keygate admin token --ttl 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdminToken(cmd.OutOrStdout(), subject, ttl)
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "operator", "Token subject (who the token is for)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default auth.token_ttl)")

	return cmd
}

func runAdminToken(out io.Writer, subject string, ttl time.Duration) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	secret := settings.Auth.JWTSecret
	if secret == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("auth.jwt_secret is not set (set KEYGATE_AUTH_JWT_SECRET)")
		}
		fmt.Fprint(os.Stderr, "JWT secret: ")
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("failed to read secret: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		secret = string(b)
	}
	if len(secret) < 16 {
		return fmt.Errorf("jwt secret must be at least 16 characters")
	}

	if ttl <= 0 {
		ttl = settings.Auth.TokenTTL
	}
	token, err := service.NewAuthService(secret).IssueJWT(context.Background(), subject, ttl)
	if err != nil {
		return fmt.Errorf("issue token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}
