package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidmoltin/record-automation/pkg/auth"
)

var (
	tokenRole string
	tokenTTL  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token [operator]",
	Short: "Issue an operator API token",
	Long: `Sign an operator token with the server's JWT secret. The secret and issuer
are read from JWT_SECRET and JWT_ISSUER, or from jwt.secret and jwt.issuer in
the config file.

Examples:
  JWT_SECRET=... automation token ops@example.com --role admin --ttl 8h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := viper.GetString("jwt.secret")
		if secret == "" {
			return errors.New("JWT secret is not set (JWT_SECRET or jwt.secret)")
		}

		manager := auth.NewJWTManager(secret, viper.GetString("jwt.issuer"), tokenTTL)
		token, err := manager.GenerateToken(args[0], tokenRole, tokenTTL)
		if err != nil {
			return fmt.Errorf("failed to issue token: %w", err)
		}

		if outputJSON {
			return printJSON(map[string]interface{}{
				"token":      token,
				"expires_at": time.Now().Add(manager.TokenTTL()).UTC(),
			})
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenRole, "role", "", "Role exposed to rules as actor.role")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", auth.DefaultTokenTTL, "Token lifetime")

	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("jwt.issuer", "JWT_ISSUER")
	viper.SetDefault("jwt.issuer", "record-automation")
}
