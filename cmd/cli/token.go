package cli

import (
	"fmt"
	"strings"
	"time"

	"homeservice/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	flagUserID uint
	flagRoles  string
	flagTTLMin int
)

// tokenCmd generates an HS256 JWT for the admin API.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var roles []string
		for _, p := range strings.Split(flagRoles, ",") {
			if s := strings.TrimSpace(p); s != "" {
				roles = append(roles, s)
			}
		}
		tok, err := middleware.IssueToken(cfg.JWT.Secret, flagUserID, roles, time.Duration(flagTTLMin)*time.Minute, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().UintVar(&flagUserID, "user-id", 1, "numeric user id to embed in token")
	tokenCmd.Flags().StringVar(&flagRoles, "roles", "admin", "comma-separated roles")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 60, "token time-to-live in minutes")
}
