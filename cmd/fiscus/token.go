package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/open-fiscus/fiscus/config"
	"github.com/open-fiscus/fiscus/internal/runtime"
)

// tokenCMD mints a signed JWT for service-to-service or operator access,
// optionally carrying scopes such as "ops".
func tokenCMD() *cobra.Command {
	var cfgPath string
	var subject string
	var ttl time.Duration
	var scopes []string
	var cmd = &cobra.Command{
		Use:   "token",
		Short: "Mint a signed access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}
			token, err := runtime.SignJWT(subject, secret, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to embed (repeatable)")
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return cmd
}
