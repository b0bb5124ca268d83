package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Hokkyo-create/fxsfzx-sub000/internal/auth"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/config"
	"github.com/Hokkyo-create/fxsfzx-sub000/internal/library"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const redacted = "[redacted]"

func newRefreshLibraryCommand() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "refresh-library",
		Short: "Discover and promote new videos into the library categories",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer application.Close()

			var reports []library.RefreshReport
			if strings.TrimSpace(category) != "" {
				name, err := library.NewCategoryName(category)
				if err != nil {
					return err
				}
				report, err := application.refresher.RefreshCategory(cmd.Context(), name)
				if err != nil {
					return err
				}
				reports = append(reports, report)
			} else {
				reports, err = application.refresher.RefreshAll(cmd.Context())
				if err != nil {
					return err
				}
			}
			application.logger.Info("library refresh finished",
				zap.Int("categories", len(reports)),
				zap.String("service_mode", application.mode.Current().String()))

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(reports)
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Refresh a single category")
	return cmd
}

func newShowConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show-config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(redact(appConfig))
		},
	}
}

func redact(cfg config.AppConfig) config.AppConfig {
	if cfg.SessionSigningKey != "" {
		cfg.SessionSigningKey = redacted
	}
	if cfg.AI.APIKey != "" {
		cfg.AI.APIKey = redacted
	}
	if cfg.YouTube.APIKey != "" {
		cfg.YouTube.APIKey = redacted
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = redacted
	}
	return cfg
}

// newIssueTokenCommand mints a session token for local development against the configured
// signing secret.
func newIssueTokenCommand() *cobra.Command {
	var (
		userID      string
		displayName string
		avatarURL   string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign a development session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			token, err := auth.SignSessionToken([]byte(appConfig.SessionSigningKey), appConfig.SessionIssuer, auth.SessionClaims{
				UserID:          userID,
				UserDisplayName: displayName,
				UserAvatarURL:   avatarURL,
			}, time.Now(), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User id carried in the token")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display handle shown to other students")
	cmd.Flags().StringVar(&avatarURL, "avatar-url", "", "Avatar reference")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}
