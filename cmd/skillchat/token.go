package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	domainauth "skillchat/internal/domain/auth"
	"skillchat/internal/domain/chat"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a bearer token accepted by the stub backend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _ := loadConfig(slog.LevelWarn)
		tok, err := domainauth.IssueToken([]byte(cfg.StubJWTSecret), chat.UserID(args[0]), tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime; 0 issues a token without expiry.")
}
