// cmd/chatsync/token.go

package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/imadgeboyega/kiekky-chatsync/internal/common/utils"
)

func newTokenCommand() *cobra.Command {
	var (
		userID   string
		username string
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an access token for local testing against the chat API",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := signAccessToken(userID, username, ttl, cfg.JWTSecret, time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id to embed in the token")
	cmd.Flags().StringVar(&username, "username", "", "optional username claim")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}

func signAccessToken(userID, username string, ttl time.Duration, secret string, now time.Time) (string, error) {
	if userID == "" {
		return "", errors.New("--user is required")
	}
	if ttl <= 0 {
		return "", errors.Errorf("--ttl must be positive, got %s", ttl)
	}
	return utils.GenerateJWT(&utils.JWTClaims{
		UserID:   userID,
		Username: username,
		Type:     utils.TokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}, secret)
}
