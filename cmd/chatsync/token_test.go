package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/imadgeboyega/kiekky-chatsync/internal/common/utils"
)

func TestSignAccessToken(t *testing.T) {
	now := time.Now()
	token, err := signAccessToken("u42", "ada", time.Hour, "s3cret", now)
	require.NoError(t, err)

	claims, err := utils.ValidateJWT(token, "s3cret")
	require.NoError(t, err)
	require.Equal(t, "u42", claims.UserID)
	require.Equal(t, utils.TokenTypeAccess, claims.Type)
	require.WithinDuration(t, now.Add(time.Hour), claims.ExpiresAt.Time, time.Second)

	_, err = utils.ValidateJWT(token, "other")
	require.Error(t, err)

	_, err = signAccessToken("", "", time.Hour, "s3cret", now)
	require.Error(t, err)
	_, err = signAccessToken("u42", "", 0, "s3cret", now)
	require.Error(t, err)
}
