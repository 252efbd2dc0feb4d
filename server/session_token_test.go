// Copyright 2022 The CodeDuel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTokenRoundtrip(t *testing.T) {
	secret := []byte("test-hmac-secret")
	exp := time.Now().UTC().Add(time.Hour).Unix()

	token, err := generateToken(secret, "alice", "Alice", exp)
	require.NoError(t, err)

	playerID, username, gotExp, ok := parseToken(secret, token)
	require.True(t, ok)
	assert.Equal(t, "alice", playerID)
	assert.Equal(t, "Alice", username)
	assert.Equal(t, exp, gotExp)
}

func TestSessionTokenRejections(t *testing.T) {
	secret := []byte("test-hmac-secret")
	exp := time.Now().UTC().Add(time.Hour).Unix()

	t.Run("wrong secret", func(t *testing.T) {
		token, err := generateToken(secret, "alice", "Alice", exp)
		require.NoError(t, err)
		_, _, _, ok := parseToken([]byte("other-secret"), token)
		assert.False(t, ok)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := generateToken(secret, "alice", "Alice", time.Now().UTC().Add(-time.Minute).Unix())
		require.NoError(t, err)
		_, _, _, ok := parseToken(secret, token)
		assert.False(t, ok)
	})

	t.Run("garbage", func(t *testing.T) {
		_, _, _, ok := parseToken(secret, "not.a.token")
		assert.False(t, ok)
	})

	t.Run("missing subject", func(t *testing.T) {
		token, err := generateToken(secret, "", "Alice", exp)
		require.NoError(t, err)
		_, _, _, ok := parseToken(secret, token)
		assert.False(t, ok)
	})

	// Only HMAC-SHA256 tokens are accepted, anything else is refused before
	// signature verification.
	t.Run("wrong algorithm", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS512, &SessionTokenClaims{
			PlayerID:  "alice",
			Username:  "Alice",
			ExpiresAt: exp,
		}).SignedString(secret)
		require.NoError(t, err)
		_, _, _, ok := parseToken(secret, token)
		assert.False(t, ok)
	})
}
