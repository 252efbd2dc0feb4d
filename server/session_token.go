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
	"crypto"
	"errors"
	"fmt"
	"time"

	jwt "github.com/golang-jwt/jwt/v4"
)

// SessionTokenClaims are minted by the surrounding platform when a player
// signs in. The arena only validates them, it never issues them outside of
// tests and local development.
type SessionTokenClaims struct {
	PlayerID  string `json:"sub,omitempty"`
	Username  string `json:"usn,omitempty"`
	Rating    int    `json:"rtg,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

func (stc *SessionTokenClaims) Valid() error {
	if stc.ExpiresAt <= time.Now().UTC().Unix() {
		vErr := new(jwt.ValidationError)
		vErr.Inner = errors.New("token is expired")
		vErr.Errors |= jwt.ValidationErrorExpired
		return vErr
	}
	return nil
}

func parseToken(hmacSecretByte []byte, tokenString string) (playerID, username string, exp int64, ok bool) {
	jwtToken, err := jwt.ParseWithClaims(tokenString, &SessionTokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if s, ok := token.Method.(*jwt.SigningMethodHMAC); !ok || s.Hash != crypto.SHA256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return hmacSecretByte, nil
	})
	if err != nil {
		return
	}
	claims, ok := jwtToken.Claims.(*SessionTokenClaims)
	if !ok || !jwtToken.Valid || claims.PlayerID == "" {
		return "", "", 0, false
	}
	return claims.PlayerID, claims.Username, claims.ExpiresAt, true
}

// generateToken mints a session token locally. Used by tests and by local
// development setups that run without the full platform in front.
func generateToken(hmacSecretByte []byte, playerID, username string, exp int64) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &SessionTokenClaims{
		PlayerID:  playerID,
		Username:  username,
		ExpiresAt: exp,
	})
	return token.SignedString(hmacSecretByte)
}
