// Copyright 2025 Creativos Retail
// SPDX-License-Identifier: Apache-2.0

package cloudrest

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MintToken signs an HS256 device token for self-hosted backends. The device
// id becomes the subject claim, which backends use for per-device audit
// trails on upserts.
func MintToken(secret []byte, deviceID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   deviceID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign device token: %w", err)
	}
	return signed, nil
}
