package graph

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// IDClaims are the identity claims read out of an id_token.
type IDClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

// ParseIDToken decodes the id_token payload and extracts its claims.
// Note: this does NOT verify the signature. The token only ever arrives in a
// trusted provider response and is used to display the signed-in account to
// the guild's admins, never for authorization decisions.
func ParseIDToken(idToken string) (*IDClaims, error) {
	parts := strings.Split(idToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("invalid JWT format: expected 3 parts, got %d", len(parts))
	}

	// Decode the payload (second part)
	payload := parts[1]
	// Add padding if needed
	switch len(payload) % 4 {
	case 2:
		payload += "=="
	case 3:
		payload += "="
	}

	data, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode JWT payload: %w", err)
	}

	var claims IDClaims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse JWT claims: %w", err)
	}
	return &claims, nil
}
