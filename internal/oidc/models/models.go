package models

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	identitymodels "entralink/internal/identity/models"
)

// Keys of AuthState.Data.
const (
	DataRedirect       = "redirect"
	DataConnect        = "connect"
	DataUserID         = "user_id"
	DataConnectionOnly = "connection_only"
)

// Values of DataConnect.
const (
	ConnectAuth = "auth"
	ConnectLink = "link"
)

// AuthState binds an outstanding authorization request to its nonce and
// return data. It is redeemed exactly once.
type AuthState struct {
	State     string
	Nonce     string
	Data      map[string]string
	CreatedAt time.Time
}

// Linking reports whether the request was started by a signed-in user
// connecting their own account.
func (s *AuthState) Linking() bool { return s.Data[DataConnect] == ConnectLink }

// IDTokenClaims are the ID-token claims the login flow reads.
type IDTokenClaims struct {
	ObjectID          string `json:"oid,omitempty"`
	TenantID          string `json:"tid,omitempty"`
	UPN               string `json:"upn,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	Email             string `json:"email,omitempty"`
	Name              string `json:"name,omitempty"`
	GivenName         string `json:"given_name,omitempty"`
	FamilyName        string `json:"family_name,omitempty"`
	Nonce             string `json:"nonce,omitempty"`
	jwt.RegisteredClaims
}

// RemoteID is the directory object ID, falling back to the subject.
func (c *IDTokenClaims) RemoteID() string {
	if c.ObjectID != "" {
		return c.ObjectID
	}
	return c.Subject
}

// Attributes returns the claims keyed by their directory attribute names so
// the same field map serves login and sync.
func (c *IDTokenClaims) Attributes() map[string]string {
	attrs := map[string]string{}
	for key, value := range map[string]string{
		"id":                c.RemoteID(),
		"userPrincipalName": c.UPN,
		"mail":              c.Email,
		"displayName":       c.Name,
		"givenName":         c.GivenName,
		"surname":           c.FamilyName,
	} {
		if strings.TrimSpace(value) != "" {
			attrs[key] = value
		}
	}
	return attrs
}

// Identity converts the claims into the remote identity the link state
// machine consumes.
func (c *IDTokenClaims) Identity() identitymodels.RemoteIdentity {
	return identitymodels.RemoteIdentity{
		RemoteID:          c.RemoteID(),
		PrincipalName:     c.UPN,
		PreferredUsername: c.PreferredUsername,
		Attributes:        c.Attributes(),
		AccountEnabled:    true,
	}
}
