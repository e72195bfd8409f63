package models

import (
	"time"

	id "entralink/pkg/domain"
)

// Owner scopes a token to a local user or to the system.
type Owner string

// SystemOwner owns the application-wide token used by background jobs.
const SystemOwner Owner = "system"

// UserOwner scopes a token to one local user.
func UserOwner(userID id.UserID) Owner {
	return Owner(userID.String())
}

// IsSystem reports whether the owner is the system scope.
func (o Owner) IsSystem() bool { return o == SystemOwner }

// Token is the one live credential pair per (Owner, Resource).
type Token struct {
	Owner        Owner
	Resource     string
	AccessToken  string
	RefreshToken string
	IDToken      string
	Scope        string
	ExpiresAt    time.Time
	UpdatedAt    time.Time
}

// ExpiresWithin reports whether the token is expired or will be within skew of now.
func (t *Token) ExpiresWithin(now time.Time, skew time.Duration) bool {
	return !now.Add(skew).Before(t.ExpiresAt)
}

// Expired reports whether the access token can no longer be used.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// CanRefresh reports whether a refresh grant is possible.
func (t *Token) CanRefresh() bool { return t.RefreshToken != "" }

// Grant is a normalized token endpoint response.
type Grant struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Scope        string
	Resource     string
	TokenType    string
	ExpiresAt    time.Time
}

// Apply folds g into t. A grant without a refresh token keeps the previous one.
func (t *Token) Apply(g *Grant, now time.Time) {
	t.AccessToken = g.AccessToken
	if g.RefreshToken != "" {
		t.RefreshToken = g.RefreshToken
	}
	if g.IDToken != "" {
		t.IDToken = g.IDToken
	}
	if g.Scope != "" {
		t.Scope = g.Scope
	}
	t.ExpiresAt = g.ExpiresAt
	t.UpdatedAt = now
}

// NewToken builds the record a grant produces for owner. A grant naming its
// own resource overrides the requested one.
func NewToken(owner Owner, resource string, g *Grant, now time.Time) *Token {
	if g.Resource != "" {
		resource = g.Resource
	}
	t := &Token{Owner: owner, Resource: resource}
	t.Apply(g, now)
	return t
}

// RefreshReport summarizes a RefreshExpiring pass.
type RefreshReport struct {
	Considered int
	Refreshed  int
	Failed     int
}
