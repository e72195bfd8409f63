package models

import (
	"maps"
	"strings"
	"time"

	tokenmodels "entralink/internal/token/models"
	id "entralink/pkg/domain"
)

// AuthMethod says how a local account verifies credentials.
type AuthMethod string

const (
	AuthLocal     AuthMethod = "local"
	AuthFederated AuthMethod = "federated"
)

// Profile holds local profile fields keyed by field name.
type Profile map[string]string

// Clone returns an independent copy; a nil profile clones to an empty one.
func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	maps.Copy(out, p)
	return out
}

// User is a local account.
type User struct {
	ID           id.UserID
	Username     string
	AuthMethod   AuthMethod
	PasswordHash string
	Suspended    bool
	Deleted      bool
	Profile      Profile
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u *User) IsFederated() bool { return u.AuthMethod == AuthFederated }

// Active reports whether the account may sign in.
func (u *User) Active() bool { return !u.Suspended && !u.Deleted }

// RemoteIdentity is a user as the directory or identity provider reports it.
type RemoteIdentity struct {
	// RemoteID is the directory object ID (oid), falling back to sub.
	RemoteID          string
	PrincipalName     string
	PreferredUsername string
	Attributes        map[string]string
	Deleted           bool
	AccountEnabled    bool
}

// Username derives the canonical local username: UPN, then
// preferred_username, then the remote ID, always lowercased.
func (r RemoteIdentity) Username() string {
	return DeriveUsername(r.PrincipalName, r.PreferredUsername, r.RemoteID)
}

// DeriveUsername is the single username precedence used by login and sync.
func DeriveUsername(upn, preferredUsername, remoteID string) string {
	for _, candidate := range []string{upn, preferredUsername, remoteID} {
		if c := strings.TrimSpace(candidate); c != "" {
			return strings.ToLower(c)
		}
	}
	return ""
}

// FederationLink binds one local user to one remote identity.
type FederationLink struct {
	UserID   id.UserID
	RemoteID string
	// RemoteUsername is the lowercased UPN recorded when the link was made.
	RemoteUsername string
	// PriorPasswordHash is the local credential saved when the account was
	// switched to federated auth, restored on disconnect.
	PriorPasswordHash string
	CreatedAt         time.Time
}

// PendingMatch is a heuristic pairing awaiting confirmation by sign-in.
type PendingMatch struct {
	RemoteID       string
	RemoteUsername string
	UserID         id.UserID
	CreatedAt      time.Time
}

// Photo is a user's profile picture.
type Photo struct {
	UserID      id.UserID
	ContentType string
	Data        []byte
	UpdatedAt   time.Time
}

// LinkContext is the caller state a login transition runs under.
type LinkContext struct {
	// CurrentUserID is the authenticated local user linking their own
	// account. Nil for anonymous sign-in.
	CurrentUserID id.UserID
	// ConnectionOnly links without switching the account to federated auth.
	ConnectionOnly bool
}

// Authenticated reports whether a local user is driving the transition.
func (c LinkContext) Authenticated() bool { return !c.CurrentUserID.IsNil() }

// LoginInput is everything a login transition needs.
type LoginInput struct {
	Identity RemoteIdentity
	Grant    *tokenmodels.Grant
	Resource string
	Link     LinkContext
}

// LoginOutcome names the transition taken.
type LoginOutcome string

const (
	OutcomeExisting    LoginOutcome = "existing"
	OutcomeProvisioned LoginOutcome = "provisioned"
	OutcomeLinked      LoginOutcome = "linked"
)

// LoginResult is the user that is now signed in.
type LoginResult struct {
	User    *User
	Link    *FederationLink
	Outcome LoginOutcome
}

// DisconnectInput describes an unlink request.
type DisconnectInput struct {
	UserID id.UserID
	// NewPassword is required when the user is federated and no prior
	// password hash was saved.
	NewPassword string
	KeepTokens  bool
}
