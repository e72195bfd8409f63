package service

import (
	"context"
	"errors"
	"maps"
	"strings"

	"entralink/internal/identity/models"
	"entralink/internal/identity/store"
	tokenmodels "entralink/internal/token/models"
	id "entralink/pkg/domain"
	dErrors "entralink/pkg/domain-errors"
	"entralink/pkg/platform/sentinel"
	"entralink/pkg/requestcontext"
)

// MatchKind records which lookup path found a local candidate.
type MatchKind string

const (
	MatchLink           MatchKind = "link"
	MatchUsername       MatchKind = "username"
	MatchRemoteUsername MatchKind = "remote_username"
	MatchLocalPart      MatchKind = "local_part"
)

// Candidate is the local account a remote user resolved to.
type Candidate struct {
	User *models.User
	// Link is nil when the user is not federated to any remote identity.
	Link *models.FederationLink
	Kind MatchKind
}

// Exact reports whether the candidate was found by something other than the
// local-part heuristic.
func (c *Candidate) Exact() bool { return c.Kind != MatchLocalPart }

// Linked reports whether the candidate is bound to the given remote identity.
func (c *Candidate) Linked() bool { return c.Link != nil }

// Resolve finds the local account for a remote user. Lookups run in order:
// link by remote ID, exact username, a link's stored remote username, then
// the UPN local part when it is longer than minLocalPart. The first hit
// wins, so an exact match always beats a local-part match. A nil candidate
// with a nil error means no local account matched.
func (s *Service) Resolve(ctx context.Context, ri models.RemoteIdentity, minLocalPart int) (*Candidate, error) {
	if ri.RemoteID != "" {
		link, err := s.links.FindByRemoteID(ctx, ri.RemoteID)
		if err == nil {
			return s.candidateForLink(ctx, link, MatchLink)
		}
		if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, wrapStoreErr(err, "failed to look up link")
		}
	}

	username := ri.Username()
	if username == "" {
		return nil, nil
	}
	if c, err := s.candidateByUsername(ctx, username, MatchUsername); c != nil || err != nil {
		return c, err
	}

	link, err := s.links.FindByRemoteUsername(ctx, username)
	if err == nil {
		return s.candidateForLink(ctx, link, MatchRemoteUsername)
	}
	if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, wrapStoreErr(err, "failed to look up remote username")
	}

	local, _, found := strings.Cut(username, "@")
	if found && len(local) > minLocalPart {
		return s.candidateByUsername(ctx, local, MatchLocalPart)
	}
	return nil, nil
}

func (s *Service) candidateByUsername(ctx context.Context, username string, kind MatchKind) (*Candidate, error) {
	user, err := s.users.FindByUsername(ctx, username)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapStoreErr(err, "failed to look up username")
	}
	c := &Candidate{User: user, Kind: kind}
	link, err := s.links.FindByUserID(ctx, user.ID)
	switch {
	case err == nil:
		c.Link = link
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, wrapStoreErr(err, "failed to look up link")
	}
	return c, nil
}

func (s *Service) candidateForLink(ctx context.Context, link *models.FederationLink, kind MatchKind) (*Candidate, error) {
	user, err := s.users.FindByID(ctx, link.UserID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to load linked user")
	}
	return &Candidate{User: user, Link: link, Kind: kind}, nil
}

// ProvisionRemote creates a federated account and its link for a remote
// user the local store has never seen.
func (s *Service) ProvisionRemote(ctx context.Context, ri models.RemoteIdentity, profile models.Profile) (*models.User, error) {
	if ri.RemoteID == "" || ri.Username() == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "remote user has no id or username")
	}
	var user *models.User
	err := s.tx.RunInTx(ctx, func(st store.TxStores) error {
		var err error
		user, _, err = createFederated(ctx, st, ri, profile)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// SwitchToFederated binds a matched local account to a remote identity and
// flips it to federated auth. Every precondition is checked again inside the
// transaction, so a concurrent login or disconnect that changed the account
// since Resolve makes the switch refuse rather than overwrite.
func (s *Service) SwitchToFederated(ctx context.Context, userID id.UserID, ri models.RemoteIdentity) error {
	return s.tx.RunInTx(ctx, func(st store.TxStores) error {
		user, err := st.Users.FindByID(ctx, userID)
		if err != nil {
			return wrapStoreErr(err, "failed to load user")
		}
		if user.IsFederated() || !user.Active() {
			return dErrors.New(dErrors.CodeConflict, "account is no longer eligible for an auth switch")
		}
		if _, err := st.Links.FindByUserID(ctx, userID); err == nil {
			return dErrors.New(dErrors.CodeUserAlreadyConnected, "account is already connected")
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return wrapStoreErr(err, "failed to load link")
		}
		if existing, err := st.Links.FindByRemoteID(ctx, ri.RemoteID); err == nil && existing.UserID != userID {
			return dErrors.New(dErrors.CodeAlreadyConnectedToDifferentUser, "remote identity is connected to a different account")
		} else if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return wrapStoreErr(err, "failed to load link")
		}
		username := ri.Username()
		if err := s.requireUsernameFree(ctx, st, username, userID); err != nil {
			return err
		}
		if err := consumeMatch(ctx, st, ri.RemoteID, userID); err != nil {
			return err
		}

		now := requestcontext.Now(ctx)
		link := &models.FederationLink{
			UserID:            userID,
			RemoteID:          ri.RemoteID,
			RemoteUsername:    username,
			PriorPasswordHash: user.PasswordHash,
			CreatedAt:         now,
		}
		user.AuthMethod = models.AuthFederated
		user.PasswordHash = ""
		user.UpdatedAt = now
		if err := st.Users.Update(ctx, user); err != nil {
			return wrapStoreErr(err, "failed to switch auth method")
		}
		if err := st.Links.Create(ctx, link); err != nil {
			return wrapStoreErr(err, "failed to create link")
		}
		return nil
	})
}

// RecordPendingMatch stores a heuristic pairing for confirmation at the next
// sign-in. Recording the same remote identity again is a no-op.
func (s *Service) RecordPendingMatch(ctx context.Context, userID id.UserID, ri models.RemoteIdentity) error {
	err := s.matches.Create(ctx, &models.PendingMatch{
		RemoteID:       ri.RemoteID,
		RemoteUsername: ri.Username(),
		UserID:         userID,
		CreatedAt:      requestcontext.Now(ctx),
	})
	if errors.Is(err, sentinel.ErrConflict) {
		return nil
	}
	if err != nil {
		return wrapStoreErr(err, "failed to record pending match")
	}
	return nil
}

// UpdateProfile replaces a user's profile and reports whether it changed.
func (s *Service) UpdateProfile(ctx context.Context, userID id.UserID, profile models.Profile) (bool, error) {
	return s.mutateUser(ctx, userID, func(u *models.User) bool {
		if maps.Equal(u.Profile, profile) {
			return false
		}
		u.Profile = profile.Clone()
		return true
	})
}

// Suspend blocks sign-in. Suspending a suspended user reports no change.
func (s *Service) Suspend(ctx context.Context, userID id.UserID) (bool, error) {
	return s.mutateUser(ctx, userID, func(u *models.User) bool {
		if u.Suspended {
			return false
		}
		u.Suspended = true
		return true
	})
}

// Reenable lifts a suspension on a live account.
func (s *Service) Reenable(ctx context.Context, userID id.UserID) (bool, error) {
	return s.mutateUser(ctx, userID, func(u *models.User) bool {
		if !u.Suspended || u.Deleted {
			return false
		}
		u.Suspended = false
		return true
	})
}

// Delete marks an account deleted and drops its tokens. The link row stays
// so the remote identity can never be re-provisioned onto a new account.
func (s *Service) Delete(ctx context.Context, userID id.UserID) (bool, error) {
	changed := false
	err := s.tx.RunInTx(ctx, func(st store.TxStores) error {
		user, err := st.Users.FindByID(ctx, userID)
		if err != nil {
			return wrapStoreErr(err, "failed to load user")
		}
		if user.Deleted {
			return nil
		}
		user.Deleted = true
		user.Suspended = true
		user.UpdatedAt = requestcontext.Now(ctx)
		if err := st.Users.Update(ctx, user); err != nil {
			return wrapStoreErr(err, "failed to delete user")
		}
		if _, err := st.Tokens.DeleteByOwner(ctx, tokenmodels.UserOwner(userID)); err != nil {
			return wrapStoreErr(err, "failed to delete tokens")
		}
		changed = true
		return nil
	})
	return changed, err
}

// SavePhoto stores a profile photo. Without a photo store it does nothing.
func (s *Service) SavePhoto(ctx context.Context, photo *models.Photo) error {
	if s.photos == nil {
		return nil
	}
	photo.UpdatedAt = requestcontext.Now(ctx)
	if err := s.photos.Save(ctx, photo); err != nil {
		return wrapStoreErr(err, "failed to save photo")
	}
	return nil
}

func (s *Service) mutateUser(ctx context.Context, userID id.UserID, fn func(*models.User) bool) (bool, error) {
	changed := false
	err := s.tx.RunInTx(ctx, func(st store.TxStores) error {
		user, err := st.Users.FindByID(ctx, userID)
		if err != nil {
			return wrapStoreErr(err, "failed to load user")
		}
		if !fn(user) {
			return nil
		}
		user.UpdatedAt = requestcontext.Now(ctx)
		if err := st.Users.Update(ctx, user); err != nil {
			return wrapStoreErr(err, "failed to update user")
		}
		changed = true
		return nil
	})
	return changed, err
}
