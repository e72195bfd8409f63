package service

import (
	"context"
	"errors"

	"entralink/internal/directory/fieldmap"
	"entralink/internal/identity/models"
	"entralink/internal/identity/store"
	tokenmodels "entralink/internal/token/models"
	id "entralink/pkg/domain"
	dErrors "entralink/pkg/domain-errors"
	"entralink/pkg/platform/sentinel"
	"entralink/pkg/requestcontext"
)

// Login runs one login transition for a verified remote identity. Every
// write of the transition commits together or not at all. A storage
// conflict (a concurrent login won the race) re-runs the whole transition
// once against the fresh state.
func (s *Service) Login(ctx context.Context, in models.LoginInput) (*models.LoginResult, error) {
	if in.Identity.RemoteID == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "remote identity has no id")
	}

	result, err := s.login(ctx, in)
	if dErrors.Is(err, dErrors.CodeConflict) {
		s.logger.WarnContext(ctx, "login transition conflicted, retrying",
			"remote_id", in.Identity.RemoteID,
			"request_id", requestcontext.RequestID(ctx),
		)
		result, err = s.login(ctx, in)
	}
	if err != nil {
		s.metrics.IncLogin(string(dErrors.CodeOf(err)))
		return nil, err
	}
	s.metrics.IncLogin(string(result.Outcome))
	s.logger.InfoContext(ctx, "login transition complete",
		"outcome", string(result.Outcome),
		"user_id", result.User.ID.String(),
		"remote_id", in.Identity.RemoteID,
		"request_id", requestcontext.RequestID(ctx),
	)
	return result, nil
}

func (s *Service) login(ctx context.Context, in models.LoginInput) (*models.LoginResult, error) {
	var result *models.LoginResult
	err := s.tx.RunInTx(ctx, func(st store.TxStores) error {
		link, err := st.Links.FindByRemoteID(ctx, in.Identity.RemoteID)
		switch {
		case err == nil:
			result, err = s.loginLinked(ctx, st, in, link)
		case errors.Is(err, sentinel.ErrNotFound):
			if in.Link.Authenticated() {
				result, err = s.connect(ctx, st, in)
			} else {
				result, err = s.provision(ctx, st, in)
			}
		default:
			err = dErrors.Wrap(err, dErrors.CodeInternal, "failed to load link")
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// loginLinked handles a remote identity that is already bound.
func (s *Service) loginLinked(ctx context.Context, st store.TxStores, in models.LoginInput, link *models.FederationLink) (*models.LoginResult, error) {
	if in.Link.Authenticated() && link.UserID != in.Link.CurrentUserID {
		return nil, dErrors.New(dErrors.CodeAlreadyConnectedToDifferentUser, "remote identity is connected to a different account")
	}
	user, err := st.Users.FindByID(ctx, link.UserID)
	if err != nil {
		return nil, wrapStoreErr(err, "failed to load linked user")
	}
	if !user.Active() {
		return nil, dErrors.New(dErrors.CodeForbidden, "account is suspended")
	}

	if len(s.loginMap) > 0 {
		user.Profile = s.loginMap.Apply(in.Identity.Attributes, user.Profile, fieldmap.EventLogin)
		user.UpdatedAt = requestcontext.Now(ctx)
		if err := st.Users.Update(ctx, user); err != nil {
			return nil, wrapStoreErr(err, "failed to update profile")
		}
	}
	if err := s.persistToken(ctx, st, user.ID, in); err != nil {
		return nil, err
	}
	return &models.LoginResult{User: user, Link: link, Outcome: models.OutcomeExisting}, nil
}

// connect links the authenticated caller's own account.
func (s *Service) connect(ctx context.Context, st store.TxStores, in models.LoginInput) (*models.LoginResult, error) {
	current := in.Link.CurrentUserID
	user, err := st.Users.FindByID(ctx, current)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "current user no longer exists")
		}
		return nil, wrapStoreErr(err, "failed to load current user")
	}
	if !user.Active() {
		return nil, dErrors.New(dErrors.CodeForbidden, "account is suspended")
	}

	if _, err := st.Links.FindByUserID(ctx, current); err == nil {
		return nil, dErrors.New(dErrors.CodeUserAlreadyConnected, "account is already connected to another remote identity")
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, wrapStoreErr(err, "failed to load current link")
	}

	username := in.Identity.Username()
	if err := s.requireUsernameFree(ctx, st, username, current); err != nil {
		return nil, err
	}

	if err := consumeMatch(ctx, st, in.Identity.RemoteID, current); err != nil {
		return nil, err
	}

	now := requestcontext.Now(ctx)
	link := &models.FederationLink{
		UserID:         current,
		RemoteID:       in.Identity.RemoteID,
		RemoteUsername: username,
		CreatedAt:      now,
	}
	if !in.Link.ConnectionOnly && !user.IsFederated() {
		link.PriorPasswordHash = user.PasswordHash
		user.AuthMethod = models.AuthFederated
		user.PasswordHash = ""
		user.UpdatedAt = now
		if err := st.Users.Update(ctx, user); err != nil {
			return nil, wrapStoreErr(err, "failed to switch auth method")
		}
	}
	if err := st.Links.Create(ctx, link); err != nil {
		return nil, wrapStoreErr(err, "failed to create link")
	}
	if err := s.persistToken(ctx, st, current, in); err != nil {
		return nil, err
	}
	return &models.LoginResult{User: user, Link: link, Outcome: models.OutcomeLinked}, nil
}

// provision creates a federated account for an anonymous first sign-in.
func (s *Service) provision(ctx context.Context, st store.TxStores, in models.LoginInput) (*models.LoginResult, error) {
	username := in.Identity.Username()
	if username == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "cannot derive a username")
	}

	if _, err := st.Matches.FindByRemoteID(ctx, in.Identity.RemoteID); err == nil {
		return nil, dErrors.New(dErrors.CodeAlreadyMatched, "remote identity is matched to an existing account, sign in to confirm")
	} else if !errors.Is(err, sentinel.ErrNotFound) {
		return nil, wrapStoreErr(err, "failed to load pending match")
	}

	existing, err := st.Users.FindByUsername(ctx, username)
	switch {
	case err == nil:
		if _, linkErr := st.Links.FindByUserID(ctx, existing.ID); linkErr == nil {
			return nil, dErrors.New(dErrors.CodeAlreadyConnectedToDifferentUser, "username belongs to an account connected to another remote identity")
		}
		return nil, dErrors.New(dErrors.CodeAlreadyMatched, "an existing account uses this username, sign in to connect it")
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, wrapStoreErr(err, "failed to look up username")
	}

	if !s.provisioning {
		return nil, dErrors.New(dErrors.CodeForbidden, "account provisioning is disabled")
	}

	user, link, err := createFederated(ctx, st, in.Identity, s.loginMap.Apply(in.Identity.Attributes, nil, fieldmap.EventCreate))
	if err != nil {
		return nil, err
	}
	if err := s.persistToken(ctx, st, user.ID, in); err != nil {
		return nil, err
	}
	return &models.LoginResult{User: user, Link: link, Outcome: models.OutcomeProvisioned}, nil
}

// requireUsernameFree rejects a username owned by any user other than self,
// either directly or through another link's recorded remote username.
func (s *Service) requireUsernameFree(ctx context.Context, st store.TxStores, username string, self id.UserID) error {
	if username == "" {
		return nil
	}
	owner, err := st.Users.FindByUsername(ctx, username)
	if err == nil && owner.ID != self {
		return dErrors.New(dErrors.CodeAlreadyConnectedToDifferentUser, "username is used by a different account")
	}
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return wrapStoreErr(err, "failed to look up username")
	}
	other, err := st.Links.FindByRemoteUsername(ctx, username)
	if err == nil && other.UserID != self {
		return dErrors.New(dErrors.CodeAlreadyConnectedToDifferentUser, "username is connected to a different account")
	}
	if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return wrapStoreErr(err, "failed to look up remote username")
	}
	return nil
}

// consumeMatch removes the caller's pending match for remoteID. A match held
// by anyone else blocks the link.
func consumeMatch(ctx context.Context, st store.TxStores, remoteID string, self id.UserID) error {
	pm, err := st.Matches.FindByRemoteID(ctx, remoteID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil
	}
	if err != nil {
		return wrapStoreErr(err, "failed to load pending match")
	}
	if pm.UserID != self {
		return dErrors.New(dErrors.CodeAlreadyMatched, "remote identity is matched to a different account")
	}
	if err := st.Matches.DeleteByRemoteID(ctx, remoteID); err != nil && !errors.Is(err, sentinel.ErrNotFound) {
		return wrapStoreErr(err, "failed to consume pending match")
	}
	return nil
}

func createFederated(ctx context.Context, st store.TxStores, ri models.RemoteIdentity, profile models.Profile) (*models.User, *models.FederationLink, error) {
	now := requestcontext.Now(ctx)
	user := &models.User{
		ID:         id.NewUserID(),
		Username:   ri.Username(),
		AuthMethod: models.AuthFederated,
		Profile:    profile,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.Users.Create(ctx, user); err != nil {
		return nil, nil, wrapStoreErr(err, "failed to create user")
	}
	link := &models.FederationLink{
		UserID:         user.ID,
		RemoteID:       ri.RemoteID,
		RemoteUsername: user.Username,
		CreatedAt:      now,
	}
	if err := st.Links.Create(ctx, link); err != nil {
		return nil, nil, wrapStoreErr(err, "failed to create link")
	}
	return user, link, nil
}

func (s *Service) persistToken(ctx context.Context, st store.TxStores, userID id.UserID, in models.LoginInput) error {
	if in.Grant == nil {
		return nil
	}
	token := tokenmodels.NewToken(tokenmodels.UserOwner(userID), in.Resource, in.Grant, requestcontext.Now(ctx))
	if err := st.Tokens.Upsert(ctx, token); err != nil {
		return wrapStoreErr(err, "failed to save token")
	}
	return nil
}

// wrapStoreErr translates store sentinels into coded errors.
func wrapStoreErr(err error, msg string) error {
	switch {
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, msg)
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.Wrap(err, dErrors.CodeNotFound, msg)
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}
