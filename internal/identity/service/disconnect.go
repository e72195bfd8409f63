package service

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"entralink/internal/identity/models"
	"entralink/internal/identity/store"
	tokenmodels "entralink/internal/token/models"
	dErrors "entralink/pkg/domain-errors"
	"entralink/pkg/platform/sentinel"
	"entralink/pkg/requestcontext"
)

const minPasswordLength = 8

// Disconnect unbinds a user's remote identity. A federated account gets its
// saved local credential back, or NewPassword when none was saved; with
// neither it is left untouched, since a federated account without a link
// or password could never sign in again.
func (s *Service) Disconnect(ctx context.Context, in models.DisconnectInput) error {
	var newHash string
	if in.NewPassword != "" {
		if len(in.NewPassword) < minPasswordLength {
			return dErrors.New(dErrors.CodeValidation, "password is too short")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(in.NewPassword), bcrypt.DefaultCost)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to hash password")
		}
		newHash = string(hash)
	}

	err := s.tx.RunInTx(ctx, func(st store.TxStores) error {
		user, err := st.Users.FindByID(ctx, in.UserID)
		if err != nil {
			return wrapStoreErr(err, "failed to load user")
		}
		link, err := st.Links.FindByUserID(ctx, in.UserID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeNotFound, "account is not connected")
			}
			return wrapStoreErr(err, "failed to load link")
		}

		if user.IsFederated() {
			switch {
			case link.PriorPasswordHash != "":
				user.PasswordHash = link.PriorPasswordHash
			case newHash != "":
				user.PasswordHash = newHash
			default:
				return dErrors.New(dErrors.CodeValidation, "a new password is required to disconnect")
			}
			user.AuthMethod = models.AuthLocal
			user.UpdatedAt = requestcontext.Now(ctx)
			if err := st.Users.Update(ctx, user); err != nil {
				return wrapStoreErr(err, "failed to restore local auth")
			}
		}

		if err := st.Links.DeleteByUserID(ctx, in.UserID); err != nil {
			return wrapStoreErr(err, "failed to delete link")
		}
		if !in.KeepTokens {
			if _, err := st.Tokens.DeleteByOwner(ctx, tokenmodels.UserOwner(in.UserID)); err != nil {
				return wrapStoreErr(err, "failed to delete tokens")
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "account disconnected",
		"user_id", in.UserID.String(),
		"request_id", requestcontext.RequestID(ctx),
	)
	return nil
}
