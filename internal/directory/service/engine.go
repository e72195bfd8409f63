// Package service reconciles the remote directory against local accounts.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"entralink/internal/directory/fieldmap"
	"entralink/internal/directory/graph"
	"entralink/internal/directory/models"
	identitymodels "entralink/internal/identity/models"
	identityservice "entralink/internal/identity/service"
	"entralink/internal/platform/metrics"
	id "entralink/pkg/domain"
	dErrors "entralink/pkg/domain-errors"
	"entralink/pkg/platform/sentinel"
	"entralink/pkg/requestcontext"
)

var tracer = otel.Tracer("entralink/directory")

// Directory is the remote side of the reconciliation.
type Directory interface {
	ListUsers(ctx context.Context, skipToken string) (*models.Page, error)
	Delta(ctx context.Context, skipToken, deltaToken string) (*models.Page, error)
	DeletedUsers(ctx context.Context, skipToken string) (*models.Page, error)
	Photo(ctx context.Context, remoteID string) (*models.Photo, bool, error)
	Timezone(ctx context.Context, remoteID string) (string, error)
	AppServicePrincipal(ctx context.Context, appID string) (string, bool, error)
	AssignApp(ctx context.Context, remoteID, principalID string) error
	fieldmap.Fetcher
}

// Identities is the local side, applied under the link rules.
type Identities interface {
	Resolve(ctx context.Context, ri identitymodels.RemoteIdentity, minLocalPart int) (*identityservice.Candidate, error)
	ProvisionRemote(ctx context.Context, ri identitymodels.RemoteIdentity, profile identitymodels.Profile) (*identitymodels.User, error)
	SwitchToFederated(ctx context.Context, userID id.UserID, ri identitymodels.RemoteIdentity) error
	RecordPendingMatch(ctx context.Context, userID id.UserID, ri identitymodels.RemoteIdentity) error
	UpdateProfile(ctx context.Context, userID id.UserID, profile identitymodels.Profile) (bool, error)
	Suspend(ctx context.Context, userID id.UserID) (bool, error)
	Reenable(ctx context.Context, userID id.UserID) (bool, error)
	Delete(ctx context.Context, userID id.UserID) (bool, error)
	SavePhoto(ctx context.Context, photo *identitymodels.Photo) error
}

// SyncStateStore persists the delta position between runs.
type SyncStateStore interface {
	Get(ctx context.Context, name string) (*models.SyncState, error)
	Save(ctx context.Context, st *models.SyncState) error
}

// Policy is the configured reconciliation behavior.
type Policy struct {
	Actions            models.Actions
	FieldMap           fieldmap.Map
	LocalPartMinLength int
	Delta              bool
	// AppID is the application assigned to linked users under appassign.
	AppID string
}

type Engine struct {
	directory  Directory
	identities Identities
	states     SyncStateStore
	policy     Policy
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func New(directory Directory, identities Identities, states SyncStateStore, policy Policy, logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		directory:  directory,
		identities: identities,
		states:     states,
		policy:     policy,
		logger:     logger,
		metrics:    m,
	}
}

// run is the state of one Run. Nothing in it outlives the run.
type run struct {
	report *models.SyncReport
	// suspended holds users suspended during this run; the deletion sweep
	// never deletes them in the same run.
	suspended map[id.UserID]bool

	appLoaded    bool
	appPrincipal string
	appFound     bool
}

// appServicePrincipal memoizes the principal lookup for the run.
func (e *Engine) appServicePrincipal(ctx context.Context, r *run) (string, bool, error) {
	if r.appLoaded {
		return r.appPrincipal, r.appFound, nil
	}
	principal, found, err := e.directory.AppServicePrincipal(ctx, e.policy.AppID)
	if err != nil {
		return "", false, err
	}
	r.appLoaded, r.appPrincipal, r.appFound = true, principal, found
	return principal, found, nil
}

// Run performs one reconciliation pass. Per-record failures are logged and
// counted without stopping the run. A page that cannot be fetched ends the
// page loop, but the deletion sweep still runs and the error is returned
// alongside the report.
func (e *Engine) Run(ctx context.Context) (*models.SyncReport, error) {
	started := time.Now()
	ctx = requestcontext.WithTime(ctx, started)
	ctx, span := tracer.Start(ctx, "directory.sync")
	defer span.End()

	r := &run{
		report:    &models.SyncReport{StartedAt: started},
		suspended: map[id.UserID]bool{},
	}

	var pageErr error
	if e.policy.Delta {
		pageErr = e.runDelta(ctx, r)
	} else {
		r.report.Full = true
		pageErr = e.walk(ctx, r, func(skip string) (*models.Page, error) {
			return e.directory.ListUsers(ctx, skip)
		}, e.syncUser)
	}
	if pageErr != nil {
		e.logger.ErrorContext(ctx, "directory listing failed, continuing with deletion sweep", "error", pageErr)
	}

	var sweepErr error
	if e.policy.Actions.Has(models.ActionSuspend) || e.policy.Actions.Has(models.ActionDelete) {
		sweepErr = e.walk(ctx, r, func(skip string) (*models.Page, error) {
			return e.directory.DeletedUsers(ctx, skip)
		}, e.sweepUser)
		if sweepErr != nil {
			e.logger.ErrorContext(ctx, "deletion sweep failed", "error", sweepErr)
		}
	}

	rep := r.report
	rep.FinishedAt = time.Now()
	e.metrics.ObserveSyncRun(rep.FinishedAt.Sub(started).Seconds())
	span.SetAttributes(
		attribute.Bool("sync.full", rep.Full),
		attribute.Int("sync.seen", rep.Seen),
		attribute.Int("sync.created", rep.Created),
		attribute.Int("sync.failed", rep.Failed),
	)
	e.logger.InfoContext(ctx, "directory sync finished",
		"full", rep.Full,
		"pages", rep.Pages,
		"seen", rep.Seen,
		"created", rep.Created,
		"updated", rep.Updated,
		"switched", rep.Switched,
		"pending_matches", rep.PendingMatches,
		"suspended", rep.Suspended,
		"deleted", rep.Deleted,
		"reenabled", rep.Reenabled,
		"skipped", rep.Skipped,
		"failed", rep.Failed,
	)

	err := errors.Join(pageErr, sweepErr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "directory sync incomplete")
	}
	return rep, err
}

// runDelta walks the delta query from the stored token. An expired token
// restarts a full enumeration once. The new token is stored only after
// every page was fetched.
func (e *Engine) runDelta(ctx context.Context, r *run) error {
	token := ""
	st, err := e.states.Get(ctx, models.UsersSyncState)
	switch {
	case err == nil:
		token = st.DeltaToken
	case !errors.Is(err, sentinel.ErrNotFound):
		return fmt.Errorf("load sync state: %w", err)
	}
	r.report.Full = token == ""

	var deltaToken string
	fetch := func(start string) func(string) (*models.Page, error) {
		return func(skip string) (*models.Page, error) {
			from := ""
			if skip == "" {
				from = start
			}
			page, err := e.directory.Delta(ctx, skip, from)
			if err == nil && page.DeltaToken != "" {
				deltaToken = page.DeltaToken
			}
			return page, err
		}
	}

	err = e.walk(ctx, r, fetch(token), e.syncUser)
	if errors.Is(err, graph.ErrDeltaExpired) && token != "" {
		e.logger.WarnContext(ctx, "delta token expired, running full sync")
		r.report.Full = true
		err = e.walk(ctx, r, fetch(""), e.syncUser)
	}
	if err != nil {
		return err
	}
	if deltaToken == "" {
		return nil
	}
	return e.states.Save(ctx, &models.SyncState{
		Name:       models.UsersSyncState,
		DeltaToken: deltaToken,
		UpdatedAt:  requestcontext.Now(ctx),
	})
}

// walk pages through a listing and applies fn to every user.
func (e *Engine) walk(ctx context.Context, r *run, fetch func(skip string) (*models.Page, error), fn func(context.Context, *run, models.RemoteUser) error) error {
	skip := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := fetch(skip)
		if err != nil {
			return err
		}
		r.report.Pages++
		for _, u := range page.Users {
			r.report.Seen++
			if err := fn(ctx, r, u); err != nil {
				r.report.Failed++
				e.logger.WarnContext(ctx, "failed to sync user",
					"remote_id", u.ID,
					"upn", u.UserPrincipalName,
					"error", err,
				)
			}
		}
		if page.SkipToken == "" {
			return nil
		}
		skip = page.SkipToken
	}
}

func (e *Engine) count(action models.Action, counter *int) {
	*counter++
	e.metrics.IncSyncAction(string(action))
}

func (e *Engine) syncUser(ctx context.Context, r *run, u models.RemoteUser) error {
	ri := u.Identity()
	c, err := e.identities.Resolve(ctx, ri, e.policy.LocalPartMinLength)
	if err != nil {
		return err
	}

	switch {
	case u.Deleted:
		return e.suspendTombstone(ctx, r, c, u)
	case c == nil:
		return e.create(ctx, r, u)
	case !c.Linked():
		return e.match(ctx, r, c, u)
	case c.Link.RemoteID != u.ID:
		// The local account is bound to another remote identity.
		r.report.Skipped++
		e.logger.WarnContext(ctx, "local user is linked to a different remote identity",
			"remote_id", u.ID,
			"user_id", c.User.ID.String(),
			"linked_remote_id", c.Link.RemoteID,
		)
		return nil
	case c.User.Deleted:
		r.report.Skipped++
		e.logger.DebugContext(ctx, "linked user is deleted, skipping maintenance",
			"remote_id", u.ID,
			"user_id", c.User.ID.String(),
		)
		return nil
	default:
		e.linked(ctx, r, c, u)
		return nil
	}
}

func (e *Engine) suspendTombstone(ctx context.Context, r *run, c *identityservice.Candidate, u models.RemoteUser) error {
	if c == nil || !c.Linked() || c.Link.RemoteID != u.ID || !e.policy.Actions.Has(models.ActionSuspend) {
		r.report.Skipped++
		return nil
	}
	if !c.User.IsFederated() || c.User.Suspended {
		r.report.Skipped++
		return nil
	}
	changed, err := e.identities.Suspend(ctx, c.User.ID)
	if err != nil {
		return err
	}
	if changed {
		r.suspended[c.User.ID] = true
		e.count(models.ActionSuspend, &r.report.Suspended)
		e.logger.InfoContext(ctx, "suspended user removed from directory",
			"user_id", c.User.ID.String(),
			"remote_id", u.ID,
		)
	}
	return nil
}

func (e *Engine) create(ctx context.Context, r *run, u models.RemoteUser) error {
	if !e.policy.Actions.Has(models.ActionCreate) {
		r.report.Skipped++
		e.logger.DebugContext(ctx, "no local user and create is disabled", "remote_id", u.ID)
		return nil
	}
	if !u.AccountEnabled {
		r.report.Skipped++
		return nil
	}
	attrs, err := fieldmap.Enrich(ctx, e.policy.FieldMap, u.ID, e.directory, u.Attributes)
	if err != nil {
		return fmt.Errorf("enrich attributes: %w", err)
	}
	profile := e.policy.FieldMap.Apply(attrs, nil, fieldmap.EventCreate)
	user, err := e.identities.ProvisionRemote(ctx, u.Identity(), profile)
	if err != nil {
		return err
	}
	e.count(models.ActionCreate, &r.report.Created)
	e.logger.InfoContext(ctx, "created user from directory",
		"user_id", user.ID.String(),
		"remote_id", u.ID,
		"username", user.Username,
	)
	return nil
}

// match handles a local account that is not linked to anything. Only an
// exact match may switch the account to federated auth; anything else is
// recorded for confirmation at the next sign-in.
func (e *Engine) match(ctx context.Context, r *run, c *identityservice.Candidate, u models.RemoteUser) error {
	if !e.policy.Actions.Has(models.ActionMatch) || !c.User.Active() {
		r.report.Skipped++
		return nil
	}
	ri := u.Identity()
	if c.Exact() && e.policy.Actions.Has(models.ActionMatchSwitchAuth) && !c.User.IsFederated() {
		err := e.identities.SwitchToFederated(ctx, c.User.ID, ri)
		if err == nil {
			e.count(models.ActionMatchSwitchAuth, &r.report.Switched)
			e.logger.InfoContext(ctx, "switched matched user to federated auth",
				"user_id", c.User.ID.String(),
				"remote_id", u.ID,
				"match", string(c.Kind),
			)
			return nil
		}
		if !isLinkConflict(err) {
			return err
		}
		r.report.Skipped++
		e.logger.WarnContext(ctx, "refused auth switch for matched user",
			"user_id", c.User.ID.String(),
			"remote_id", u.ID,
			"error", err,
		)
		return nil
	}

	if err := e.identities.RecordPendingMatch(ctx, c.User.ID, ri); err != nil {
		return err
	}
	e.count(models.ActionMatch, &r.report.PendingMatches)
	return nil
}

// linked applies the per-user maintenance actions. Each one is isolated: a
// failure is logged and counted, and the rest still run.
func (e *Engine) linked(ctx context.Context, r *run, c *identityservice.Candidate, u models.RemoteUser) {
	userID := c.User.ID
	step := func(action models.Action, fn func() error) {
		if !e.policy.Actions.Has(action) {
			return
		}
		if err := fn(); err != nil {
			r.report.Failed++
			e.logger.WarnContext(ctx, "sync action failed",
				"action", string(action),
				"user_id", userID.String(),
				"remote_id", u.ID,
				"error", err,
			)
		}
	}

	step(models.ActionUpdate, func() error {
		attrs, err := fieldmap.Enrich(ctx, e.policy.FieldMap, u.ID, e.directory, u.Attributes)
		if err != nil {
			return fmt.Errorf("enrich attributes: %w", err)
		}
		profile := e.policy.FieldMap.Apply(attrs, c.User.Profile, fieldmap.EventLogin)
		changed, err := e.identities.UpdateProfile(ctx, userID, profile)
		if err != nil {
			return err
		}
		if changed {
			c.User.Profile = profile
			e.count(models.ActionUpdate, &r.report.Updated)
		}
		return nil
	})

	step(models.ActionReenable, func() error {
		if !u.AccountEnabled || !c.User.Suspended || c.User.Deleted {
			return nil
		}
		changed, err := e.identities.Reenable(ctx, userID)
		if err != nil {
			return err
		}
		if changed {
			e.count(models.ActionReenable, &r.report.Reenabled)
			e.logger.InfoContext(ctx, "reenabled user", "user_id", userID.String(), "remote_id", u.ID)
		}
		return nil
	})

	step(models.ActionAppAssign, func() error {
		if e.policy.AppID == "" {
			return nil
		}
		principal, found, err := e.appServicePrincipal(ctx, r)
		if err != nil {
			return fmt.Errorf("look up application: %w", err)
		}
		if !found {
			return nil
		}
		if err := e.directory.AssignApp(ctx, u.ID, principal); err != nil {
			return err
		}
		e.metrics.IncSyncAction(string(models.ActionAppAssign))
		return nil
	})

	step(models.ActionPhotoSync, func() error {
		photo, found, err := e.directory.Photo(ctx, u.ID)
		if err != nil || !found {
			return err
		}
		if err := e.identities.SavePhoto(ctx, &identitymodels.Photo{
			UserID:      userID,
			ContentType: photo.ContentType,
			Data:        photo.Data,
		}); err != nil {
			return err
		}
		e.metrics.IncSyncAction(string(models.ActionPhotoSync))
		return nil
	})

	step(models.ActionTimezoneSync, func() error {
		tz, err := e.directory.Timezone(ctx, u.ID)
		if err != nil || tz == "" || c.User.Profile["timezone"] == tz {
			return err
		}
		profile := c.User.Profile.Clone()
		profile["timezone"] = tz
		changed, err := e.identities.UpdateProfile(ctx, userID, profile)
		if err != nil {
			return err
		}
		if changed {
			c.User.Profile = profile
			e.metrics.IncSyncAction(string(models.ActionTimezoneSync))
		}
		return nil
	})
}

// sweepUser handles one entry of the deleted-items listing. The first run
// that sees the tombstone suspends; a later run deletes.
func (e *Engine) sweepUser(ctx context.Context, r *run, u models.RemoteUser) error {
	c, err := e.identities.Resolve(ctx, u.Identity(), e.policy.LocalPartMinLength)
	if err != nil {
		return err
	}
	if c == nil || !c.Linked() || c.Link.RemoteID != u.ID || !c.User.IsFederated() || c.User.Deleted {
		return nil
	}
	userID := c.User.ID

	if !c.User.Suspended {
		if !e.policy.Actions.Has(models.ActionSuspend) {
			return nil
		}
		changed, err := e.identities.Suspend(ctx, userID)
		if err != nil {
			return err
		}
		if changed {
			r.suspended[userID] = true
			e.count(models.ActionSuspend, &r.report.Suspended)
			e.logger.InfoContext(ctx, "suspended deleted directory user", "user_id", userID.String(), "remote_id", u.ID)
		}
		return nil
	}

	if r.suspended[userID] || !e.policy.Actions.Has(models.ActionDelete) {
		return nil
	}
	changed, err := e.identities.Delete(ctx, userID)
	if err != nil {
		return err
	}
	if changed {
		e.count(models.ActionDelete, &r.report.Deleted)
		e.logger.InfoContext(ctx, "deleted user after grace window", "user_id", userID.String(), "remote_id", u.ID)
	}
	return nil
}

func isLinkConflict(err error) bool {
	return dErrors.IsIdentityConflict(err) || dErrors.Is(err, dErrors.CodeConflict)
}
