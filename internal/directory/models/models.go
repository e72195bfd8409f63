package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"

	identitymodels "entralink/internal/identity/models"
)

// RemoteUser is one user object as the directory returns it.
type RemoteUser struct {
	ID                string
	UserPrincipalName string
	AccountEnabled    bool
	// Deleted marks a tombstone: a delta @removed entry or a deletedItems row.
	Deleted bool
	// Attributes holds every scalar field keyed by its directory name.
	Attributes map[string]string
}

// Identity converts the directory record into the shape the link state
// machine consumes.
func (u RemoteUser) Identity() identitymodels.RemoteIdentity {
	return identitymodels.RemoteIdentity{
		RemoteID:       u.ID,
		PrincipalName:  u.UserPrincipalName,
		Attributes:     u.Attributes,
		Deleted:        u.Deleted,
		AccountEnabled: u.AccountEnabled,
	}
}

// Page is one page of a directory listing.
type Page struct {
	Users []RemoteUser
	// SkipToken continues the listing; empty on the last page.
	SkipToken string
	// DeltaToken is set on the last page of a delta query.
	DeltaToken string
}

// Photo is a profile picture fetched from the directory.
type Photo struct {
	ContentType string
	Data        []byte
}

// Action is one reconciliation behavior that can be switched on.
type Action string

const (
	ActionCreate          Action = "create"
	ActionUpdate          Action = "update"
	ActionMatch           Action = "match"
	ActionMatchSwitchAuth Action = "matchswitchauth"
	ActionSuspend         Action = "suspend"
	ActionDelete          Action = "delete"
	ActionReenable        Action = "reenable"
	ActionAppAssign       Action = "appassign"
	ActionPhotoSync       Action = "photosync"
	ActionTimezoneSync    Action = "tzsync"
)

var knownActions = []Action{
	ActionCreate, ActionUpdate, ActionMatch, ActionMatchSwitchAuth, ActionSuspend,
	ActionDelete, ActionReenable, ActionAppAssign, ActionPhotoSync, ActionTimezoneSync,
}

// Actions is the enabled policy set.
type Actions map[Action]bool

// ParseActions reads a configured action list. Unknown names are an error.
func ParseActions(names []string) (Actions, error) {
	out := Actions{}
	for _, name := range lo.Compact(lo.Map(names, func(n string, _ int) string {
		return strings.ToLower(strings.TrimSpace(n))
	})) {
		a := Action(name)
		if !lo.Contains(knownActions, a) {
			return nil, fmt.Errorf("unknown sync action %q", name)
		}
		out[a] = true
	}
	return out, nil
}

func (a Actions) Has(action Action) bool { return a[action] }

// SyncReport counts what one run did.
type SyncReport struct {
	Full           bool
	Pages          int
	Seen           int
	Created        int
	Updated        int
	Switched       int
	PendingMatches int
	Suspended      int
	Deleted        int
	Reenabled      int
	Skipped        int
	Failed         int
	StartedAt      time.Time
	FinishedAt     time.Time
}

// SyncState persists the incremental sync position.
type SyncState struct {
	Name       string
	DeltaToken string
	UpdatedAt  time.Time
}

// UsersSyncState names the user delta position.
const UsersSyncState = "users"
