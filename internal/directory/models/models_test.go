package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActions(t *testing.T) {
	actions, err := ParseActions([]string{"create", " Match ", "", "matchswitchauth"})
	require.NoError(t, err)
	assert.True(t, actions.Has(ActionCreate))
	assert.True(t, actions.Has(ActionMatch))
	assert.True(t, actions.Has(ActionMatchSwitchAuth))
	assert.False(t, actions.Has(ActionDelete))

	_, err = ParseActions([]string{"create", "explode"})
	assert.Error(t, err)
}

func TestRemoteUser_Identity(t *testing.T) {
	u := RemoteUser{ID: "oid-1", UserPrincipalName: "Bob@Tenant.onmicrosoft.com", AccountEnabled: true}
	ri := u.Identity()
	assert.Equal(t, "oid-1", ri.RemoteID)
	assert.Equal(t, "bob@tenant.onmicrosoft.com", ri.Username())
	assert.True(t, ri.AccountEnabled)
}
