package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveUsername(t *testing.T) {
	tests := []struct {
		name              string
		upn, pref, remote string
		want              string
	}{
		{"upn wins", "Alice@Tenant.onmicrosoft.com", "alice2@x", "oid-1", "alice@tenant.onmicrosoft.com"},
		{"preferred username next", "", "Bob@X.com", "oid-2", "bob@x.com"},
		{"remote id last", " ", "", "OID-3", "oid-3"},
		{"nothing", "", "", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveUsername(tt.upn, tt.pref, tt.remote))
		})
	}
}

func TestRemoteIdentity_Username(t *testing.T) {
	r := RemoteIdentity{RemoteID: "abc", PreferredUsername: "Pref@X"}
	assert.Equal(t, "pref@x", r.Username())
}

func TestProfile_Clone(t *testing.T) {
	p := Profile{"city": "Oslo"}
	c := p.Clone()
	c["city"] = "Bergen"
	assert.Equal(t, "Oslo", p["city"])

	var nilProfile Profile
	assert.NotNil(t, nilProfile.Clone())
}
