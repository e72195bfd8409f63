package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "entralink/pkg/domain-errors"
)

func TestParseUserID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"empty string", "", true},
		{"whitespace only", "   ", true},
		{"nil UUID", uuid.Nil.String(), true},
		{"not a uuid", "not-a-uuid", true},
		{"oversized input", strings.Repeat("a", 1000), true},
		{"SQL injection attempt", "'; DROP TABLE users;--", true},
		{"uppercase valid UUID", "550E8400-E29B-41D4-A716-446655440000", false},
		{"lowercase valid UUID", "550e8400-e29b-41d4-a716-446655440000", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := ParseUserID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
				assert.True(t, id.IsNil())
				return
			}
			require.NoError(t, err)
			assert.False(t, id.IsNil())
		})
	}
}

func TestNewUserID(t *testing.T) {
	a, b := NewUserID(), NewUserID()
	assert.NotEqual(t, a, b)

	parsed, err := ParseUserID(a.String())
	require.NoError(t, err)
	assert.Equal(t, a, parsed)
}
