package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "entralink/pkg/domain"
	dErrors "entralink/pkg/domain-errors"
)

func TestIssueAndValidate(t *testing.T) {
	svc := New("test-signing-key", "entralink-test", time.Hour)
	userID := id.NewUserID()

	token, err := svc.Issue(userID, "remote-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	got, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, userID, got)
}

func TestValidate_Rejects(t *testing.T) {
	userID := id.NewUserID()

	t.Run("garbage", func(t *testing.T) {
		svc := New("k", "iss", time.Hour)
		_, err := svc.Validate("not-a-token")
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("expired", func(t *testing.T) {
		past := time.Now().Add(-2 * time.Hour)
		issuer := New("k", "iss", time.Hour, WithClock(func() time.Time { return past }))
		token, err := issuer.Issue(userID, "")
		require.NoError(t, err)

		_, err = New("k", "iss", time.Hour).Validate(token)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "expired")
	})

	t.Run("wrong key", func(t *testing.T) {
		token, err := New("k1", "iss", time.Hour).Issue(userID, "")
		require.NoError(t, err)
		_, err = New("k2", "iss", time.Hour).Validate(token)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	t.Run("wrong issuer", func(t *testing.T) {
		token, err := New("k", "other", time.Hour).Issue(userID, "")
		require.NoError(t, err)
		_, err = New("k", "iss", time.Hour).Validate(token)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})
}
