package requestcontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	id "entralink/pkg/domain"
)

func TestAccessors(t *testing.T) {
	t.Run("defaults on empty context", func(t *testing.T) {
		ctx := context.Background()
		assert.True(t, UserID(ctx).IsNil())
		assert.Empty(t, RequestID(ctx))
		assert.WithinDuration(t, time.Now(), Now(ctx), time.Second)
	})

	t.Run("round trips injected values", func(t *testing.T) {
		fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		userID := id.NewUserID()

		ctx := WithTime(context.Background(), fixed)
		ctx = WithUserID(ctx, userID)
		ctx = WithRequestID(ctx, "req-1")

		assert.Equal(t, fixed, Now(ctx))
		assert.Equal(t, userID, UserID(ctx))
		assert.Equal(t, "req-1", RequestID(ctx))
	})
}
