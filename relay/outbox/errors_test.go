//go:build unit

package outbox

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewErrorNilPassthrough(t *testing.T) {
	t.Parallel()

	require.NoError(t, NewError(KindTransport, "publish", nil))
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := fmt.Errorf("dispatch: %w", NewError(KindTransport, "publish", cause))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindTransport, kind)
	assert.True(t, IsKind(err, KindTransport))
	assert.False(t, IsKind(err, KindPersistence))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "dispatch: transport: publish: connection refused", err.Error())

	_, ok = KindOf(cause)
	assert.False(t, ok)
}

func TestIsCancellation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsCancellation(context.Canceled))
	assert.True(t, IsCancellation(NewError(KindTransport, "publish", context.Canceled)))
	assert.True(t, IsCancellation(NewError(KindCancellation, "subscribe", errors.New("stopped"))))
	assert.False(t, IsCancellation(context.DeadlineExceeded))
	assert.False(t, IsCancellation(NewError(KindHandler, "handle", errors.New("bad"))))
}

func TestKindString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "persistence", KindPersistence.String())
	assert.Equal(t, "transport", KindTransport.String())
	assert.Equal(t, "handler", KindHandler.String())
	assert.Equal(t, "cancellation", KindCancellation.String())
	assert.Equal(t, "unknown", Kind(0).String())
}
