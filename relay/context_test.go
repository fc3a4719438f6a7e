//go:build unit

package relay

import (
	"context"
	"testing"

	"github.com/Arslan16/Ufanet-autum-practice/relay/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTrackingFromContextDefaults(t *testing.T) {
	t.Parallel()

	logger, tracer, headerID := NewTrackingFromContext(context.Background())

	require.NotNil(t, logger)
	require.NotNil(t, tracer)
	assert.Len(t, headerID, 36)
	assert.IsType(t, &log.NopLogger{}, NewLoggerFromContext(context.Background()))
}

func TestNewTrackingFromContextKeepsValues(t *testing.T) {
	t.Parallel()

	logger := log.NewNop()
	tracer := noop.NewTracerProvider().Tracer("test")

	ctx := ContextWithLogger(context.Background(), logger)
	ctx = ContextWithTracer(ctx, tracer)
	ctx = ContextWithHeaderID(ctx, "  msg-42 ")

	gotLogger, gotTracer, headerID := NewTrackingFromContext(ctx)

	assert.Same(t, logger, gotLogger)
	assert.Equal(t, tracer, gotTracer)
	assert.Equal(t, "msg-42", headerID)
}

func TestContextValuesDoNotLeakToParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithHeaderID(context.Background(), "parent")
	child := ContextWithHeaderID(parent, "child")

	_, _, parentID := NewTrackingFromContext(parent)
	_, _, childID := NewTrackingFromContext(child)

	assert.Equal(t, "parent", parentID)
	assert.Equal(t, "child", childID)
}
