package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageFromContext_EmptyByDefault(t *testing.T) {
	require.Empty(t, StageFromContext(context.Background()))
}

func TestWithStage(t *testing.T) {
	ctx := WithStage(context.Background(), StageManifest)
	require.Equal(t, StageManifest, StageFromContext(ctx))
}

func TestWithStage_InnerOverrides(t *testing.T) {
	ctx := WithStage(context.Background(), StageConfig)
	ctx = WithStage(ctx, StageToken)
	require.Equal(t, StageToken, StageFromContext(ctx))
}
