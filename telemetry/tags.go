// Package telemetry provides pipeline stage tagging and metrics for pulls.
package telemetry

import (
	"context"
)

type contextKey string

// stageKey is the context key for the pipeline stage label.
const stageKey contextKey = "stage"

// Pipeline stages used to label upstream requests.
const (
	StageAuth     = "auth"
	StageToken    = "token"
	StageManifest = "manifest"
	StageConfig   = "config"
	StageBlob     = "blob"
)

// WithStage returns a context labelled with the pipeline stage. Requests made
// with the context are attributed to that stage in the upstream metrics.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey, stage)
}

// StageFromContext returns the stage label, or "" if none was set.
func StageFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(stageKey).(string); ok {
		return s
	}
	return ""
}
