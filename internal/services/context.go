package services

import "context"

// Scope identifies the work a context belongs to. Empty fields are unset.
type Scope struct {
	JobID     string
	Stage     string
	Device    string
	RequestID string
}

type scopeKey struct{}

// ScopeFromContext returns the scope carried by ctx, or the zero Scope.
func ScopeFromContext(ctx context.Context) Scope {
	if ctx == nil {
		return Scope{}
	}
	scope, _ := ctx.Value(scopeKey{}).(Scope)
	return scope
}

// WithScope merges the non-empty fields of next into the scope on ctx.
func WithScope(ctx context.Context, next Scope) context.Context {
	scope := ScopeFromContext(ctx)
	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&scope.JobID, next.JobID)
	set(&scope.Stage, next.Stage)
	set(&scope.Device, next.Device)
	set(&scope.RequestID, next.RequestID)
	if !changed {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, scope)
}

// WithJobID annotates ctx with the pipeline job identifier.
func WithJobID(ctx context.Context, id string) context.Context {
	return WithScope(ctx, Scope{JobID: id})
}

// WithStage annotates ctx with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return WithScope(ctx, Scope{Stage: stage})
}

// WithRequestID annotates ctx with an API correlation identifier.
func WithRequestID(ctx context.Context, id string) context.Context {
	return WithScope(ctx, Scope{RequestID: id})
}

func JobIDFromContext(ctx context.Context) (string, bool) {
	id := ScopeFromContext(ctx).JobID
	return id, id != ""
}

func StageFromContext(ctx context.Context) (string, bool) {
	stage := ScopeFromContext(ctx).Stage
	return stage, stage != ""
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	id := ScopeFromContext(ctx).RequestID
	return id, id != ""
}
