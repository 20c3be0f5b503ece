package model

import (
	"context"
	"slices"
)

// Actor is the identity a transition is attempted on behalf of. Roles come
// from the identity collaborator; the workflow core never resolves them.
type Actor struct {
	ID     string   `json:"id"`
	Roles  []string `json:"roles"`
	System bool     `json:"system,omitempty"`
}

// HasRole reports whether the actor holds role.
func (a Actor) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// HasAnyRole reports whether the actor holds at least one of roles.
func (a Actor) HasAnyRole(roles ...string) bool {
	return slices.ContainsFunc(roles, a.HasRole)
}

// SystemActor is the synthetic actor behind scheduler and SLA sweeps.
func SystemActor(id string) Actor {
	if id == "" {
		id = "system"
	}
	return Actor{ID: id, Roles: []string{"system"}, System: true}
}

// RequestContext travels with a call into the workflow core. Treat it as
// read-only once attached.
type RequestContext struct {
	Actor         Actor
	CorrelationID string
	TraceID       string
}

type contextKey struct{}

// WithRequestContext attaches rctx to ctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom returns the attached RequestContext, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// CorrelationIDFrom returns the correlation id carried by ctx, or "".
func CorrelationIDFrom(ctx context.Context) string {
	if rctx := RequestContextFrom(ctx); rctx != nil {
		return rctx.CorrelationID
	}
	return ""
}

// MustActor returns the resolved actor. Only handlers mounted behind actor
// resolution may call it; anywhere else it panics.
func MustActor(ctx context.Context) Actor {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: no RequestContext in context")
	}
	return rctx.Actor
}
