package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries caller identity and tracing information for the
// lifetime of one API request. It is immutable after construction and safe
// for concurrent reads.
type RequestContext struct {
	CallerID      string
	TenantID      string
	CorrelationID string
	RemoteAddr    string
}

// Validate checks that all mandatory fields are present.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.CallerID == "" {
		errs = append(errs, fmt.Errorf("CallerID is required"))
	}
	if rc.TenantID == "" {
		errs = append(errs, fmt.Errorf("TenantID is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns
// nil if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
