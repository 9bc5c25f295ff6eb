package ktm

import "context"

type ambientKey struct{}

// ContextWithHandle returns a context whose ambient transaction is h. The
// previous ambient handle is untouched in the parent context, so leaving the
// scope restores it.
func ContextWithHandle(ctx context.Context, h *Handle) context.Context {
	return context.WithValue(ctx, ambientKey{}, h)
}

// WithoutHandle returns a context with no ambient transaction, for
// suppressed calls.
func WithoutHandle(ctx context.Context) context.Context {
	return context.WithValue(ctx, ambientKey{}, (*Handle)(nil))
}

// HandleFromContext returns the ambient transaction handle, if any valid one
// is set.
func HandleFromContext(ctx context.Context) (*Handle, bool) {
	h, _ := ctx.Value(ambientKey{}).(*Handle)
	if !h.IsValid() {
		return nil, false
	}
	return h, true
}
