package grpcserver

import (
	"context"

	"github.com/and161185/clinauth/internal/model"
)

type ctxKey string

const authKey ctxKey = "clinauth.auth"

// WithAuth stores the authenticated principal context.
func WithAuth(ctx context.Context, ac *model.AuthContext) context.Context {
	return context.WithValue(ctx, authKey, ac)
}

// AuthFromCtx fetches the authenticated principal context.
func AuthFromCtx(ctx context.Context) (*model.AuthContext, bool) {
	ac, ok := ctx.Value(authKey).(*model.AuthContext)
	return ac, ok && ac != nil && ac.Principal != nil
}
