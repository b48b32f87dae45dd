package grpcserver

import (
	"context"
	"testing"

	"github.com/and161185/clinauth/internal/model"
	"github.com/gofrs/uuid/v5"
)

func TestWithAuth_And_AuthFromCtx(t *testing.T) {
	t.Parallel()

	if ac, ok := AuthFromCtx(context.Background()); ok || ac != nil {
		t.Fatalf("expected no auth in empty ctx")
	}

	want := &model.AuthContext{
		Principal: &model.Principal{ID: uuid.Must(uuid.NewV4()), Type: model.Clinician},
		SessionID: "s1",
	}
	ctx := WithAuth(context.Background(), want)

	got, ok := AuthFromCtx(ctx)
	if !ok {
		t.Fatalf("expected auth in ctx")
	}
	if got != want {
		t.Fatalf("mismatch: got %+v, want %+v", got, want)
	}

	if _, ok := AuthFromCtx(WithAuth(context.Background(), &model.AuthContext{})); ok {
		t.Fatalf("expected miss when principal is absent")
	}

	bad := context.WithValue(context.Background(), authKey, "not-an-auth-context")
	if ac, ok := AuthFromCtx(bad); ok || ac != nil {
		t.Fatalf("expected miss on wrong typed value")
	}
}
