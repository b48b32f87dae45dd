package grpcserver

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/and161185/clinauth/internal/audit"
	pkgcrypto "github.com/and161185/clinauth/internal/crypto"
	"github.com/and161185/clinauth/internal/crypto/sealer"
	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/limiter"
	"github.com/and161185/clinauth/internal/mfa"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/notify"
	"github.com/and161185/clinauth/internal/obs"
	"github.com/and161185/clinauth/internal/rbac"
	"github.com/and161185/clinauth/internal/repository/memory"
	"github.com/and161185/clinauth/internal/service"
	"github.com/and161185/clinauth/internal/token"
	"github.com/gofrs/uuid/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	bufSize  = 1 << 20
	password = "correct horse battery"
)

type env struct {
	cc      *grpc.ClientConn
	store   *memory.Store
	mfa     *mfa.Service
	audit   *audit.Memory
	metrics *obs.Metrics
}

func startEnv(t *testing.T, throttle *limiter.Throttle) *env {
	t.Helper()
	log := zaptest.NewLogger(t)
	e := &env{
		store:   memory.New(limiter.Policy{MaxFailures: 5, LockFor: 30 * time.Minute}),
		audit:   &audit.Memory{},
		metrics: obs.New(prometheus.NewRegistry()),
	}

	key := make([]byte, sealer.KeyLen)
	_, err := rand.Read(key)
	require.NoError(t, err)
	seal, err := sealer.New(key)
	require.NoError(t, err)
	codec, err := token.New([]byte("0123456789abcdef0123456789abcdef"), "clinauth-test")
	require.NoError(t, err)

	e.mfa = mfa.New(mfa.Config{Issuer: "clinauth-test", SMSCodeTTL: 5 * time.Minute, TOTPSkew: 2, BackupCodeCount: 10},
		mfa.Deps{Repo: e.store, Sealer: seal, Notifier: &notify.Recorder{}, Audit: e.audit, Log: log})
	auth := service.NewAuthService(
		service.Config{AccessTTL: 15 * time.Minute, RefreshTTL: 24 * time.Hour, IdleTimeout: 30 * time.Minute},
		service.Deps{
			Principals: e.store, Sessions: e.store, Invitations: e.store, Limiter: e.store,
			Codec: codec, MFA: e.mfa, Audit: e.audit, Metrics: e.metrics, Log: log,
		})
	authz := rbac.New(e.store, e.store, e.audit, rbac.WithLogger(log), rbac.WithMetrics(e.metrics))

	interceptors := []grpc.UnaryServerInterceptor{RecoverUnary(log), LoggingUnary(log), MetricsUnary(e.metrics)}
	if throttle != nil {
		interceptors = append(interceptors, ThrottleUnary(throttle, e.metrics, ThrottledMethods()...))
	}
	interceptors = append(interceptors, AuthUnary(auth, PublicMethods()...))

	lis := bufconn.Listen(bufSize)
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))
	Register(gs, New(auth, e.mfa, authz, log))
	go func() { _ = gs.Serve(lis) }()

	dialer := func(context.Context, string) (net.Conn, error) { return lis.Dial() }
	//nolint:staticcheck // DialContext is supported through 1.x; migrate when grpc.NewClient is stable
	cc, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	e.cc = cc
	t.Cleanup(func() { _ = cc.Close(); gs.Stop(); _ = lis.Close() })
	return e
}

func (e *env) seed(t *testing.T, typ model.PrincipalType, email string, org *uuid.UUID) *model.Principal {
	t.Helper()
	hash, salt, err := pkgcrypto.NewPasswordHash(password)
	require.NoError(t, err)
	role := model.RoleParticipant
	if typ == model.Clinician {
		role = model.RoleClinician
	}
	p := &model.Principal{ID: uuid.Must(uuid.NewV4()), Type: typ, Role: role, Email: email,
		PwdHash: hash, Salt: salt, Status: model.StatusActive, OrganizationID: org}
	require.NoError(t, e.store.AddPrincipal(p))
	return p
}

func (e *env) call(ctx context.Context, name string, in map[string]any) (map[string]any, error) {
	return Invoke(ctx, e.cc, name, in)
}

func (e *env) login(t *testing.T, p *model.Principal, extra map[string]any) (map[string]any, error) {
	t.Helper()
	in := map[string]any{"principal_type": string(p.Type), "email": p.Email, "password": password}
	for k, v := range extra {
		in[k] = v
	}
	return e.call(context.Background(), "Login", in)
}

func ctxAuth(token any) context.Context {
	return metadata.NewOutgoingContext(context.Background(),
		metadata.Pairs("authorization", fmt.Sprint("Bearer ", token)))
}

func wantCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	st, ok := status.FromError(err)
	if !ok || st.Code() != code {
		t.Fatalf("want %v, got %v", code, err)
	}
}

func Test_bearerTokenFromMD_OkAndErrors(t *testing.T) {
	t.Parallel()

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer abc.def.ghi"))
	got, err := bearerTokenFromMD(ctx)
	if err != nil || got != "abc.def.ghi" {
		t.Fatalf("ok: got=%q err=%v", got, err)
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Basic foo"))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on non-bearer")
	}

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer   "))
	if _, err := bearerTokenFromMD(ctx); err == nil {
		t.Fatalf("want error on empty token")
	}

	if _, err := bearerTokenFromMD(context.Background()); err == nil {
		t.Fatalf("want error on no metadata")
	}
}

func Test_toStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		code codes.Code
	}{
		{errs.ErrInvalidCredential, codes.Unauthenticated},
		{&errs.AccountLockedError{Until: time.Now()}, codes.PermissionDenied},
		{&errs.AccountInactiveError{Status: "inactive"}, codes.PermissionDenied},
		{&errs.MFARequiredError{Methods: []string{"totp"}}, codes.FailedPrecondition},
		{errs.ErrMFAInvalid, codes.Unauthenticated},
		{errs.ErrTokenInvalid, codes.Unauthenticated},
		{errs.ErrTokenExpired, codes.Unauthenticated},
		{errs.ErrTokenRevoked, codes.Unauthenticated},
		{errs.ErrSessionInvalid, codes.Unauthenticated},
		{errs.ErrSessionTimeout, codes.Unauthenticated},
		{&errs.InsufficientPermissionError{Missing: []string{"patients:read"}}, codes.PermissionDenied},
		{&errs.ResourceAccessDeniedError{ResourceType: "study", ResourceID: "x"}, codes.PermissionDenied},
		{fmt.Errorf("%w: email", errs.ErrInvalidArgument), codes.InvalidArgument},
		{errs.ErrAlreadyExists, codes.AlreadyExists},
		{errs.Store("op", errors.New("dial tcp: refused")), codes.Unavailable},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.Aborted, "kept"), codes.Aborted},
	}
	for _, c := range cases {
		if got := status.Code(toStatus(c.err)); got != c.code {
			t.Fatalf("%v: got %v, want %v", c.err, got, c.code)
		}
	}

	st, _ := status.FromError(toStatus(errs.Store("op", errors.New("password=hunter2"))))
	if st.Message() != "store unavailable" {
		t.Fatalf("outage cause leaked: %q", st.Message())
	}
	if toStatus(nil) != nil {
		t.Fatalf("nil must stay nil")
	}
}
