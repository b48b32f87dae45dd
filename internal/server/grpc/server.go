// Package grpcserver exposes the authentication core over gRPC.
//
// Messages are google.protobuf.Struct values; the service descriptor is
// declared by hand in desc.go.
package grpcserver

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/and161185/clinauth/internal/errs"
	"github.com/and161185/clinauth/internal/mfa"
	"github.com/and161185/clinauth/internal/model"
	"github.com/and161185/clinauth/internal/rbac"
	"github.com/and161185/clinauth/internal/service"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// MFAService is the part of the MFA subsystem exposed to principals.
type MFAService interface {
	Config(ctx context.Context, ref model.PrincipalRef) (*model.MFAConfig, error)
	ProposeTOTP(ctx context.Context, p *model.Principal) (*mfa.Enrollment, error)
	ConfirmTOTP(ctx context.Context, p *model.Principal, secret, code string) ([]string, error)
	SendSMS(ctx context.Context, phone string) (*mfa.Challenge, error)
	EnrollSMS(ctx context.Context, p *model.Principal, phone, code string) ([]string, error)
	GenerateBackupCodes(ctx context.Context, p *model.Principal) ([]string, error)
	RemainingBackupCodes(ctx context.Context, p *model.Principal) (int, error)
	Disable(ctx context.Context, p *model.Principal, reason string) error
}

// Authorizer evaluates permission and resource checks.
type Authorizer interface {
	Authorize(ctx context.Context, p *model.Principal, required ...string) error
	AuthorizeResource(ctx context.Context, p *model.Principal, resourceType, resourceID string) error
}

// Server wires services into gRPC handlers.
type Server struct {
	auth  service.AuthService
	mfa   MFAService
	authz Authorizer
	log   *zap.Logger
}

// New constructs a gRPC server with injected services.
func New(auth service.AuthService, m MFAService, authz Authorizer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{auth: auth, mfa: m, authz: authz, log: log}
}

func str(in *structpb.Struct, key string) string {
	return strings.TrimSpace(in.GetFields()[key].GetStringValue())
}

// secret reads a field without trimming; passwords are taken verbatim.
func secret(in *structpb.Struct, key string) string {
	return in.GetFields()[key].GetStringValue()
}

func strList(in *structpb.Struct, key string) []string {
	var out []string
	for _, v := range in.GetFields()[key].GetListValue().GetValues() {
		if s := strings.TrimSpace(v.GetStringValue()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func anyList(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func reply(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode response")
	}
	return out, nil
}

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func origin(ctx context.Context) model.Origin {
	o := model.Origin{Address: remoteAddr(ctx)}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ua := md.Get("user-agent"); len(ua) > 0 {
			o.UserAgent = ua[0]
		}
	}
	return o
}

func tokensReply(t *model.Tokens, extra map[string]any) (*structpb.Struct, error) {
	m := map[string]any{
		"access_token":       t.AccessToken,
		"refresh_token":      t.RefreshToken,
		"access_expires_at":  ts(t.AccessExpiresAt),
		"refresh_expires_at": ts(t.RefreshExpiresAt),
		"session_id":         t.SessionID,
	}
	for k, v := range extra {
		m[k] = v
	}
	return reply(m)
}

func authed(ctx context.Context) (*model.AuthContext, error) {
	ac, ok := AuthFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	return ac, nil
}

// --- Public ---

// Login authenticates a credential pair, with an optional second factor.
func (s *Server) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req := service.LoginRequest{
		Type:     model.PrincipalType(str(in, "principal_type")),
		Email:    str(in, "email"),
		Password: secret(in, "password"),
		Origin:   origin(ctx),
	}
	if method := str(in, "mfa_method"); method != "" {
		req.MFA = &model.MFAProof{Method: model.MFAMethod(method), Code: str(in, "mfa_code")}
	}
	res, err := s.auth.Login(ctx, req)
	if err != nil {
		return nil, toStatus(err)
	}
	return tokensReply(&res.Tokens, map[string]any{
		"principal_id":   res.Principal.ID.String(),
		"principal_type": string(res.Principal.Type),
	})
}

// Refresh rotates a refresh token.
func (s *Server) Refresh(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	t, err := s.auth.Refresh(ctx, str(in, "refresh_token"), origin(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return tokensReply(t, nil)
}

// Logout revokes the token in the request body, or the bearer token.
func (s *Server) Logout(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	raw := str(in, "token")
	if raw == "" {
		var err error
		if raw, err = bearerTokenFromMD(ctx); err != nil {
			return nil, status.Error(codes.InvalidArgument, "token is required")
		}
	}
	if err := s.auth.Logout(ctx, raw, origin(ctx)); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{})
}

// AcceptInvitation registers an invited principal.
func (s *Server) AcceptInvitation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.auth.AcceptInvitation(ctx, str(in, "invitation"), secret(in, "password"), origin(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{
		"principal_id":   p.ID.String(),
		"principal_type": string(p.Type),
		"email":          p.Email,
	})
}

// --- Authenticated ---

// Me describes the caller and their effective permissions.
func (s *Server) Me(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	p := ac.Principal
	m := map[string]any{
		"principal_id":   p.ID.String(),
		"principal_type": string(p.Type),
		"role":           string(p.Role),
		"email":          p.Email,
		"session_id":     ac.SessionID,
		"permissions":    anyList(rbac.EffectivePermissions(p).Sorted()),
	}
	if p.OrganizationID != nil {
		m["organization_id"] = p.OrganizationID.String()
	}
	return reply(m)
}

// ListSessions lists the caller's active sessions.
func (s *Server) ListSessions(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	sessions, err := s.auth.ListSessions(ctx, ac.Principal.Ref())
	if err != nil {
		return nil, toStatus(err)
	}
	list := make([]any, 0, len(sessions))
	for _, sess := range sessions {
		list = append(list, map[string]any{
			"id":            sess.ID,
			"issued_at":     ts(sess.IssuedAt),
			"last_activity": ts(sess.LastActivity),
			"address":       sess.Origin.Address,
			"user_agent":    sess.Origin.UserAgent,
			"current":       sess.ID == ac.SessionID,
		})
	}
	return reply(map[string]any{"sessions": list})
}

// RevokeSession ends one of the caller's sessions.
func (s *Server) RevokeSession(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	id := str(in, "session_id")
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "session_id is required")
	}
	if err := s.auth.RevokeSession(ctx, ac, id); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{})
}

// LogoutAll ends every session of the caller.
func (s *Server) LogoutAll(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	n, err := s.auth.LogoutAll(ctx, ac)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"ended": n})
}

// ChangePassword replaces the caller's password.
func (s *Server) ChangePassword(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.auth.ChangePassword(ctx, ac, secret(in, "old_password"), secret(in, "new_password")); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{})
}

// CheckAccess evaluates permissions and, optionally, one resource for the caller.
// Denials are answers, not errors.
func (s *Server) CheckAccess(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	err = s.authz.Authorize(ctx, ac.Principal, strList(in, "permissions")...)
	if err == nil {
		if rt := str(in, "resource_type"); rt != "" {
			err = s.authz.AuthorizeResource(ctx, ac.Principal, rt, str(in, "resource_id"))
		}
	}
	if err == nil {
		return reply(map[string]any{"allowed": true})
	}
	var missing *errs.InsufficientPermissionError
	switch {
	case errors.As(err, &missing):
		return reply(map[string]any{"allowed": false, "missing": anyList(missing.Missing)})
	case errors.Is(err, errs.ErrResourceAccessDenied):
		return reply(map[string]any{"allowed": false, "reason": err.Error()})
	}
	return nil, toStatus(err)
}

// BeginTOTP proposes a secret. The client returns it with a code to ConfirmTOTP.
func (s *Server) BeginTOTP(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	enr, err := s.mfa.ProposeTOTP(ctx, ac.Principal)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"secret": enr.Secret, "url": enr.URL})
}

// ConfirmTOTP enables TOTP once the code proves possession of the secret.
func (s *Server) ConfirmTOTP(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	backup, err := s.mfa.ConfirmTOTP(ctx, ac.Principal, str(in, "secret"), str(in, "code"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"backup_codes": anyList(backup)})
}

// SendSMSEnrollment sends a challenge to the phone being enrolled.
func (s *Server) SendSMSEnrollment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, err := authed(ctx); err != nil {
		return nil, err
	}
	phone := str(in, "phone")
	if phone == "" {
		return nil, status.Error(codes.InvalidArgument, "phone is required")
	}
	ch, err := s.mfa.SendSMS(ctx, phone)
	if err != nil {
		if errors.Is(err, errs.ErrStoreUnavailable) {
			return nil, toStatus(err)
		}
		s.log.Warn("sms enrollment dispatch failed", zap.Error(err))
		return nil, status.Error(codes.Unavailable, "message dispatch failed")
	}
	return reply(map[string]any{"expires_at": ts(ch.ExpiresAt)})
}

// ConfirmSMS enables SMS after a valid challenge.
func (s *Server) ConfirmSMS(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	backup, err := s.mfa.EnrollSMS(ctx, ac.Principal, str(in, "phone"), str(in, "code"))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"backup_codes": anyList(backup)})
}

// RegenerateBackupCodes replaces every unused backup code.
func (s *Server) RegenerateBackupCodes(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := s.mfa.Config(ctx, ac.Principal.Ref())
	if err != nil {
		return nil, toStatus(err)
	}
	if !cfg.Enabled {
		return nil, status.Error(codes.FailedPrecondition, "mfa is not enabled")
	}
	backup, err := s.mfa.GenerateBackupCodes(ctx, ac.Principal)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"backup_codes": anyList(backup)})
}

// MFAStatus reports the caller's second-factor configuration.
func (s *Server) MFAStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	cfg, err := s.mfa.Config(ctx, ac.Principal.Ref())
	if err != nil {
		return nil, toStatus(err)
	}
	methods := make([]string, 0, len(cfg.Methods))
	for _, m := range cfg.Methods {
		methods = append(methods, string(m))
	}
	remaining, err := s.mfa.RemainingBackupCodes(ctx, ac.Principal)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{"enabled": cfg.Enabled, "methods": anyList(methods), "backup_codes_remaining": remaining})
}

// DisableMFA turns off every second factor of the caller.
func (s *Server) DisableMFA(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ac, err := authed(ctx)
	if err != nil {
		return nil, err
	}
	reason := str(in, "reason")
	if reason == "" {
		reason = "user request"
	}
	if err := s.mfa.Disable(ctx, ac.Principal, reason); err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]any{})
}

func bearerTokenFromMD(ctx context.Context) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errors.New("no metadata")
	}
	for _, v := range md.Get("authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", errors.New("no bearer token")
}
