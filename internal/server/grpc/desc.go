package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "clinauth.v1.Auth"

type handlerFunc func(*Server, context.Context, *structpb.Struct) (*structpb.Struct, error)

var methods = []struct {
	name string
	fn   handlerFunc
}{
	{"Login", (*Server).Login},
	{"Refresh", (*Server).Refresh},
	{"Logout", (*Server).Logout},
	{"AcceptInvitation", (*Server).AcceptInvitation},
	{"Me", (*Server).Me},
	{"ListSessions", (*Server).ListSessions},
	{"RevokeSession", (*Server).RevokeSession},
	{"LogoutAll", (*Server).LogoutAll},
	{"ChangePassword", (*Server).ChangePassword},
	{"CheckAccess", (*Server).CheckAccess},
	{"BeginTOTP", (*Server).BeginTOTP},
	{"ConfirmTOTP", (*Server).ConfirmTOTP},
	{"SendSMSEnrollment", (*Server).SendSMSEnrollment},
	{"ConfirmSMS", (*Server).ConfirmSMS},
	{"RegenerateBackupCodes", (*Server).RegenerateBackupCodes},
	{"MFAStatus", (*Server).MFAStatus},
	{"DisableMFA", (*Server).DisableMFA},
}

// FullMethod returns "/clinauth.v1.Auth/<name>".
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

// PublicMethods are reachable without a bearer token.
func PublicMethods() []string {
	return []string{FullMethod("Login"), FullMethod("Refresh"), FullMethod("Logout"), FullMethod("AcceptInvitation")}
}

// ThrottledMethods are guarded by the per-address throttle.
func ThrottledMethods() []string {
	return []string{FullMethod("Login"), FullMethod("AcceptInvitation"), FullMethod("Refresh")}
}

// authServer is the handler type checked by grpc.Server.RegisterService.
type authServer interface {
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func methodDesc(name string, fn handlerFunc) grpc.MethodDesc {
	full := FullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			if interceptor == nil {
				return fn(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the Auth service.
var ServiceDesc = func() grpc.ServiceDesc {
	sd := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*authServer)(nil),
		Metadata:    "clinauth/v1/auth",
	}
	for _, m := range methods {
		sd.Methods = append(sd.Methods, methodDesc(m.name, m.fn))
	}
	return sd
}()

// Register attaches s to gs.
func Register(gs *grpc.Server, s *Server) {
	gs.RegisterService(&ServiceDesc, s)
}

// Invoke calls one Auth method over cc. Used by the operator CLI and tests.
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, name string, in map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, FullMethod(name), req, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
