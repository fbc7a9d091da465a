package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "hie.consent.v1.ConsentManager"

// Method names.
const (
	MethodRequestConsent     = "RequestConsent"
	MethodRetryInit          = "RetryInit"
	MethodGetConsentStatus   = "GetConsentStatus"
	MethodListActiveConsents = "ListActiveConsents"
	MethodRevokeConsent      = "RevokeConsent"
	MethodGetAuditTrail      = "GetAuditTrail"
)

// RequestIDTrailer carries the id of a request that was persisted even though
// the call failed, so the caller can RetryInit it.
const RequestIDTrailer = "x-consent-request-id"

// ConsentManagerServer is the server API. Every message is a Struct document.
type ConsentManagerServer interface {
	RequestConsent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryInit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConsentStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListActiveConsents(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RevokeConsent(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAuditTrail(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(ConsentManagerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryCall) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, ic grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if ic == nil {
				return call(srv.(ConsentManagerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			h := func(ctx context.Context, req any) (any, error) {
				return call(srv.(ConsentManagerServer), ctx, req.(*structpb.Struct))
			}
			return ic(ctx, in, info, h)
		},
	}
}

// ServiceDesc describes ConsentManager for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConsentManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodRequestConsent, ConsentManagerServer.RequestConsent),
		unary(MethodRetryInit, ConsentManagerServer.RetryInit),
		unary(MethodGetConsentStatus, ConsentManagerServer.GetConsentStatus),
		unary(MethodListActiveConsents, ConsentManagerServer.ListActiveConsents),
		unary(MethodRevokeConsent, ConsentManagerServer.RevokeConsent),
		unary(MethodGetAuditTrail, ConsentManagerServer.GetAuditTrail),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "hie/consent/v1/consent_manager.proto",
}

// Register attaches srv to s.
func Register(s grpc.ServiceRegistrar, srv ConsentManagerServer) {
	s.RegisterService(&ServiceDesc, srv)
}
