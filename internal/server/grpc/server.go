// Package grpcserver exposes the consent lifecycle over gRPC.
package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/consent-keeper/internal/convert"
	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/model"
	"github.com/and161185/consent-keeper/internal/service"
)

// Server wires the consent service into gRPC handlers.
type Server struct {
	svc service.ConsentService
}

var _ ConsentManagerServer = (*Server)(nil)

// New constructs a gRPC server with the injected service.
func New(svc service.ConsentService) *Server {
	return &Server{svc: svc}
}

func caller(ctx context.Context) (model.Actor, model.Origin, error) {
	a, ok := ActorFromCtx(ctx)
	if !ok {
		return model.Actor{}, model.Origin{}, status.Error(codes.Unauthenticated, "no auth")
	}
	return a, OriginFromCtx(ctx), nil
}

// toStatus maps domain errors to gRPC codes.
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrConflict), errors.Is(err, errs.ErrVersionConflict):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, errs.ErrExternalService):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "no auth")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, op+": canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, op+": deadline exceeded")
	default:
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func encoded(s *structpb.Struct, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode: %v", err)
	}
	return s, nil
}

// RequestConsent creates a request and issues the gateway init call. When the
// init call fails the persisted request id is returned in the RequestIDTrailer.
func (s *Server) RequestConsent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, origin, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	intent, err := convert.IntentFromStruct(in)
	if err != nil {
		return nil, toStatus("request consent", err)
	}
	req, err := s.svc.RequestConsent(ctx, intent, actor, origin)
	if err != nil {
		if req != nil {
			_ = grpc.SetTrailer(ctx, metadata.Pairs(RequestIDTrailer, req.ID.String()))
		}
		return nil, toStatus("request consent", err)
	}
	return encoded(convert.RequestToStruct(req))
}

// RetryInit re-issues the init call for {"id"}.
func (s *Server) RetryInit(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, origin, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	id, err := convert.IDFromStruct(in, "id")
	if err != nil {
		return nil, toStatus("retry init", err)
	}
	req, err := s.svc.RetryInit(ctx, id, actor, origin)
	if err != nil {
		return nil, toStatus("retry init", err)
	}
	return encoded(convert.RequestToStruct(req))
}

// GetConsentStatus returns {"id"} with its artifacts.
func (s *Server) GetConsentStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, _, err := caller(ctx); err != nil {
		return nil, err
	}
	id, err := convert.IDFromStruct(in, "id")
	if err != nil {
		return nil, toStatus("get consent", err)
	}
	req, err := s.svc.GetConsentStatus(ctx, id)
	if err != nil {
		return nil, toStatus("get consent", err)
	}
	return encoded(convert.RequestToStruct(req))
}

// ListActiveConsents returns {"consents": [...]} for {"patientId"}.
func (s *Server) ListActiveConsents(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, _, err := caller(ctx); err != nil {
		return nil, err
	}
	patientID, err := convert.StringFromStruct(in, "patientId")
	if err != nil {
		return nil, toStatus("list consents", err)
	}
	reqs, err := s.svc.ListActiveConsents(ctx, patientID)
	if err != nil {
		return nil, toStatus("list consents", err)
	}
	return encoded(convert.RequestsToStruct(reqs))
}

// RevokeConsent revokes {"id"} with {"reason"}.
func (s *Server) RevokeConsent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actor, origin, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	id, err := convert.IDFromStruct(in, "id")
	if err != nil {
		return nil, toStatus("revoke", err)
	}
	reason, err := convert.StringFromStruct(in, "reason")
	if err != nil {
		return nil, toStatus("revoke", err)
	}
	req, err := s.svc.RevokeConsent(ctx, id, reason, actor, origin)
	if err != nil {
		return nil, toStatus("revoke", err)
	}
	return encoded(convert.RequestToStruct(req))
}

// GetAuditTrail returns the verified audit trail of {"id"}.
func (s *Server) GetAuditTrail(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if _, _, err := caller(ctx); err != nil {
		return nil, err
	}
	id, err := convert.IDFromStruct(in, "id")
	if err != nil {
		return nil, toStatus("audit trail", err)
	}
	tr, err := s.svc.AuditTrail(ctx, id)
	if err != nil {
		return nil, toStatus("audit trail", err)
	}
	return encoded(convert.AuditTrailToStruct(tr))
}
