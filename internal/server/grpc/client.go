package grpcserver

import (
	"context"

	"github.com/gofrs/uuid/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/consent-keeper/internal/convert"
	"github.com/and161185/consent-keeper/internal/model"
)

// Client is a typed ConsentManager client.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) byID(ctx context.Context, method string, kv map[string]any) (*model.ConsentRequest, error) {
	in, err := convert.Struct(kv)
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, method, in)
	if err != nil {
		return nil, err
	}
	return convert.RequestFromStruct(out)
}

// RequestConsent submits an intent. When the server persisted the request but
// the gateway call failed, the returned request carries only its id and the
// error holds the gRPC status.
func (c *Client) RequestConsent(ctx context.Context, in model.ConsentIntent) (*model.ConsentRequest, error) {
	s, err := convert.IntentToStruct(in)
	if err != nil {
		return nil, err
	}
	var trailer metadata.MD
	out, err := c.invoke(ctx, MethodRequestConsent, s, grpc.Trailer(&trailer))
	if err != nil {
		if ids := trailer.Get(RequestIDTrailer); len(ids) > 0 {
			if id, perr := uuid.FromString(ids[0]); perr == nil {
				return &model.ConsentRequest{ID: id, Status: model.StatusRequested}, err
			}
		}
		return nil, err
	}
	return convert.RequestFromStruct(out)
}

// RetryInit re-issues the gateway init call.
func (c *Client) RetryInit(ctx context.Context, id uuid.UUID) (*model.ConsentRequest, error) {
	return c.byID(ctx, MethodRetryInit, map[string]any{"id": id.String()})
}

// GetConsentStatus fetches a request with its artifacts.
func (c *Client) GetConsentStatus(ctx context.Context, id uuid.UUID) (*model.ConsentRequest, error) {
	return c.byID(ctx, MethodGetConsentStatus, map[string]any{"id": id.String()})
}

// RevokeConsent revokes a granted request.
func (c *Client) RevokeConsent(ctx context.Context, id uuid.UUID, reason string) (*model.ConsentRequest, error) {
	return c.byID(ctx, MethodRevokeConsent, map[string]any{"id": id.String(), "reason": reason})
}

// ListActiveConsents lists a patient's active consents.
func (c *Client) ListActiveConsents(ctx context.Context, patientID string) ([]model.ConsentRequest, error) {
	in, err := convert.Struct(map[string]any{"patientId": patientID})
	if err != nil {
		return nil, err
	}
	out, err := c.invoke(ctx, MethodListActiveConsents, in)
	if err != nil {
		return nil, err
	}
	return convert.RequestsFromStruct(out)
}

// GetAuditTrail returns the raw audit trail document.
func (c *Client) GetAuditTrail(ctx context.Context, id uuid.UUID) (*structpb.Struct, error) {
	in, err := convert.Struct(map[string]any{"id": id.String()})
	if err != nil {
		return nil, err
	}
	return c.invoke(ctx, MethodGetAuditTrail, in)
}
