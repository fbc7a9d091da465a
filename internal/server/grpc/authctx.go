package grpcserver

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"

	"github.com/and161185/consent-keeper/internal/model"
)

type ctxKey string

const actorKey ctxKey = "ck.actor"

// WithActor stores the authenticated actor in context.
func WithActor(ctx context.Context, a model.Actor) context.Context {
	return context.WithValue(ctx, actorKey, a)
}

// ActorFromCtx fetches the actor from context.
func ActorFromCtx(ctx context.Context) (model.Actor, bool) {
	a, ok := ctx.Value(actorKey).(model.Actor)
	return a, ok
}

// actorClaims: sub is the actor id, role the actor type.
type actorClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 bearer token for a.
func IssueToken(key []byte, a model.Actor, ttl time.Duration) (string, error) {
	if len(key) == 0 {
		return "", errors.New("empty signing key")
	}
	if a.ID == "" || !a.Type.Valid() {
		return "", errors.New("actor id and known type required")
	}
	now := time.Now().UTC()
	claims := actorClaims{
		Role: string(a.Type),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   a.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
}

// actorFromToken: extract "authorization: Bearer <JWT>", verify HS256, map sub/role to an Actor.
func actorFromToken(ctx context.Context, key []byte) (model.Actor, error) {
	tok, err := bearerTokenFromMD(ctx)
	if err != nil {
		return model.Actor{}, err
	}

	var claims actorClaims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return key, nil
	}, jwt.WithExpirationRequired(), jwt.WithLeeway(30*time.Second))
	if err != nil || !parsed.Valid {
		return model.Actor{}, errors.New("invalid token")
	}

	a := model.Actor{ID: claims.Subject, Type: model.ActorType(claims.Role)}
	if a.ID == "" {
		return model.Actor{}, errors.New("missing subject")
	}
	if !a.Type.Valid() {
		return model.Actor{}, errors.New("unknown role")
	}
	return a, nil
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

// OriginFromCtx reports the caller address and user agent for the audit trail.
// The first x-forwarded-for hop wins over the transport peer.
func OriginFromCtx(ctx context.Context) model.Origin {
	var o model.Origin
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if xff := md.Get("x-forwarded-for"); len(xff) > 0 {
			first, _, _ := strings.Cut(xff[0], ",")
			o.IP = strings.TrimSpace(first)
		}
		if ua := md.Get("user-agent"); len(ua) > 0 {
			o.UserAgent = ua[0]
		}
	}
	if o.IP == "" {
		o.IP = remoteIP(ctx)
	}
	return o
}

func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
