package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/and161185/consent-keeper/internal/errs"
)

// used when the session response carries neither expiresIn nor a JWT exp claim
const fallbackTokenTTL = 5 * time.Minute

type sessionRequest struct {
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	GrantType    string `json:"grantType"`
}

type sessionResponse struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
	TokenType   string `json:"tokenType"`
}

type cachedToken struct {
	value  string
	expiry time.Time
}

// accessToken returns a cached token or fetches a new one. Concurrent refreshes
// share a single session call.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expiry.Add(-c.cfg.TokenSkew)) {
		t := c.token
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	v, err, _ := c.flight.Do(opSession, func() (any, error) {
		// the flight outlives any single caller's cancellation
		tok, err := c.fetchToken(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.token, c.expiry = tok.value, tok.expiry
		c.mu.Unlock()
		return tok.value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidate drops tok if it is still the cached one.
func (c *Client) invalidate(tok string) {
	c.mu.Lock()
	if c.token == tok {
		c.token = ""
		c.expiry = time.Time{}
	}
	c.mu.Unlock()
}

func (c *Client) fetchToken(ctx context.Context) (cachedToken, error) {
	raw, err := json.Marshal(sessionRequest{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		GrantType:    "client_credentials",
	})
	if err != nil {
		return cachedToken{}, &errs.ExternalServiceError{Op: opSession, Err: err}
	}
	status, body, err := c.send(ctx, "/sessions", raw, "", nil)
	if err != nil {
		return cachedToken{}, &errs.ExternalServiceError{Op: opSession, Err: err}
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return cachedToken{}, &errs.ExternalServiceError{Op: opSession, StatusCode: status, Err: errors.New("credential exchange rejected")}
	}
	var sr sessionResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return cachedToken{}, &errs.ExternalServiceError{Op: opSession, StatusCode: status, Err: err}
	}
	if sr.AccessToken == "" {
		return cachedToken{}, &errs.ExternalServiceError{Op: opSession, StatusCode: status, Err: errors.New("empty access token")}
	}

	now := c.now()
	exp := now.Add(fallbackTokenTTL)
	switch {
	case sr.ExpiresIn > 0:
		exp = now.Add(time.Duration(sr.ExpiresIn) * time.Second)
	default:
		if t, ok := jwtExpiry(sr.AccessToken); ok {
			exp = t
		}
	}
	c.log.Debug("gateway token refreshed", zap.Time("expires", exp))
	return cachedToken{value: sr.AccessToken, expiry: exp}, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the token is
// opaque to us and only its lifetime matters.
func jwtExpiry(tok string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
