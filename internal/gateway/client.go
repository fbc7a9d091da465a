// Package gateway is the HTTP client for the external Health Information Exchange.
// It owns the bearer token cache and hides transport retries from callers.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/model"
)

const (
	opSession = "sessions"
	opInit    = "consent-requests/init"
	opRevoke  = "consent-requests/revoke"

	defaultTimeout     = 10 * time.Second
	defaultMaxAttempts = 3
	defaultTokenSkew   = 30 * time.Second
	defaultRetryBase   = 200 * time.Millisecond
	maxResponseBody    = 1 << 20
)

// Config holds gateway endpoint and credentials.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	MaxAttempts  uint64
	TokenSkew    time.Duration
}

// InitOptions controls the non-idempotent init call.
type InitOptions struct {
	// IdempotencyKey, when set, is sent as Idempotency-Key and allows the call
	// to be retried on transient failures. Without it the call is attempted once.
	IdempotencyKey string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithClock injects the time source used for token expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.log = l }
}

// WithRetryBase sets the initial backoff between attempts.
func WithRetryBase(d time.Duration) Option {
	return func(c *Client) { c.retryBase = d }
}

// Client talks to the gateway. Safe for concurrent use.
type Client struct {
	cfg       Config
	base      *url.URL
	http      *http.Client
	now       func() time.Time
	log       *zap.Logger
	retryBase time.Duration

	mu     sync.Mutex
	token  string
	expiry time.Time
	flight singleflight.Group
}

// New constructs a Client. BaseURL must be absolute.
func New(cfg Config, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("gateway: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.TokenSkew <= 0 {
		cfg.TokenSkew = defaultTokenSkew
	}
	c := &Client{
		cfg:       cfg,
		base:      u,
		http:      &http.Client{Timeout: cfg.Timeout},
		now:       time.Now,
		log:       zap.NewNop(),
		retryBase: defaultRetryBase,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type initRequest struct {
	Consent initConsent `json:"consent"`
}

type initConsent struct {
	Purpose struct {
		Code string `json:"code"`
		Text string `json:"text"`
	} `json:"purpose"`
	Patient struct {
		ID string `json:"id"`
	} `json:"patient"`
	HITypes    []string `json:"hiTypes"`
	Permission struct {
		DateRange struct {
			From time.Time `json:"from"`
			To   time.Time `json:"to"`
		} `json:"dateRange"`
		DataEraseAt time.Time `json:"dataEraseAt"`
	} `json:"permission"`
}

type initResponse struct {
	Consent struct {
		ID string `json:"id"`
	} `json:"consent"`
}

// InitConsentRequest creates the remote consent request and returns its id.
func (c *Client) InitConsentRequest(ctx context.Context, p model.InitPayload, opts InitOptions) (string, error) {
	var body initRequest
	body.Consent.Purpose.Code = p.Purpose.Code
	body.Consent.Purpose.Text = p.Purpose.Text
	body.Consent.Patient.ID = p.PatientHIEID
	body.Consent.HITypes = p.HITypes
	body.Consent.Permission.DateRange.From = p.DateRange.From.UTC()
	body.Consent.Permission.DateRange.To = p.DateRange.To.UTC()
	body.Consent.Permission.DataEraseAt = p.DataEraseAt.UTC()

	var hdr http.Header
	if opts.IdempotencyKey != "" {
		hdr = http.Header{"Idempotency-Key": []string{opts.IdempotencyKey}}
	}

	var out initResponse
	call := func(ctx context.Context) error {
		return c.post(ctx, opInit, "/consent-requests/init", body, hdr, &out)
	}
	var err error
	if opts.IdempotencyKey == "" {
		err = call(ctx)
	} else {
		err = c.withRetry(ctx, opInit, call)
	}
	if err != nil {
		return "", err
	}
	if out.Consent.ID == "" {
		return "", &errs.ExternalServiceError{Op: opInit, Err: errors.New("response without consent id")}
	}
	return out.Consent.ID, nil
}

type revokeRequest struct {
	ConsentArtefactID string `json:"consentArtefactId"`
	Reason            string `json:"reason"`
}

// NotifyRevocation tells the gateway an artifact was revoked locally. The call
// is idempotent and retried with exponential backoff.
func (c *Client) NotifyRevocation(ctx context.Context, r model.Revocation) error {
	path := "/consent-requests/" + url.PathEscape(r.ConsentRequestID) + "/revoke"
	body := revokeRequest{ConsentArtefactID: r.ArtifactID, Reason: r.Reason}
	return c.withRetry(ctx, opRevoke, func(ctx context.Context) error {
		return c.post(ctx, opRevoke, path, body, nil, nil)
	})
}

func (c *Client) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(c.cfg.MaxAttempts-1, retry.NewExponential(c.retryBase))
	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err != nil && retryable(err) {
			c.log.Warn("gateway call failed, retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

// retryable reports transport failures, 429 and 5xx. Credential failures are not retried.
func retryable(err error) bool {
	var ese *errs.ExternalServiceError
	if !errors.As(err, &ese) || ese.Op == opSession {
		return false
	}
	return ese.StatusCode == 0 || ese.StatusCode == http.StatusTooManyRequests || ese.StatusCode >= 500
}

// post sends an authenticated JSON request. A 401 invalidates the token and the
// request is replayed once with a fresh one.
func (c *Client) post(ctx context.Context, op, path string, in any, hdr http.Header, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("gateway: encode %s: %w", op, err)
	}
	for i := 0; ; i++ {
		tok, err := c.accessToken(ctx)
		if err != nil {
			return err
		}
		status, body, err := c.send(ctx, path, raw, tok, hdr)
		if err != nil {
			return &errs.ExternalServiceError{Op: op, Err: err}
		}
		if status == http.StatusUnauthorized && i == 0 {
			c.invalidate(tok)
			continue
		}
		if status < 200 || status > 299 {
			return &errs.ExternalServiceError{Op: op, StatusCode: status, Err: errors.New(http.StatusText(status))}
		}
		if out != nil && len(body) > 0 {
			if err := json.Unmarshal(body, out); err != nil {
				return &errs.ExternalServiceError{Op: op, StatusCode: status, Err: fmt.Errorf("decode: %w", err)}
			}
		}
		return nil
	}
}

func (c *Client) send(ctx context.Context, path string, raw []byte, token string, hdr http.Header) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.String()+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, err
	}
	c.log.Debug("gateway call", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.Duration("took", time.Since(start)))
	return resp.StatusCode, body, nil
}
