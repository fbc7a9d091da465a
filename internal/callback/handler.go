// Package callback is the HTTP ingress for asynchronous gateway notifications.
package callback

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/limiter"
	"github.com/and161185/consent-keeper/internal/model"
)

const (
	// Path is where the gateway delivers consent notifications.
	Path = "/hie/consent/callback"
	// SignatureHeader carries "sha256=<hex HMAC of the raw body>".
	SignatureHeader = "X-HIE-Signature"

	maxBody = 1 << 20
)

// Applier applies a decoded event to the consent state machine.
type Applier interface {
	HandleConsentCallback(ctx context.Context, ev model.CallbackEvent, origin model.Origin) (model.CallbackResult, error)
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Handler authenticates, decodes and forwards gateway callbacks.
type Handler struct {
	svc    Applier
	secret string
	lim    limiter.Limiter
	log    *zap.Logger
}

// NewHandler constructs a Handler. lim may be nil to disable lockouts.
func NewHandler(svc Applier, secret string, lim limiter.Limiter, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, secret: secret, lim: lim, log: log}
}

// Register mounts the callback route.
func (h *Handler) Register(e *echo.Echo) {
	e.POST(Path, h.Handle)
}

// Handle answers 200 for applied, replayed and unknown-id notifications, 404 for
// payloads that cannot be decoded, 401/429 for authentication problems and 500
// when the event could not be applied, so the gateway redelivers.
func (h *Handler) Handle(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()
	ip := c.RealIP()
	src := limiter.HashIP(ip)

	if h.lim != nil {
		ok, wait, err := h.lim.Allow(ctx, src)
		if err != nil {
			h.log.Warn("callback limiter unavailable", zap.Error(err))
		} else if !ok {
			c.Response().Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			return c.JSON(http.StatusTooManyRequests, response{Message: "too many failed attempts"})
		}
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBody+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, response{Message: "unreadable body"})
	}
	if len(body) > maxBody {
		return c.JSON(http.StatusRequestEntityTooLarge, response{Message: "body too large"})
	}

	if !VerifySignature(body, h.secret, req.Header.Get(SignatureHeader)) {
		h.onAuthFailure(ctx, src)
		return c.JSON(http.StatusUnauthorized, response{Message: "invalid signature"})
	}
	if h.lim != nil {
		if err := h.lim.Success(ctx, src); err != nil {
			h.log.Warn("callback limiter reset failed", zap.Error(err))
		}
	}

	ev, err := Decode(body)
	if err != nil {
		h.log.Info("callback rejected", zap.Error(err))
		return c.JSON(http.StatusNotFound, response{Message: err.Error()})
	}

	res, err := h.svc.HandleConsentCallback(ctx, ev, model.Origin{IP: ip, UserAgent: req.UserAgent()})
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, response{Success: res.Success, Message: res.Message})
	case errors.Is(err, errs.ErrValidation):
		return c.JSON(http.StatusNotFound, response{Message: err.Error()})
	default:
		h.log.Error("callback processing failed",
			zap.String("external_id", ev.ExternalID()),
			zap.String("status", string(ev.EventStatus())),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, response{Message: "internal error"})
	}
}

func (h *Handler) onAuthFailure(ctx context.Context, src []byte) {
	if h.lim == nil {
		h.log.Warn("callback signature mismatch")
		return
	}
	blocked, wait, err := h.lim.Failure(ctx, src)
	switch {
	case err != nil:
		h.log.Warn("callback limiter update failed", zap.Error(err))
	case blocked:
		h.log.Warn("callback source locked out", zap.Duration("for", wait))
	default:
		h.log.Warn("callback signature mismatch")
	}
}
