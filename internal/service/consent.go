// Package service contains the consent lifecycle state machine and its scheduled sweep.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/consent-keeper/internal/crypto"
	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/gateway"
	"github.com/and161185/consent-keeper/internal/model"
	"github.com/and161185/consent-keeper/internal/repository"
)

// GatewayActorID identifies the HIE gateway in audit entries.
const GatewayActorID = "hie-gateway"

const (
	msgNotFound       = "Consent request not found"
	msgGranted        = "Consent granted"
	msgDenied         = "Consent denied"
	msgAlreadyHandled = "Callback already processed"
	msgDuplicateArt   = "Consent artefact already registered"
	msgExpired        = "Consent request expired"
)

// Gateway is the outbound side used by the state machine.
type Gateway interface {
	InitConsentRequest(ctx context.Context, p model.InitPayload, opts gateway.InitOptions) (string, error)
	NotifyRevocation(ctx context.Context, r model.Revocation) error
}

// AuditLogger appends entries outside of a transition. It must not fail the caller.
type AuditLogger interface {
	LogAction(ctx context.Context, e model.AuditEntry)
}

// ConsentService drives ConsentRequest through its lifecycle.
type ConsentService interface {
	// RequestConsent validates and persists a new request, then issues the gateway init call.
	// When the init call fails the persisted request is returned together with an
	// error wrapping errs.ErrExternalService; it can be retried with RetryInit.
	RequestConsent(ctx context.Context, in model.ConsentIntent, actor model.Actor, origin model.Origin) (*model.ConsentRequest, error)
	// RetryInit re-issues the init call for a REQUESTED request that has no external id yet.
	RetryInit(ctx context.Context, id uuid.UUID, actor model.Actor, origin model.Origin) (*model.ConsentRequest, error)
	// GetConsentStatus returns a request with its artifacts.
	GetConsentStatus(ctx context.Context, id uuid.UUID) (*model.ConsentRequest, error)
	// ListActiveConsents returns GRANTED requests with at least one ACTIVE artifact, newest first.
	ListActiveConsents(ctx context.Context, patientID string) ([]model.ConsentRequest, error)
	// RevokeConsent revokes a GRANTED request and all its artifacts atomically.
	RevokeConsent(ctx context.Context, id uuid.UUID, reason string, actor model.Actor, origin model.Origin) (*model.ConsentRequest, error)
	// HandleConsentCallback applies a gateway decision idempotently.
	HandleConsentCallback(ctx context.Context, ev model.CallbackEvent, origin model.Origin) (model.CallbackResult, error)
	// AuditTrail returns the request's audit entries and verifies their hash chain.
	AuditTrail(ctx context.Context, id uuid.UUID) (model.AuditTrail, error)
}

// ConsentOption configures ConsentServiceImpl.
type ConsentOption func(*ConsentServiceImpl)

// WithClock injects the time source used for validation.
func WithClock(now func() time.Time) ConsentOption {
	return func(s *ConsentServiceImpl) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ConsentOption {
	return func(s *ConsentServiceImpl) { s.log = l }
}

// WithIdempotentInit sends the request id as the init call's idempotency key,
// which lets the gateway client retry the call.
func WithIdempotentInit(on bool) ConsentOption {
	return func(s *ConsentServiceImpl) { s.idempotentInit = on }
}

// WithConflictRetry bounds re-reads after a version conflict.
func WithConflictRetry(attempts uint64, base time.Duration) ConsentOption {
	return func(s *ConsentServiceImpl) { s.casAttempts, s.casBase = attempts, base }
}

type ConsentServiceImpl struct {
	repo  repository.ConsentRepository
	trail repository.AuditStore
	gw    Gateway
	audit AuditLogger
	log   *zap.Logger
	now   func() time.Time

	idempotentInit bool
	casAttempts    uint64
	casBase        time.Duration
}

// NewConsentService constructs ConsentService with required dependencies.
func NewConsentService(
	repo repository.ConsentRepository,
	trail repository.AuditStore,
	gw Gateway,
	audit AuditLogger,
	opts ...ConsentOption,
) *ConsentServiceImpl {
	s := &ConsentServiceImpl{
		repo:        repo,
		trail:       trail,
		gw:          gw,
		audit:       audit,
		log:         zap.NewNop(),
		now:         time.Now,
		casAttempts: 3,
		casBase:     20 * time.Millisecond,
	}
	for _, o := range opts {
		o(s)
	}
	if s.casAttempts == 0 {
		s.casAttempts = 1
	}
	return s
}

// RequestConsent persists a REQUESTED request and its CONSENT_REQUESTED entry in one
// transaction, then calls the gateway with no database lock held.
func (s *ConsentServiceImpl) RequestConsent(
	ctx context.Context, in model.ConsentIntent, actor model.Actor, origin model.Origin,
) (*model.ConsentRequest, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if err := validateIntent(in, s.now()); err != nil {
		return nil, err
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	req := &model.ConsentRequest{
		ID:           id,
		ClinicianID:  in.ClinicianID,
		PatientID:    in.PatientID,
		PatientHIEID: in.PatientHIEID,
		Purpose:      in.Purpose,
		HITypes:      append([]string(nil), in.HITypes...),
		DateRange:    in.DateRange,
		ExpiresAt:    in.ExpiresAt.UTC(),
	}
	err = s.repo.Create(ctx, req, model.AuditEntry{
		Action: model.ActionRequested,
		Actor:  actor,
		Origin: origin,
		Detail: map[string]any{
			"purposeCode": in.Purpose.Code,
			"hiTypes":     req.HITypes,
			"expiresAt":   req.ExpiresAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create consent request: %w", err)
	}
	s.log.Info("consent requested", zap.String("id", req.ID.String()), zap.String("purpose", in.Purpose.Code))
	return s.initRemote(ctx, req, actor, origin)
}

// RetryInit re-issues the init call for a request the gateway never acknowledged.
func (s *ConsentServiceImpl) RetryInit(
	ctx context.Context, id uuid.UUID, actor model.Actor, origin model.Origin,
) (*model.ConsentRequest, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if id == uuid.Nil {
		return nil, errs.Invalid("id", "required")
	}
	req, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case req.Status != model.StatusRequested:
		return nil, fmt.Errorf("retry init: request is %s: %w", req.Status, errs.ErrConflict)
	case req.ExternalRequestID != nil:
		return nil, fmt.Errorf("retry init: already acknowledged by gateway: %w", errs.ErrConflict)
	case !req.ExpiresAt.After(s.now()):
		return nil, fmt.Errorf("retry init: request expired: %w", errs.ErrConflict)
	}
	return s.initRemote(ctx, req, actor, origin)
}

func (s *ConsentServiceImpl) initRemote(
	ctx context.Context, req *model.ConsentRequest, actor model.Actor, origin model.Origin,
) (*model.ConsentRequest, error) {
	var opts gateway.InitOptions
	if s.idempotentInit {
		opts.IdempotencyKey = req.ID.String()
	}
	extID, err := s.gw.InitConsentRequest(ctx, model.InitPayload{
		Purpose:      req.Purpose,
		PatientHIEID: req.PatientHIEID,
		HITypes:      req.HITypes,
		DateRange:    req.DateRange,
		DataEraseAt:  req.ExpiresAt,
	}, opts)
	if err != nil {
		s.log.Warn("consent init call failed", zap.String("id", req.ID.String()), zap.Error(err))
		s.audit.LogAction(ctx, model.AuditEntry{
			Action:    model.ActionInitFailed,
			Actor:     actor,
			SubjectID: req.ID,
			Origin:    origin,
			Detail:    map[string]any{"error": err.Error()},
		})
		if !errors.Is(err, errs.ErrExternalService) {
			err = &errs.ExternalServiceError{Op: "init", Err: err}
		}
		return req, fmt.Errorf("consent request %s kept in REQUESTED: %w", req.ID, err)
	}

	newVer, err := s.repo.AttachExternalID(ctx, req.ID, req.Ver, extID, model.AuditEntry{
		Action: model.ActionInitAcknowledged,
		Actor:  actor,
		Origin: origin,
		Detail: map[string]any{"externalRequestId": extID},
	})
	if err != nil {
		if errors.Is(err, errs.ErrVersionConflict) {
			err = fmt.Errorf("%w: %w", errs.ErrConflict, err)
		}
		return req, fmt.Errorf("attach external id: %w", err)
	}
	req.ExternalRequestID = &extID
	req.Ver = newVer
	return req, nil
}

// GetConsentStatus is a pure read.
func (s *ConsentServiceImpl) GetConsentStatus(ctx context.Context, id uuid.UUID) (*model.ConsentRequest, error) {
	if id == uuid.Nil {
		return nil, errs.Invalid("id", "required")
	}
	return s.repo.Get(ctx, id)
}

// ListActiveConsents returns requests currently authorizing data access.
func (s *ConsentServiceImpl) ListActiveConsents(ctx context.Context, patientID string) ([]model.ConsentRequest, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, errs.Invalid("patientId", "required")
	}
	reqs, err := s.repo.ListActiveByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if reqs == nil {
		reqs = []model.ConsentRequest{}
	}
	return reqs, nil
}

// RevokeConsent is a one-way transition from GRANTED. The parent and every ACTIVE
// artifact are revoked in one transaction; the gateway is notified afterwards
// and its failures are logged only, since local state is authoritative.
func (s *ConsentServiceImpl) RevokeConsent(
	ctx context.Context, id uuid.UUID, reason string, actor model.Actor, origin model.Origin,
) (*model.ConsentRequest, error) {
	if err := validateActor(actor); err != nil {
		return nil, err
	}
	if id == uuid.Nil {
		return nil, errs.Invalid("id", "required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, errs.Invalid("reason", "required")
	}

	var (
		out     *model.ConsentRequest
		revoked []model.ConsentArtifact
	)
	err := s.withConflictRetry(ctx, "revoke", func(ctx context.Context) error {
		req, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !req.Status.Revocable() {
			return fmt.Errorf("revoke: request is %s: %w", req.Status, errs.ErrConflict)
		}
		revoked = revoked[:0]
		ids := make([]string, 0, len(req.Artifacts))
		for _, a := range req.Artifacts {
			if a.Status == model.ArtifactActive {
				revoked = append(revoked, a)
				ids = append(ids, a.ExternalArtifactID)
			}
		}
		out, err = s.repo.Transition(ctx, model.Transition{
			RequestID:    req.ID,
			BaseVer:      req.Ver,
			From:         model.StatusGranted,
			To:           model.StatusRevoked,
			RevokeReason: &reason,
			Audit: model.AuditEntry{
				Action: model.ActionRevoked,
				Actor:  actor,
				Origin: origin,
				Detail: map[string]any{"reason": reason, "artifacts": ids},
			},
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("consent revoked", zap.String("id", id.String()), zap.Int("artifacts", len(revoked)))

	if out.ExternalRequestID != nil {
		for _, a := range revoked {
			nerr := s.gw.NotifyRevocation(ctx, model.Revocation{
				ConsentRequestID: *out.ExternalRequestID,
				ArtifactID:       a.ExternalArtifactID,
				Reason:           reason,
			})
			if nerr != nil {
				s.log.Warn("revocation notice not delivered",
					zap.String("id", id.String()),
					zap.String("artifact", a.ExternalArtifactID),
					zap.Error(nerr))
			}
		}
	}
	return out, nil
}

// HandleConsentCallback never fails for unknown or already-processed requests;
// those are expected noise from redelivery and yield a soft result.
func (s *ConsentServiceImpl) HandleConsentCallback(
	ctx context.Context, ev model.CallbackEvent, origin model.Origin,
) (model.CallbackResult, error) {
	if err := validateEvent(ev); err != nil {
		return model.CallbackResult{}, err
	}
	actor := model.SystemActor(GatewayActorID)

	var res model.CallbackResult
	err := s.withConflictRetry(ctx, "callback", func(ctx context.Context) error {
		req, err := s.repo.GetByExternalID(ctx, ev.ExternalID())
		if errors.Is(err, errs.ErrNotFound) {
			res = model.CallbackResult{Success: false, Message: msgNotFound}
			return nil
		}
		if err != nil {
			return err
		}

		if req.Status != model.StatusRequested {
			s.ignore(ctx, req, ev, origin, "request is "+string(req.Status))
			res = model.CallbackResult{Success: true, Message: msgAlreadyHandled}
			return nil
		}

		if !req.ExpiresAt.After(s.now()) {
			// a decision that lands after expiry closes the request instead
			_, err = s.repo.Transition(ctx, model.Transition{
				RequestID: req.ID, BaseVer: req.Ver,
				From: model.StatusRequested, To: model.StatusExpired,
				Audit: model.AuditEntry{Action: model.ActionExpired, Actor: actor, Origin: origin,
					Detail: map[string]any{
						"from":        string(model.StatusRequested),
						"reason":      "decision arrived after expiry",
						"eventStatus": string(ev.EventStatus()),
						"expiresAt":   req.ExpiresAt.UTC().Format(time.RFC3339),
					}},
			})
			if err != nil {
				return err
			}
			s.log.Info("late consent callback expired the request", zap.String("id", req.ID.String()))
			res = model.CallbackResult{Success: false, Message: msgExpired}
			return nil
		}

		t := model.Transition{RequestID: req.ID, BaseVer: req.Ver, From: model.StatusRequested}
		switch e := ev.(type) {
		case model.GrantedEvent:
			ids := make([]string, len(e.Artifacts))
			for i, a := range e.Artifacts {
				ids[i] = a.ExternalArtifactID
				t.NewArtifacts = append(t.NewArtifacts, model.ConsentArtifact{
					ExternalArtifactID: a.ExternalArtifactID,
					DataEraseAt:        a.DataEraseAt.UTC(),
				})
			}
			t.To = model.StatusGranted
			t.Audit = model.AuditEntry{Action: model.ActionGranted, Actor: actor, Origin: origin,
				Detail: map[string]any{"artifacts": ids}}
			res = model.CallbackResult{Success: true, Message: msgGranted}
		case model.DeniedEvent:
			t.To = model.StatusDenied
			t.Audit = model.AuditEntry{Action: model.ActionDenied, Actor: actor, Origin: origin}
			res = model.CallbackResult{Success: true, Message: msgDenied}
		}

		_, err = s.repo.Transition(ctx, t)
		if errors.Is(err, errs.ErrAlreadyExists) {
			s.ignore(ctx, req, ev, origin, "artefact id already registered")
			res = model.CallbackResult{Success: false, Message: msgDuplicateArt}
			return nil
		}
		if errors.Is(err, errs.ErrConflict) {
			// store clock saw the expiry before ours did
			s.ignore(ctx, req, ev, origin, "request expired")
			res = model.CallbackResult{Success: false, Message: msgExpired}
			return nil
		}
		if err == nil {
			s.log.Info("consent callback applied", zap.String("id", req.ID.String()), zap.String("status", string(t.To)))
		}
		return err
	})
	if err != nil {
		return model.CallbackResult{}, err
	}
	return res, nil
}

func (s *ConsentServiceImpl) ignore(ctx context.Context, req *model.ConsentRequest, ev model.CallbackEvent, origin model.Origin, why string) {
	s.log.Info("consent callback ignored", zap.String("id", req.ID.String()), zap.String("reason", why))
	s.audit.LogAction(ctx, model.AuditEntry{
		Action:    model.ActionCallbackIgnored,
		Actor:     model.SystemActor(GatewayActorID),
		SubjectID: req.ID,
		Origin:    origin,
		Detail: map[string]any{
			"eventStatus":   string(ev.EventStatus()),
			"currentStatus": string(req.Status),
			"reason":        why,
		},
	})
}

// AuditTrail loads the entries and reports whether the chain is intact.
func (s *ConsentServiceImpl) AuditTrail(ctx context.Context, id uuid.UUID) (model.AuditTrail, error) {
	if id == uuid.Nil {
		return model.AuditTrail{}, errs.Invalid("id", "required")
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return model.AuditTrail{}, err
	}
	entries, err := s.trail.ListBySubject(ctx, id)
	if err != nil {
		return model.AuditTrail{}, err
	}
	tr := model.AuditTrail{SubjectID: id, Entries: entries, Intact: true}
	if verr := crypto.VerifyChain(entries); verr != nil {
		tr.Intact, tr.Problem = false, verr.Error()
		s.log.Error("audit chain verification failed", zap.String("id", id.String()), zap.Error(verr))
	}
	return tr, nil
}

// withConflictRetry re-runs fn from its read step on a version conflict. When
// attempts are exhausted the error wraps both ErrConflict and ErrVersionConflict.
func (s *ConsentServiceImpl) withConflictRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	b := retry.WithMaxRetries(s.casAttempts-1, retry.NewExponential(s.casBase))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, errs.ErrVersionConflict) {
			s.log.Debug("version conflict, re-reading", zap.String("op", op))
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, errs.ErrVersionConflict) {
		return fmt.Errorf("%s: %w: %w", op, errs.ErrConflict, err)
	}
	return err
}
