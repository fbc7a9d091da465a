// Package audit records compliance entries that are not part of a state transition.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/consent-keeper/internal/alert"
	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/model"
	"github.com/and161185/consent-keeper/internal/repository"
)

const (
	defaultAttempts = 3
	defaultBackoff  = 50 * time.Millisecond
)

// Recorder appends audit entries. It never fails the caller: a write that
// cannot be completed is logged and escalated as an operational alert.
type Recorder struct {
	store    repository.AuditStore
	alerts   alert.Alerter
	log      *zap.Logger
	attempts uint64
	backoff  time.Duration
}

// NewRecorder constructs a Recorder.
func NewRecorder(store repository.AuditStore, alerts alert.Alerter, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: store, alerts: alerts, log: log, attempts: defaultAttempts, backoff: defaultBackoff}
}

// LogAction appends e, retrying transient store failures.
func (r *Recorder) LogAction(ctx context.Context, e model.AuditEntry) {
	// the entry must land even if the caller has already gone away
	ctx = context.WithoutCancel(ctx)

	b := retry.WithMaxRetries(r.attempts-1, retry.NewExponential(r.backoff))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := r.store.Append(ctx, e)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return
	}

	r.log.Error("audit write failed",
		zap.String("action", string(e.Action)),
		zap.String("subject", e.SubjectID.String()),
		zap.Error(err))
	if r.alerts == nil {
		return
	}
	if aerr := r.alerts.Alert(ctx, alert.Event{
		Kind:      alert.KindAuditWriteFailed,
		SubjectID: e.SubjectID.String(),
		Action:    string(e.Action),
		Message:   err.Error(),
	}); aerr != nil {
		r.log.Error("audit loss could not be escalated", zap.String("subject", e.SubjectID.String()), zap.Error(aerr))
	}
}
