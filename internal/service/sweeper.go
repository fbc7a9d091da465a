package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/consent-keeper/internal/alert"
	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/model"
	"github.com/and161185/consent-keeper/internal/repository"
)

// SweeperActorID identifies the expiry sweep in audit entries.
const SweeperActorID = "expiry-sweeper"

// SweepStats summarizes one pass.
type SweepStats struct {
	RequestsExpired  int // REQUESTED -> EXPIRED
	ArtifactsExpired int
	ParentsExpired   int // GRANTED -> EXPIRED after the last artifact lapsed
	Skipped          int // lost a race to another writer
}

func (s SweepStats) empty() bool { return s == SweepStats{} }

// ExpirySweeper makes EXPIRED reachable: pending requests past their expiry and
// artifacts past their data-erase time are transitioned by time.
type ExpirySweeper struct {
	repo     repository.ConsentRepository
	alerts   alert.Alerter
	log      *zap.Logger
	now      func() time.Time
	interval time.Duration
	batch    int
	actor    model.Actor
}

// NewExpirySweeper constructs a sweeper. alerts may be nil.
func NewExpirySweeper(repo repository.ConsentRepository, alerts alert.Alerter, log *zap.Logger, interval time.Duration, batch int) *ExpirySweeper {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &ExpirySweeper{
		repo:     repo,
		alerts:   alerts,
		log:      log,
		now:      time.Now,
		interval: interval,
		batch:    batch,
		actor:    model.SystemActor(SweeperActorID),
	}
}

// SweepOnce runs one pass at now. Conflicts are skipped because another writer
// already moved the request; other failures are collected and the pass continues.
func (s *ExpirySweeper) SweepOnce(ctx context.Context, now time.Time) (SweepStats, error) {
	var (
		st   SweepStats
		errl []error
	)

	pending, err := s.repo.ListPendingExpired(ctx, now, s.batch)
	if err != nil {
		errl = append(errl, fmt.Errorf("list pending: %w", err))
	}
	for _, r := range pending {
		_, err := s.repo.Transition(ctx, model.Transition{
			RequestID: r.ID,
			BaseVer:   r.Ver,
			From:      model.StatusRequested,
			To:        model.StatusExpired,
			Audit: model.AuditEntry{
				Action: model.ActionExpired,
				Actor:  s.actor,
				Detail: map[string]any{
					"from":      string(model.StatusRequested),
					"reason":    "no decision before expiry",
					"expiresAt": r.ExpiresAt.UTC().Format(time.RFC3339),
				},
			},
		})
		switch {
		case err == nil:
			st.RequestsExpired++
		case errors.Is(err, errs.ErrVersionConflict):
			st.Skipped++
		default:
			errl = append(errl, fmt.Errorf("expire request %s: %w", r.ID, err))
		}
	}

	due, err := s.repo.ListWithDueArtifacts(ctx, now, s.batch)
	if err != nil {
		errl = append(errl, fmt.Errorf("list due artifacts: %w", err))
	}
	for _, r := range due {
		res, err := s.repo.ExpireArtifacts(ctx, model.ArtifactExpiry{
			RequestID: r.ID,
			BaseVer:   r.Ver,
			Now:       now,
			Actor:     s.actor,
		})
		switch {
		case err == nil:
			st.ArtifactsExpired += res.Expired
			if res.RequestStatus == model.StatusExpired {
				st.ParentsExpired++
			}
		case errors.Is(err, errs.ErrVersionConflict):
			st.Skipped++
		default:
			errl = append(errl, fmt.Errorf("expire artifacts of %s: %w", r.ID, err))
		}
	}
	return st, errors.Join(errl...)
}

// Run sweeps immediately and then every interval until ctx is done.
func (s *ExpirySweeper) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.log.Info("expiry sweeper started", zap.Duration("interval", s.interval), zap.Int("batch", s.batch))
	for {
		s.pass(ctx)
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return nil
		case <-t.C:
		}
	}
}

func (s *ExpirySweeper) pass(ctx context.Context) {
	st, err := s.SweepOnce(ctx, s.now().UTC())
	if !st.empty() {
		s.log.Info("expiry sweep",
			zap.Int("requests_expired", st.RequestsExpired),
			zap.Int("artifacts_expired", st.ArtifactsExpired),
			zap.Int("parents_expired", st.ParentsExpired),
			zap.Int("skipped", st.Skipped))
	}
	if err == nil || ctx.Err() != nil {
		return
	}
	s.log.Error("expiry sweep failed", zap.Error(err))
	if s.alerts != nil {
		if aerr := s.alerts.Alert(ctx, alert.Event{Kind: alert.KindSweepFailed, Message: err.Error()}); aerr != nil {
			s.log.Error("sweep failure could not be escalated", zap.Error(aerr))
		}
	}
}
