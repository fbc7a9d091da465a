package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/model"
)

// validateIntent rejects malformed or contradictory intents before anything is written.
func validateIntent(in model.ConsentIntent, now time.Time) error {
	switch {
	case blank(in.ClinicianID):
		return errs.Invalid("clinicianId", "required")
	case blank(in.PatientID):
		return errs.Invalid("patientId", "required")
	case blank(in.PatientHIEID):
		return errs.Invalid("patientHieId", "required")
	case blank(in.Purpose.Code):
		return errs.Invalid("purpose.code", "required")
	case blank(in.Purpose.Text):
		return errs.Invalid("purpose.text", "required")
	case len(in.HITypes) == 0:
		return errs.Invalid("hiTypes", "at least one category required")
	}
	for i, t := range in.HITypes {
		if blank(t) {
			return errs.Invalid(fmt.Sprintf("hiTypes[%d]", i), "empty category")
		}
	}
	switch {
	case in.DateRange.From.IsZero() || in.DateRange.To.IsZero():
		return errs.Invalid("dateRange", "from and to required")
	case !in.DateRange.From.Before(in.DateRange.To):
		return errs.Invalid("dateRange", "from must precede to")
	case !in.ExpiresAt.After(now):
		return errs.Invalid("expiry", "must be in the future")
	}
	return nil
}

func validateActor(a model.Actor) error {
	if blank(a.ID) || !a.Type.Valid() {
		return errs.Invalid("actor", "id and known type required")
	}
	return nil
}

// validateEvent guards the state machine against events built outside the ingress.
func validateEvent(ev model.CallbackEvent) error {
	if ev == nil {
		return errs.Invalid("event", "required")
	}
	if blank(ev.ExternalID()) {
		return errs.Invalid("consentRequestId", "required")
	}
	switch e := ev.(type) {
	case model.DeniedEvent:
		return nil
	case model.GrantedEvent:
		if len(e.Artifacts) == 0 {
			return errs.Invalid("consentArtefact", "GRANTED requires at least one artefact")
		}
		seen := make(map[string]struct{}, len(e.Artifacts))
		for i, a := range e.Artifacts {
			if blank(a.ExternalArtifactID) {
				return errs.Invalid(fmt.Sprintf("consentArtefact[%d].id", i), "required")
			}
			if a.DataEraseAt.IsZero() {
				return errs.Invalid(fmt.Sprintf("consentArtefact[%d].permission.dataEraseAt", i), "required")
			}
			if _, dup := seen[a.ExternalArtifactID]; dup {
				return errs.Invalid(fmt.Sprintf("consentArtefact[%d].id", i), "duplicate")
			}
			seen[a.ExternalArtifactID] = struct{}{}
		}
		return nil
	default:
		return errs.Invalid("status", fmt.Sprintf("unsupported event %T", ev))
	}
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }
