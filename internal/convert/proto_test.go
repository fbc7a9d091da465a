package convert

import (
	"errors"
	"testing"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/consent-keeper/internal/errs"
	model "github.com/and161185/consent-keeper/internal/model"
)

func mustUUID(t *testing.T, s string) u.UUID {
	t.Helper()
	id, err := u.FromString(s)
	if err != nil {
		t.Fatalf("bad uuid %q: %v", s, err)
	}
	return id
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	return s
}

func TestIntentFromStruct_OK(t *testing.T) {
	t.Parallel()

	s := mustStruct(t, map[string]any{
		"clinicianId":  "doc-1",
		"patientId":    "pat-1",
		"patientHieId": "pat-1@hie",
		"purpose":      map[string]any{"code": "CAREMGT", "text": "Care Management"},
		"hiTypes":      []any{"DiagnosticReport"},
		"dateRange":    map[string]any{"from": "2024-01-01", "to": "2024-12-31"},
		"expiresAt":    "2025-01-01T00:00:00Z",
	})
	in, err := IntentFromStruct(s)
	if err != nil {
		t.Fatalf("IntentFromStruct: %v", err)
	}
	if in.Purpose.Code != "CAREMGT" || in.Purpose.Text != "Care Management" {
		t.Fatalf("purpose mismatch: %+v", in.Purpose)
	}
	if len(in.HITypes) != 1 || in.HITypes[0] != "DiagnosticReport" {
		t.Fatalf("hiTypes mismatch: %v", in.HITypes)
	}
	if !in.DateRange.From.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) ||
		!in.DateRange.To.Equal(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("dateRange mismatch: %+v", in.DateRange)
	}
	if !in.ExpiresAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("expiry mismatch: %v", in.ExpiresAt)
	}
	if in.PatientHIEID != "pat-1@hie" {
		t.Fatalf("patientHieId mismatch: %q", in.PatientHIEID)
	}
}

func TestIntentFromStruct_TypeErrors(t *testing.T) {
	t.Parallel()

	cases := map[string]map[string]any{
		"purpose not object": {"purpose": "CAREMGT"},
		"hiTypes not list":   {"hiTypes": "DiagnosticReport"},
		"hiTypes entry":      {"hiTypes": []any{1.0}},
		"bad date":           {"dateRange": map[string]any{"from": "01/01/2024"}},
		"patient number":     {"patientId": 42.0},
	}
	for name, m := range cases {
		if _, err := IntentFromStruct(mustStruct(t, m)); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("%s: want ErrValidation, got %v", name, err)
		}
	}
	if _, err := IntentFromStruct(nil); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("nil: want ErrValidation, got %v", err)
	}
}

func TestIntentRoundTrip(t *testing.T) {
	t.Parallel()

	in := model.ConsentIntent{
		ClinicianID:  "doc-1",
		PatientID:    "pat-1",
		PatientHIEID: "pat-1@hie",
		Purpose:      model.Purpose{Code: "CAREMGT", Text: "Care Management"},
		HITypes:      []string{"DiagnosticReport", "Prescription"},
		DateRange: model.DateRange{
			From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			To:   time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		ExpiresAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	s, err := IntentToStruct(in)
	if err != nil {
		t.Fatalf("IntentToStruct: %v", err)
	}
	got, err := IntentFromStruct(s)
	if err != nil {
		t.Fatalf("IntentFromStruct: %v", err)
	}
	if got.PatientID != in.PatientID || len(got.HITypes) != 2 || !got.ExpiresAt.Equal(in.ExpiresAt) ||
		!got.DateRange.To.Equal(in.DateRange.To) {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
}

func TestRequestToFromStruct(t *testing.T) {
	t.Parallel()

	id := mustUUID(t, "6f1cbe8e-b2e7-4a3b-9f6e-2a2c0f2f9c11")
	artID := mustUUID(t, "0d8f0a54-3c1a-4b4e-8a53-2b9f1a7e5c22")
	ext := "hie-req-1"
	reason := "Patient request"
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	r := &model.ConsentRequest{
		ID:                id,
		ExternalRequestID: &ext,
		ClinicianID:       "doc-1",
		PatientID:         "pat-1",
		PatientHIEID:      "pat-1@hie",
		Purpose:           model.Purpose{Code: "CAREMGT", Text: "Care Management"},
		HITypes:           []string{"DiagnosticReport"},
		DateRange:         model.DateRange{From: now.AddDate(0, -5, 0), To: now.AddDate(0, 6, 0)},
		ExpiresAt:         now.AddDate(1, 0, 0),
		Status:            model.StatusRevoked,
		Ver:               4,
		CreatedAt:         now,
		UpdatedAt:         now.Add(time.Hour),
		Artifacts: []model.ConsentArtifact{{
			ID:                 artID,
			RequestID:          id,
			ExternalArtifactID: "artifact-123",
			Status:             model.ArtifactRevoked,
			DataEraseAt:        now.AddDate(0, 7, 0),
			RevocationReason:   &reason,
			CreatedAt:          now,
			UpdatedAt:          now.Add(time.Hour),
		}},
	}

	s, err := RequestToStruct(r)
	if err != nil {
		t.Fatalf("RequestToStruct: %v", err)
	}
	if s.Fields["status"].GetStringValue() != "REVOKED" || s.Fields["ver"].GetNumberValue() != 4 {
		t.Fatalf("encoded fields mismatch: %v", s)
	}

	got, err := RequestFromStruct(s)
	if err != nil {
		t.Fatalf("RequestFromStruct: %v", err)
	}
	if got.ID != id || got.ExternalRequestID == nil || *got.ExternalRequestID != ext {
		t.Fatalf("ids mismatch: %+v", got)
	}
	if got.Status != model.StatusRevoked || got.Ver != 4 || !got.UpdatedAt.Equal(r.UpdatedAt) {
		t.Fatalf("state mismatch: %+v", got)
	}
	if len(got.Artifacts) != 1 {
		t.Fatalf("artifacts: %d", len(got.Artifacts))
	}
	a := got.Artifacts[0]
	if a.ID != artID || a.RequestID != id || a.RevocationReason == nil || *a.RevocationReason != reason ||
		!a.DataEraseAt.Equal(r.Artifacts[0].DataEraseAt) {
		t.Fatalf("artifact mismatch: %+v", a)
	}
}

func TestRequestsToStruct_EmptyAndPending(t *testing.T) {
	t.Parallel()

	s, err := RequestsToStruct(nil)
	if err != nil {
		t.Fatalf("RequestsToStruct: %v", err)
	}
	got, err := RequestsFromStruct(s)
	if err != nil || len(got) != 0 {
		t.Fatalf("want empty list, got %v %v", got, err)
	}

	pending := model.ConsentRequest{ID: u.Must(u.NewV4()), Status: model.StatusRequested, Ver: 1}
	s, err = RequestsToStruct([]model.ConsentRequest{pending})
	if err != nil {
		t.Fatalf("RequestsToStruct: %v", err)
	}
	got, err = RequestsFromStruct(s)
	if err != nil || len(got) != 1 {
		t.Fatalf("decode: %v %v", got, err)
	}
	if got[0].ExternalRequestID != nil || len(got[0].Artifacts) != 0 {
		t.Fatalf("pending request must have no external id or artifacts: %+v", got[0])
	}
}

func TestIDFromStruct(t *testing.T) {
	t.Parallel()

	id := u.Must(u.NewV4())
	got, err := IDFromStruct(mustStruct(t, map[string]any{"id": id.String()}), "id")
	if err != nil || got != id {
		t.Fatalf("IDFromStruct: %v %v", got, err)
	}
	for _, m := range []map[string]any{{}, {"id": "nope"}, {"id": true}} {
		if _, err := IDFromStruct(mustStruct(t, m), "id"); !errors.Is(err, errs.ErrValidation) {
			t.Fatalf("%v: want ErrValidation, got %v", m, err)
		}
	}
}

func TestAuditTrailToStruct(t *testing.T) {
	t.Parallel()

	subject := u.Must(u.NewV4())
	tr := model.AuditTrail{
		SubjectID: subject,
		Intact:    false,
		Problem:   "entry seq=2: hash mismatch",
		Entries: []model.AuditEntry{{
			ID:        u.Must(u.NewV4()),
			Action:    model.ActionRevoked,
			Actor:     model.Actor{ID: "doc-1", Type: model.ActorClinician},
			SubjectID: subject,
			Origin:    model.Origin{IP: "10.0.0.1", UserAgent: "ui"},
			Detail:    map[string]any{"reason": "Patient request", "artifacts": []string{"a1"}},
			Seq:       2,
			PrevHash:  []byte{0xab},
			Hash:      []byte{0xcd},
			CreatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		}},
	}
	s, err := AuditTrailToStruct(tr)
	if err != nil {
		t.Fatalf("AuditTrailToStruct: %v", err)
	}
	if s.Fields["intact"].GetBoolValue() || s.Fields["problem"].GetStringValue() == "" {
		t.Fatalf("verification result not encoded: %v", s)
	}
	entries := s.Fields["entries"].GetListValue().GetValues()
	if len(entries) != 1 {
		t.Fatalf("entries: %d", len(entries))
	}
	e := entries[0].GetStructValue().GetFields()
	if e["action"].GetStringValue() != "CONSENT_REVOKED" || e["hash"].GetStringValue() != "cd" || e["seq"].GetNumberValue() != 2 {
		t.Fatalf("entry mismatch: %v", e)
	}
	arts := e["detail"].GetStructValue().GetFields()["artifacts"].GetListValue().GetValues()
	if len(arts) != 1 || arts[0].GetStringValue() != "a1" {
		t.Fatalf("detail not normalized: %v", e["detail"])
	}
}
