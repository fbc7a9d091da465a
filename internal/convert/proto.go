// Package convert maps domain types to and from google.protobuf.Struct documents
// exchanged over the ConsentManager gRPC service.
package convert

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/consent-keeper/internal/errs"
	model "github.com/and161185/consent-keeper/internal/model"
)

const dateOnly = "2006-01-02"

// --- helpers ---

func ts(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func strs(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// fields reads a decoded Struct; every accessor reports the offending key.
type fields map[string]any

func (f fields) str(key string) (string, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", errs.Invalid(key, "must be a string")
	}
	return s, nil
}

func (f fields) obj(key string) (fields, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return fields{}, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errs.Invalid(key, "must be an object")
	}
	return fields(m), nil
}

func (f fields) list(key string) ([]any, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, errs.Invalid(key, "must be a list")
	}
	return l, nil
}

func (f fields) strList(key string) ([]string, error) {
	l, err := f.list(key)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(l))
	for i, v := range l {
		s, ok := v.(string)
		if !ok {
			return nil, errs.Invalid(fmt.Sprintf("%s[%d]", key, i), "must be a string")
		}
		out = append(out, s)
	}
	return out, nil
}

// time accepts RFC 3339 timestamps and plain dates.
func (f fields) time(key string) (time.Time, error) {
	s, err := f.str(key)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(dateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, errs.Invalid(key, "must be an RFC 3339 timestamp or YYYY-MM-DD date")
}

func (f fields) int(key string) (int64, error) {
	v, ok := f[key]
	if !ok || v == nil {
		return 0, nil
	}
	n, ok := v.(float64)
	if !ok {
		return 0, errs.Invalid(key, "must be a number")
	}
	return int64(n), nil
}

func (f fields) uuid(key string) (u.UUID, error) {
	s, err := f.str(key)
	if err != nil {
		return u.Nil, err
	}
	if s == "" {
		return u.Nil, errs.Invalid(key, "required")
	}
	id, err := u.FromString(s)
	if err != nil {
		return u.Nil, errs.Invalid(key, "must be a UUID")
	}
	return id, nil
}

func asFields(s *structpb.Struct) fields {
	if s == nil {
		return fields{}
	}
	return fields(s.AsMap())
}

// --- scalar requests ---

// Struct builds a Struct from plain values.
func Struct(kv map[string]any) (*structpb.Struct, error) {
	return structpb.NewStruct(kv)
}

// IDFromStruct reads a required UUID field.
func IDFromStruct(s *structpb.Struct, key string) (u.UUID, error) {
	return asFields(s).uuid(key)
}

// StringFromStruct reads an optional string field.
func StringFromStruct(s *structpb.Struct, key string) (string, error) {
	return asFields(s).str(key)
}

// --- ConsentIntent (client -> server) ---

// IntentToStruct encodes a consent intent.
func IntentToStruct(in model.ConsentIntent) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"clinicianId":  in.ClinicianID,
		"patientId":    in.PatientID,
		"patientHieId": in.PatientHIEID,
		"purpose":      map[string]any{"code": in.Purpose.Code, "text": in.Purpose.Text},
		"hiTypes":      strs(in.HITypes),
		"dateRange":    map[string]any{"from": ts(in.DateRange.From), "to": ts(in.DateRange.To)},
		"expiresAt":    ts(in.ExpiresAt),
	})
}

// IntentFromStruct decodes a consent intent. Semantic checks are left to the service.
func IntentFromStruct(s *structpb.Struct) (model.ConsentIntent, error) {
	if s == nil {
		return model.ConsentIntent{}, errs.Invalid("intent", "required")
	}
	return intentFromFields(asFields(s))
}

func intentFromFields(f fields) (model.ConsentIntent, error) {
	var (
		in  model.ConsentIntent
		err error
	)
	if in.ClinicianID, err = f.str("clinicianId"); err != nil {
		return in, err
	}
	if in.PatientID, err = f.str("patientId"); err != nil {
		return in, err
	}
	if in.PatientHIEID, err = f.str("patientHieId"); err != nil {
		return in, err
	}
	p, err := f.obj("purpose")
	if err != nil {
		return in, err
	}
	if in.Purpose.Code, err = p.str("code"); err != nil {
		return in, err
	}
	if in.Purpose.Text, err = p.str("text"); err != nil {
		return in, err
	}
	if in.HITypes, err = f.strList("hiTypes"); err != nil {
		return in, err
	}
	dr, err := f.obj("dateRange")
	if err != nil {
		return in, err
	}
	if in.DateRange.From, err = dr.time("from"); err != nil {
		return in, err
	}
	if in.DateRange.To, err = dr.time("to"); err != nil {
		return in, err
	}
	if in.ExpiresAt, err = f.time("expiresAt"); err != nil {
		return in, err
	}
	return in, nil
}

// --- ConsentRequest (server -> client) ---

func requestMap(r *model.ConsentRequest) map[string]any {
	arts := make([]any, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		am := map[string]any{
			"id":                 a.ID.String(),
			"externalArtifactId": a.ExternalArtifactID,
			"status":             string(a.Status),
			"dataEraseAt":        ts(a.DataEraseAt),
			"createdAt":          ts(a.CreatedAt),
			"updatedAt":          ts(a.UpdatedAt),
		}
		if a.RevocationReason != nil {
			am["revocationReason"] = *a.RevocationReason
		}
		arts = append(arts, am)
	}
	m := map[string]any{
		"id":           r.ID.String(),
		"clinicianId":  r.ClinicianID,
		"patientId":    r.PatientID,
		"patientHieId": r.PatientHIEID,
		"purpose":      map[string]any{"code": r.Purpose.Code, "text": r.Purpose.Text},
		"hiTypes":      strs(r.HITypes),
		"dateRange":    map[string]any{"from": ts(r.DateRange.From), "to": ts(r.DateRange.To)},
		"expiresAt":    ts(r.ExpiresAt),
		"status":       string(r.Status),
		"ver":          r.Ver,
		"createdAt":    ts(r.CreatedAt),
		"updatedAt":    ts(r.UpdatedAt),
		"artifacts":    arts,
	}
	if r.ExternalRequestID != nil {
		m["externalRequestId"] = *r.ExternalRequestID
	}
	return m
}

// RequestToStruct encodes a consent request with its artifacts.
func RequestToStruct(r *model.ConsentRequest) (*structpb.Struct, error) {
	if r == nil {
		return nil, fmt.Errorf("nil consent request")
	}
	return structpb.NewStruct(requestMap(r))
}

// RequestsToStruct wraps a list as {"consents": [...]}.
func RequestsToStruct(rs []model.ConsentRequest) (*structpb.Struct, error) {
	l := make([]any, 0, len(rs))
	for i := range rs {
		l = append(l, requestMap(&rs[i]))
	}
	return structpb.NewStruct(map[string]any{"consents": l})
}

func requestFromFields(f fields) (*model.ConsentRequest, error) {
	in, err := intentFromFields(f)
	if err != nil {
		return nil, err
	}
	r := &model.ConsentRequest{
		ClinicianID:  in.ClinicianID,
		PatientID:    in.PatientID,
		PatientHIEID: in.PatientHIEID,
		Purpose:      in.Purpose,
		HITypes:      in.HITypes,
		DateRange:    in.DateRange,
		ExpiresAt:    in.ExpiresAt,
	}
	if r.ID, err = f.uuid("id"); err != nil {
		return nil, err
	}
	ext, err := f.str("externalRequestId")
	if err != nil {
		return nil, err
	}
	if ext != "" {
		r.ExternalRequestID = &ext
	}
	st, err := f.str("status")
	if err != nil {
		return nil, err
	}
	r.Status = model.RequestStatus(st)
	if r.Ver, err = f.int("ver"); err != nil {
		return nil, err
	}
	if r.CreatedAt, err = f.time("createdAt"); err != nil {
		return nil, err
	}
	if r.UpdatedAt, err = f.time("updatedAt"); err != nil {
		return nil, err
	}

	arts, err := f.list("artifacts")
	if err != nil {
		return nil, err
	}
	for i, v := range arts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, errs.Invalid(fmt.Sprintf("artifacts[%d]", i), "must be an object")
		}
		a, err := artifactFromFields(fields(m))
		if err != nil {
			return nil, fmt.Errorf("artifacts[%d]: %w", i, err)
		}
		a.RequestID = r.ID
		r.Artifacts = append(r.Artifacts, a)
	}
	return r, nil
}

func artifactFromFields(f fields) (model.ConsentArtifact, error) {
	var (
		a   model.ConsentArtifact
		err error
	)
	if a.ID, err = f.uuid("id"); err != nil {
		return a, err
	}
	if a.ExternalArtifactID, err = f.str("externalArtifactId"); err != nil {
		return a, err
	}
	st, err := f.str("status")
	if err != nil {
		return a, err
	}
	a.Status = model.ArtifactStatus(st)
	if a.DataEraseAt, err = f.time("dataEraseAt"); err != nil {
		return a, err
	}
	reason, err := f.str("revocationReason")
	if err != nil {
		return a, err
	}
	if reason != "" {
		a.RevocationReason = &reason
	}
	if a.CreatedAt, err = f.time("createdAt"); err != nil {
		return a, err
	}
	if a.UpdatedAt, err = f.time("updatedAt"); err != nil {
		return a, err
	}
	return a, nil
}

// RequestFromStruct decodes a consent request produced by RequestToStruct.
func RequestFromStruct(s *structpb.Struct) (*model.ConsentRequest, error) {
	if s == nil {
		return nil, fmt.Errorf("nil struct")
	}
	return requestFromFields(asFields(s))
}

// RequestsFromStruct decodes {"consents": [...]}.
func RequestsFromStruct(s *structpb.Struct) ([]model.ConsentRequest, error) {
	l, err := asFields(s).list("consents")
	if err != nil {
		return nil, err
	}
	out := make([]model.ConsentRequest, 0, len(l))
	for i, v := range l {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, errs.Invalid(fmt.Sprintf("consents[%d]", i), "must be an object")
		}
		r, err := requestFromFields(fields(m))
		if err != nil {
			return nil, fmt.Errorf("consents[%d]: %w", i, err)
		}
		out = append(out, *r)
	}
	return out, nil
}

// --- AuditTrail (server -> client) ---

// detailValue normalizes a detail map into Struct-compatible values.
func detailValue(d map[string]any) (any, error) {
	if d == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AuditTrailToStruct encodes a subject's audit trail and its verification result.
func AuditTrailToStruct(tr model.AuditTrail) (*structpb.Struct, error) {
	entries := make([]any, 0, len(tr.Entries))
	for _, e := range tr.Entries {
		detail, err := detailValue(e.Detail)
		if err != nil {
			return nil, fmt.Errorf("entry seq=%d detail: %w", e.Seq, err)
		}
		entries = append(entries, map[string]any{
			"id":        e.ID.String(),
			"seq":       e.Seq,
			"action":    string(e.Action),
			"actorId":   e.Actor.ID,
			"actorType": string(e.Actor.Type),
			"ip":        e.Origin.IP,
			"userAgent": e.Origin.UserAgent,
			"detail":    detail,
			"prevHash":  hex.EncodeToString(e.PrevHash),
			"hash":      hex.EncodeToString(e.Hash),
			"createdAt": ts(e.CreatedAt),
		})
	}
	m := map[string]any{
		"subjectId": tr.SubjectID.String(),
		"intact":    tr.Intact,
		"entries":   entries,
	}
	if tr.Problem != "" {
		m["problem"] = tr.Problem
	}
	return structpb.NewStruct(m)
}
