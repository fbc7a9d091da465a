// Package model defines domain entities used by services and repositories.
package model

import (
	"encoding/json"
	"time"

	"github.com/gofrs/uuid/v5"
)

// RequestStatus is the lifecycle state of a ConsentRequest.
type RequestStatus string

const (
	StatusRequested RequestStatus = "REQUESTED"
	StatusGranted   RequestStatus = "GRANTED"
	StatusDenied    RequestStatus = "DENIED"
	StatusExpired   RequestStatus = "EXPIRED"
	StatusRevoked   RequestStatus = "REVOKED"
)

// Terminal reports whether no further transitions are possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusDenied || s == StatusExpired || s == StatusRevoked
}

// Revocable reports whether an explicit revoke is allowed.
// Pending (REQUESTED) requests are deliberately not revocable.
func (s RequestStatus) Revocable() bool { return s == StatusGranted }

// ArtifactStatus is the state of a single ConsentArtifact.
type ArtifactStatus string

const (
	ArtifactActive  ArtifactStatus = "ACTIVE"
	ArtifactRevoked ArtifactStatus = "REVOKED"
	ArtifactExpired ArtifactStatus = "EXPIRED"
)

// Purpose is the coded reason for the data access ask.
type Purpose struct {
	Code string
	Text string
}

// DateRange bounds the health information requested; From must precede To.
type DateRange struct {
	From time.Time
	To   time.Time
}

// ConsentIntent is a caller's ask before validation and persistence.
type ConsentIntent struct {
	ClinicianID  string
	PatientID    string
	PatientHIEID string // patient's health-exchange account id
	Purpose      Purpose
	HITypes      []string
	DateRange    DateRange
	ExpiresAt    time.Time
}

// ConsentRequest is the local record of a data-sharing ask mirrored at the gateway.
type ConsentRequest struct {
	ID                uuid.UUID
	ExternalRequestID *string // assigned by the gateway, set at most once
	ClinicianID       string
	PatientID         string
	PatientHIEID      string
	Purpose           Purpose
	HITypes           []string
	DateRange         DateRange
	ExpiresAt         time.Time
	Status            RequestStatus
	Ver               int64 // optimistic concurrency version
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Artifacts []ConsentArtifact // loaded on reads that ask for them
}

// HasActiveArtifact reports whether at least one artifact is still ACTIVE.
func (r *ConsentRequest) HasActiveArtifact() bool {
	for i := range r.Artifacts {
		if r.Artifacts[i].Status == ArtifactActive {
			return true
		}
	}
	return false
}

// ConsentArtifact is the concrete, time-boxed grant issued by the gateway.
type ConsentArtifact struct {
	ID                 uuid.UUID
	RequestID          uuid.UUID
	ExternalArtifactID string
	Status             ArtifactStatus
	DataEraseAt        time.Time
	RevocationReason   *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ActorType classifies who performed an audited action.
type ActorType string

const (
	ActorClinician ActorType = "clinician"
	ActorSystem    ActorType = "system"
	ActorPatient   ActorType = "patient"
)

// Valid reports whether t is a known actor type.
func (t ActorType) Valid() bool {
	return t == ActorClinician || t == ActorSystem || t == ActorPatient
}

// Actor is the authenticated principal behind a mutating call.
type Actor struct {
	ID   string
	Type ActorType
}

// SystemActor is used for gateway callbacks and scheduled sweeps.
func SystemActor(id string) Actor { return Actor{ID: id, Type: ActorSystem} }

// Origin is request metadata recorded in the audit trail.
type Origin struct {
	IP        string
	UserAgent string
}

// AuditAction enumerates audited state changes.
type AuditAction string

const (
	ActionRequested        AuditAction = "CONSENT_REQUESTED"
	ActionInitAcknowledged AuditAction = "CONSENT_INIT_ACKNOWLEDGED"
	ActionInitFailed       AuditAction = "CONSENT_INIT_FAILED"
	ActionGranted          AuditAction = "CONSENT_GRANTED"
	ActionDenied           AuditAction = "CONSENT_DENIED"
	ActionRevoked          AuditAction = "CONSENT_REVOKED"
	ActionCallbackIgnored  AuditAction = "CONSENT_CALLBACK_IGNORED"
	ActionExpired          AuditAction = "CONSENT_EXPIRED"
	ActionArtifactExpired  AuditAction = "CONSENT_ARTIFACT_EXPIRED"
)

// AuditEntry is a single append-only compliance record.
// Seq, PrevHash, Hash and CreatedAt are assigned by the store.
type AuditEntry struct {
	ID        uuid.UUID
	Action    AuditAction
	Actor     Actor
	SubjectID uuid.UUID
	Origin    Origin
	Detail    map[string]any
	Seq       int64
	PrevHash  []byte
	Hash      []byte
	CreatedAt time.Time
}

// DetailJSON encodes Detail for storage; nil detail becomes an empty object.
func (e AuditEntry) DetailJSON() ([]byte, error) {
	if e.Detail == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(e.Detail)
}

// Transition is a compare-and-swap state change applied atomically by the repository.
type Transition struct {
	RequestID uuid.UUID
	BaseVer   int64
	From      RequestStatus
	To        RequestStatus

	NewArtifacts []ConsentArtifact // inserted ACTIVE
	RevokeReason *string           // when set, every ACTIVE artifact is revoked with this reason

	Audit AuditEntry
}

// ArtifactExpiry expires due artifacts of one request under a base-version check.
type ArtifactExpiry struct {
	RequestID uuid.UUID
	BaseVer   int64
	Now       time.Time
	Actor     Actor
}

// ArtifactExpiryResult reports what an expiry pass changed.
type ArtifactExpiryResult struct {
	Expired       int
	RequestStatus RequestStatus
	NewVer        int64
}

// AuditTrail is a subject's audit entries with the result of chain verification.
type AuditTrail struct {
	SubjectID uuid.UUID
	Entries   []AuditEntry
	Intact    bool
	Problem   string // set when Intact is false
}
