package model

import "time"

// CallbackEvent is a validated gateway notification. The concrete type is the
// discriminator: GrantedEvent or DeniedEvent.
type CallbackEvent interface {
	ExternalID() string
	EventStatus() RequestStatus
}

// ArtifactGrant describes one artifact issued with a grant.
type ArtifactGrant struct {
	ExternalArtifactID string
	DataEraseAt        time.Time
}

// GrantedEvent carries at least one artifact.
type GrantedEvent struct {
	ExternalRequestID string
	Artifacts         []ArtifactGrant
}

func (e GrantedEvent) ExternalID() string         { return e.ExternalRequestID }
func (e GrantedEvent) EventStatus() RequestStatus { return StatusGranted }

// DeniedEvent closes a request without artifacts.
type DeniedEvent struct {
	ExternalRequestID string
}

func (e DeniedEvent) ExternalID() string         { return e.ExternalRequestID }
func (e DeniedEvent) EventStatus() RequestStatus { return StatusDenied }

// CallbackResult is the soft outcome returned to the ingress.
type CallbackResult struct {
	Success bool
	Message string
}

// Revocation is a best-effort notice sent to the gateway for one artifact.
type Revocation struct {
	ConsentRequestID string // external request id
	ArtifactID       string // external artifact id
	Reason           string
}

// InitPayload is the outbound init call body, shaped for the gateway.
type InitPayload struct {
	Purpose      Purpose
	PatientHIEID string
	HITypes      []string
	DateRange    DateRange
	DataEraseAt  time.Time
}
