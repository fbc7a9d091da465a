// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/consent-keeper/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ConsentRepository stores consent requests and their artifacts. Every status
// mutation is a compare-and-swap on the request's version and observed status;
// a mismatch yields errs.ErrVersionConflict and changes nothing.
type ConsentRepository interface {
	// Create inserts a REQUESTED request together with its first audit entry.
	Create(ctx context.Context, req *model.ConsentRequest, entry model.AuditEntry) error

	// AttachExternalID sets the gateway id once; fails with ErrVersionConflict if
	// the version moved or an id is already present.
	AttachExternalID(ctx context.Context, id uuid.UUID, baseVer int64, externalID string, entry model.AuditEntry) (int64, error)

	// Get loads a request with its artifacts.
	Get(ctx context.Context, id uuid.UUID) (*model.ConsentRequest, error)

	// GetByExternalID loads a request (with artifacts) by the gateway id.
	GetByExternalID(ctx context.Context, externalID string) (*model.ConsentRequest, error)

	// ListActiveByPatient returns GRANTED requests having an ACTIVE artifact, newest first.
	ListActiveByPatient(ctx context.Context, patientID string) ([]model.ConsentRequest, error)

	// Transition applies a status change, artifact inserts/revocations and the
	// audit entry in one transaction. It returns ErrVersionConflict when
	// (status, ver) moved and ErrConflict for a decision on an expired request.
	Transition(ctx context.Context, t model.Transition) (*model.ConsentRequest, error)

	// ListPendingExpired returns REQUESTED requests whose expiry is at or before now.
	ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]model.ConsentRequest, error)

	// ListWithDueArtifacts returns GRANTED requests owning ACTIVE artifacts due at or before now.
	ListWithDueArtifacts(ctx context.Context, now time.Time, limit int) ([]model.ConsentRequest, error)

	// ExpireArtifacts expires due artifacts and, when none remain ACTIVE, the parent.
	ExpireArtifacts(ctx context.Context, x model.ArtifactExpiry) (model.ArtifactExpiryResult, error)
}

// AuditStore is the append-only compliance log.
type AuditStore interface {
	// Append writes one entry in its own transaction, assigning Seq and chain hashes.
	Append(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error)

	// ListBySubject returns a subject's entries ordered by Seq.
	ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]model.AuditEntry, error)
}
