package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ConsentRepo implements ConsentRepository using PostgreSQL.
type ConsentRepo struct{ db *DB }

// NewConsentRepo constructs a consent repository.
func NewConsentRepo(db *DB) *ConsentRepo { return &ConsentRepo{db: db} }

const requestCols = `id, external_request_id, clinician_id, patient_id, patient_hie_id, purpose_code, purpose_text, hi_types, date_from, date_to, expires_at, status, ver, created_at, updated_at`

const artifactCols = `id, request_id, external_artifact_id, status, data_erase_at, revocation_reason, created_at, updated_at`

const lockRequest = `SELECT status, ver, external_request_id, expires_at FROM consent_requests WHERE id=$1 FOR UPDATE`

const bumpRequest = `UPDATE consent_requests SET status=$2, ver=$3, updated_at=$4 WHERE id=$1 AND ver=$5`

// Create inserts a REQUESTED request and its audit entry atomically.
func (r *ConsentRepo) Create(ctx context.Context, req *model.ConsentRequest, entry model.AuditEntry) error {
	const ins = `
INSERT INTO consent_requests (id, clinician_id, patient_id, patient_hie_id, purpose_code, purpose_text, hi_types, date_from, date_to, expires_at, status, ver, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'REQUESTED',1,$11,$11)`
	now := r.db.now()
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, ins,
			req.ID, req.ClinicianID, req.PatientID, req.PatientHIEID,
			req.Purpose.Code, req.Purpose.Text, req.HITypes,
			req.DateRange.From, req.DateRange.To, req.ExpiresAt, now,
		); err != nil {
			if isUniqueViolation(err) {
				return errs.ErrAlreadyExists
			}
			return err
		}
		entry.SubjectID = req.ID
		_, err := insertAudit(ctx, tx, entry, now)
		return err
	})
	if err != nil {
		return err
	}
	req.Status = model.StatusRequested
	req.Ver = 1
	req.CreatedAt, req.UpdatedAt = now, now
	return nil
}

// AttachExternalID records the gateway id exactly once.
func (r *ConsentRepo) AttachExternalID(
	ctx context.Context, id uuid.UUID, baseVer int64, externalID string, entry model.AuditEntry,
) (newVer int64, err error) {
	const upd = `UPDATE consent_requests SET external_request_id=$2, ver=$3, updated_at=$4 WHERE id=$1 AND ver=$5 AND external_request_id IS NULL`
	now := r.db.now()
	err = r.db.withTx(ctx, func(tx pgx.Tx) error {
		l, err := lock(ctx, tx, id)
		if err != nil {
			return err
		}
		if l.ver != baseVer || l.ext != nil || l.status != model.StatusRequested {
			return errs.ErrVersionConflict
		}
		newVer = l.ver + 1
		tag, err := tx.Exec(ctx, upd, id, externalID, newVer, now, l.ver)
		if err != nil {
			if isUniqueViolation(err) {
				return errs.ErrAlreadyExists
			}
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrVersionConflict
		}
		entry.SubjectID = id
		_, err = insertAudit(ctx, tx, entry, now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return newVer, nil
}

// Get returns a request with its artifacts.
func (r *ConsentRepo) Get(ctx context.Context, id uuid.UUID) (*model.ConsentRequest, error) {
	return r.readRequest(ctx, `SELECT `+requestCols+` FROM consent_requests WHERE id=$1`, id)
}

// GetByExternalID returns a request with its artifacts by gateway id.
func (r *ConsentRepo) GetByExternalID(ctx context.Context, externalID string) (*model.ConsentRequest, error) {
	return r.readRequest(ctx, `SELECT `+requestCols+` FROM consent_requests WHERE external_request_id=$1`, externalID)
}

// readRequest loads the row and its artifacts from one snapshot so a
// concurrent cascade is never seen half applied.
func (r *ConsentRepo) readRequest(ctx context.Context, sql string, arg any) (out *model.ConsentRequest, err error) {
	err = r.db.readTx(ctx, func(tx pgx.Tx) error {
		out, err = getRequest(ctx, tx, sql, arg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListActiveByPatient returns GRANTED requests having an ACTIVE artifact, newest first.
func (r *ConsentRepo) ListActiveByPatient(ctx context.Context, patientID string) ([]model.ConsentRequest, error) {
	const q = `
SELECT ` + requestCols + `
FROM consent_requests r
WHERE r.patient_id=$1 AND r.status='GRANTED'
  AND EXISTS (SELECT 1 FROM consent_artifacts a WHERE a.request_id=r.id AND a.status='ACTIVE')
ORDER BY r.created_at DESC, r.id DESC`
	const aq = `SELECT ` + artifactCols + ` FROM consent_artifacts WHERE request_id = ANY($1::uuid[]) ORDER BY created_at, id`

	var (
		reqs []model.ConsentRequest
		arts []model.ConsentArtifact
	)
	err := r.db.readTx(ctx, func(tx pgx.Tx) (err error) {
		if reqs, err = listRequests(ctx, tx, q, patientID); err != nil || len(reqs) == 0 {
			return err
		}
		ids := make([]string, len(reqs))
		for i := range reqs {
			ids[i] = reqs[i].ID.String()
		}
		arts, err = listArtifacts(ctx, tx, aq, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	byReq := make(map[uuid.UUID][]model.ConsentArtifact, len(reqs))
	for _, a := range arts {
		byReq[a.RequestID] = append(byReq[a.RequestID], a)
	}
	for i := range reqs {
		reqs[i].Artifacts = byReq[reqs[i].ID]
	}
	return reqs, nil
}

// Transition applies t atomically: CAS on (status, ver), artifact inserts or
// cascade revocation, the audit entry, then reloads the request. A GRANTED or
// DENIED decision on a pending request past expires_at fails with ErrConflict.
func (r *ConsentRepo) Transition(ctx context.Context, t model.Transition) (*model.ConsentRequest, error) {
	if len(t.NewArtifacts) > 0 && t.To != model.StatusGranted {
		return nil, fmt.Errorf("transition to %s cannot issue artifacts", t.To)
	}
	if t.RevokeReason != nil && t.To != model.StatusRevoked {
		return nil, fmt.Errorf("transition to %s cannot revoke artifacts", t.To)
	}

	const insArt = `
INSERT INTO consent_artifacts (id, request_id, external_artifact_id, status, data_erase_at, created_at, updated_at)
VALUES ($1,$2,$3,'ACTIVE',$4,$5,$5)`
	const revoke = `UPDATE consent_artifacts SET status='REVOKED', revocation_reason=$2, updated_at=$3 WHERE request_id=$1 AND status='ACTIVE'`

	now := r.db.now()
	var out *model.ConsentRequest
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		l, err := lock(ctx, tx, t.RequestID)
		if err != nil {
			return err
		}
		if l.ver != t.BaseVer || l.status != t.From {
			return errs.ErrVersionConflict
		}
		if l.status == model.StatusRequested && isDecision(t.To) && !l.expiresAt.After(now) {
			return fmt.Errorf("request expired at %s: %w", l.expiresAt.UTC().Format(time.RFC3339), errs.ErrConflict)
		}
		curVer := l.ver
		tag, err := tx.Exec(ctx, bumpRequest, t.RequestID, string(t.To), curVer+1, now, curVer)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrVersionConflict
		}
		for i, a := range t.NewArtifacts {
			if a.ID == uuid.Nil {
				if a.ID, err = uuid.NewV4(); err != nil {
					return err
				}
			}
			if _, err = tx.Exec(ctx, insArt, a.ID, t.RequestID, a.ExternalArtifactID, a.DataEraseAt, now); err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("artifact[%d] %q: %w", i, a.ExternalArtifactID, errs.ErrAlreadyExists)
				}
				return err
			}
		}
		if t.RevokeReason != nil {
			if _, err = tx.Exec(ctx, revoke, t.RequestID, *t.RevokeReason, now); err != nil {
				return err
			}
		}
		entry := t.Audit
		entry.SubjectID = t.RequestID
		if _, err = insertAudit(ctx, tx, entry, now); err != nil {
			return err
		}
		out, err = getRequest(ctx, tx, `SELECT `+requestCols+` FROM consent_requests WHERE id=$1`, t.RequestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListPendingExpired returns REQUESTED requests past their expiry.
func (r *ConsentRepo) ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]model.ConsentRequest, error) {
	const q = `
SELECT ` + requestCols + `
FROM consent_requests
WHERE status='REQUESTED' AND expires_at <= $1
ORDER BY expires_at ASC
LIMIT $2`
	return listRequests(ctx, r.db.Pool, q, now, limit)
}

// ListWithDueArtifacts returns GRANTED requests owning ACTIVE artifacts past data_erase_at.
func (r *ConsentRepo) ListWithDueArtifacts(ctx context.Context, now time.Time, limit int) ([]model.ConsentRequest, error) {
	const q = `
SELECT ` + requestCols + `
FROM consent_requests r
WHERE r.status='GRANTED'
  AND EXISTS (SELECT 1 FROM consent_artifacts a WHERE a.request_id=r.id AND a.status='ACTIVE' AND a.data_erase_at <= $1)
ORDER BY r.updated_at ASC
LIMIT $2`
	return listRequests(ctx, r.db.Pool, q, now, limit)
}

// ExpireArtifacts expires due artifacts of one GRANTED request. The parent
// moves to EXPIRED once no ACTIVE artifact remains.
func (r *ConsentRepo) ExpireArtifacts(ctx context.Context, x model.ArtifactExpiry) (res model.ArtifactExpiryResult, err error) {
	const expire = `
UPDATE consent_artifacts SET status='EXPIRED', updated_at=$3
WHERE request_id=$1 AND status='ACTIVE' AND data_erase_at <= $2
RETURNING external_artifact_id`
	const remaining = `SELECT count(*) FROM consent_artifacts WHERE request_id=$1 AND status='ACTIVE'`

	now := r.db.now()
	err = r.db.withTx(ctx, func(tx pgx.Tx) error {
		l, err := lock(ctx, tx, x.RequestID)
		if err != nil {
			return err
		}
		if l.ver != x.BaseVer || l.status != model.StatusGranted {
			return errs.ErrVersionConflict
		}
		curVer := l.ver
		res = model.ArtifactExpiryResult{RequestStatus: l.status, NewVer: curVer}

		rows, err := tx.Query(ctx, expire, x.RequestID, x.Now, now)
		if err != nil {
			return err
		}
		var expired []string
		for rows.Next() {
			var ext string
			if err = rows.Scan(&ext); err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, ext)
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}

		var left int64
		if err = tx.QueryRow(ctx, remaining, x.RequestID).Scan(&left); err != nil {
			return err
		}
		next := model.StatusGranted
		if left == 0 {
			next = model.StatusExpired
		}
		tag, err := tx.Exec(ctx, bumpRequest, x.RequestID, string(next), curVer+1, now, curVer)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrVersionConflict
		}

		if _, err = insertAudit(ctx, tx, model.AuditEntry{
			Action:    model.ActionArtifactExpired,
			Actor:     x.Actor,
			SubjectID: x.RequestID,
			Detail:    map[string]any{"artifacts": expired, "remaining": left},
		}, now); err != nil {
			return err
		}
		if next == model.StatusExpired {
			if _, err = insertAudit(ctx, tx, model.AuditEntry{
				Action:    model.ActionExpired,
				Actor:     x.Actor,
				SubjectID: x.RequestID,
				Detail:    map[string]any{"from": string(model.StatusGranted), "reason": "all artifacts past data erase time"},
			}, now); err != nil {
				return err
			}
		}
		res = model.ArtifactExpiryResult{Expired: len(expired), RequestStatus: next, NewVer: curVer + 1}
		return nil
	})
	if err != nil {
		return model.ArtifactExpiryResult{}, err
	}
	return res, nil
}

// --- helpers ---

// isDecision reports whether to is a gateway decision on a pending request.
func isDecision(to model.RequestStatus) bool {
	return to == model.StatusGranted || to == model.StatusDenied
}

// lockedRequest is the row state read under FOR UPDATE.
type lockedRequest struct {
	status    model.RequestStatus
	ver       int64
	ext       *string
	expiresAt time.Time
}

func lock(ctx context.Context, q querier, id uuid.UUID) (lockedRequest, error) {
	var (
		l      lockedRequest
		status string
	)
	if err := q.QueryRow(ctx, lockRequest, id).Scan(&status, &l.ver, &l.ext, &l.expiresAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lockedRequest{}, errs.ErrNotFound
		}
		return lockedRequest{}, err
	}
	l.status = model.RequestStatus(status)
	return l, nil
}

func scanRequest(row pgx.Row) (*model.ConsentRequest, error) {
	var (
		req    model.ConsentRequest
		status string
	)
	err := row.Scan(
		&req.ID, &req.ExternalRequestID, &req.ClinicianID, &req.PatientID, &req.PatientHIEID,
		&req.Purpose.Code, &req.Purpose.Text, &req.HITypes,
		&req.DateRange.From, &req.DateRange.To, &req.ExpiresAt,
		&status, &req.Ver, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.Status = model.RequestStatus(status)
	return &req, nil
}

func getRequest(ctx context.Context, q querier, sql string, arg any) (*model.ConsentRequest, error) {
	req, err := scanRequest(q.QueryRow(ctx, sql, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	const aq = `SELECT ` + artifactCols + ` FROM consent_artifacts WHERE request_id=$1 ORDER BY created_at, id`
	if req.Artifacts, err = listArtifacts(ctx, q, aq, req.ID); err != nil {
		return nil, err
	}
	return req, nil
}

func listRequests(ctx context.Context, q querier, sql string, args ...any) ([]model.ConsentRequest, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConsentRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *req)
	}
	return out, rows.Err()
}

func listArtifacts(ctx context.Context, q querier, sql string, args ...any) ([]model.ConsentArtifact, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ConsentArtifact
	for rows.Next() {
		var (
			a      model.ConsentArtifact
			status string
		)
		if err = rows.Scan(&a.ID, &a.RequestID, &a.ExternalArtifactID, &status,
			&a.DataEraseAt, &a.RevocationReason, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		a.Status = model.ArtifactStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}
