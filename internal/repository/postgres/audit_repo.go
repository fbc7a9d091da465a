package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/and161185/consent-keeper/internal/crypto"
	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// AuditRepo implements AuditStore using PostgreSQL.
type AuditRepo struct{ db *DB }

// NewAuditRepo constructs an audit repository.
func NewAuditRepo(db *DB) *AuditRepo { return &AuditRepo{db: db} }

// Append writes one entry outside of any state transition. The subject row is
// locked so that Seq ordering matches concurrent transitions.
func (r *AuditRepo) Append(ctx context.Context, entry model.AuditEntry) (out model.AuditEntry, err error) {
	const sel = `SELECT id FROM consent_requests WHERE id=$1 FOR UPDATE`
	now := r.db.now()
	err = r.db.withTx(ctx, func(tx pgx.Tx) error {
		var id uuid.UUID
		if err := tx.QueryRow(ctx, sel, entry.SubjectID).Scan(&id); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return errs.ErrNotFound
			}
			return err
		}
		var err error
		out, err = insertAudit(ctx, tx, entry, now)
		return err
	})
	return out, err
}

// ListBySubject returns a subject's audit trail ordered by Seq.
func (r *AuditRepo) ListBySubject(ctx context.Context, subjectID uuid.UUID) ([]model.AuditEntry, error) {
	const q = `
SELECT id, subject_id, seq, action, actor_id, actor_type, origin_ip, user_agent, detail, prev_hash, hash, created_at
FROM consent_audit_log
WHERE subject_id=$1
ORDER BY seq ASC`
	rows, err := r.db.Pool.Query(ctx, q, subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e                 model.AuditEntry
			action, actorType string
			detail            []byte
		)
		if err = rows.Scan(&e.ID, &e.SubjectID, &e.Seq, &action, &e.Actor.ID, &actorType,
			&e.Origin.IP, &e.Origin.UserAgent, &detail, &e.PrevHash, &e.Hash, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = model.AuditAction(action)
		e.Actor.Type = model.ActorType(actorType)
		if len(detail) > 0 {
			if err = json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// insertAudit appends entry to the subject's chain. Callers must hold the
// subject's row lock in q so that Seq and PrevHash cannot race.
func insertAudit(ctx context.Context, q querier, e model.AuditEntry, now time.Time) (model.AuditEntry, error) {
	const last = `SELECT seq, hash FROM consent_audit_log WHERE subject_id=$1 ORDER BY seq DESC LIMIT 1`
	const ins = `
INSERT INTO consent_audit_log (id, subject_id, seq, action, actor_id, actor_type, origin_ip, user_agent, detail, prev_hash, hash, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

	var (
		seq  int64
		prev []byte
	)
	switch err := q.QueryRow(ctx, last, e.SubjectID).Scan(&seq, &prev); {
	case errors.Is(err, pgx.ErrNoRows):
		seq, prev = 0, crypto.Genesis
	case err != nil:
		return model.AuditEntry{}, err
	}

	if e.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return model.AuditEntry{}, err
		}
		e.ID = id
	}
	detail, err := canonicalDetail(e)
	if err != nil {
		return model.AuditEntry{}, err
	}
	e.Seq = seq + 1
	e.PrevHash = prev
	e.CreatedAt = now
	e.Hash = crypto.ChainHash(prev, e, detail)

	if _, err = q.Exec(ctx, ins, e.ID, e.SubjectID, e.Seq, string(e.Action), e.Actor.ID, string(e.Actor.Type),
		e.Origin.IP, e.Origin.UserAgent, detail, e.PrevHash, e.Hash, e.CreatedAt); err != nil {
		return model.AuditEntry{}, err
	}
	return e, nil
}

// canonicalDetail encodes detail the way it decodes back from jsonb, so that
// chain verification after a read reproduces the same bytes.
func canonicalDetail(e model.AuditEntry) ([]byte, error) {
	raw, err := e.DetailJSON()
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}
