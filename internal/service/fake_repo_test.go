package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/consent-keeper/internal/crypto"
	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/gateway"
	"github.com/and161185/consent-keeper/internal/model"
	"github.com/and161185/consent-keeper/internal/repository"
)

// memRepo is an in-memory store with the same compare-and-swap contract as the
// postgres repository. A mutex stands in for the row lock; every mutation works
// on a copy that is only published when the whole step succeeds.
type memRepo struct {
	mu    sync.Mutex
	reqs  map[uuid.UUID]*model.ConsentRequest
	byExt map[string]uuid.UUID
	arts  map[string]uuid.UUID // external artifact id -> request
	audit map[uuid.UUID][]model.AuditEntry
	clock time.Time

	// failTransition, when set, aborts a transition after its changes were
	// staged; nothing is published.
	failTransition func(t model.Transition) error
	// beforeTransition runs under the lock before the CAS check.
	beforeTransition func(r *model.ConsentRequest)
	failAppend       error
	transitions      int
}

var (
	_ repository.ConsentRepository = (*memRepo)(nil)
	_ repository.AuditStore        = (*memRepo)(nil)
)

func newMemRepo() *memRepo {
	return &memRepo{
		reqs:  map[uuid.UUID]*model.ConsentRequest{},
		byExt: map[string]uuid.UUID{},
		arts:  map[string]uuid.UUID{},
		audit: map[uuid.UUID][]model.AuditEntry{},
		clock: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (m *memRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func clone(r *model.ConsentRequest) *model.ConsentRequest {
	c := *r
	c.HITypes = append([]string(nil), r.HITypes...)
	c.Artifacts = append([]model.ConsentArtifact(nil), r.Artifacts...)
	if r.ExternalRequestID != nil {
		ext := *r.ExternalRequestID
		c.ExternalRequestID = &ext
	}
	return &c
}

func (m *memRepo) appendAudit(e model.AuditEntry, now time.Time) model.AuditEntry {
	chain := m.audit[e.SubjectID]
	prev := crypto.Genesis
	if len(chain) > 0 {
		prev = chain[len(chain)-1].Hash
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.Must(uuid.NewV4())
	}
	e.Seq = int64(len(chain) + 1)
	e.PrevHash = prev
	e.CreatedAt = now
	d, _ := e.DetailJSON()
	e.Hash = crypto.ChainHash(prev, e, d)
	m.audit[e.SubjectID] = append(chain, e)
	return e
}

func (m *memRepo) Create(_ context.Context, req *model.ConsentRequest, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reqs[req.ID]; ok {
		return errs.ErrAlreadyExists
	}
	now := m.tick()
	c := clone(req)
	c.Status, c.Ver, c.CreatedAt, c.UpdatedAt = model.StatusRequested, 1, now, now
	m.reqs[c.ID] = c
	entry.SubjectID = c.ID
	m.appendAudit(entry, now)
	req.Status, req.Ver, req.CreatedAt, req.UpdatedAt = c.Status, c.Ver, now, now
	return nil
}

func (m *memRepo) AttachExternalID(_ context.Context, id uuid.UUID, baseVer int64, ext string, entry model.AuditEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return 0, errs.ErrNotFound
	}
	if r.Ver != baseVer || r.ExternalRequestID != nil || r.Status != model.StatusRequested {
		return 0, errs.ErrVersionConflict
	}
	if _, taken := m.byExt[ext]; taken {
		return 0, errs.ErrAlreadyExists
	}
	now := m.tick()
	r.ExternalRequestID = &ext
	r.Ver++
	r.UpdatedAt = now
	m.byExt[ext] = id
	entry.SubjectID = id
	m.appendAudit(entry, now)
	return r.Ver, nil
}

func (m *memRepo) Get(_ context.Context, id uuid.UUID) (*model.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reqs[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return clone(r), nil
}

func (m *memRepo) GetByExternalID(ctx context.Context, ext string) (*model.ConsentRequest, error) {
	m.mu.Lock()
	id, ok := m.byExt[ext]
	m.mu.Unlock()
	if !ok {
		return nil, errs.ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *memRepo) ListActiveByPatient(_ context.Context, patientID string) ([]model.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConsentRequest
	for _, r := range m.reqs {
		if r.PatientID == patientID && r.Status == model.StatusGranted && r.HasActiveArtifact() {
			out = append(out, *clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() > out[j].ID.String()
	})
	return out, nil
}

func (m *memRepo) Transition(_ context.Context, t model.Transition) (*model.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions++
	cur, ok := m.reqs[t.RequestID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if m.beforeTransition != nil {
		m.beforeTransition(cur)
	}
	if cur.Ver != t.BaseVer || cur.Status != t.From {
		return nil, errs.ErrVersionConflict
	}

	now := m.tick()
	if cur.Status == model.StatusRequested && (t.To == model.StatusGranted || t.To == model.StatusDenied) &&
		!cur.ExpiresAt.After(now) {
		return nil, fmt.Errorf("request expired: %w", errs.ErrConflict)
	}
	staged := clone(cur)
	staged.Status = t.To
	staged.Ver++
	staged.UpdatedAt = now
	for _, a := range t.NewArtifacts {
		if _, taken := m.arts[a.ExternalArtifactID]; taken {
			return nil, errs.ErrAlreadyExists
		}
		if a.ID == uuid.Nil {
			a.ID = uuid.Must(uuid.NewV4())
		}
		a.RequestID = t.RequestID
		a.Status = model.ArtifactActive
		a.CreatedAt, a.UpdatedAt = now, now
		staged.Artifacts = append(staged.Artifacts, a)
	}
	if t.RevokeReason != nil {
		for i := range staged.Artifacts {
			if staged.Artifacts[i].Status == model.ArtifactActive {
				reason := *t.RevokeReason
				staged.Artifacts[i].Status = model.ArtifactRevoked
				staged.Artifacts[i].RevocationReason = &reason
				staged.Artifacts[i].UpdatedAt = now
			}
		}
	}
	if m.failTransition != nil {
		if err := m.failTransition(t); err != nil {
			return nil, err
		}
	}

	m.reqs[t.RequestID] = staged
	for _, a := range t.NewArtifacts {
		m.arts[a.ExternalArtifactID] = t.RequestID
	}
	entry := t.Audit
	entry.SubjectID = t.RequestID
	m.appendAudit(entry, now)
	return clone(staged), nil
}

func (m *memRepo) ListPendingExpired(_ context.Context, now time.Time, limit int) ([]model.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConsentRequest
	for _, r := range m.reqs {
		if r.Status == model.StatusRequested && !r.ExpiresAt.After(now) && len(out) < limit {
			out = append(out, *clone(r))
		}
	}
	return out, nil
}

func (m *memRepo) ListWithDueArtifacts(_ context.Context, now time.Time, limit int) ([]model.ConsentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConsentRequest
	for _, r := range m.reqs {
		if r.Status != model.StatusGranted || len(out) >= limit {
			continue
		}
		for _, a := range r.Artifacts {
			if a.Status == model.ArtifactActive && !a.DataEraseAt.After(now) {
				out = append(out, *clone(r))
				break
			}
		}
	}
	return out, nil
}

func (m *memRepo) ExpireArtifacts(_ context.Context, x model.ArtifactExpiry) (model.ArtifactExpiryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.reqs[x.RequestID]
	if !ok {
		return model.ArtifactExpiryResult{}, errs.ErrNotFound
	}
	if m.beforeTransition != nil {
		m.beforeTransition(cur)
	}
	if cur.Ver != x.BaseVer || cur.Status != model.StatusGranted {
		return model.ArtifactExpiryResult{}, errs.ErrVersionConflict
	}
	now := m.tick()
	staged := clone(cur)
	var expired []string
	left := 0
	for i := range staged.Artifacts {
		a := &staged.Artifacts[i]
		if a.Status != model.ArtifactActive {
			continue
		}
		if !a.DataEraseAt.After(x.Now) {
			a.Status = model.ArtifactExpired
			a.UpdatedAt = now
			expired = append(expired, a.ExternalArtifactID)
			continue
		}
		left++
	}
	if len(expired) == 0 {
		return model.ArtifactExpiryResult{RequestStatus: cur.Status, NewVer: cur.Ver}, nil
	}
	if left == 0 {
		staged.Status = model.StatusExpired
	}
	staged.Ver++
	staged.UpdatedAt = now
	m.reqs[x.RequestID] = staged
	m.appendAudit(model.AuditEntry{Action: model.ActionArtifactExpired, Actor: x.Actor, SubjectID: x.RequestID,
		Detail: map[string]any{"artifacts": expired, "remaining": left}}, now)
	if staged.Status == model.StatusExpired {
		m.appendAudit(model.AuditEntry{Action: model.ActionExpired, Actor: x.Actor, SubjectID: x.RequestID}, now)
	}
	return model.ArtifactExpiryResult{Expired: len(expired), RequestStatus: staged.Status, NewVer: staged.Ver}, nil
}

func (m *memRepo) Append(_ context.Context, e model.AuditEntry) (model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend != nil {
		return model.AuditEntry{}, m.failAppend
	}
	if _, ok := m.reqs[e.SubjectID]; !ok {
		return model.AuditEntry{}, errs.ErrNotFound
	}
	return m.appendAudit(e, m.tick()), nil
}

func (m *memRepo) ListBySubject(_ context.Context, id uuid.UUID) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEntry(nil), m.audit[id]...), nil
}

func (m *memRepo) actions(id uuid.UUID) []model.AuditAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AuditAction
	for _, e := range m.audit[id] {
		out = append(out, e.Action)
	}
	return out
}

func (m *memRepo) count(id uuid.UUID, a model.AuditAction) int {
	n := 0
	for _, x := range m.actions(id) {
		if x == a {
			n++
		}
	}
	return n
}

// fakeGateway scripts the outbound side.
type fakeGateway struct {
	mu        sync.Mutex
	nextID    int
	initErr   error
	initCalls int
	initOpts  []gateway.InitOptions
	notified  []model.Revocation
	notifyErr error
}

var _ Gateway = (*fakeGateway)(nil)

func (g *fakeGateway) InitConsentRequest(_ context.Context, _ model.InitPayload, opts gateway.InitOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initCalls++
	g.initOpts = append(g.initOpts, opts)
	if g.initErr != nil {
		return "", g.initErr
	}
	g.nextID++
	return "hie-req-" + strconv.Itoa(g.nextID), nil
}

func (g *fakeGateway) NotifyRevocation(_ context.Context, r model.Revocation) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.notified = append(g.notified, r)
	return g.notifyErr
}
