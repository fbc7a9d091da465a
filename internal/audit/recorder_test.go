package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/and161185/consent-keeper/internal/alert"
	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/model"
	"github.com/and161185/consent-keeper/internal/repository"
)

type fakeStore struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	appended []model.AuditEntry
}

var _ repository.AuditStore = (*fakeStore)(nil)

func (f *fakeStore) Append(ctx context.Context, e model.AuditEntry) (model.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if ctx.Err() != nil {
		return model.AuditEntry{}, ctx.Err()
	}
	if f.calls <= f.failures {
		return model.AuditEntry{}, f.err
	}
	e.Seq = int64(len(f.appended) + 1)
	f.appended = append(f.appended, e)
	return e, nil
}

func (f *fakeStore) ListBySubject(context.Context, uuid.UUID) ([]model.AuditEntry, error) {
	return nil, nil
}

type fakeAlerter struct {
	events []alert.Event
	err    error
}

func (f *fakeAlerter) Alert(_ context.Context, e alert.Event) error {
	f.events = append(f.events, e)
	return f.err
}

func newRecorder(store *fakeStore, al alert.Alerter, log *zap.Logger) *Recorder {
	r := NewRecorder(store, al, log)
	r.backoff = time.Millisecond
	return r
}

func entry() model.AuditEntry {
	return model.AuditEntry{
		Action:    model.ActionCallbackIgnored,
		Actor:     model.SystemActor("hie-gateway"),
		SubjectID: uuid.Must(uuid.NewV4()),
	}
}

func TestLogAction_Appends(t *testing.T) {
	st := &fakeStore{}
	al := &fakeAlerter{}
	newRecorder(st, al, nil).LogAction(context.Background(), entry())
	require.Len(t, st.appended, 1)
	require.Empty(t, al.events)
}

func TestLogAction_RetriesTransientFailure(t *testing.T) {
	st := &fakeStore{failures: 2, err: errors.New("conn reset")}
	al := &fakeAlerter{}
	newRecorder(st, al, nil).LogAction(context.Background(), entry())
	require.Equal(t, 3, st.calls)
	require.Len(t, st.appended, 1)
	require.Empty(t, al.events)
}

func TestLogAction_EscalatesWhenExhausted(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	st := &fakeStore{failures: 10, err: errors.New("disk full")}
	al := &fakeAlerter{}
	e := entry()

	newRecorder(st, al, zap.New(core)).LogAction(context.Background(), e)

	require.Equal(t, 3, st.calls)
	require.Len(t, al.events, 1)
	require.Equal(t, alert.KindAuditWriteFailed, al.events[0].Kind)
	require.Equal(t, e.SubjectID.String(), al.events[0].SubjectID)
	require.Equal(t, string(model.ActionCallbackIgnored), al.events[0].Action)
	require.Equal(t, 1, logs.FilterMessage("audit write failed").Len())
}

func TestLogAction_UnknownSubjectNotRetried(t *testing.T) {
	st := &fakeStore{failures: 10, err: errs.ErrNotFound}
	al := &fakeAlerter{}
	newRecorder(st, al, nil).LogAction(context.Background(), entry())
	require.Equal(t, 1, st.calls)
	require.Len(t, al.events, 1)
}

func TestLogAction_SurvivesCallerCancellation(t *testing.T) {
	st := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	newRecorder(st, &fakeAlerter{}, nil).LogAction(ctx, entry())
	require.Len(t, st.appended, 1)
}

func TestLogAction_AlertFailureLogged(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	st := &fakeStore{failures: 10, err: errors.New("x")}
	newRecorder(st, &fakeAlerter{err: errors.New("kafka down")}, zap.New(core)).LogAction(context.Background(), entry())
	require.Equal(t, 1, logs.FilterMessage("audit loss could not be escalated").Len())
}
