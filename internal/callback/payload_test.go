package callback

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/model"
)

func TestSignature(t *testing.T) {
	body := []byte(`{"consentRequestId":"r1","status":"DENIED"}`)
	sig := SignPayload(body, "s3cret")

	assert.True(t, VerifySignature(body, "s3cret", "sha256="+sig))
	assert.False(t, VerifySignature(body, "s3cret", sig), "prefix required")
	assert.False(t, VerifySignature(body, "other", "sha256="+sig))
	assert.False(t, VerifySignature(append(body, ' '), "s3cret", "sha256="+sig))
	assert.False(t, VerifySignature(body, "", "sha256="+SignPayload(body, "")), "empty secret never verifies")
	assert.False(t, VerifySignature(body, "s3cret", ""))
}

func TestDecode_GrantedSingleArtefact(t *testing.T) {
	ev, err := Decode([]byte(`{
		"consentRequestId": "hie-req-1",
		"status": "GRANTED",
		"consentArtefact": {"id": "artifact-123", "permission": {"dataEraseAt": "2025-01-01T00:00:00Z"}}
	}`))
	require.NoError(t, err)

	g, ok := ev.(model.GrantedEvent)
	require.True(t, ok, "want GrantedEvent, got %T", ev)
	assert.Equal(t, "hie-req-1", g.ExternalRequestID)
	require.Len(t, g.Artifacts, 1)
	assert.Equal(t, "artifact-123", g.Artifacts[0].ExternalArtifactID)
	assert.True(t, g.Artifacts[0].DataEraseAt.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestDecode_GrantedArtefactList(t *testing.T) {
	ev, err := Decode([]byte(`{
		"consentRequestId": "hie-req-2",
		"status": "granted",
		"consentArtefacts": [
			{"id": "a1", "permission": {"dataEraseAt": "2025-01-01T00:00:00Z"}},
			{"id": "a2", "permission": {"dataEraseAt": "2025-02-01T05:30:00+05:30"}}
		]
	}`))
	require.NoError(t, err)
	g := ev.(model.GrantedEvent)
	require.Len(t, g.Artifacts, 2)
	assert.Equal(t, time.UTC, g.Artifacts[1].DataEraseAt.Location())
	assert.Equal(t, 0, g.Artifacts[1].DataEraseAt.Hour())
}

func TestDecode_Denied(t *testing.T) {
	ev, err := Decode([]byte(`{"consentRequestId":"hie-req-3","status":"DENIED"}`))
	require.NoError(t, err)
	assert.Equal(t, model.DeniedEvent{ExternalRequestID: "hie-req-3"}, ev)
}

func TestDecode_Invalid(t *testing.T) {
	cases := map[string]string{
		"bad json":          `{"consentRequestId":`,
		"missing id":        `{"status":"DENIED"}`,
		"unknown status":    `{"consentRequestId":"r","status":"EXPIRED"}`,
		"grant no artefact": `{"consentRequestId":"r","status":"GRANTED"}`,
		"artefact no id":    `{"consentRequestId":"r","status":"GRANTED","consentArtefact":{"permission":{"dataEraseAt":"2025-01-01T00:00:00Z"}}}`,
		"artefact no erase": `{"consentRequestId":"r","status":"GRANTED","consentArtefact":{"id":"a"}}`,
		"bad erase time":    `{"consentRequestId":"r","status":"GRANTED","consentArtefact":{"id":"a","permission":{"dataEraseAt":"tomorrow"}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(body))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errs.ErrValidation), "got %v", err)
		})
	}
}
