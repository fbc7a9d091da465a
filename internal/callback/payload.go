package callback

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/and161185/consent-keeper/internal/errs"
	"github.com/and161185/consent-keeper/internal/model"
)

const signaturePrefix = "sha256="

// SignPayload computes the hex HMAC-SHA256 of payload under secret.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a header value of the form "sha256=<hex>".
func VerifySignature(payload []byte, secret, header string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), signaturePrefix)
	if !ok || sig == "" || secret == "" {
		return false
	}
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(sig)))
}

type permission struct {
	DataEraseAt *time.Time `json:"dataEraseAt"`
}

type artefact struct {
	ID         string     `json:"id"`
	Permission permission `json:"permission"`
}

// notification is the wire shape of a gateway callback. A grant carries either
// consentArtefact or consentArtefacts.
type notification struct {
	ConsentRequestID string     `json:"consentRequestId"`
	Status           string     `json:"status"`
	ConsentArtefact  *artefact  `json:"consentArtefact,omitempty"`
	ConsentArtefacts []artefact `json:"consentArtefacts,omitempty"`
}

// Decode turns a raw callback body into a GrantedEvent or DeniedEvent.
// Any structural problem is reported as an errs.ValidationError.
func Decode(body []byte) (model.CallbackEvent, error) {
	var n notification
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&n); err != nil {
		return nil, errs.Invalid("body", "malformed JSON: "+err.Error())
	}
	id := strings.TrimSpace(n.ConsentRequestID)
	if id == "" {
		return nil, errs.Invalid("consentRequestId", "required")
	}

	switch model.RequestStatus(strings.ToUpper(strings.TrimSpace(n.Status))) {
	case model.StatusDenied:
		return model.DeniedEvent{ExternalRequestID: id}, nil
	case model.StatusGranted:
	default:
		return nil, errs.Invalid("status", fmt.Sprintf("unsupported value %q", n.Status))
	}

	arts := n.ConsentArtefacts
	if n.ConsentArtefact != nil {
		arts = append([]artefact{*n.ConsentArtefact}, arts...)
	}
	if len(arts) == 0 {
		return nil, errs.Invalid("consentArtefact", "GRANTED requires at least one artefact")
	}
	ev := model.GrantedEvent{ExternalRequestID: id, Artifacts: make([]model.ArtifactGrant, 0, len(arts))}
	for i, a := range arts {
		if strings.TrimSpace(a.ID) == "" {
			return nil, errs.Invalid(fmt.Sprintf("consentArtefact[%d].id", i), "required")
		}
		if a.Permission.DataEraseAt == nil || a.Permission.DataEraseAt.IsZero() {
			return nil, errs.Invalid(fmt.Sprintf("consentArtefact[%d].permission.dataEraseAt", i), "required")
		}
		ev.Artifacts = append(ev.Artifacts, model.ArtifactGrant{
			ExternalArtifactID: strings.TrimSpace(a.ID),
			DataEraseAt:        a.Permission.DataEraseAt.UTC(),
		})
	}
	return ev, nil
}
