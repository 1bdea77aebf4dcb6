package domain

import "time"

// MessageState sigue el state machine por mensaje:
// Draft → AwaitingAuthorization → Authorized → Signed → Queued →
// {Delivered | Expired | Revoked}. Una vez Signed el mensaje es inmutable.
type MessageState string

const (
	StateDraft                 MessageState = "draft"
	StateAwaitingAuthorization MessageState = "awaiting_authorization"
	StateAuthorized            MessageState = "authorized"
	StateSigned                MessageState = "signed"
	StateQueued                MessageState = "queued"
	StateDelivered             MessageState = "delivered"
	StateExpired               MessageState = "expired"
	StateRevoked               MessageState = "revoked"
)

// WildcardDevice targets every device.
const WildcardDevice = "*"

// Authorization is one approver's sign-off over a pending message.
// Token is the approver's own EdDSA JWS over the message id; Evidence
// marks supporting material (e.g. a mutual-aid peer signature) that is
// recorded but never counts toward quorum.
type Authorization struct {
	ApproverID string    `json:"approver_id"`
	Timestamp  time.Time `json:"timestamp"`
	Token      string    `json:"token,omitempty"`
	Evidence   bool      `json:"evidence,omitempty"`
}

// SignedMessage is the unit a control point signs and a device verifies.
// Signature covers the canonical CBOR encoding of (message_id, tier,
// content, target_devices, issued_at, expiry, nonce) — authorizations and
// the signature itself are excluded (approvals are independently signed
// tokens over the message id).
type SignedMessage struct {
	MessageID      string          `json:"message_id"`
	Tier           Tier            `json:"tier"`
	Content        map[string]any  `json:"content"`
	TargetDevices  []string        `json:"target_devices"`
	IssuedAt       time.Time       `json:"issued_at"`
	Expiry         time.Time       `json:"expiry"`
	Nonce          string          `json:"nonce"`
	Authorizations []Authorization `json:"authorizations"`
	Signature      []byte          `json:"signature,omitempty"`
	SigningKeyID   string          `json:"signing_key_id,omitempty"`

	// State es bookkeeping del workflow, no viaja en el payload canónico.
	State MessageState `json:"state,omitempty"`
}

// Targets reports whether the message addresses deviceID.
func (m *SignedMessage) Targets(deviceID string) bool {
	for _, d := range m.TargetDevices {
		if d == WildcardDevice || d == deviceID {
			return true
		}
	}
	return false
}

// ExpiredAt reports whether the message is past its expiry at now.
func (m *SignedMessage) ExpiredAt(now time.Time) bool {
	return now.After(m.Expiry)
}

// DistinctApprovers counts non-evidence authorizations with unique
// approver ids. Modelado como set idempotente, nunca como contador.
func (m *SignedMessage) DistinctApprovers() int {
	seen := make(map[string]struct{}, len(m.Authorizations))
	for _, a := range m.Authorizations {
		if a.Evidence {
			continue
		}
		seen[a.ApproverID] = struct{}{}
	}
	return len(seen)
}

// HasApprover reports whether approverID already authorized (evidence
// entries excluded).
func (m *SignedMessage) HasApprover(approverID string) bool {
	for _, a := range m.Authorizations {
		if !a.Evidence && a.ApproverID == approverID {
			return true
		}
	}
	return false
}
