package domain

import "time"

// EventType cataloga los eventos auditables.
type EventType string

const (
	EventMessageSigned    EventType = "message_signed"
	EventMessageQueued    EventType = "message_queued"
	EventMessageDelivered EventType = "message_displayed"
	EventMessageRejected  EventType = "message_rejected"
	EventMessageRevoked   EventType = "message_revoked"

	EventAuthGranted EventType = "auth_granted"
	EventAuthDenied  EventType = "auth_denied"

	EventSignatureInvalid EventType = "sig_invalid"
	EventReplayDetected   EventType = "replay_detected"
	EventTamperDetected   EventType = "tamper_detected"

	EventKeyGenerated EventType = "key_generated"
	EventKeyRotated   EventType = "key_rotated"
	EventKeyRevoked   EventType = "key_revoked"
	EventKeyDestroyed EventType = "key_destroyed"

	EventRelayAccepted EventType = "relay_accepted"
	EventRelayDenied   EventType = "relay_denied"
	EventFeedAccepted  EventType = "feed_accepted"
	EventFeedRejected  EventType = "feed_rejected"

	EventBoot          EventType = "boot"
	EventConfigChanged EventType = "config_changed"
)

// ActorKind identifica quién produjo la acción auditada.
type ActorKind string

const (
	ActorOperator ActorKind = "operator"
	ActorDevice   ActorKind = "device"
	ActorSystem   ActorKind = "system"
	ActorPeer     ActorKind = "peer"
	ActorFeed     ActorKind = "feed"
)

// AuditEntry is one link of the hash chain. EntryHash =
// SHA-256(previous_hash ∥ canonical(entry fields except entry_hash)).
// Entries are created once and never mutated or deleted.
type AuditEntry struct {
	Sequence     uint64         `json:"sequence"`
	EntryID      string         `json:"entry_id"`
	Timestamp    time.Time      `json:"timestamp"`
	PreviousHash string         `json:"previous_hash"`
	EntryHash    string         `json:"entry_hash"`
	EventType    EventType      `json:"event_type"`
	Actor        string         `json:"actor"`
	ActorKind    ActorKind      `json:"actor_kind"`
	Target       string         `json:"target"`
	Success      bool           `json:"success"`
	Details      map[string]any `json:"details,omitempty"`
}
