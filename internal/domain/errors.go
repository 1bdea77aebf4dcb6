package domain

import "errors"

// Error taxonomy del core. Los handlers y CLIs mapean estos sentinels
// a status codes / exit codes; los packages internos solo los envuelven
// con fmt.Errorf("...: %w", err).
var (
	// ErrAuthorization: approver duplicado o quorum insuficiente.
	// Terminal para el intento; requiere una nueva ronda de autorización.
	ErrAuthorization = errors.New("authorization rejected")

	// ErrSigningBackend: fallo o timeout del keystore. Retryable por el
	// caller contra el mismo mensaje todavía Authorized.
	ErrSigningBackend = errors.New("signing backend unavailable")

	// ErrUnknownTierKey: ningún key activo ligado al tier.
	ErrUnknownTierKey = errors.New("no active key bound to tier")

	ErrExpiredMessage   = errors.New("message expired")
	ErrReplayDetected   = errors.New("replay detected")
	ErrSignatureInvalid = errors.New("signature invalid")

	// ErrChainIntegrity: la cadena de auditoría no verifica. Fatal para
	// decisiones automáticas de confianza; requiere operador.
	ErrChainIntegrity = errors.New("audit chain integrity violation")

	// ErrPeerTrust: firma o acuerdo de un peer/anchor externo no válido.
	ErrPeerTrust = errors.New("peer trust rejected")

	// ErrUnknownEventKind: el clasificador no cubre el event kind.
	// El caller debe tratarlo como el tier más conservador.
	ErrUnknownEventKind = errors.New("unknown event kind")

	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
