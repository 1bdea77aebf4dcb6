// Package canonical fija la codificación binaria determinística que se
// firma y verifica. Cualquier verificador tiene que poder reproducirla
// byte a byte, así que el layout queda pineado acá y en los tests.
package canonical

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/dropDatabas3/signet/internal/domain"
)

// encMode is the deterministic CBOR encoder: canonical key order,
// no indefinite lengths, unix timestamps. Decoding is lenient for
// forward compatibility.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("canonical: encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("canonical: decoder mode: %v", err))
	}
}

// signPayload is the exact signed shape. Integer keys in fixed order;
// changing a tag number here breaks every deployed verifier.
type signPayload struct {
	MessageID     string         `cbor:"1,keyasint"`
	Tier          string         `cbor:"2,keyasint"`
	Content       map[string]any `cbor:"3,keyasint"`
	TargetDevices []string       `cbor:"4,keyasint"`
	IssuedAtUnix  int64          `cbor:"5,keyasint"`
	ExpiryUnix    int64          `cbor:"6,keyasint"`
	Nonce         string         `cbor:"7,keyasint"`
}

// MessageBytes builds the canonical byte encoding a signature covers.
// Authorizations y signature quedan afuera a propósito: las aprobaciones
// son tokens firmados aparte sobre el message id.
func MessageBytes(m *domain.SignedMessage) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("canonical: nil message")
	}
	p := signPayload{
		MessageID:     m.MessageID,
		Tier:          string(m.Tier),
		Content:       m.Content,
		TargetDevices: m.TargetDevices,
		IssuedAtUnix:  m.IssuedAt.Unix(),
		ExpiryUnix:    m.Expiry.Unix(),
		Nonce:         m.Nonce,
	}
	b, err := encMode.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal message: %w", err)
	}
	return b, nil
}

// Marshal encodes any value with the deterministic mode. Used by the
// audit chain so entry hashes are reproducible.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR produced by Marshal.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
