package canonical

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/signet/internal/domain"
)

func sampleMessage() *domain.SignedMessage {
	return &domain.SignedMessage{
		MessageID: "m1",
		Tier:      domain.TierWarning,
		Content: map[string]any{
			"template": "evacuation-route",
			"zone":     "north",
			"priority": int64(3),
		},
		TargetDevices: []string{"sign-12", "sign-13"},
		IssuedAt:      time.Unix(1700000000, 0).UTC(),
		Expiry:        time.Unix(1700000900, 0).UTC(),
		Nonce:         "a1b2c3d4e5f60718",
	}
}

// El mismo mensaje tiene que codificar igual siempre, sin importar el
// orden de inserción del map de contenido.
func TestMessageBytesDeterministic(t *testing.T) {
	m1 := sampleMessage()
	m2 := sampleMessage()
	// mismo contenido, construido en otro orden
	m2.Content = map[string]any{
		"priority": int64(3),
		"zone":     "north",
		"template": "evacuation-route",
	}

	b1, err := MessageBytes(m1)
	require.NoError(t, err)
	b2, err := MessageBytes(m2)
	require.NoError(t, err)
	require.True(t, bytes.Equal(b1, b2), "canonical encodings differ")

	for i := 0; i < 50; i++ {
		b, err := MessageBytes(sampleMessage())
		require.NoError(t, err)
		require.True(t, bytes.Equal(b1, b))
	}
}

// Cambiar cualquier campo firmado cambia los bytes.
func TestMessageBytesSensitivity(t *testing.T) {
	base, err := MessageBytes(sampleMessage())
	require.NoError(t, err)

	mutations := []func(*domain.SignedMessage){
		func(m *domain.SignedMessage) { m.MessageID = "m2" },
		func(m *domain.SignedMessage) { m.Tier = domain.TierEmergency },
		func(m *domain.SignedMessage) { m.Content["zone"] = "south" },
		func(m *domain.SignedMessage) { m.TargetDevices = []string{"sign-13", "sign-12"} },
		func(m *domain.SignedMessage) { m.IssuedAt = m.IssuedAt.Add(time.Second) },
		func(m *domain.SignedMessage) { m.Expiry = m.Expiry.Add(time.Second) },
		func(m *domain.SignedMessage) { m.Nonce = "ffffffffffffffff" },
	}
	for i, mutate := range mutations {
		m := sampleMessage()
		mutate(m)
		b, err := MessageBytes(m)
		require.NoError(t, err)
		require.False(t, bytes.Equal(base, b), "mutation %d did not change encoding", i)
	}
}

// Authorizations y signature no participan del payload firmado.
func TestMessageBytesExcludesAuthorizationsAndSignature(t *testing.T) {
	m := sampleMessage()
	base, err := MessageBytes(m)
	require.NoError(t, err)

	m.Authorizations = []domain.Authorization{{ApproverID: "op-1", Timestamp: time.Now()}}
	m.Signature = []byte{1, 2, 3}
	m.SigningKeyID = "tier-warning-abc"
	m.State = domain.StateQueued

	b, err := MessageBytes(m)
	require.NoError(t, err)
	require.True(t, bytes.Equal(base, b))
}

func TestMarshalRoundTrip(t *testing.T) {
	type payload struct {
		A string `cbor:"1,keyasint"`
		B int64  `cbor:"2,keyasint"`
	}
	b, err := Marshal(payload{A: "x", B: 7})
	require.NoError(t, err)
	var out payload
	require.NoError(t, Unmarshal(b, &out))
	require.Equal(t, payload{A: "x", B: 7}, out)
}

func TestMessageBytesNil(t *testing.T) {
	_, err := MessageBytes(nil)
	require.Error(t, err)
}
