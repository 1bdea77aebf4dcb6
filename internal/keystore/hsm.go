package keystore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/observability/logger"
)

// HSMKeyStore habla con un módulo de hardware (o su service boundary) por
// HTTP. El material privado nunca cruza el boundary: todas las
// operaciones son por referencia al kid opaco. Un HSM caído es
// ErrSigningBackend — jamás fallback silencioso a un backend más débil.
type HSMKeyStore struct {
	baseURL  string
	token    string
	http     *http.Client
	verifier ApprovalVerifier
	quorum   int
}

// NewHSMKeyStore builds a client with a bounded per-operation timeout.
// Timeouts surface as domain.ErrSigningBackend so callers never block on
// a hardware round-trip.
func NewHSMKeyStore(baseURL string, timeout time.Duration, verifier ApprovalVerifier, destroyQuorum int) *HSMKeyStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if destroyQuorum < 2 {
		destroyQuorum = 2
	}
	return &HSMKeyStore{
		baseURL:  baseURL,
		http:     &http.Client{Timeout: timeout},
		verifier: verifier,
		quorum:   destroyQuorum,
	}
}

// WithToken setea el bearer token del boundary HSM.
func (s *HSMKeyStore) WithToken(token string) *HSMKeyStore {
	s.token = token
	return s
}

type hsmKeyResponse struct {
	KID       string `json:"kid"`
	PublicKey string `json:"public_key"` // base64
}

type hsmSignRequest struct {
	Payload string `json:"payload"` // base64
}

type hsmSignResponse struct {
	Signature string `json:"signature"` // base64
}

func (s *HSMKeyStore) Generate(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	body, _ := json.Marshal(map[string]string{"kid": kid})
	var out hsmKeyResponse
	if err := s.do(ctx, http.MethodPost, "/v1/keys", body, &out); err != nil {
		return nil, fmt.Errorf("hsm generate: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("hsm generate: decode public key: %w", domainBackendErr(err))
	}
	logger.Named("keystore").Info("hsm key generated", logger.KID(kid))
	return ed25519.PublicKey(pub), nil
}

func (s *HSMKeyStore) Sign(ctx context.Context, kid string, data []byte) ([]byte, error) {
	body, _ := json.Marshal(hsmSignRequest{Payload: base64.StdEncoding.EncodeToString(data)})
	var out hsmSignResponse
	if err := s.do(ctx, http.MethodPost, "/v1/keys/"+kid+"/sign", body, &out); err != nil {
		return nil, fmt.Errorf("hsm sign: %w", err)
	}
	sig, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("hsm sign: decode signature: %w", domainBackendErr(err))
	}
	return sig, nil
}

func (s *HSMKeyStore) PublicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	var out hsmKeyResponse
	if err := s.do(ctx, http.MethodGet, "/v1/keys/"+kid, nil, &out); err != nil {
		return nil, fmt.Errorf("hsm public key: %w", err)
	}
	pub, err := base64.StdEncoding.DecodeString(out.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("hsm public key: decode: %w", domainBackendErr(err))
	}
	return ed25519.PublicKey(pub), nil
}

func (s *HSMKeyStore) Destroy(ctx context.Context, kid string, proof DestroyProof) error {
	// El quorum se valida ANTES de tocar el hardware.
	if err := verifyDestroyQuorum(s.verifier, kid, proof, s.quorum); err != nil {
		return fmt.Errorf("destroy %q: %w", kid, err)
	}
	if err := s.do(ctx, http.MethodDelete, "/v1/keys/"+kid, nil, nil); err != nil {
		return fmt.Errorf("hsm destroy: %w", err)
	}
	logger.Named("keystore").Warn("hsm key destroyed", logger.KID(kid))
	return nil
}

func (s *HSMKeyStore) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, rd)
	if err != nil {
		return domainBackendErr(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		// Incluye timeouts: hardware unreachable.
		return domainBackendErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		return domain.ErrConflict
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domainBackendErr(fmt.Errorf("hsm status %d: %s", resp.StatusCode, string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domainBackendErr(err)
	}
	return nil
}
