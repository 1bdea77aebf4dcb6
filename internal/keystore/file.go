package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/observability/logger"
	"github.com/dropDatabas3/signet/internal/util/atomicwrite"
)

// FileKeyStore guarda claves Ed25519 en disco, una por archivo
// (<kid>.key), con la privada cifrada por una clave derivada de la
// passphrase. Garantías:
//   - Escritura atómica: write tmp → fsync → rename
//   - La privada nunca sale del paquete; Sign opera por referencia
//   - Destroy exige quorum validado igual que las autorizaciones de mensaje
type FileKeyStore struct {
	dir      string
	key      []byte // AES key derivada de la passphrase
	verifier ApprovalVerifier
	quorum   int

	mu    sync.RWMutex
	cache map[string]ed25519.PrivateKey
}

// keyFileData es la estructura JSON en disco. PrivateKeyEnc lleva
// nonce||ciphertext en base64.
type keyFileData struct {
	KID           string    `json:"kid"`
	Algorithm     string    `json:"algorithm"`
	PrivateKeyEnc string    `json:"private_key_enc"`
	PublicKeyB64  string    `json:"public_key"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewFileKeyStore abre (o crea) el directorio de claves. La passphrase
// deriva la clave de cifrado con scrypt; el salt persiste en .salt.
func NewFileKeyStore(dir, passphrase string, verifier ApprovalVerifier, destroyQuorum int) (*FileKeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create keys directory: %w", err)
	}
	saltPath := filepath.Join(dir, ".salt")
	salt, err := os.ReadFile(saltPath)
	if errors.Is(err, fs.ErrNotExist) {
		salt, err = newSalt()
		if err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		if err := os.WriteFile(saltPath, salt, 0600); err != nil {
			return nil, fmt.Errorf("write salt: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("derive store key: %w", err)
	}
	if destroyQuorum < 2 {
		destroyQuorum = 2
	}
	return &FileKeyStore{
		dir:      dir,
		key:      key,
		verifier: verifier,
		quorum:   destroyQuorum,
		cache:    make(map[string]ed25519.PrivateKey),
	}, nil
}

// Generate crea una clave Ed25519 nueva bajo kid. Devuelve solo la pública.
func (s *FileKeyStore) Generate(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	if err := validKID(kid); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(kid)
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("key %q already exists: %w", kid, domain.ErrConflict)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519: %w", domainBackendErr(err))
	}
	enc, err := seal(s.key, priv)
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", domainBackendErr(err))
	}
	data := keyFileData{
		KID:           kid,
		Algorithm:     "EdDSA",
		PrivateKeyEnc: base64.StdEncoding.EncodeToString(enc),
		PublicKeyB64:  base64.StdEncoding.EncodeToString(pub),
		CreatedAt:     time.Now().UTC(),
	}
	if err := s.writeAtomic(path, data); err != nil {
		return nil, fmt.Errorf("persist key: %w", domainBackendErr(err))
	}
	s.cache[kid] = priv
	logger.Named("keystore").Info("signing key generated", logger.String("kid", kid))
	return pub, nil
}

// Sign firma data con la clave kid. Nunca loguea ni devuelve material
// privado.
func (s *FileKeyStore) Sign(ctx context.Context, kid string, data []byte) ([]byte, error) {
	priv, err := s.private(kid)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(priv, data), nil
}

// PublicKey devuelve la pública de kid.
func (s *FileKeyStore) PublicKey(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	kd, err := s.load(kid)
	if err != nil {
		return nil, err
	}
	pub, err := base64.StdEncoding.DecodeString(kd.PublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", domainBackendErr(err))
	}
	return ed25519.PublicKey(pub), nil
}

// Destroy borra el material de kid. Requiere quorum distinto y validado
// igual que las autorizaciones de mensaje; sin quorum →
// domain.ErrAuthorization.
func (s *FileKeyStore) Destroy(ctx context.Context, kid string, proof DestroyProof) error {
	if err := verifyDestroyQuorum(s.verifier, kid, proof, s.quorum); err != nil {
		return fmt.Errorf("destroy %q: %w", kid, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(kid)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("destroy %q: %w", kid, domain.ErrNotFound)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove key file: %w", domainBackendErr(err))
	}
	delete(s.cache, kid)
	logger.Named("keystore").Warn("signing key destroyed", logger.String("kid", kid))
	return nil
}

func (s *FileKeyStore) private(kid string) (ed25519.PrivateKey, error) {
	s.mu.RLock()
	if priv, ok := s.cache[kid]; ok {
		s.mu.RUnlock()
		return priv, nil
	}
	s.mu.RUnlock()

	kd, err := s.load(kid)
	if err != nil {
		return nil, err
	}
	enc, err := base64.StdEncoding.DecodeString(kd.PrivateKeyEnc)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", domainBackendErr(err))
	}
	raw, err := open(s.key, enc)
	if err != nil {
		// Passphrase equivocada o archivo corrupto: nunca degradar.
		return nil, fmt.Errorf("unseal private key: %w", domainBackendErr(err))
	}
	priv := ed25519.PrivateKey(raw)

	s.mu.Lock()
	s.cache[kid] = priv
	s.mu.Unlock()
	return priv, nil
}

func (s *FileKeyStore) load(kid string) (*keyFileData, error) {
	if err := validKID(kid); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.pathFor(kid))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("key %q: %w", kid, domain.ErrNotFound)
	} else if err != nil {
		return nil, fmt.Errorf("read key file: %w", domainBackendErr(err))
	}
	var kd keyFileData
	if err := json.Unmarshal(b, &kd); err != nil {
		return nil, fmt.Errorf("unmarshal key file: %w", domainBackendErr(err))
	}
	return &kd, nil
}

func (s *FileKeyStore) pathFor(kid string) string {
	return filepath.Join(s.dir, kid+".key")
}

func (s *FileKeyStore) writeAtomic(path string, data keyFileData) error {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key data: %w", err)
	}
	return atomicwrite.AtomicWriteFile(path, b, 0600)
}

// validKID evita path traversal en nombres de archivo.
func validKID(kid string) error {
	if kid == "" || strings.ContainsAny(kid, "/\\") || strings.Contains(kid, "..") {
		return fmt.Errorf("invalid kid %q: %w", kid, domain.ErrNotFound)
	}
	return nil
}

// domainBackendErr envuelve fallos del backend en ErrSigningBackend
// preservando la causa.
func domainBackendErr(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrSigningBackend, err)
}
