// Package config carga la configuración desde YAML y la pisa con
// variables de entorno. La config es inmutable después de Load.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/notify"
	"github.com/dropDatabas3/signet/internal/tier"
)

// Duration acepta el formato de time.ParseDuration en YAML ("30s",
// "15m", "48h"). yaml.v3 no parsea strings a time.Duration solo.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	dd, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(dd)
	return nil
}

// Std devuelve el time.Duration equivalente.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type ApproverEntry struct {
	ID        string `yaml:"id"`
	PublicKey string `yaml:"public_key"` // base64 (raw ed25519, 32 bytes)
}

type TierOverride struct {
	MinAuthorizations *int      `yaml:"min_authorizations"`
	TTL               *Duration `yaml:"ttl"`
	MaxLatency        *Duration `yaml:"max_latency"`
}

type PeerEntry struct {
	ID           string   `yaml:"id"`
	PublicKey    string   `yaml:"public_key"`
	AllowedTiers []string `yaml:"allowed_tiers"`
}

type AnchorEntry struct {
	KID       string `yaml:"kid"`
	PublicKey string `yaml:"public_key"`
}

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Keystore struct {
		Backend string `yaml:"backend"` // "file" | "hsm"
		File    struct {
			Dir        string `yaml:"dir"`
			Passphrase string `yaml:"passphrase"`
		} `yaml:"file"`
		HSM struct {
			BaseURL string   `yaml:"base_url"`
			Token   string   `yaml:"token"`
			Timeout Duration `yaml:"timeout"`
		} `yaml:"hsm"`
	} `yaml:"keystore"`

	Keyring struct {
		Dir            string   `yaml:"dir"`
		RotationWindow Duration `yaml:"rotation_window"`
	} `yaml:"keyring"`

	Approvers []ApproverEntry `yaml:"approvers"`

	Tiers map[string]TierOverride `yaml:"tiers"`

	Replay struct {
		Kind     string `yaml:"kind"` // "memory" | "redis"
		Capacity int    `yaml:"capacity"`
		Redis    struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"replay"`

	Audit struct {
		Backend string `yaml:"backend"` // "fs" | "pg" | "raft"
		FS      struct {
			Path string `yaml:"path"`
		} `yaml:"fs"`
		Postgres struct {
			DSN string `yaml:"dsn"`
		} `yaml:"postgres"`
		Raft struct {
			NodeID    string   `yaml:"node_id"`
			BindAddr  string   `yaml:"bind_addr"`
			DataDir   string   `yaml:"data_dir"`
			Bootstrap bool     `yaml:"bootstrap"`
			Peers     []string `yaml:"peers"`
		} `yaml:"raft"`
	} `yaml:"audit"`

	Relay struct {
		Peers []PeerEntry `yaml:"peers"`
	} `yaml:"relay"`

	Feed struct {
		Anchors []AnchorEntry `yaml:"anchors"`
		MaxAge  Duration      `yaml:"max_age"`
	} `yaml:"feed"`

	Notify struct {
		SMTP notify.SMTPConfig `yaml:"smtp"`
	} `yaml:"notify"`

	Verify struct {
		ClockSkew     Duration `yaml:"clock_skew"`
		TrustCacheTTL Duration `yaml:"trust_cache_ttl"`
	} `yaml:"verify"`

	// RateLimit aplica fixed-window por IP sobre todo /v1. Max 0 lo
	// desactiva. Con replay redis el límite se comparte entre nodos.
	RateLimit struct {
		Max    int      `yaml:"max"`
		Window Duration `yaml:"window"`
	} `yaml:"rate_limit"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if c.Keystore.Backend == "" {
		c.Keystore.Backend = "file"
	}
	if c.Keystore.File.Dir == "" {
		c.Keystore.File.Dir = "data/keys"
	}
	if c.Keystore.HSM.Timeout == 0 {
		c.Keystore.HSM.Timeout = Duration(5 * time.Second)
	}
	if c.Keyring.Dir == "" {
		c.Keyring.Dir = "data/keyring"
	}
	if c.Keyring.RotationWindow == 0 {
		c.Keyring.RotationWindow = Duration(48 * time.Hour)
	}
	if c.Replay.Kind == "" {
		c.Replay.Kind = "memory"
	}
	if c.Replay.Capacity == 0 {
		c.Replay.Capacity = 4096
	}
	if c.Audit.Backend == "" {
		c.Audit.Backend = "fs"
	}
	if c.Audit.FS.Path == "" {
		c.Audit.FS.Path = "data/audit.jsonl"
	}
	if c.Feed.MaxAge == 0 {
		c.Feed.MaxAge = Duration(15 * time.Minute)
	}
	if c.Verify.ClockSkew == 0 {
		c.Verify.ClockSkew = Duration(30 * time.Second)
	}
	if c.Verify.TrustCacheTTL == 0 {
		c.Verify.TrustCacheTTL = Duration(15 * time.Second)
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = Duration(time.Minute)
	}

	c.applyEnvOverrides()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno. Los
// secretos (passphrase, DSN, SMTP) normalmente entran por acá.
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("KEYSTORE_BACKEND"); ok {
		c.Keystore.Backend = v
	}
	if v, ok := getEnvStr("KEYSTORE_FILE_DIR"); ok {
		c.Keystore.File.Dir = v
	}
	if v, ok := getEnvStr("KEYSTORE_PASSPHRASE"); ok {
		c.Keystore.File.Passphrase = v
	}
	if v, ok := getEnvStr("KEYSTORE_HSM_URL"); ok {
		c.Keystore.HSM.BaseURL = v
	}
	if v, ok := getEnvStr("KEYSTORE_HSM_TOKEN"); ok {
		c.Keystore.HSM.Token = v
	}
	if v, ok := getEnvDur("KEYRING_ROTATION_WINDOW"); ok {
		c.Keyring.RotationWindow = Duration(v)
	}
	if v, ok := getEnvStr("REPLAY_KIND"); ok {
		c.Replay.Kind = v
	}
	if v, ok := getEnvInt("REPLAY_CAPACITY"); ok {
		c.Replay.Capacity = v
	}
	if v, ok := getEnvStr("REPLAY_REDIS_ADDR"); ok {
		c.Replay.Redis.Addr = v
	}
	if v, ok := getEnvStr("AUDIT_BACKEND"); ok {
		c.Audit.Backend = v
	}
	if v, ok := getEnvStr("AUDIT_FS_PATH"); ok {
		c.Audit.FS.Path = v
	}
	if v, ok := getEnvInt("RATE_LIMIT_MAX"); ok {
		c.RateLimit.Max = v
	}
	if v, ok := getEnvStr("AUDIT_PG_DSN"); ok {
		c.Audit.Postgres.DSN = v
	}
	if v, ok := getEnvStr("SMTP_HOST"); ok {
		c.Notify.SMTP.Host = v
	}
	if v, ok := getEnvInt("SMTP_PORT"); ok {
		c.Notify.SMTP.Port = v
	}
	if v, ok := getEnvStr("SMTP_USERNAME"); ok {
		c.Notify.SMTP.Username = v
	}
	if v, ok := getEnvStr("SMTP_PASSWORD"); ok {
		c.Notify.SMTP.Password = v
	}
	if v, ok := getEnvDur("VERIFY_CLOCK_SKEW"); ok {
		c.Verify.ClockSkew = Duration(v)
	}
}

func (c *Config) Validate() error {
	switch c.Keystore.Backend {
	case "file", "hsm":
	default:
		return fmt.Errorf("config: unknown keystore backend %q", c.Keystore.Backend)
	}
	if c.Keystore.Backend == "file" && c.Keystore.File.Passphrase == "" {
		return fmt.Errorf("config: file keystore requires a passphrase (KEYSTORE_PASSPHRASE)")
	}
	switch c.Replay.Kind {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unknown replay cache kind %q", c.Replay.Kind)
	}
	switch c.Audit.Backend {
	case "fs", "pg", "raft":
	default:
		return fmt.Errorf("config: unknown audit backend %q", c.Audit.Backend)
	}
	if _, err := c.ApproverPool(); err != nil {
		return err
	}
	for t, ov := range c.Tiers {
		if !domain.Tier(t).Valid() {
			return fmt.Errorf("config: tier override for unknown tier %q", t)
		}
		if ov.TTL != nil && ov.TTL.Std() <= 0 {
			return fmt.Errorf("config: tier %q: ttl must be positive", t)
		}
	}
	return nil
}

// ApproverPool decodifica el pool de approvers a claves ed25519.
func (c *Config) ApproverPool() (map[string]ed25519.PublicKey, error) {
	pool := make(map[string]ed25519.PublicKey, len(c.Approvers))
	for _, a := range c.Approvers {
		pk, err := decodeKey(a.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("config: approver %q: %w", a.ID, err)
		}
		pool[a.ID] = pk
	}
	return pool, nil
}

// TierOverrides traduce las entradas YAML a overrides parciales. Los
// campos ausentes quedan nil y heredan la tabla por defecto del engine.
func (c *Config) TierOverrides() map[domain.Tier]tier.Override {
	out := make(map[domain.Tier]tier.Override, len(c.Tiers))
	for name, ov := range c.Tiers {
		o := tier.Override{MinAuthorizations: ov.MinAuthorizations}
		if ov.TTL != nil {
			d := ov.TTL.Std()
			o.TTL = &d
		}
		if ov.MaxLatency != nil {
			d := ov.MaxLatency.Std()
			o.MaxLatency = &d
		}
		out[domain.Tier(name)] = o
	}
	return out
}

// RelayPeer es la forma decodificada de PeerEntry.
type RelayPeer struct {
	ID           string
	PublicKey    ed25519.PublicKey
	AllowedTiers map[domain.Tier]bool
}

// RelayPeers decodifica los peers de mutual aid.
func (c *Config) RelayPeers() ([]RelayPeer, error) {
	out := make([]RelayPeer, 0, len(c.Relay.Peers))
	for _, p := range c.Relay.Peers {
		pk, err := decodeKey(p.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("config: relay peer %q: %w", p.ID, err)
		}
		allowed := make(map[domain.Tier]bool, len(p.AllowedTiers))
		for _, t := range p.AllowedTiers {
			if !domain.Tier(t).Valid() {
				return nil, fmt.Errorf("config: relay peer %q: unknown tier %q", p.ID, t)
			}
			allowed[domain.Tier(t)] = true
		}
		out = append(out, RelayPeer{ID: p.ID, PublicKey: pk, AllowedTiers: allowed})
	}
	return out, nil
}

// FeedAnchors decodifica los trust anchors del feed.
func (c *Config) FeedAnchors() (map[string]ed25519.PublicKey, error) {
	out := make(map[string]ed25519.PublicKey, len(c.Feed.Anchors))
	for _, a := range c.Feed.Anchors {
		pk, err := decodeKey(a.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("config: feed anchor %q: %w", a.KID, err)
		}
		out[a.KID] = pk
	}
	return out, nil
}

func decodeKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("bad base64 public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
