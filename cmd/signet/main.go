package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/authz"
	"github.com/dropDatabas3/signet/internal/cluster"
	"github.com/dropDatabas3/signet/internal/config"
	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/feed"
	"github.com/dropDatabas3/signet/internal/httpapi"
	"github.com/dropDatabas3/signet/internal/keyring"
	"github.com/dropDatabas3/signet/internal/keystore"
	"github.com/dropDatabas3/signet/internal/metrics"
	"github.com/dropDatabas3/signet/internal/notify"
	"github.com/dropDatabas3/signet/internal/observability/logger"
	"github.com/dropDatabas3/signet/internal/rate"
	"github.com/dropDatabas3/signet/internal/relay"
	"github.com/dropDatabas3/signet/internal/signer"
	"github.com/dropDatabas3/signet/internal/tier"
	"github.com/dropDatabas3/signet/internal/verifier"
)

func main() {
	// .env es opcional; en prod todo viene del entorno real.
	_ = godotenv.Load()

	var configPath string

	root := &cobra.Command{
		Use:   "signet",
		Short: "Control point de autorización y firma para señalética urbana",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "ruta del config YAML")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Levanta el control point (HTTP + firma + audit)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath)
		},
	}
	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(logger.Config{Env: cfg.App.Env, Level: "info", ServiceName: "signet"})
	defer func() { _ = logger.Sync() }()
	log := logger.Named("main")

	if err := metrics.Register(nil); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := metrics.RegisterRaft(nil); err != nil {
		return fmt.Errorf("register raft metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Approver pool
	pool, err := cfg.ApproverPool()
	if err != nil {
		return err
	}
	registry := authz.NewRegistry(pool)

	// Keystore
	var keys keystore.KeyStore
	switch cfg.Keystore.Backend {
	case "hsm":
		keys = keystore.NewHSMKeyStore(cfg.Keystore.HSM.BaseURL, cfg.Keystore.HSM.Timeout.Std(), registry, 2).
			WithToken(cfg.Keystore.HSM.Token)
	default:
		fks, err := keystore.NewFileKeyStore(cfg.Keystore.File.Dir, cfg.Keystore.File.Passphrase, registry, 2)
		if err != nil {
			return fmt.Errorf("open file keystore: %w", err)
		}
		keys = fks
	}

	// Audit store
	var store auditlog.Store
	var closeStore func()
	switch cfg.Audit.Backend {
	case "pg":
		pg, err := auditlog.NewPGStore(ctx, cfg.Audit.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open audit pg store: %w", err)
		}
		store = pg
		closeStore = pg.Close
	case "raft":
		local := auditlog.NewMemoryStore()
		node, err := cluster.NewNode(cluster.NodeOptions{
			NodeID:    cfg.Audit.Raft.NodeID,
			BindAddr:  cfg.Audit.Raft.BindAddr,
			DataDir:   cfg.Audit.Raft.DataDir,
			FSM:       cluster.NewAuditFSM(local),
			Bootstrap: cfg.Audit.Raft.Bootstrap,
			Peers:     cfg.Audit.Raft.Peers,
		})
		if err != nil {
			return fmt.Errorf("start raft node: %w", err)
		}
		store = cluster.NewRaftStore(node, local)
		closeStore = func() { _ = node.Close() }
	default:
		fs, err := auditlog.OpenFileStore(cfg.Audit.FS.Path)
		if err != nil {
			return fmt.Errorf("open audit file store: %w", err)
		}
		store = fs
		closeStore = func() { _ = fs.Close() }
	}
	if closeStore != nil {
		defer closeStore()
	}

	audit, err := auditlog.Open(ctx, store)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	// La cadena se verifica al boot; un ledger roto no arranca en modo
	// autoritativo.
	if ok, broken, err := audit.VerifyChain(ctx); err != nil {
		return fmt.Errorf("verify audit chain: %w", err)
	} else if !ok {
		return fmt.Errorf("audit chain broken (%d ranges): manual intervention required: %w",
			len(broken), domain.ErrChainIntegrity)
	}

	// Keyring: una clave activa por tier, generada al vuelo si falta. El
	// ledger ya está abierto, así que el bootstrap de claves queda auditado.
	ring, err := keyring.Open(cfg.Keyring.Dir, keys, cfg.Keyring.RotationWindow.Std())
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	ring = ring.WithAudit(audit)
	engine := tier.NewEngine(cfg.TierOverrides())
	for _, t := range []domain.Tier{
		domain.TierInformational, domain.TierAdvisory, domain.TierWarning,
		domain.TierEmergency, domain.TierPassThrough,
	} {
		if _, err := ring.EnsureActive(ctx, t); err != nil {
			return fmt.Errorf("ensure key for %s: %w", t, err)
		}
	}

	// Core pipeline
	sg := signer.New(keys, ring, audit, 0)
	workflow := authz.NewWorkflow(registry, sg, audit)

	var replay verifier.ReplayCache
	if cfg.Replay.Kind == "redis" {
		replay = verifier.NewRedisReplayCache(cfg.Replay.Redis.Addr, cfg.Replay.Redis.DB, cfg.Replay.Redis.Prefix)
	} else {
		replay = verifier.NewMemoryReplayCache(cfg.Replay.Capacity, engine.MaxTTL())
	}

	var tamper verifier.TamperSink = notify.NopNotifier{}
	if cfg.Notify.SMTP.Host != "" {
		tamper = notify.NewSMTPNotifier(cfg.Notify.SMTP)
	}
	trust := verifier.NewCachedTrust(ring, cfg.Verify.TrustCacheTTL.Std())
	ver := verifier.New(replay, trust, workflow, audit,
		verifier.WithClockSkew(cfg.Verify.ClockSkew.Std()),
		verifier.WithTamperSink(tamper))

	peers, err := cfg.RelayPeers()
	if err != nil {
		return err
	}
	relayPeers := make([]relay.Peer, 0, len(peers))
	for _, p := range peers {
		relayPeers = append(relayPeers, relay.Peer{
			ID: p.ID, PublicKey: p.PublicKey, AllowedTiers: p.AllowedTiers,
		})
	}
	rl := relay.New(relayPeers, engine, workflow, audit)

	anchors, err := cfg.FeedAnchors()
	if err != nil {
		return err
	}
	feedAnchors := make([]feed.Anchor, 0, len(anchors))
	for kid, pk := range anchors {
		feedAnchors = append(feedAnchors, feed.Anchor{KID: kid, PublicKey: pk})
	}
	ingestor := feed.NewIngestor(feedAnchors, engine, workflow, audit).
		WithMaxAge(cfg.Feed.MaxAge.Std())

	if _, err := audit.Append(ctx, auditlog.Event{
		Type:      domain.EventBoot,
		Actor:     "signet",
		ActorKind: domain.ActorSystem,
		Success:   true,
		Details:   map[string]any{"audit_backend": cfg.Audit.Backend, "keystore": cfg.Keystore.Backend},
	}); err != nil {
		return fmt.Errorf("boot audit entry: %w", err)
	}

	var limiter rate.Limiter
	if cfg.RateLimit.Max > 0 {
		if cfg.Replay.Kind == "redis" {
			limiter = rate.NewRedisLimiter(
				rdb.NewClient(&rdb.Options{Addr: cfg.Replay.Redis.Addr, DB: cfg.Replay.Redis.DB}),
				"", cfg.RateLimit.Max, cfg.RateLimit.Window.Std())
		} else {
			limiter = rate.NewMemoryLimiter(cfg.RateLimit.Max, cfg.RateLimit.Window.Std())
		}
	}

	api := &httpapi.Server{
		Tiers:    engine,
		Workflow: workflow,
		Verifier: ver,
		Relay:    rl,
		Feed:     ingestor,
		Ring:     ring,
		Audit:    audit,
		Limiter:  limiter,
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("control point listening", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shCtx)
}
