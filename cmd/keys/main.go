// keys es la CLI de ceremonia de claves: rotación, revocación y
// destrucción con quorum. Opera directo sobre el keystore local, sin
// pasar por el server.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dropDatabas3/signet/internal/auditlog"
	"github.com/dropDatabas3/signet/internal/authz"
	"github.com/dropDatabas3/signet/internal/config"
	"github.com/dropDatabas3/signet/internal/domain"
	"github.com/dropDatabas3/signet/internal/keyring"
	"github.com/dropDatabas3/signet/internal/keystore"
)

func main() {
	_ = godotenv.Load()

	var configPath string

	root := &cobra.Command{
		Use:   "keys",
		Short: "Ceremonias de claves de firma (rotate, revoke, destroy)",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "ruta del config YAML")

	root.AddCommand(listCmd(&configPath))
	root.AddCommand(rotateCmd(&configPath))
	root.AddCommand(revokeCmd(&configPath))
	root.AddCommand(destroyCmd(&configPath))
	root.AddCommand(tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openRing(configPath string) (*keyring.Ring, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	pool, err := cfg.ApproverPool()
	if err != nil {
		return nil, nil, err
	}
	registry := authz.NewRegistry(pool)

	var keys keystore.KeyStore
	if cfg.Keystore.Backend == "hsm" {
		keys = keystore.NewHSMKeyStore(cfg.Keystore.HSM.BaseURL, cfg.Keystore.HSM.Timeout.Std(), registry, 2).
			WithToken(cfg.Keystore.HSM.Token)
	} else {
		fks, err := keystore.NewFileKeyStore(cfg.Keystore.File.Dir, cfg.Keystore.File.Passphrase, registry, 2)
		if err != nil {
			return nil, nil, fmt.Errorf("open keystore: %w", err)
		}
		keys = fks
	}
	ring, err := keyring.Open(cfg.Keyring.Dir, keys, cfg.Keyring.RotationWindow.Std())
	if err != nil {
		return nil, nil, fmt.Errorf("open keyring: %w", err)
	}

	// Las ceremonias también se auditan. La CLI asume el server parado
	// (opera sobre el mismo keystore); con backend raft no hay cómo
	// unirse al cluster desde acá y el ledger queda a cargo del server.
	closer := func() {}
	ctx := context.Background()
	switch cfg.Audit.Backend {
	case "fs":
		fs, err := auditlog.OpenFileStore(cfg.Audit.FS.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit file store: %w", err)
		}
		audit, err := auditlog.Open(ctx, fs)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit log: %w", err)
		}
		ring = ring.WithAudit(audit)
		closer = func() { _ = fs.Close() }
	case "pg":
		pg, err := auditlog.NewPGStore(ctx, cfg.Audit.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit pg store: %w", err)
		}
		audit, err := auditlog.Open(ctx, pg)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit log: %w", err)
		}
		ring = ring.WithAudit(audit)
		closer = pg.Close
	}
	return ring, closer, nil
}

func listCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lista el ring completo (toda la historia de claves)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, done, err := openRing(*configPath)
			if err != nil {
				return err
			}
			defer done()
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "KID\tTIER\tSTATUS\tCREATED\tROTATED")
			for _, k := range ring.All() {
				rotated := "-"
				if k.RotatedAt != nil {
					rotated = k.RotatedAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					k.KID, k.Tier, k.Status, k.CreatedAt.Format("2006-01-02 15:04"), rotated)
			}
			return tw.Flush()
		},
	}
}

func rotateCmd(configPath *string) *cobra.Command {
	var tierName string
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rota la clave activa de un tier (la vieja queda en gracia)",
		RunE: func(cmd *cobra.Command, args []string) error {
			t := domain.Tier(tierName)
			if !t.Valid() {
				return fmt.Errorf("tier %q desconocido", tierName)
			}
			ring, done, err := openRing(*configPath)
			if err != nil {
				return err
			}
			defer done()
			rec, err := ring.Rotate(context.Background(), t)
			if err != nil {
				return err
			}
			fmt.Printf("rotated %s: new kid %s\n", t, rec.KID)
			return nil
		},
	}
	cmd.Flags().StringVar(&tierName, "tier", "", "tier a rotar")
	_ = cmd.MarkFlagRequired("tier")
	return cmd
}

func revokeCmd(configPath *string) *cobra.Command {
	var kid string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoca una clave: deja de ser confiable inmediatamente",
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, done, err := openRing(*configPath)
			if err != nil {
				return err
			}
			defer done()
			if err := ring.Revoke(kid); err != nil {
				return err
			}
			fmt.Printf("revoked %s\n", kid)
			return nil
		},
	}
	cmd.Flags().StringVar(&kid, "kid", "", "kid a revocar")
	_ = cmd.MarkFlagRequired("kid")
	return cmd
}

func destroyCmd(configPath *string) *cobra.Command {
	var kid string
	var tokens []string
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destruye material de clave (requiere quorum de 2 approvals)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ring, done, err := openRing(*configPath)
			if err != nil {
				return err
			}
			defer done()
			err = ring.Destroy(context.Background(), kid, keystore.DestroyProof{Tokens: tokens})
			if err != nil {
				return err
			}
			fmt.Printf("destroyed %s\n", kid)
			return nil
		},
	}
	cmd.Flags().StringVar(&kid, "kid", "", "kid a destruir")
	cmd.Flags().StringArrayVar(&tokens, "token", nil, "approval token (repetible; se necesitan 2 de approvers distintos)")
	_ = cmd.MarkFlagRequired("kid")
	return cmd
}

// tokenCmd firma un approval token con la clave privada de un approver.
// Sirve tanto para autorizar mensajes (subject = message id) como para
// ceremonias de destrucción (subject = destroy:<kid>).
func tokenCmd() *cobra.Command {
	var approverID, keyFile, subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Genera un approval token firmado por un approver",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(keyFile)
			if err != nil {
				return fmt.Errorf("read key file: %w", err)
			}
			seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
			if err != nil {
				return fmt.Errorf("key file must be base64: %w", err)
			}
			var priv ed25519.PrivateKey
			switch len(seed) {
			case ed25519.SeedSize:
				priv = ed25519.NewKeyFromSeed(seed)
			case ed25519.PrivateKeySize:
				priv = ed25519.PrivateKey(seed)
			default:
				return fmt.Errorf("key must be a %d-byte seed or %d-byte private key",
					ed25519.SeedSize, ed25519.PrivateKeySize)
			}
			tok, err := authz.NewApprovalToken(approverID, priv, subject)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&approverID, "approver", "", "id del approver")
	cmd.Flags().StringVar(&keyFile, "key", "", "archivo con la clave privada (base64)")
	cmd.Flags().StringVar(&subject, "subject", "", "message id, o destroy:<kid>")
	_ = cmd.MarkFlagRequired("approver")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
