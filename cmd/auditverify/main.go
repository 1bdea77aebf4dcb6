// auditverify recorre un ledger JSONL offline y recalcula la cadena de
// hashes completa. Exit code 0 = cadena íntegra, 1 = rota, 2 = error de
// lectura. Pensado para correr desde cron o en una máquina separada del
// control point.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dropDatabas3/signet/internal/auditlog"
)

func main() {
	var path string

	root := &cobra.Command{
		Use:   "auditverify",
		Short: "Verifica la integridad de un audit ledger offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := auditlog.ReadLedgerFile(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "read ledger: %v\n", err)
				os.Exit(2)
			}
			ok, broken := auditlog.VerifyEntries(entries)
			if ok {
				fmt.Printf("ok: %d entries, chain intact\n", len(entries))
				return nil
			}
			for _, r := range broken {
				fmt.Printf("BROKEN: entries %d..%d are not trustworthy\n", r.From, r.To)
			}
			os.Exit(1)
			return nil
		},
	}
	root.Flags().StringVar(&path, "ledger", "data/audit.jsonl", "ruta del ledger JSONL")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
