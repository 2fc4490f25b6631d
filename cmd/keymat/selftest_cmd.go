package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/keymat"
	"pkt.systems/keymat/internal/testpki"
	"pkt.systems/keymat/keystore"
	"pkt.systems/pslog"
)

func newSelfTestCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "self-test",
		Short: "Run the full assembly pipeline against fixture material",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := commandLogger(baseLogger, "cli.selftest")

			fixture, err := testpki.NewFixture(time.Now())
			if err != nil {
				return fmt.Errorf("self-test: build fixture pki: %w", err)
			}
			materials := keymat.RawMaterials{
				ServerCert: fixture.ServerCert,
				ServerKey:  fixture.ServerKey,
				ClientCert: fixture.ClientCert,
				ClientKey:  fixture.ClientKey,
				CAChain:    fixture.CAChain,
			}

			for _, format := range []keystore.Format{keystore.FormatPKCS12, keystore.FormatJKS} {
				dir, err := os.MkdirTemp("", "keymat-selftest-*")
				if err != nil {
					return fmt.Errorf("self-test: %w", err)
				}
				cfg := keymat.Config{
					OutputDir:     dir,
					Format:        format,
					IncludeClient: true,
				}
				assembler, err := keymat.NewAssembler(&cfg, keymat.WithLogger(logger))
				if err != nil {
					os.RemoveAll(dir)
					return err
				}
				result, err := assembler.Assemble(ctx, materials)
				if err != nil {
					os.RemoveAll(dir)
					return fmt.Errorf("self-test %s: %w", format, err)
				}
				if got, want := len(result.Stores), 4; got != want {
					os.RemoveAll(dir)
					return fmt.Errorf("self-test %s: %d stores produced, want %d", format, got, want)
				}
				logger.Info("self-test format passed", "format", format, "stores", len(result.Stores))
				os.RemoveAll(dir)
			}
			logger.Info("self-test passed")
			return nil
		},
	}
	return cmd
}
