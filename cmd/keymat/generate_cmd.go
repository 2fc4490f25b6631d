package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/keymat"
	"pkt.systems/keymat/internal/pathutil"
	"pkt.systems/keymat/keystore"
	"pkt.systems/keymat/secrets"
	"pkt.systems/pslog"
)

// Password env overrides, matching the convention of the consuming
// deployment. Generated per run from crypto/rand when unset.
const (
	envServerStorePassword = "KEYMAT_SERVER_STORE_PASSWORD"
	envClientStorePassword = "KEYMAT_CLIENT_STORE_PASSWORD"
)

func newGenerateCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Materialize the identity and trust stores into the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			logger := commandLogger(baseLogger, "cli.generate")

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				logger.Info("loaded config file", "path", configFile)
			}

			if delay := viper.GetInt("delay-seconds"); delay > 0 {
				logger.Info("delaying before processing", "seconds", delay)
				select {
				case <-time.After(time.Duration(delay) * time.Second):
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			outDir, err := pathutil.ExpandUserAndEnv(viper.GetString("out-dir"))
			if err != nil {
				return fmt.Errorf("expand --out-dir: %w", err)
			}
			format, err := keystore.ParseFormat(viper.GetString("store-format"))
			if err != nil {
				return err
			}
			cfg := keymat.Config{
				OutputDir:           outDir,
				Format:              format,
				ServerStorePassword: os.Getenv(envServerStorePassword),
				ClientStorePassword: os.Getenv(envClientStorePassword),
				IncludeClient:       viper.GetBool("include-client"),
				Force:               viper.GetBool("force"),
				WritePasswordFiles:  viper.GetBool("write-passwords"),
			}

			secretPrefix := strings.TrimSpace(viper.GetString("secret-prefix"))
			uploadClient := viper.GetBool("upload-client-secret")
			if uploadClient && secretPrefix == "" {
				return fmt.Errorf("--upload-client-secret requires --secret-prefix")
			}
			if uploadClient && !cfg.IncludeClient {
				return fmt.Errorf("--upload-client-secret requires client material (--include-client)")
			}

			var (
				source   secrets.Source
				smClient secrets.ManagerAPI
			)
			if secretPrefix != "" {
				client, err := secrets.NewManagerClient(ctx, viper.GetString("aws-region"))
				if err != nil {
					return err
				}
				smClient = client
				source = secrets.ManagerSource{Client: client, Prefix: secretPrefix}
				logger.Info("fetching material from secrets manager", "prefix", secretPrefix)
			} else {
				materialsDir, err := pathutil.ExpandUserAndEnv(viper.GetString("materials-dir"))
				if err != nil {
					return fmt.Errorf("expand --materials-dir: %w", err)
				}
				if strings.TrimSpace(materialsDir) == "" {
					return fmt.Errorf("either --materials-dir or --secret-prefix is required")
				}
				source = secrets.DirSource{Dir: materialsDir}
				logger.Info("reading material from directory", "dir", materialsDir)
			}

			result, err := runGenerate(ctx, &cfg, source, logger)
			if err != nil {
				return err
			}

			if uploadClient {
				clientStorePath := cfg.StorePath(keymat.StoreClientIdentity)
				data, err := os.ReadFile(clientStorePath)
				if err != nil {
					return fmt.Errorf("%w: read %s for upload: %v", keymat.ErrWrite, clientStorePath, err)
				}
				name, err := secrets.UploadClientKeystore(ctx, smClient, secretPrefix, data)
				if err != nil {
					return err
				}
				logger.Info("uploaded client keystore", "secret", name)
			}

			for _, store := range result.Stores {
				logger.Debug("store outcome", "store", store.Name, "path", store.Path, "skipped", store.Skipped)
			}
			logger.Info("generation complete", "run", result.RunID, "stores", len(result.Stores))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("out-dir", keymat.DefaultOutputDir, "directory receiving the store files")
	flags.String("store-format", string(keystore.FormatPKCS12), "store serialization format (pkcs12 or jks)")
	flags.String("materials-dir", "", "directory holding <role>.pem material files")
	flags.String("secret-prefix", "", "AWS Secrets Manager prefix holding <prefix>/<role> material")
	flags.String("aws-region", "", "AWS region for secrets manager access")
	flags.Bool("include-client", true, "also produce client-identity and server-trust stores")
	flags.Bool("force", false, "regenerate stores even when inputs are unchanged")
	flags.Bool("write-passwords", false, "write generated store passwords to 0600 sidecar files")
	flags.Bool("upload-client-secret", false, "upload the base64 client keystore to secrets manager")
	flags.Int("delay-seconds", 0, "delay before processing, in seconds")
	bindFlags(cmd)
	return cmd
}

// runGenerate fetches material and runs the assembly pipeline.
func runGenerate(ctx context.Context, cfg *keymat.Config, source secrets.Source, logger pslog.Logger) (*keymat.Result, error) {
	materials, err := secrets.FetchMaterials(ctx, source, cfg.IncludeClient)
	if err != nil {
		return nil, err
	}
	assembler, err := keymat.NewAssembler(cfg, keymat.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return assembler.Assemble(ctx, materials)
}

// bindFlags exposes every command flag through the KEYMAT_* environment.
func bindFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if err := viper.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
}
