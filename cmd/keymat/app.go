package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/keymat"
	"pkt.systems/keymat/internal/pathutil"
	"pkt.systems/keymat/internal/svcfields"
	"pkt.systems/pslog"
)

// Exit codes, kept distinct per failure class to aid operational diagnosis.
const (
	exitOK           = 0
	exitError        = 1
	exitMaterial     = 2
	exitIO           = 3
	exitVerification = 4
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("KEYMAT_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "keymat")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
		}
		return exitCodeFor(err)
	}
	return exitOK
}

// exitCodeFor maps the engine's error taxonomy onto process exit codes:
// verification failures, input/material errors, and local I/O errors each
// get their own code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, context.Canceled):
		return exitError
	case errors.Is(err, keymat.ErrVerification):
		return exitVerification
	case errors.Is(err, keymat.ErrWrite):
		return exitIO
	case keymat.IsMaterialError(err):
		return exitMaterial
	default:
		return exitError
	}
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "keymat",
		Short:         "keymat materializes the mTLS keystores and truststores a JVM server and its clients load at startup",
		SilenceErrors: true,
		Example: `
  # Materialize PKCS#12 stores from local PEM files
  keymat generate --materials-dir /run/secrets/tls --out-dir /etc/keymat

  # Fetch material from AWS Secrets Manager and upload the client keystore back
  KEYMAT_AWS_REGION=us-west-2 keymat generate --secret-prefix mystack/tls --upload-client-secret

  # Run the built-in pipeline check (non-zero exit on any failure)
  keymat self-test
`,
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file")
	persistentFlags.String("log-level", "", "minimum log level (trace, debug, info, warn, error)")
	for _, name := range []string{"config", "log-level"} {
		if err := viper.BindPFlag(name, persistentFlags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	viper.SetEnvPrefix("KEYMAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	cmd.AddCommand(newGenerateCommand(baseLogger))
	cmd.AddCommand(newSelfTestCommand(baseLogger))
	cmd.AddCommand(newSleepCommand(baseLogger))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

// loadConfigFile feeds an explicit or discovered YAML config file into
// viper. Absence is only an error when the file was named explicitly.
func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".keymat", keymat.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := pathutil.ExpandUserAndEnv(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

// commandLogger applies the configured log level and tags the subsystem.
func commandLogger(baseLogger pslog.Logger, subsystem string) pslog.Logger {
	logger := baseLogger
	if logLevel := strings.TrimSpace(viper.GetString("log-level")); logLevel != "" {
		if level, ok := pslog.ParseLevel(logLevel); ok {
			logger = logger.LogLevel(level)
		}
	}
	return svcfields.WithSubsystem(logger, subsystem)
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
