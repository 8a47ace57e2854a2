package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/executor"
	"github.com/danmuck/relayctl/internal/logging"
	"github.com/danmuck/relayctl/internal/service"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	envFile    string

	templateKind  string
	templateOut   string
	templateForce bool
	validatePath  string

	execURL         string
	execIdentity    string
	execToken       string
	execCAFile      string
	execMaxAttempts int
)

var rootCmd = &cobra.Command{
	Use:           "relayctl",
	Short:         "Command relay between HTTP controllers and WebSocket executors",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFile); err != nil {
			return err
		}
		logging.ConfigureRuntime()
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay: executor gateway plus controller API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServiceConfig(configPath)
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		svc, err := service.NewServiceWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		return svc.Run(ctx)
	},
}

var executorCmd = &cobra.Command{
	Use:   "executor",
	Short: "Run a reference executor that echoes every command",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := executor.DefaultConfig()
		cfg.URL = execURL
		cfg.Identity = execIdentity
		cfg.MaxConnectAttempts = execMaxAttempts
		if tok := strings.TrimSpace(execToken); tok != "" {
			cfg.Header = http.Header{"Authorization": []string{"Bearer " + tok}}
		}
		if execCAFile != "" {
			tlsCfg, err := loadCAConfig(execCAFile)
			if err != nil {
				return err
			}
			cfg.TLSConfig = tlsCfg
		}
		client, err := executor.NewClient(cfg, executor.EchoHandler())
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()

		err = client.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or check relayctl config files",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(templateOut, templateKind, templateForce); err != nil {
			return err
		}
		log.Info().Str("kind", templateKind).Str("path", templateOut).Msg("relayctl.config template written")
		return nil
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load a config file with environment overrides and report errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadServiceConfig(validatePath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: node=%s addr=%s store=%s documents=%t\n",
			cfg.NodeName, cfg.ListenAddr, cfg.Store.Backend, cfg.Documents.Enabled)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before config (missing file is ignored)")

	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to relayctl config.toml")

	executorCmd.Flags().StringVar(&execURL, "url", "ws://127.0.0.1:9000/ws", "relay executor endpoint")
	executorCmd.Flags().StringVar(&execIdentity, "identity", "", "executor identity to register")
	executorCmd.Flags().StringVar(&execToken, "token", "", "bearer token sent on the upgrade request")
	executorCmd.Flags().StringVar(&execCAFile, "ca-file", "", "PEM bundle trusted for wss:// relays")
	executorCmd.Flags().IntVar(&execMaxAttempts, "max-attempts", 0, "connect attempts per session before giving up (0 = unlimited)")
	_ = executorCmd.MarkFlagRequired("identity")

	configInitCmd.Flags().StringVar(&templateKind, "kind", config.KindRelay, "template kind: "+strings.Join(config.Kinds(), "|"))
	configInitCmd.Flags().StringVarP(&templateOut, "output", "o", "config.toml", "output path")
	configInitCmd.Flags().BoolVar(&templateForce, "force", false, "overwrite an existing file")
	configValidateCmd.Flags().StringVarP(&validatePath, "config", "c", "config.toml", "path to relayctl config.toml")
	configCmd.AddCommand(configInitCmd, configValidateCmd)

	rootCmd.AddCommand(serveCmd, executorCmd, configCmd)
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func loadCAConfig(path string) (*tls.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("ca file %q holds no certificates", path)
	}
	return &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("relayctl exited")
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}
