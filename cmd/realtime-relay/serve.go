package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/philsphicas/realtime-relay/internal/config"
	"github.com/philsphicas/realtime-relay/internal/metrics"
	"github.com/philsphicas/realtime-relay/internal/relay"
	"github.com/philsphicas/realtime-relay/internal/server"
	"github.com/philsphicas/realtime-relay/internal/upstream"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept browser WebSocket sessions and relay them upstream",
		Long: `Start the relay. Every request carrying "Upgrade: websocket" becomes one
session bridged to the upstream realtime endpoint. The API key is read from
the environment (OPENAI_API_KEY by default) on each request, or an Entra ID
token is used with --auth entra.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "relay listen address (default :8787)")
	cmd.Flags().String("upstream-url", "", "realtime endpoint URL (default "+upstream.DefaultURL+")")
	cmd.Flags().String("model", "", "upstream model (default "+upstream.DefaultModel+")")
	cmd.Flags().String("auth", "", "credential source: env or entra (default env)")
	cmd.Flags().String("api-key-env", "", "environment variable holding the API key (default "+upstream.DefaultCredentialEnv+")")
	cmd.Flags().Duration("handshake-timeout", 0, "upstream handshake timeout (default 30s, 0 in config disables)")
	cmd.Flags().Duration("keepalive", 0, "upstream ping interval (default 30s)")
	cmd.Flags().Int("max-sessions", 0, "max concurrent sessions (0 = unlimited)")
	cmd.Flags().Int64("max-message-bytes", 0, "max size of one message on either socket (default 16 MiB)")
	cmd.Flags().Bool("allow-model-override", false, "let clients choose the model with ?model=")
	cmd.Flags().StringSlice("origin", nil, "allowed browser origins (host patterns); all origins if empty")
	cmd.Flags().Bool("debug", false, "log the type of every relayed event")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	creds, err := resolveCredentials(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	var m *metrics.Metrics
	if cfg.MetricsAddr != "" {
		ln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			return fmt.Errorf("metrics listen on %s: %w", cfg.MetricsAddr, err)
		}
		m = metrics.New()
		m.MaxEventTypes = cfg.MetricsMaxEventTypes
		g.Go(func() error {
			if err := m.Serve(ctx, ln, logger); err != nil {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	handler := relay.NewHandler(relay.HandlerConfig{
		Credentials:        creds,
		UpstreamURL:        cfg.Upstream.URL,
		Model:              cfg.Upstream.Model,
		AllowModelOverride: cfg.Relay.AllowModelOverride,
		HandshakeTimeout:   cfg.Upstream.HandshakeTimeout,
		KeepAlive:          cfg.Upstream.KeepAlive,
		MaxSessions:        cfg.Relay.MaxSessions,
		OriginPatterns:     cfg.Relay.OriginPatterns,
		MaxMessageBytes:    cfg.Upstream.MaxMessageBytes,
		Debug:              cfg.Debug,
		Logger:             logger,
		Metrics:            m,
	})
	if len(cfg.Relay.OriginPatterns) == 0 {
		logger.Warn("no origin patterns configured, all browser origins will be accepted")
	}
	logger.Info("relay configured",
		"upstream", cfg.Upstream.URL,
		"model", cfg.Upstream.Model,
		"auth", cfg.Upstream.Auth)

	g.Go(func() error {
		return server.ListenAndServe(ctx, server.Config{
			Addr:    cfg.Listen,
			Handler: handler,
			Logger:  logger,
		})
	})

	return g.Wait()
}

// resolveConfig builds the configuration. Precedence, highest first:
//  1. command-line flags
//  2. REALTIME_RELAY_* environment variables (including ones loaded from the
//     env file)
//  3. the YAML file from --config or REALTIME_RELAY_CONFIG
//  4. built-in defaults
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	required := envFile != ""
	if envFile == "" {
		envFile = config.DefaultEnvFile
	}
	if err := config.LoadEnvFile(envFile, required); err != nil {
		return config.Config{}, err
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv(config.EnvPrefix + "CONFIG")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	applyFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyFlags copies explicitly set flags onto cfg.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}
	integer := func(name string, dst *int) {
		if flags.Changed(name) {
			*dst, _ = flags.GetInt(name)
		}
	}
	boolean := func(name string, dst *bool) {
		if flags.Changed(name) {
			*dst, _ = flags.GetBool(name)
		}
	}

	str("log-level", &cfg.LogLevel)
	str("metrics-addr", &cfg.MetricsAddr)
	integer("metrics-max-event-types", &cfg.MetricsMaxEventTypes)
	str("listen", &cfg.Listen)
	str("upstream-url", &cfg.Upstream.URL)
	str("model", &cfg.Upstream.Model)
	str("auth", &cfg.Upstream.Auth)
	str("api-key-env", &cfg.Upstream.APIKeyEnv)
	dur("handshake-timeout", &cfg.Upstream.HandshakeTimeout)
	dur("keepalive", &cfg.Upstream.KeepAlive)
	integer("max-sessions", &cfg.Relay.MaxSessions)
	if flags.Changed("max-message-bytes") {
		cfg.Upstream.MaxMessageBytes, _ = flags.GetInt64("max-message-bytes")
	}
	boolean("allow-model-override", &cfg.Relay.AllowModelOverride)
	boolean("debug", &cfg.Debug)
	if flags.Changed("origin") {
		cfg.Relay.OriginPatterns, _ = flags.GetStringSlice("origin")
	}
}

// resolveCredentials returns the credential provider for cfg.Upstream.Auth.
// With auth=env the key is read on every request, so a missing key is
// reported per session (401) rather than at startup.
func resolveCredentials(cfg config.Config) (upstream.CredentialProvider, error) {
	switch cfg.Upstream.Auth {
	case config.AuthEntra:
		p, err := upstream.NewEntraCredentialProvider(cfg.Upstream.EntraScope)
		if err != nil {
			return nil, fmt.Errorf("entra auth: %w", err)
		}
		return p, nil
	default:
		return &upstream.EnvCredentialProvider{Var: cfg.Upstream.APIKeyEnv}, nil
	}
}
