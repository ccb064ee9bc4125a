// Command agent runs a standalone vrpc-agent-go process: it loads
// configuration from flags, environment variables, and an optional YAML
// file, and runs an agent session on an MQTT broker until it receives a
// termination signal.
//
// This binary on its own registers no classes; it exists to validate the
// configuration and connection lifecycle end to end. Embedding programs
// that want to expose their own classes should call pkg/agent directly
// rather than shelling out to this binary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cybusio/vrpc-agent-go/pkg/agent"
	"github.com/cybusio/vrpc-agent-go/pkg/broker/pahoclient"
	"github.com/cybusio/vrpc-agent-go/pkg/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	domain     string
	agentName  string
	broker     string
	username   string
	password   string
	token      string
	bestEffort bool
	logLevel   string
	logFormat  string
	configFile string
}

func newRootCmd() *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:   "vrpc-agent",
		Short: "vrpc-agent-go runs a broker-mediated RPC agent",
		Long: `vrpc-agent-go connects registered classes to an MQTT broker and
dispatches incoming RPC envelopes against them, forwarding callbacks and
promise resolutions back to the calling client.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}

	root.AddCommand(newVersionCmd())

	root.Flags().StringVar(&f.domain, "domain", os.Getenv("VRPC_DOMAIN"), "routing domain (required)")
	root.Flags().StringVar(&f.agentName, "agent", os.Getenv("VRPC_AGENT"), "agent name within the domain (required)")
	root.Flags().StringVar(&f.broker, "broker", envOrDefault("VRPC_BROKER", ""), "MQTT broker URL, e.g. mqtts://host:8883")
	root.Flags().StringVar(&f.username, "username", os.Getenv("VRPC_USERNAME"), "broker username")
	root.Flags().StringVar(&f.password, "password", os.Getenv("VRPC_PASSWORD"), "broker password")
	root.Flags().StringVar(&f.token, "token", os.Getenv("VRPC_TOKEN"), "broker auth token (mutually exclusive with username/password)")
	root.Flags().BoolVar(&f.bestEffort, "best-effort", false, "publish and subscribe at QoS 0 instead of QoS 1")
	root.Flags().StringVar(&f.logLevel, "log-level", envOrDefault("VRPC_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	root.Flags().StringVar(&f.logFormat, "log-format", envOrDefault("VRPC_LOG_FORMAT", "text"), "log format (text, json)")
	root.Flags().StringVar(&f.configFile, "config", "", "optional YAML configuration file, merged under flags")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("vrpc-agent " + version)
		},
	}
}

func run(ctx context.Context, f *flags) error {
	cfg, err := resolveConfig(f)
	if err != nil {
		return fmt.Errorf("resolve configuration: %w", err)
	}

	logger := buildLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	brokerClient := pahoclient.New()
	a, err := agent.New(cfg, brokerClient, logger)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	if err := a.Serve(); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("agent connected", "domain", cfg.Domain, "agent", cfg.Agent, "clientId", a.ClientID())

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	logger.Info("shutting down")
	return a.End(false)
}

// resolveConfig merges built-in defaults, an optional YAML file, and CLI
// flags/environment, in that increasing order of precedence.
func resolveConfig(f *flags) (config.Config, error) {
	cfg := config.Defaults()

	if f.configFile != "" {
		fileCfg, err := config.LoadFile(f.configFile)
		if err != nil {
			return config.Config{}, err
		}
		cfg = cfg.MergeFrom(fileCfg)
	}

	cfg = cfg.MergeFrom(config.Config{
		Domain:     f.domain,
		Agent:      f.agentName,
		Broker:     f.broker,
		Username:   f.username,
		Password:   f.password,
		Token:      f.token,
		BestEffort: f.bestEffort,
		Version:    version,
		LogLevel:   f.logLevel,
		LogFormat:  f.logFormat,
	})

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func buildLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
