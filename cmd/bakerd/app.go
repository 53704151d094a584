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
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bakerd"
	"bakerd/internal/logfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("BAKERD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "bakerd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		var exit *exitStatusError
		if errors.As(err, &exit) {
			return exit.code
		}
		if err != context.Canceled {
			if rootInvocation {
				logfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether the argument list runs
// the daemon itself rather than a subcommand. The answer picks the
// error channel: structured log for the daemon, plain stderr for
// one-shot client commands.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	if len(args) == 0 {
		return true
	}
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	remainingHasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if !isSubcommandToken(root, tok) {
				continue
			}
			return true
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if strings.HasPrefix(arg, "--") && arg != "--" {
			if eq := strings.IndexByte(arg, '='); eq >= 0 {
				i++
				continue
			}
			name := strings.TrimPrefix(arg, "--")
			flag := lookupLong(name)
			if flag == nil {
				return !remainingHasSubcommand(args[i+1:])
			}
			i++
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
			continue
		}
		if strings.HasPrefix(arg, "-") && arg != "-" {
			sh := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range sh {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !remainingHasSubcommand(args[i+1:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(sh)-1 {
						consumeNext = true
					}
					break
				}
			}
			i++
			if consumeNext && i < len(args) {
				i++
			}
			continue
		}
		return !isSubcommandToken(root, arg)
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() {
			return true
		}
		for _, alias := range sub.Aliases {
			if token == alias {
				return true
			}
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := bakerd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, bakerd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
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

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "bakerd",
		Short:         "bakerd is a cluster-wide lock daemon: a line-protocol message hub with a Bakery-style lock coordinator",
		SilenceErrors: true,
		Example: `
  # Single daemon on the default port
  bakerd

  # Three-daemon cluster member
  bakerd --server-name alpha --peer beta:4411 --peer gamma:4411

  # mTLS cluster member (same bundle on every daemon and client)
  bakerd --bundle ~/.bakerd/bundle.pem --peer beta:4411

  # Hold the cluster lock around a command
  bakerd lock nightly-report -- ./report.sh
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := logfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true
			logfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to bakerd",
				"app", "bakerd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg bakerd.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}

			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = bakerd.DefaultLogLevel
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = logfields.WithSubsystem(logger, "cli.root")
			}

			server, err := bakerd.NewServer(cfg, bakerd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.bakerd/"+bakerd.DefaultConfigFileName+")")
	clientCfg := addClientFlags(cmd)

	flags := cmd.Flags()
	flags.String("server-name", "", "daemon name on the wire (default hostname; must be unique in the cluster)")
	flags.String("listen", bakerd.DefaultListen, "TCP listen address for peers, services and clients")
	flags.String("control-listen", bakerd.DefaultControlListen, "UDP control socket address (STOP/PING/DEBUG datagrams; empty disables)")
	flags.StringSlice("peer", nil, "peer daemon address (host:port, repeatable or comma-separated)")
	flags.Duration("reconnect-pause", bakerd.DefaultReconnectPause, "pause between redial attempts on a lost peer link")
	flags.Duration("default-timeout", bakerd.DefaultDefaultTimeout, "lock wait bound applied when LOCK carries none")
	flags.Duration("min-timeout", bakerd.DefaultMinimumTimeout, "floor clamped onto client lock wait bounds")
	flags.Duration("max-timeout", bakerd.DefaultMaximumTimeout, "ceiling clamped onto client lock wait bounds")
	flags.Duration("default-duration", bakerd.DefaultDefaultDuration, "lock hold granted when LOCK carries no duration")
	flags.Duration("max-duration", bakerd.DefaultMaximumDuration, "hard ceiling on lock holds")
	flags.Duration("cleanup-interval", bakerd.DefaultCleanupInterval, "tick frequency of the expired-ticket sweep")
	flags.Duration("run-timeout", bakerd.DefaultRunTimeout, "reactor sleep bound when no event or timer is due")
	flags.Int("event-limit", bakerd.DefaultEventLimit, "queued events one connection may consume per reactor pass")
	flags.String("metrics-listen", bakerd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", bakerd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("guard-enabled", false, "enable listener-level connection guarding")
	flags.Int("guard-failure-threshold", bakerd.DefaultGuardFailureThreshold, "suspicious connection failures before an IP is blocked")
	flags.Duration("guard-failure-window", bakerd.DefaultGuardFailureWindow, "window used to count suspicious connection failures")
	flags.Duration("guard-block-duration", bakerd.DefaultGuardBlockDuration, "time to block an IP after reaching the failure threshold")
	flags.String("log-level", bakerd.DefaultLogLevel, "daemon log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("BAKERD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"server-name", "listen", "control-listen", "peer", "reconnect-pause",
		"default-timeout", "min-timeout", "max-timeout", "default-duration", "max-duration",
		"cleanup-interval", "run-timeout", "event-limit",
		"metrics-listen", "pprof-listen", "bundle",
		"guard-enabled", "guard-failure-threshold", "guard-failure-window", "guard-block-duration",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newLockCommand(clientCfg))
	cmd.AddCommand(newUnlockCommand(clientCfg))
	cmd.AddCommand(newStatusCommand(clientCfg))
	cmd.AddCommand(newTicketsCommand(clientCfg))
	cmd.AddCommand(newPingCommand(clientCfg))
	cmd.AddCommand(newStopCommand(clientCfg))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newAuthCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *bakerd.Config) error {
	cfg.ServerName = viper.GetString("server-name")
	cfg.Listen = viper.GetString("listen")
	cfg.ControlListen = viper.GetString("control-listen")
	cfg.Peers = splitPeers(viper.GetStringSlice("peer"))
	cfg.ReconnectPause = viper.GetDuration("reconnect-pause")
	cfg.DefaultTimeout = viper.GetDuration("default-timeout")
	cfg.MinimumTimeout = viper.GetDuration("min-timeout")
	cfg.MaximumTimeout = viper.GetDuration("max-timeout")
	cfg.DefaultDuration = viper.GetDuration("default-duration")
	cfg.MaximumDuration = viper.GetDuration("max-duration")
	cfg.CleanupInterval = viper.GetDuration("cleanup-interval")
	cfg.RunTimeout = viper.GetDuration("run-timeout")
	cfg.EventLimit = viper.GetInt("event-limit")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.BundlePath = viper.GetString("bundle")
	cfg.GuardEnabled = viper.GetBool("guard-enabled")
	cfg.GuardFailureThreshold = viper.GetInt("guard-failure-threshold")
	cfg.GuardFailureWindow = viper.GetDuration("guard-failure-window")
	cfg.GuardBlockDuration = viper.GetDuration("guard-block-duration")
	cfg.LogLevel = viper.GetString("log-level")
	return nil
}

// splitPeers flattens repeated --peer flags and comma-separated env
// values (BAKERD_PEER="beta:4411,gamma:4411") into one list.
func splitPeers(raw []string) []string {
	var peers []string
	for _, entry := range raw {
		for _, p := range strings.Split(entry, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				peers = append(peers, p)
			}
		}
	}
	return peers
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
